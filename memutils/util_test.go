package memutils_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/foundry/memutils"
)

func TestAlignment(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 32))
	require.Equal(t, 32, memutils.AlignUp(1, 32))
	require.Equal(t, 320, memutils.AlignUp(300, 32))
	require.Equal(t, 288, memutils.AlignDown(300, 32))
	require.Equal(t, 300, memutils.AlignUp(300, 1))

	require.True(t, memutils.IsAligned(256, 256))
	require.False(t, memutils.IsAligned(300, 8))
	require.Equal(t, uint(256), memutils.MaxAlignment(32, 256))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(uint(1), "alignment"))
	require.NoError(t, memutils.CheckPow2(64, "alignment"))

	err := memutils.CheckPow2(uint(48), "alignment")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	require.Error(t, memutils.CheckPow2(0, "alignment"))
}

func TestDetailedStatisticsJson(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.HeapCount = 1
	stats.HeapBytes = 1024
	stats.AddAllocation(300)
	stats.AddAllocation(100)
	stats.AddUnusedRange(624)

	require.Equal(t, 624, stats.UnusedBytes())

	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.PrintJson(obj)
	obj.End()
	require.NoError(t, writer.Error())

	require.JSONEq(t, `{
		"HeapCount": 1,
		"HeapBytes": 1024,
		"AllocationCount": 2,
		"AllocationBytes": 400,
		"UnusedRangeCount": 1,
		"AllocationSizeMin": 100,
		"AllocationSizeMax": 300,
		"UnusedRangeSizeMin": 624,
		"UnusedRangeSizeMax": 624
	}`, string(writer.Bytes()))
}
