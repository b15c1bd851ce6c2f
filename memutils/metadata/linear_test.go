package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/foundry/memutils"
	"github.com/vkngwrapper/foundry/memutils/metadata"
)

func TestLinearBumpAllocation(t *testing.T) {
	linear := metadata.NewLinearBlockMetadata()
	linear.Init(256)

	first := allocate(t, linear, 10, 1, 0)
	second := allocate(t, linear, 32, 16, 0)
	third := allocate(t, linear, 8, 64, 0)

	require.Equal(t, 0, offset(t, linear, first))
	require.Equal(t, 16, offset(t, linear, second))
	require.Equal(t, 64, offset(t, linear, third))
	require.Equal(t, 72, linear.Head())
	require.Equal(t, 256-72, linear.SumFreeSize())
	require.Equal(t, 3, linear.AllocationCount())

	var stats memutils.Statistics
	linear.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		HeapCount:       1,
		AllocationCount: 3,
		HeapBytes:       256,
		AllocationBytes: 50,
	}, stats)
}

func TestLinearSpaceReclaimedWhenEmpty(t *testing.T) {
	linear := metadata.NewLinearBlockMetadata()
	linear.Init(128)

	first := allocate(t, linear, 64, 1, 0)
	second := allocate(t, linear, 64, 1, 0)

	success, _, err := linear.CreateAllocationRequest(1, 1, 0)
	require.NoError(t, err)
	require.False(t, success)

	// Freeing one allocation leaves a hole that cannot be reused
	require.NoError(t, linear.Free(first))
	require.Equal(t, 128, linear.Head())
	require.NoError(t, linear.Validate())

	success, _, err = linear.CreateAllocationRequest(1, 1, 0)
	require.NoError(t, err)
	require.False(t, success)

	require.NoError(t, linear.Free(second))
	require.True(t, linear.IsEmpty())
	require.Equal(t, 0, linear.Head())
	require.Equal(t, 128, linear.SumFreeSize())

	again := allocate(t, linear, 128, 1, 0)
	require.Equal(t, 0, offset(t, linear, again))
}

func TestLinearStaleRequest(t *testing.T) {
	linear := metadata.NewLinearBlockMetadata()
	linear.Init(128)

	success, stale, err := linear.CreateAllocationRequest(16, 1, 0)
	require.NoError(t, err)
	require.True(t, success)

	allocate(t, linear, 16, 1, 0)
	require.Error(t, linear.Alloc(stale, nil))
	require.NoError(t, linear.Validate())
}

func TestLinearClear(t *testing.T) {
	linear := metadata.NewLinearBlockMetadata()
	linear.Init(128)

	handle := allocate(t, linear, 16, 1, 0)
	allocate(t, linear, 16, 1, 0)

	linear.Clear()
	require.True(t, linear.IsEmpty())
	require.Equal(t, 0, linear.Head())
	require.Error(t, linear.Free(handle))
	require.NoError(t, linear.Validate())
}

func TestLinearVisitRegions(t *testing.T) {
	linear := metadata.NewLinearBlockMetadata()
	linear.Init(128)

	first := allocate(t, linear, 8, 1, 0)
	allocate(t, linear, 8, 32, 0)
	require.NoError(t, linear.Free(first))

	type region struct {
		offset int
		size   int
		free   bool
	}
	var regions []region
	err := linear.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions = append(regions, region{offset: offset, size: size, free: free})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []region{
		{offset: 0, size: 8, free: true},
		{offset: 8, size: 24, free: true},
		{offset: 32, size: 8, free: false},
		{offset: 40, size: 88, free: true},
	}, regions)
}
