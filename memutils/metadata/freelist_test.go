package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/foundry/memutils"
	"github.com/vkngwrapper/foundry/memutils/metadata"
)

func allocate(t *testing.T, md metadata.BlockMetadata, size int, alignment uint, strategy metadata.AllocationStrategy) metadata.BlockAllocationHandle {
	success, req, err := md.CreateAllocationRequest(size, alignment, strategy)
	require.NoError(t, err)
	require.True(t, success)

	err = md.Alloc(req, size)
	require.NoError(t, err)
	require.NoError(t, md.Validate())

	return req.BlockAllocationHandle
}

func offset(t *testing.T, md metadata.BlockMetadata, handle metadata.BlockAllocationHandle) int {
	off, err := md.AllocationOffset(handle)
	require.NoError(t, err)
	return off
}

func TestFreeListBasicAlloc(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata()
	freeList.Init(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	freeList.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount: 1,
			HeapBytes: 1000,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	handle := allocate(t, freeList, 100, 1, 0)
	require.Equal(t, 0, offset(t, freeList, handle))

	userData, err := freeList.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, 100, userData)

	stats.Clear()
	freeList.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount:       1,
			HeapBytes:       1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	require.NoError(t, freeList.Free(handle))
	require.True(t, freeList.IsEmpty())
	require.Equal(t, 1, freeList.FreeRegionsCount())
	require.Equal(t, 1000, freeList.SumFreeSize())
	require.NoError(t, freeList.Validate())
}

func TestFreeListReuseGap(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata()
	freeList.Init(1024)

	first := allocate(t, freeList, 300, 4, 0)
	second := allocate(t, freeList, 300, 4, 0)
	third := allocate(t, freeList, 300, 4, 0)

	require.Equal(t, 0, offset(t, freeList, first))
	require.Equal(t, 300, offset(t, freeList, second))
	require.Equal(t, 600, offset(t, freeList, third))

	require.NoError(t, freeList.Free(second))
	require.Equal(t, 2, freeList.FreeRegionsCount())

	// The freed gap is an exact fit, and the tail is too small
	again := allocate(t, freeList, 300, 4, 0)
	require.Equal(t, 300, offset(t, freeList, again))

	success, _, err := freeList.CreateAllocationRequest(300, 4, 0)
	require.NoError(t, err)
	require.False(t, success)
}

func TestFreeListAlignmentPadding(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata()
	freeList.Init(1024)

	small := allocate(t, freeList, 10, 1, 0)
	aligned := allocate(t, freeList, 16, 64, 0)

	require.Equal(t, 64, offset(t, freeList, aligned))
	// Padding [10, 64) and tail [80, 1024)
	require.Equal(t, 2, freeList.FreeRegionsCount())
	require.Equal(t, 1024-26, freeList.SumFreeSize())

	// A small allocation lands in the padding
	padding := allocate(t, freeList, 8, 8, 0)
	require.Equal(t, 16, offset(t, freeList, padding))

	require.NoError(t, freeList.Free(small))
	require.NoError(t, freeList.Free(padding))
	require.NoError(t, freeList.Free(aligned))
	require.NoError(t, freeList.Validate())
	require.Equal(t, 1, freeList.FreeRegionsCount())
}

func TestFreeListBestFitVersusFirstFit(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata()
	freeList.Init(1000)

	a := allocate(t, freeList, 200, 1, 0)
	allocate(t, freeList, 100, 1, 0)
	c := allocate(t, freeList, 100, 1, 0)
	allocate(t, freeList, 100, 1, 0)
	allocate(t, freeList, 500, 1, 0)

	require.NoError(t, freeList.Free(a))
	require.NoError(t, freeList.Free(c))

	success, req, err := freeList.CreateAllocationRequest(100, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 300, req.Item.Offset)

	success, req, err = freeList.CreateAllocationRequest(100, 1, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 0, req.Item.Offset)
}

func TestFreeListCoalescing(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata()
	freeList.Init(400)

	handles := []metadata.BlockAllocationHandle{
		allocate(t, freeList, 100, 1, 0),
		allocate(t, freeList, 100, 1, 0),
		allocate(t, freeList, 100, 1, 0),
		allocate(t, freeList, 100, 1, 0),
	}

	// Free the outer pair, then the inner pair, which must merge left and right
	require.NoError(t, freeList.Free(handles[0]))
	require.NoError(t, freeList.Free(handles[2]))
	require.Equal(t, 2, freeList.FreeRegionsCount())
	require.NoError(t, freeList.Validate())

	require.NoError(t, freeList.Free(handles[1]))
	require.Equal(t, 1, freeList.FreeRegionsCount())
	require.NoError(t, freeList.Validate())

	require.NoError(t, freeList.Free(handles[3]))
	require.Equal(t, 1, freeList.FreeRegionsCount())
	require.Equal(t, 400, freeList.SumFreeSize())
	require.NoError(t, freeList.Validate())
}

func TestFreeListDoubleFree(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata()
	freeList.Init(256)

	handle := allocate(t, freeList, 64, 16, 0)
	require.NoError(t, freeList.Free(handle))
	require.Error(t, freeList.Free(handle))
	require.Error(t, freeList.Free(metadata.NoAllocation))
	require.NoError(t, freeList.Validate())
}

func TestFreeListInvalidRequests(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata()
	freeList.Init(256)

	_, _, err := freeList.CreateAllocationRequest(0, 1, 0)
	require.Error(t, err)

	_, _, err = freeList.CreateAllocationRequest(16, 24, 0)
	require.Error(t, err)

	success, _, err := freeList.CreateAllocationRequest(257, 1, 0)
	require.NoError(t, err)
	require.False(t, success)

	linear := metadata.NewLinearBlockMetadata()
	linear.Init(16)
	success, linearReq, err := linear.CreateAllocationRequest(1, 1, 0)
	require.NoError(t, err)
	require.True(t, success)
	require.Error(t, freeList.Alloc(linearReq, nil))
}

func TestFreeListRandomSequence(t *testing.T) {
	freeList := metadata.NewFreeListBlockMetadata()
	freeList.Init(1 << 16)

	rng := rand.New(rand.NewSource(1234))
	type live struct {
		handle    metadata.BlockAllocationHandle
		size      int
		alignment uint
	}
	var allocations []live

	for i := 0; i < 2000; i++ {
		if len(allocations) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(allocations))
			require.NoError(t, freeList.Free(allocations[index].handle))
			allocations = append(allocations[:index], allocations[index+1:]...)
		} else {
			size := 1 + rng.Intn(1024)
			alignment := uint(1) << rng.Intn(9)
			success, req, err := freeList.CreateAllocationRequest(size, alignment, 0)
			require.NoError(t, err)
			if !success {
				continue
			}
			require.NoError(t, freeList.Alloc(req, nil))
			require.Zero(t, req.Item.Offset%int(alignment))
			allocations = append(allocations, live{handle: req.BlockAllocationHandle, size: size, alignment: alignment})
		}

		require.NoError(t, freeList.Validate())
		require.Equal(t, len(allocations), freeList.AllocationCount())
	}

	for _, alloc := range allocations {
		require.NoError(t, freeList.Free(alloc.handle))
	}
	require.NoError(t, freeList.Validate())
	require.Equal(t, 1, freeList.FreeRegionsCount())
	require.True(t, freeList.IsEmpty())
}
