package vam

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/driver/drivertest"
	"github.com/vkngwrapper/foundry/memutils"
)

func readyAllocator(t *testing.T, options CreateOptions, deviceOptions ...drivertest.Option) (*drivertest.Device, *Allocator) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	device := drivertest.New(deviceOptions...)

	allocator, err := New(logger, device, options)
	require.NoError(t, err)

	return device, allocator
}

func requireInvariantPanic(t *testing.T, fn func()) {
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")

		err, isErr := r.(error)
		require.True(t, isErr)
		require.True(t, errors.Is(err, driver.ErrInvariantViolation))
	}()

	fn()
}

func TestAllocateRoundTrip(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{PreferredHeapSize: 4096})

	alloc, err := allocator.Allocate(100, 64, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, 0, alloc.Offset()%64)
	require.GreaterOrEqual(t, alloc.Size(), 100)
	require.Equal(t, uint(64), alloc.Alignment())
	require.Equal(t, 0, alloc.MemoryTypeIndex())
	require.Equal(t, driver.TilingLinear, alloc.Tiling())
	require.Equal(t, 1, device.MemoryCount())
	require.Equal(t, 4096, device.AllocatedBytes())

	offset := alloc.Offset()
	allocator.Free(alloc)
	require.True(t, alloc.IsFreed())

	alloc, err = allocator.Allocate(100, 64, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, offset, alloc.Offset())
	require.Equal(t, 1, device.MemoryCount())

	allocator.Free(alloc)
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.MemoryCount())
}

func TestAllocateMinimumAlignment(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{PreferredHeapSize: 1024})

	first, err := allocator.Allocate(1, 1, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, MinAlignment, first.Alignment())
	require.Equal(t, 32, first.Size())

	second, err := allocator.Allocate(1, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, 32, second.Offset())

	_, err = allocator.Allocate(10, 48, driver.MemoryClassDeviceLocal)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	// Below the minimum alignment, but still not a power of two
	_, err = allocator.Allocate(10, 24, driver.MemoryClassDeviceLocal)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
	_, err = allocator.Allocate(10, 3, driver.MemoryClassDeviceLocal)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = allocator.Allocate(0, 32, driver.MemoryClassDeviceLocal)
	require.Error(t, err)

	allocator.Free(first)
	allocator.Free(second)
}

func TestAllocateReusesGap(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{
		PreferredHeapSize: 1024,
		MaxHeapCount:      1,
	})

	var allocs []*Allocation
	for _, expectedOffset := range []int{0, 320, 640} {
		alloc, err := allocator.Allocate(300, 32, driver.MemoryClassDeviceLocal)
		require.NoError(t, err)
		require.Equal(t, expectedOffset, alloc.Offset())
		require.Equal(t, 320, alloc.Size())
		allocs = append(allocs, alloc)
	}

	allocator.Free(allocs[1])

	alloc, err := allocator.Allocate(300, 32, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, 320, alloc.Offset())
	allocs[1] = alloc

	_, err = allocator.Allocate(300, 32, driver.MemoryClassDeviceLocal)
	require.ErrorIs(t, err, driver.ErrOutOfMemory)
	require.Equal(t, 1, device.MemoryCount())

	for _, alloc := range allocs {
		allocator.Free(alloc)
	}
	require.NoError(t, allocator.Destroy())
}

func TestHeapGrowthLimit(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{
		PreferredHeapSize: 1024,
		MaxHeapCount:      2,
	})

	first, err := allocator.Allocate(1024, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	second, err := allocator.Allocate(1024, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.NotEqual(t, first.Memory(), second.Memory())
	require.Equal(t, 2, device.MemoryCount())

	_, err = allocator.Allocate(32, 0, driver.MemoryClassDeviceLocal)
	require.ErrorIs(t, err, driver.ErrOutOfMemory)

	// Other memory types keep their own heap budget
	host, err := allocator.Allocate(32, 0, driver.MemoryClassHostVisible)
	require.NoError(t, err)
	require.Equal(t, 1, host.MemoryTypeIndex())

	allocator.Free(first)
	allocator.Free(second)
	allocator.Free(host)
	require.NoError(t, allocator.Destroy())
}

func TestLargeAllocationGetsOwnHeap(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{PreferredHeapSize: 1024})

	alloc, err := allocator.Allocate(5000, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, 0, alloc.Offset())
	require.Equal(t, 5024, alloc.Size())
	require.Equal(t, 5024, device.AllocatedBytes())

	allocator.Free(alloc)
	require.NoError(t, allocator.Destroy())
}

func TestDeviceOutOfMemory(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{PreferredHeapSize: 1024}, drivertest.WithMemoryLimit(1024))

	alloc, err := allocator.Allocate(1024, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)

	_, err = allocator.Allocate(1024, 0, driver.MemoryClassDeviceLocal)
	require.ErrorIs(t, err, driver.ErrOutOfMemory)

	allocator.Free(alloc)

	// With the first heap empty again, the same request succeeds
	alloc, err = allocator.Allocate(1024, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	allocator.Free(alloc)
}

func TestEmptyHeapRelease(t *testing.T) {
	device, allocator := readyAllocator(t, CreateOptions{PreferredHeapSize: 1024})

	first, err := allocator.Allocate(1024, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	second, err := allocator.Allocate(1024, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, 2, device.MemoryCount())

	// The only empty heap is kept around for the next allocation
	allocator.Free(first)
	require.Equal(t, 2, device.MemoryCount())

	// A second empty heap is returned to the driver
	allocator.Free(second)
	require.Equal(t, 1, device.MemoryCount())

	infos := allocator.HeapInfo()
	require.Len(t, infos, 1)
	require.Equal(t, HeapInfo{
		MemoryTypeIndex: 0,
		Tiling:          driver.TilingLinear,
		HeapCount:       1,
		Reserved:        1024,
		Used:            0,
	}, infos[0])

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.MemoryCount())
}

func TestDoubleFreePanics(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{PreferredHeapSize: 1024})

	alloc, err := allocator.Allocate(64, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)

	allocator.Free(alloc)
	requireInvariantPanic(t, func() {
		allocator.Free(alloc)
	})
}

func TestHostVisibleMemoryIsMapped(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{PreferredHeapSize: 1024})

	host, err := allocator.Allocate(64, 0, driver.MemoryClassHostVisible)
	require.NoError(t, err)
	require.Len(t, host.Mapped(), 64)

	other, err := allocator.Allocate(64, 0, driver.MemoryClassHostVisible)
	require.NoError(t, err)
	require.Equal(t, host.Memory(), other.Memory())

	copy(host.Mapped(), "hello")
	copy(other.Mapped(), "world")
	require.Equal(t, []byte("hello"), host.Mapped()[:5])
	require.Equal(t, []byte("world"), other.Mapped()[:5])

	cached, err := allocator.Allocate(64, 0, driver.MemoryClassHostCached)
	require.NoError(t, err)
	require.Equal(t, 2, cached.MemoryTypeIndex())
	require.NotNil(t, cached.Mapped())

	local, err := allocator.Allocate(64, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.Nil(t, local.Mapped())

	for _, alloc := range []*Allocation{host, other, cached, local} {
		allocator.Free(alloc)
	}
	require.NoError(t, allocator.Destroy())
}

func TestNoCompatibleMemoryType(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{}, drivertest.WithMemoryTypes(driver.MemoryType{
		Properties: driver.MemoryPropertyDeviceLocal,
	}))

	_, err := allocator.Allocate(64, 0, driver.MemoryClassHostVisible)
	require.Error(t, err)
	require.False(t, errors.Is(err, driver.ErrOutOfMemory))
}

func TestDestroyReportsUnreleasedMemory(t *testing.T) {
	var logs bytes.Buffer
	device := drivertest.New()
	allocator, err := New(slog.New(slog.NewJSONHandler(&logs, nil)), device, CreateOptions{PreferredHeapSize: 1024})
	require.NoError(t, err)

	alloc, err := allocator.Allocate(64, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	alloc.SetName("leaked")

	err = allocator.Destroy()
	require.Error(t, err)
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY] unfreed allocation")
	require.Contains(t, logs.String(), "leaked")
	require.Equal(t, 1, device.MemoryCount())

	allocator.Free(alloc)
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.MemoryCount())
}

func TestMemoryCallbacks(t *testing.T) {
	var allocated, freed []int
	_, allocator := readyAllocator(t, CreateOptions{
		PreferredHeapSize: 1024,
		MemoryCallbackOptions: &MemoryCallbackOptions{
			Allocate: func(allocator *Allocator, memoryType int, memory driver.Handle, size int, userData any) {
				require.Equal(t, "callbacks", userData)
				allocated = append(allocated, size)
			},
			Free: func(allocator *Allocator, memoryType int, memory driver.Handle, size int, userData any) {
				freed = append(freed, size)
			},
			UserData: "callbacks",
		},
	})

	alloc, err := allocator.Allocate(2048, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.Equal(t, []int{2048}, allocated)

	allocator.Free(alloc)
	require.Empty(t, freed)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, []int{2048}, freed)
}

func TestExternallySynchronized(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{
		Flags:             AllocatorCreateExternallySynchronized,
		PreferredHeapSize: 1024,
	})
	require.Equal(t, "AllocatorCreateExternallySynchronized", allocator.createFlags.String())

	alloc, err := allocator.Allocate(64, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	require.False(t, alloc.list.mutex.Enabled())
	require.False(t, alloc.heap.mutex.Enabled())

	allocator.Free(alloc)
}

func TestStatistics(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{PreferredHeapSize: 1024})

	first, err := allocator.Allocate(100, 0, driver.MemoryClassDeviceLocal)
	require.NoError(t, err)
	second, err := allocator.Allocate(200, 0, driver.MemoryClassHostVisible)
	require.NoError(t, err)
	second.SetUserData("vertices")

	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount:       2,
			AllocationCount: 2,
			HeapBytes:       2048,
			AllocationBytes: 128 + 224,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  128,
		AllocationSizeMax:  224,
		UnusedRangeSizeMin: 1024 - 224,
		UnusedRangeSizeMax: 1024 - 128,
	}, stats)

	summary := allocator.BuildStatsString(false)
	require.True(t, json.Valid([]byte(summary)), summary)
	require.NotContains(t, summary, "Suballocations")

	detailed := allocator.BuildStatsString(true)
	require.True(t, json.Valid([]byte(detailed)), detailed)
	require.Contains(t, detailed, "Suballocations")
	require.Contains(t, detailed, "vertices")

	allocator.Free(first)
	allocator.Free(second)
	require.NoError(t, allocator.Destroy())
}

func TestConcurrentAllocateFree(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{PreferredHeapSize: 4096})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			var live []*Allocation
			for i := 0; i < 200; i++ {
				if len(live) > 0 && (i+worker)%3 == 0 {
					allocator.Free(live[0])
					live = live[1:]
					continue
				}

				alloc, err := allocator.Allocate(32*(1+(i+worker)%8), 0, driver.MemoryClassDeviceLocal)
				if err != nil {
					t.Error(err)
					return
				}
				live = append(live, alloc)
			}

			for _, alloc := range live {
				allocator.Free(alloc)
			}
		}(worker)
	}
	wg.Wait()

	for _, list := range allocator.heapLists[0] {
		for _, h := range list.heaps {
			require.NoError(t, h.Validate())
			require.True(t, h.IsEmpty())
		}
	}

	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.NoError(t, allocator.Destroy())
}
