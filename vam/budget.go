package vam

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/memutils"
)

// Budget reports the memory held from one device memory heap
type Budget struct {
	HeapIndex  int
	Statistics memutils.Statistics
	// Usage is the number of bytes of device memory the allocator holds from the heap
	Usage int
	// Budget is the number of bytes the allocator may hold from the heap. It is the heap size
	// limit when one was provided, and otherwise an estimate of what the device can hand out
	// without evicting other applications' memory.
	Budget int
	// DeviceUsage and DeviceBudget are the device's own report for the heap across every
	// process, when the device can report them
	DeviceUsage  int
	DeviceBudget int
}

// heapBudget tracks device memory by physical heap. Many memory types can draw from the same
// heap, so the counts here cut across heap lists.
type heapBudget struct {
	heaps  []driver.MemoryHeap
	limits []int
	device driver.MemoryDriver

	blockCount      []atomic.Int32
	blockBytes      []atomic.Int64
	allocationCount []atomic.Int32
	allocationBytes []atomic.Int64
}

func newHeapBudget(device driver.MemoryDriver, heaps []driver.MemoryHeap, limits []int, memoryTypes []driver.MemoryType) (*heapBudget, error) {
	if len(limits) > 0 && len(limits) != len(heaps) {
		return nil, errors.Newf("HeapSizeLimits has %d entries, but the device reported %d memory heaps", len(limits), len(heaps))
	}
	for typeIndex, memoryType := range memoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(heaps) {
			return nil, errors.Newf("memory type %d draws from heap %d, but the device reported %d memory heaps", typeIndex, memoryType.HeapIndex, len(heaps))
		}
	}

	if len(limits) == 0 {
		limits = make([]int, len(heaps))
	}

	return &heapBudget{
		heaps:           heaps,
		limits:          limits,
		device:          device,
		blockCount:      make([]atomic.Int32, len(heaps)),
		blockBytes:      make([]atomic.Int64, len(heaps)),
		allocationCount: make([]atomic.Int32, len(heaps)),
		allocationBytes: make([]atomic.Int64, len(heaps)),
	}, nil
}

func (b *heapBudget) maxAllocatable(heapIndex int) int {
	limit := b.limits[heapIndex]
	if limit <= 0 {
		return 0
	}
	return min(limit, b.heaps[heapIndex].Size)
}

// checkDeviceBudget fails with driver.ErrOutOfMemory when the device reports that an allocation
// would take the heap past its budget
func (b *heapBudget) checkDeviceBudget(heapIndex, size int) error {
	budgets, ok, err := b.device.MemoryBudget()
	if err != nil {
		return errors.Wrapf(err, "failed to query the budget of memory heap %d", heapIndex)
	}
	if !ok || heapIndex >= len(budgets) {
		return nil
	}

	budget := budgets[heapIndex]
	if budget.Usage+size > budget.Budget {
		return driver.OutOfMemoryf("allocating %d bytes would take memory heap %d to %d bytes, past the device's %d byte budget", size, heapIndex, budget.Usage+size, budget.Budget)
	}
	return nil
}

// reserveBlock accounts for a device memory allocation before it is made. It fails with
// driver.ErrOutOfMemory when the allocation would take the heap past its limit or past the
// budget the device reports.
func (b *heapBudget) reserveBlock(heapIndex, size int) error {
	err := b.checkDeviceBudget(heapIndex, size)
	if err != nil {
		return err
	}

	maxSize := b.maxAllocatable(heapIndex)
	if maxSize == 0 {
		b.blockBytes[heapIndex].Add(int64(size))
		b.blockCount[heapIndex].Add(1)
		return nil
	}

	for {
		current := b.blockBytes[heapIndex].Load()
		target := current + int64(size)
		if target > int64(maxSize) {
			return driver.OutOfMemoryf("allocating %d bytes would take memory heap %d to %d bytes, past its %d byte limit", size, heapIndex, target, maxSize)
		}

		if b.blockBytes[heapIndex].CompareAndSwap(current, target) {
			break
		}
	}

	b.blockCount[heapIndex].Add(1)
	return nil
}

func (b *heapBudget) releaseBlock(heapIndex, size int) {
	if b.blockBytes[heapIndex].Add(int64(-size)) < 0 {
		panic(driver.Invariantf("block bytes for memory heap %d went negative", heapIndex))
	}
	if b.blockCount[heapIndex].Add(-1) < 0 {
		panic(driver.Invariantf("block count for memory heap %d went negative", heapIndex))
	}
}

func (b *heapBudget) addAllocation(heapIndex, size int) {
	b.allocationBytes[heapIndex].Add(int64(size))
	b.allocationCount[heapIndex].Add(1)
}

func (b *heapBudget) removeAllocation(heapIndex, size int) {
	if b.allocationBytes[heapIndex].Add(int64(-size)) < 0 {
		panic(driver.Invariantf("allocation bytes for memory heap %d went negative", heapIndex))
	}
	if b.allocationCount[heapIndex].Add(-1) < 0 {
		panic(driver.Invariantf("allocation count for memory heap %d went negative", heapIndex))
	}
}

// HeapBudgets returns one entry for every memory heap of the device
func (a *Allocator) HeapBudgets() []Budget {
	deviceBudgets, reported, err := a.budget.device.MemoryBudget()
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to query the device memory budget", slog.Any("error", err))
		reported = false
	}

	budgets := make([]Budget, len(a.budget.heaps))
	for heapIndex := range budgets {
		budget := &budgets[heapIndex]
		budget.HeapIndex = heapIndex
		budget.Statistics.HeapCount = int(a.budget.blockCount[heapIndex].Load())
		budget.Statistics.HeapBytes = int(a.budget.blockBytes[heapIndex].Load())
		budget.Statistics.AllocationCount = int(a.budget.allocationCount[heapIndex].Load())
		budget.Statistics.AllocationBytes = int(a.budget.allocationBytes[heapIndex].Load())

		budget.Usage = budget.Statistics.HeapBytes
		budget.Budget = a.budget.maxAllocatable(heapIndex)
		if budget.Budget == 0 {
			budget.Budget = a.budget.heaps[heapIndex].Size * 8 / 10
		}

		if reported && heapIndex < len(deviceBudgets) {
			budget.DeviceUsage = deviceBudgets[heapIndex].Usage
			budget.DeviceBudget = deviceBudgets[heapIndex].Budget
		}
	}

	return budgets
}
