package vam

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/internal/utils"
	"github.com/vkngwrapper/foundry/memutils"
	"github.com/vkngwrapper/foundry/memutils/metadata"
)

const tilingCount = 2

// heapList is the set of heaps for one memory type and tiling. The list mutex only guards the
// heap slice: allocations and frees within a heap are guarded by that heap's own mutex. When
// both are held, the list mutex is always acquired first.
type heapList struct {
	allocator       *Allocator
	memoryTypeIndex int
	heapIndex       int
	tiling          driver.Tiling

	mutex      *utils.OptionalRWMutex
	heaps      []*heap
	nextHeapID int
}

func newHeapList(allocator *Allocator, memoryTypeIndex int, tiling driver.Tiling) *heapList {
	return &heapList{
		allocator:       allocator,
		memoryTypeIndex: memoryTypeIndex,
		heapIndex:       allocator.memoryTypes[memoryTypeIndex].HeapIndex,
		tiling:          tiling,
		mutex:           utils.NewOptionalRWMutex(allocator.useMutex),
	}
}

func (l *heapList) tryExisting(size int, alignment uint, alloc *Allocation) (bool, error) {
	for _, h := range l.heaps {
		success, err := h.Allocate(size, alignment, alloc)
		if err != nil || success {
			return success, err
		}
	}

	return false, nil
}

// Allocate places alloc in an existing heap if any has room, and creates a new heap otherwise
func (l *heapList) Allocate(size int, alignment uint, alloc *Allocation) error {
	l.mutex.RLock()
	success, err := l.tryExisting(size, alignment, alloc)
	l.mutex.RUnlock()

	if err != nil || success {
		return err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	// A heap may have been created or freed up while the list was unlocked
	success, err = l.tryExisting(size, alignment, alloc)
	if err != nil || success {
		return err
	}

	if len(l.heaps) >= l.allocator.maxHeapCount {
		return driver.OutOfMemoryf("memory type %d (%s) already holds %d heaps, the maximum", l.memoryTypeIndex, l.tiling, len(l.heaps))
	}

	heapSize := l.allocator.preferredHeapSize
	alignedSize := memutils.AlignUp(size, alignment)
	if alignedSize > heapSize {
		heapSize = alignedSize
	}

	h, err := l.createHeap(heapSize)
	if err != nil {
		return err
	}

	success, err = h.Allocate(size, alignment, alloc)
	if err != nil {
		return err
	} else if !success {
		panic(driver.Invariantf("a new heap of %d bytes could not hold an allocation of %d bytes", heapSize, size))
	}

	return nil
}

func (l *heapList) createHeap(size int) (h *heap, err error) {
	drv := l.allocator.driver

	err = l.allocator.budget.reserveBlock(l.heapIndex, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate a %d-byte heap from memory type %d", size, l.memoryTypeIndex)
	}
	defer func() {
		if err != nil {
			l.allocator.budget.releaseBlock(l.heapIndex, size)
		}
	}()

	memory, err := drv.AllocateMemory(l.memoryTypeIndex, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate a %d-byte heap from memory type %d", size, l.memoryTypeIndex)
	}

	var mapped []byte
	if l.allocator.memoryTypes[l.memoryTypeIndex].Properties&driver.MemoryPropertyHostVisible != 0 {
		mapped, err = drv.MapMemory(memory, size)
		if err != nil {
			drv.FreeMemory(memory)
			return nil, errors.Wrapf(err, "failed to map a %d-byte heap from memory type %d", size, l.memoryTypeIndex)
		}
	}

	h = &heap{}
	h.Init(l.allocator.logger, l.allocator.useMutex, l.memoryTypeIndex, l.tiling, memory, mapped, size, l.nextHeapID)
	l.nextHeapID++
	l.heaps = append(l.heaps, h)

	l.allocator.callbacks.Allocate(l.memoryTypeIndex, memory, size)
	l.allocator.logger.LogAttrs(context.Background(), slog.LevelDebug, "created heap",
		slog.Int("heap", h.id),
		slog.Int("memoryType", l.memoryTypeIndex),
		slog.String("tiling", l.tiling.String()),
		slog.Int("size", size),
	)

	return h, nil
}

// Free releases alloc from its heap. When that empties the heap and another empty heap is
// already in the list, the newly emptied heap is returned to the driver.
func (l *heapList) Free(alloc *Allocation) error {
	h := alloc.heap
	err := h.Free(alloc)
	if err != nil {
		return err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !h.IsEmpty() {
		return nil
	}

	heapIndex := -1
	otherEmpty := false
	for index, other := range l.heaps {
		if other == h {
			heapIndex = index
		} else if other.IsEmpty() {
			otherEmpty = true
		}
	}

	if heapIndex < 0 || !otherEmpty {
		return nil
	}

	l.heaps = append(l.heaps[:heapIndex], l.heaps[heapIndex+1:]...)
	return l.destroyHeap(h)
}

func (l *heapList) destroyHeap(h *heap) error {
	memory := h.memory
	size := h.Size()

	err := h.Destroy(l.allocator.driver)
	if err != nil {
		return err
	}
	l.allocator.budget.releaseBlock(l.heapIndex, size)

	l.allocator.callbacks.Free(l.memoryTypeIndex, memory, size)
	l.allocator.logger.LogAttrs(context.Background(), slog.LevelDebug, "released heap",
		slog.Int("heap", h.id),
		slog.Int("memoryType", l.memoryTypeIndex),
		slog.String("tiling", l.tiling.String()),
		slog.Int("size", size),
	)
	return nil
}

func (l *heapList) Destroy() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var err error
	remaining := l.heaps[:0]
	for _, h := range l.heaps {
		heapErr := l.destroyHeap(h)
		if heapErr != nil {
			err = errors.CombineErrors(err, heapErr)
			remaining = append(remaining, h)
		}
	}
	l.heaps = remaining

	return err
}

func (l *heapList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.heaps) == 0
}

func (l *heapList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, h := range l.heaps {
		h.mutex.Lock()
		h.metadata.AddStatistics(stats)
		h.mutex.Unlock()
	}
}

func (l *heapList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, h := range l.heaps {
		h.mutex.Lock()
		h.metadata.AddDetailedStatistics(stats)
		h.mutex.Unlock()
	}
}

func (l *heapList) PrintDetailedMap(json jwriter.ObjectState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, h := range l.heaps {
		h.mutex.Lock()

		heapObj := json.Name(strconv.Itoa(h.id)).Object()
		heapObj.Name("Mapped").Bool(h.mapped != nil)
		h.metadata.BlockJsonData(heapObj)
		l.printDetailedMapAllocations(h.metadata, heapObj)
		heapObj.End()

		h.mutex.Unlock()
	}
}

func (l *heapList) printDetailedMapAllocations(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)

			if free {
				obj.Name("Type").String("Free")
				obj.Name("Size").Int(size)
				return nil
			}

			alloc, isAllocation := userData.(*Allocation)
			if isAllocation && alloc != nil {
				alloc.printParameters(&obj)
			} else if userData != nil {
				obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
			}

			return nil
		})
}
