// Package vam is a device memory allocator. It suballocates buffers and images out of large
// device memory heaps, one set of heaps per memory type and tiling, so that linear and
// optimally tiled resources never share memory.
package vam

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/memutils"
)

// Allocator owns every heap allocated from a device. It is safe for concurrent use unless it
// was created with AllocatorCreateExternallySynchronized.
type Allocator struct {
	useMutex    bool
	logger      *slog.Logger
	driver      driver.MemoryDriver
	createFlags CreateFlags

	preferredHeapSize int
	maxHeapCount      int
	bufferAlignment   uint
	imageAlignment    uint

	memoryTypes []driver.MemoryType
	heapLists   [][tilingCount]*heapList
	budget      *heapBudget
	callbacks   memoryCallbacks
}

// FindMemoryTypeIndex returns the first memory type permitted by typeBits that satisfies the
// memory class
func (a *Allocator) FindMemoryTypeIndex(typeBits uint32, class driver.MemoryClass) (int, error) {
	typeIndex, found := driver.FindMemoryType(a.memoryTypes, typeBits, class)
	if !found {
		return -1, errors.Newf("no memory type in bits %b supports the %s memory class", typeBits, class)
	}

	return typeIndex, nil
}

func (a *Allocator) minAlignment(tiling driver.Tiling) uint {
	if tiling == driver.TilingOptimal {
		return a.imageAlignment
	}
	return a.bufferAlignment
}

// Allocate suballocates size bytes of linear memory of the requested class. The allocation's
// offset will be a multiple of alignment, which must be a power of two or 0 for the
// allocator's minimum. Exhausting the heap limit or the device's memory returns an error
// marked driver.ErrOutOfMemory.
func (a *Allocator) Allocate(size int, alignment uint, class driver.MemoryClass) (*Allocation, error) {
	return a.AllocateMemory(driver.MemoryRequirements{
		Size:      size,
		Alignment: alignment,
		TypeBits:  ^uint32(0),
	}, class, driver.TilingLinear)
}

// AllocateMemory suballocates memory that satisfies a set of memory requirements
func (a *Allocator) AllocateMemory(requirements driver.MemoryRequirements, class driver.MemoryClass, tiling driver.Tiling) (*Allocation, error) {
	if requirements.Size < 1 {
		return nil, errors.Newf("invalid allocation size %d", requirements.Size)
	}

	// Zero asks for the minimum alignment. Anything else must already be a power of two, even
	// when the minimum would override it.
	if requirements.Alignment != 0 {
		err := memutils.CheckPow2(requirements.Alignment, "alignment")
		if err != nil {
			return nil, err
		}
	}

	alignment := memutils.MaxAlignment(requirements.Alignment, a.minAlignment(tiling))
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	typeIndex, err := a.FindMemoryTypeIndex(requirements.TypeBits, class)
	if err != nil {
		return nil, err
	}

	size := memutils.AlignUp(requirements.Size, alignment)
	list := a.heapLists[typeIndex][tiling]

	alloc := &Allocation{
		list:  list,
		class: class,
	}
	err = list.Allocate(size, alignment, alloc)
	if err != nil {
		return nil, err
	}
	a.budget.addAllocation(list.heapIndex, alloc.size)

	return alloc, nil
}

// Free returns an allocation's range to its heap. Freeing the same allocation twice is a
// programming error and panics.
func (a *Allocator) Free(alloc *Allocation) {
	if alloc == nil {
		return
	}

	if !alloc.freed.CompareAndSwap(false, true) {
		panic(driver.Invariantf("allocation at offset %d of heap %d was freed twice", alloc.offset, alloc.heap.id))
	}

	size := alloc.size
	err := alloc.list.Free(alloc)
	if err != nil {
		panic(driver.Mark(errors.Wrap(err, "failed to free allocation"), driver.ErrInvariantViolation))
	}
	a.budget.removeAllocation(alloc.list.heapIndex, size)
}

// Destroy frees every heap. If any allocation is still live, it is logged as unreleased memory,
// its heap is kept, and an error is returned.
func (a *Allocator) Destroy() error {
	var err error
	for _, lists := range a.heapLists {
		for _, list := range lists {
			err = errors.CombineErrors(err, list.Destroy())
		}
	}

	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "allocator destroyed with unreleased memory", slog.Any("error", err))
		return errors.Wrap(err, "some allocations were not freed before the destruction of the allocator")
	}

	return nil
}
