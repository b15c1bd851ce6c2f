package vam

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/internal/utils"
	"github.com/vkngwrapper/foundry/memutils"
	"github.com/vkngwrapper/foundry/memutils/metadata"
)

// heap is a single device memory allocation that allocations are carved out of
type heap struct {
	id              int
	memory          driver.Handle
	memoryTypeIndex int
	tiling          driver.Tiling
	logger          *slog.Logger

	// mapped is the persistent host mapping of the whole heap, nil for device local memory
	mapped []byte

	mutex    *utils.OptionalMutex
	metadata *metadata.FreeListBlockMetadata
}

func (h *heap) Init(
	logger *slog.Logger,
	useMutex bool,
	memoryTypeIndex int,
	tiling driver.Tiling,
	memory driver.Handle,
	mapped []byte,
	size int,
	id int,
) {
	if h.memory != driver.NullHandle {
		panic(driver.Invariantf("attempting to initialize a heap that is already in use"))
	}

	h.id = id
	h.logger = logger
	h.memoryTypeIndex = memoryTypeIndex
	h.tiling = tiling
	h.memory = memory
	h.mapped = mapped
	h.mutex = utils.NewOptionalMutex(useMutex)
	h.metadata = metadata.NewFreeListBlockMetadata()
	h.metadata.Init(size)
}

func (h *heap) Size() int {
	return h.metadata.Size()
}

// Allocate attempts to place an allocation in this heap. It returns false without error when
// the heap has no free range large enough.
func (h *heap) Allocate(size int, alignment uint, alloc *Allocation) (bool, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	success, request, err := h.metadata.CreateAllocationRequest(size, alignment, metadata.AllocationStrategyMinMemory)
	if err != nil || !success {
		return false, err
	}

	err = h.metadata.Alloc(request, alloc)
	if err != nil {
		return false, err
	}

	alloc.init(h, request.BlockAllocationHandle, request.Item.Offset, size, alignment)
	memutils.DebugValidate(h)
	return true, nil
}

func (h *heap) Free(alloc *Allocation) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.metadata.Free(alloc.handle)
	if err != nil {
		return err
	}

	memutils.DebugValidate(h)
	return nil
}

func (h *heap) IsEmpty() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.metadata.IsEmpty()
}

func (h *heap) Destroy(drv driver.MemoryDriver) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.metadata.IsEmpty() {
		// Log all remaining allocations
		err := h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			h.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			h.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Newf("%d allocations were not freed before the destruction of heap %d", h.metadata.AllocationCount(), h.id)
	}

	if h.memory == driver.NullHandle {
		panic(driver.Invariantf("attempting to destroy a heap, but it did not have a backing device memory handle"))
	}

	if h.mapped != nil {
		drv.UnmapMemory(h.memory)
		h.mapped = nil
	}
	drv.FreeMemory(h.memory)
	h.memory = driver.NullHandle

	return nil
}

func (h *heap) logUnreleasedMemory(offset, size int, userData any) {
	allocation := userData.(*Allocation)
	userData = allocation.UserData()
	name := allocation.Name()
	if name == "" {
		name = "empty"
	}

	h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("heap", h.id),
		slog.Int("memoryType", h.memoryTypeIndex),
		slog.String("tiling", h.tiling.String()),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
		slog.String("name", name),
	)
}

func (h *heap) Validate() error {
	if h.memory == driver.NullHandle {
		return errors.New("no valid memory for this heap")
	}

	if h.metadata.Size() < 1 {
		return errors.New("this heap's metadata has an invalid size")
	}

	err := h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Newf("an allocation at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Newf("an allocation at offset %d is marked as allocated but has no allocation object", offset)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return h.metadata.Validate()
}
