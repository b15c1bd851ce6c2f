package vam

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/memutils"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// DefaultPreferredHeapSize is the value that is used as the PreferredHeapSize when none
	// is provided via CreateOptions. It is equal to 16Mb.
	DefaultPreferredHeapSize int = 16 * 1024 * 1024
	// DefaultMaxHeapCount is the value that is used as the MaxHeapCount when none is provided
	// via CreateOptions
	DefaultMaxHeapCount int = 64
	// MinAlignment is the alignment applied to every allocation whose memory requirements and
	// device limits ask for less
	MinAlignment uint = 32
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PreferredHeapSize is the size of each device memory heap the allocator requests from the
	// driver. Allocations larger than this receive a heap of their own aligned size.
	PreferredHeapSize int
	// MaxHeapCount is the number of heaps each memory type may hold for each tiling. Allocations
	// that would require more heaps than this fail with driver.ErrOutOfMemory.
	MaxHeapCount int

	// MinBufferAlignment and MinImageAlignment override the device's minimum alignment for
	// linear and optimal resources respectively. They must be powers of two when provided.
	MinBufferAlignment uint
	MinImageAlignment  uint

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when device memory
	// is allocated or freed by this allocator. It can be helpful in cases when the consumer requires allocator-
	// level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must have one entry for
	// each memory heap the device reports. Each entry is either the maximum number of bytes
	// that may be allocated from the corresponding heap, or 0 for no limit.
	//
	// Limits are enforced before the driver is asked for memory: a heap that would take its
	// memory heap past the limit fails with driver.ErrOutOfMemory.
	HeapSizeLimits []int
}

// New creates a new Allocator
//
// drv - The driver that device memory, buffers and images will be created through
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, drv driver.MemoryDriver, options CreateOptions) (*Allocator, error) {
	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	limits := drv.Limits()
	allocator := &Allocator{
		useMutex:          useMutex,
		logger:            logger,
		driver:            drv,
		createFlags:       options.Flags,
		preferredHeapSize: options.PreferredHeapSize,
		maxHeapCount:      options.MaxHeapCount,
		memoryTypes:       drv.MemoryTypes(),
		bufferAlignment:   memutils.MaxAlignment(MinAlignment, limits.MinBufferAlignment),
		imageAlignment:    memutils.MaxAlignment(MinAlignment, limits.MinImageAlignment),
	}

	if allocator.preferredHeapSize <= 0 {
		allocator.preferredHeapSize = DefaultPreferredHeapSize
	}
	if allocator.maxHeapCount <= 0 {
		allocator.maxHeapCount = DefaultMaxHeapCount
	}

	if options.MinBufferAlignment != 0 {
		err := memutils.CheckPow2(options.MinBufferAlignment, "MinBufferAlignment")
		if err != nil {
			return nil, err
		}
		allocator.bufferAlignment = memutils.MaxAlignment(allocator.bufferAlignment, options.MinBufferAlignment)
	}
	if options.MinImageAlignment != 0 {
		err := memutils.CheckPow2(options.MinImageAlignment, "MinImageAlignment")
		if err != nil {
			return nil, err
		}
		allocator.imageAlignment = memutils.MaxAlignment(allocator.imageAlignment, options.MinImageAlignment)
	}

	if len(allocator.memoryTypes) == 0 {
		return nil, errors.New("the device reported no memory types")
	}
	if len(allocator.memoryTypes) > 32 {
		return nil, errors.Newf("the device reported %d memory types, but memory type bits can only address 32", len(allocator.memoryTypes))
	}

	budget, err := newHeapBudget(drv, drv.MemoryHeaps(), options.HeapSizeLimits, allocator.memoryTypes)
	if err != nil {
		return nil, err
	}
	allocator.budget = budget

	allocator.callbacks = memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Allocator: allocator,
	}

	allocator.heapLists = make([][tilingCount]*heapList, len(allocator.memoryTypes))
	for typeIndex := range allocator.memoryTypes {
		for tiling := driver.TilingLinear; tiling <= driver.TilingOptimal; tiling++ {
			allocator.heapLists[typeIndex][tiling] = newHeapList(allocator, typeIndex, tiling)
		}
	}

	return allocator, nil
}
