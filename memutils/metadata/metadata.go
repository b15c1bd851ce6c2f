package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/foundry/memutils"
)

// BlockMetadata tracks the suballocations made within a single contiguous block of memory (a heap,
// or a staging buffer). It never touches the memory itself: it only decides where allocations go
// and remembers which ranges are in use.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. size is the size in bytes of the
	// block that will be managed.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// When the implementation is functioning correctly, it should not be possible for this method
	// to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the block
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions in the block
	FreeRegionsCount() int
	// SumFreeSize returns the number of bytes in the block that are available for new allocations
	SumFreeSize() int
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in offset order. It is intended for diagnostics.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the offset in bytes of a live allocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value provided when a live allocation was committed
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	// AddDetailedStatistics sums this block's allocation statistics into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into stats
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest indicating where the implementation
	// would place an allocation of allocSize bytes aligned to allocAlignment, which must be a power
	// of two. The bool return is false when the block cannot hold the allocation. The request can be
	// passed to Alloc to commit the allocation.
	CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. The implementation must return an error if the request is
	// no longer valid because the block changed since it was created.
	Alloc(request AllocationRequest, userData any) error
	// Free releases a live suballocation. The implementation must return an error if the handle
	// does not map to a live allocation within this block.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase provides a few shared utilities for BlockMetadata implementations
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this block
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
