package metadata

// AllocationRequestType indicates which BlockMetadata implementation produced an AllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestFreeList indicates that the allocation request was sourced from FreeListBlockMetadata
	AllocationRequestFreeList AllocationRequestType = iota
	// AllocationRequestLinear indicates that the allocation request was sourced from LinearBlockMetadata
	AllocationRequestLinear
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestFreeList: "FreeList",
	AllocationRequestLinear:   "Linear",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where
// the metadata intends to place new memory. The consumer commits it with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle is the handle the allocation will have once committed
	BlockAllocationHandle BlockAllocationHandle
	// Size is the total size of the allocation
	Size int
	// Item is a Suballocation object indicating basic information about the allocation
	Item Suballocation
	// Type identifies the BlockMetadata implementation used to generate this request
	Type AllocationRequestType

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}
