package vam

import (
	"fmt"
	"sync/atomic"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/memutils/metadata"
)

// Allocation represents a range of device memory within a heap. Allocations are created by
// Allocator.Allocate, or indirectly by Allocator.CreateBuffer and Allocator.CreateImage, and
// must be released exactly once.
type Allocation struct {
	heap   *heap
	list   *heapList
	handle metadata.BlockAllocationHandle

	offset    int
	size      int
	alignment uint
	class     driver.MemoryClass

	freed atomic.Bool

	name     string
	userData any
}

func (a *Allocation) init(h *heap, handle metadata.BlockAllocationHandle, offset, size int, alignment uint) {
	a.heap = h
	a.handle = handle
	a.offset = offset
	a.size = size
	a.alignment = alignment
}

// SetName applies a name to the Allocation that will appear in diagnostic output
func (a *Allocation) SetName(name string) {
	a.name = name
}

// SetUserData applies a custom value to the Allocation that will appear in diagnostic output
func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) Name() string {
	return a.name
}

func (a *Allocation) UserData() any {
	return a.userData
}

// Memory is the device memory handle of the heap this allocation lives in
func (a *Allocation) Memory() driver.Handle {
	return a.heap.memory
}

// HeapID identifies the heap within its memory type and tiling
func (a *Allocation) HeapID() int {
	return a.heap.id
}

// Offset is the offset in bytes of this allocation within its heap. It is always a multiple
// of Alignment.
func (a *Allocation) Offset() int {
	return a.offset
}

// Size is the size in bytes of this allocation, which is the requested size rounded up to
// Alignment
func (a *Allocation) Size() int {
	return a.size
}

func (a *Allocation) Alignment() uint {
	return a.alignment
}

func (a *Allocation) MemoryTypeIndex() int {
	return a.heap.memoryTypeIndex
}

func (a *Allocation) Tiling() driver.Tiling {
	return a.heap.tiling
}

func (a *Allocation) Class() driver.MemoryClass {
	return a.class
}

// Mapped returns the host view of this allocation's memory, or nil when the allocation lives
// in memory that is not host visible. The slice stays valid until the allocation is freed.
func (a *Allocation) Mapped() []byte {
	if a.heap.mapped == nil {
		return nil
	}

	return a.heap.mapped[a.offset : a.offset+a.size : a.offset+a.size]
}

// IsFreed reports whether Allocator.Free has been called for this allocation
func (a *Allocation) IsFreed() bool {
	return a.freed.Load()
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.heap.tiling.String())
	json.Name("Class").String(a.class.String())
	json.Name("Size").Int(a.size)
	json.Name("Alignment").Int(int(a.alignment))

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
