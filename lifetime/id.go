// Package lifetime tracks which resources and objects are referenced by submissions the
// device has not finished executing, and reports them once it is safe to release them.
package lifetime

import (
	"fmt"
	"sync/atomic"
)

// Kind tags an ID with the component that owns the thing it identifies
type Kind uint8

const (
	KindResource Kind = iota + 1
	KindObject
	KindDescriptorSet
)

func (k Kind) String() string {
	switch k {
	case KindResource:
		return "Resource"
	case KindObject:
		return "Object"
	case KindDescriptorSet:
		return "DescriptorSet"
	default:
		return "Unknown"
	}
}

const (
	kindShift = 56
	indexMask = 1<<kindShift - 1
)

// ID identifies a resource or cached object. IDs are never reused within a process.
type ID uint64

var nextIndex atomic.Uint64

// NewID returns a fresh ID of the given kind
func NewID(kind Kind) ID {
	return ID(uint64(kind)<<kindShift | nextIndex.Add(1)&indexMask)
}

func (id ID) Kind() Kind {
	return Kind(id >> kindShift)
}

func (id ID) String() string {
	return fmt.Sprintf("%s#%d", id.Kind(), uint64(id)&indexMask)
}

// Seq is a submission sequence number. Sequence numbers start at 1 and strictly increase in
// submission order.
type Seq uint64

// Submission records the ids referenced by one queue submission
type Submission struct {
	Seq  Seq
	Slot int
	IDs  []ID
}
