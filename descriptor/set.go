package descriptor

import (
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/lifetime"
	"github.com/vkngwrapper/foundry/objcache"
)

// Lifetime decides how a descriptor set is released
type Lifetime int

const (
	// LifetimeStatic sets live until they are freed, and are then released once no pending
	// submission references them
	LifetimeStatic Lifetime = iota
	// LifetimeFrame sets belong to one frame slot and are all released together when that
	// slot begins its next frame
	LifetimeFrame
)

func (l Lifetime) String() string {
	switch l {
	case LifetimeStatic:
		return "Static"
	case LifetimeFrame:
		return "Frame"
	default:
		return "Unknown"
	}
}

// Set is a descriptor set allocated from a Heap. It holds a reference on its layout until it
// is released.
type Set struct {
	id       lifetime.ID
	handle   driver.Handle
	layout   *objcache.Object
	counts   Counts
	lifetime Lifetime
	slot     int
	pool     *pool

	// guarded by the heap mutex
	freed bool
}

// ID identifies the set to the lifetime tracker. Pass it with every submission that binds
// the set.
func (s *Set) ID() lifetime.ID          { return s.id }
func (s *Set) Handle() driver.Handle    { return s.handle }
func (s *Set) Layout() *objcache.Object { return s.layout }
func (s *Set) Lifetime() Lifetime       { return s.lifetime }
func (s *Set) DescriptorCounts() Counts { return s.counts }

// Slot is the frame slot a LifetimeFrame set belongs to, or -1
func (s *Set) Slot() int { return s.slot }
