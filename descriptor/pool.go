package descriptor

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
)

// pool tracks what has been allocated from one device descriptor pool. The counts are the
// heap's own accounting and decide when a new pool is needed: the device may still refuse an
// allocation that fits, in which case the next pool is tried.
type pool struct {
	handle   driver.Handle
	lifetime Lifetime

	maxSets         int
	usedSets        int
	maxDescriptors  Counts
	usedDescriptors Counts
}

func newPool(drv driver.DescriptorDriver, lt Lifetime, maxSets int, counts Counts) (*pool, error) {
	capacity := poolCounts(maxSets).Max(counts)
	handle, err := drv.CreateDescriptorPool(driver.DescriptorPoolInfo{
		MaxSets:  maxSets,
		Sizes:    capacity.Sizes(),
		FreeSets: lt == LifetimeStatic,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a %s descriptor pool for %d sets", lt, maxSets)
	}

	return &pool{
		handle:         handle,
		lifetime:       lt,
		maxSets:        maxSets,
		maxDescriptors: capacity,
	}, nil
}

func (p *pool) fits(counts Counts) bool {
	return p.usedSets < p.maxSets && p.usedDescriptors.Add(counts).Fits(p.maxDescriptors)
}

func (p *pool) take(counts Counts) {
	p.usedSets++
	p.usedDescriptors = p.usedDescriptors.Add(counts)
}

func (p *pool) give(counts Counts) {
	p.usedSets--
	p.usedDescriptors = p.usedDescriptors.Sub(counts)
	if p.usedSets < 0 {
		panic(driver.Invariantf("descriptor pool %d released more sets than it allocated", p.handle))
	}
}

func (p *pool) clear() {
	p.usedSets = 0
	p.usedDescriptors = Counts{}
}

func (p *pool) isEmpty() bool {
	return p.usedSets == 0
}

// allocateFrom allocates a set from the first pool that has room for it. ok is false when no pool
// could hold the set.
func allocateFrom(drv driver.DescriptorDriver, pools []*pool, layout driver.Handle, counts Counts) (*pool, driver.Handle, bool, error) {
	for _, p := range pools {
		if !p.fits(counts) {
			continue
		}

		handle, err := drv.AllocateDescriptorSet(p.handle, layout)
		if errors.Is(err, driver.ErrOutOfMemory) {
			continue
		} else if err != nil {
			return nil, driver.NullHandle, false, err
		}

		p.take(counts)
		return p, handle, true, nil
	}

	return nil, driver.NullHandle, false, nil
}
