// Package descriptor allocates descriptor sets out of pools it grows on demand. Static sets
// are freed individually once no pending submission references them; frame sets are released
// in bulk by resetting their frame slot's pools.
package descriptor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/lifetime"
	"github.com/vkngwrapper/foundry/objcache"
)

const (
	// DefaultStaticSetsPerPool is the number of sets each static pool is created for when
	// Options.StaticSetsPerPool is 0
	DefaultStaticSetsPerPool = 1024
	// DefaultFrameSetsPerPool is the number of sets each frame pool is created for when
	// Options.FrameSetsPerPool is 0
	DefaultFrameSetsPerPool = 256
)

type Options struct {
	StaticSetsPerPool int
	FrameSetsPerPool  int
	// Slots is the number of frame slots that can hold frame sets
	Slots int

	// InUse reports whether a pending submission references an id. Freed static sets that
	// are in use are kept until Retired reports their id.
	InUse func(id lifetime.ID) bool
	// Release drops the layout reference a set held
	Release func(layout *objcache.Object)
}

// Stats summarizes the heap's pools and the sets allocated from them
type Stats struct {
	StaticPools int
	FramePools  int
	StaticSets  int
	FrameSets   int
	// DeferredSets are static sets that were freed while still in use
	DeferredSets    int
	UsedDescriptors Counts
}

// Heap owns every descriptor pool of a device. It is safe for concurrent use.
type Heap struct {
	logger  *slog.Logger
	driver  driver.DescriptorDriver
	options Options

	mutex     sync.Mutex
	static    []*pool
	live      map[lifetime.ID]*Set
	deferred  map[lifetime.ID]*Set
	frames    [][]*pool
	frameSets [][]*Set
}

func New(logger *slog.Logger, drv driver.DescriptorDriver, options Options) (*Heap, error) {
	if options.Slots < 1 {
		return nil, errors.Newf("invalid frame slot count %d", options.Slots)
	}
	if options.StaticSetsPerPool < 0 || options.FrameSetsPerPool < 0 {
		return nil, errors.Newf("invalid sets per pool %d/%d", options.StaticSetsPerPool, options.FrameSetsPerPool)
	}
	if options.StaticSetsPerPool == 0 {
		options.StaticSetsPerPool = DefaultStaticSetsPerPool
	}
	if options.FrameSetsPerPool == 0 {
		options.FrameSetsPerPool = DefaultFrameSetsPerPool
	}
	if options.InUse == nil {
		options.InUse = func(lifetime.ID) bool { return false }
	}
	if options.Release == nil {
		options.Release = func(*objcache.Object) {}
	}

	return &Heap{
		logger:    logger,
		driver:    drv,
		options:   options,
		live:      make(map[lifetime.ID]*Set),
		deferred:  make(map[lifetime.ID]*Set),
		frames:    make([][]*pool, options.Slots),
		frameSets: make([][]*Set, options.Slots),
	}, nil
}

func checkLayout(layout *objcache.Object) {
	if layout == nil || layout.Kind() != driver.ObjectDescriptorSetLayout {
		panic(driver.Invariantf("descriptor sets must be allocated with a descriptor set layout"))
	}
}

// Allocate allocates a static set of layout, which must be a cached descriptor set layout
// built from desc. On success the set takes over the caller's reference on layout; on failure
// the caller keeps it.
func (h *Heap) Allocate(layout *objcache.Object, desc objcache.DescriptorSetLayoutDesc) (*Set, error) {
	checkLayout(layout)
	counts := BindingCounts(desc.Bindings)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	p, handle, ok, err := allocateFrom(h.driver, h.static, layout.Handle(), counts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate a static descriptor set")
	}

	if !ok {
		p, err = newPool(h.driver, LifetimeStatic, h.options.StaticSetsPerPool, counts)
		if err != nil {
			return nil, err
		}
		h.static = append(h.static, p)
		h.logger.LogAttrs(context.Background(), slog.LevelDebug, "created descriptor pool",
			slog.String("lifetime", LifetimeStatic.String()),
			slog.Int("pools", len(h.static)),
			slog.Int("maxSets", p.maxSets))

		handle, err = h.driver.AllocateDescriptorSet(p.handle, layout.Handle())
		if err != nil {
			return nil, errors.Wrap(err, "failed to allocate a static descriptor set from a new pool")
		}
		p.take(counts)
	}

	set := &Set{
		id:       lifetime.NewID(lifetime.KindDescriptorSet),
		handle:   handle,
		layout:   layout,
		counts:   counts,
		lifetime: LifetimeStatic,
		slot:     -1,
		pool:     p,
	}
	h.live[set.id] = set
	return set, nil
}

// AllocateFrame allocates a set that is released by the next ResetSlot of slot. Ownership of
// layout passes as it does for Allocate.
func (h *Heap) AllocateFrame(slot int, layout *objcache.Object, desc objcache.DescriptorSetLayoutDesc) (*Set, error) {
	checkLayout(layout)
	counts := BindingCounts(desc.Bindings)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if slot < 0 || slot >= len(h.frames) {
		panic(driver.Invariantf("frame slot %d does not exist", slot))
	}

	p, handle, ok, err := allocateFrom(h.driver, h.frames[slot], layout.Handle(), counts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate a descriptor set for frame slot %d", slot)
	}

	if !ok {
		p, err = newPool(h.driver, LifetimeFrame, h.options.FrameSetsPerPool, counts)
		if err != nil {
			return nil, err
		}
		h.frames[slot] = append(h.frames[slot], p)

		handle, err = h.driver.AllocateDescriptorSet(p.handle, layout.Handle())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to allocate a descriptor set for frame slot %d from a new pool", slot)
		}
		p.take(counts)
	}

	set := &Set{
		id:       lifetime.NewID(lifetime.KindDescriptorSet),
		handle:   handle,
		layout:   layout,
		counts:   counts,
		lifetime: LifetimeFrame,
		slot:     slot,
		pool:     p,
	}
	h.frameSets[slot] = append(h.frameSets[slot], set)
	return set, nil
}

// Free releases a static set. A set that a pending submission still references is released
// when Retired reports its id. Freeing a frame set, or any set twice, is a programming error
// and panics.
func (h *Heap) Free(set *Set) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if set.lifetime != LifetimeStatic {
		panic(driver.Invariantf("descriptor set %s belongs to frame slot %d and cannot be freed on its own", set.id, set.slot))
	}
	if set.freed {
		panic(driver.Invariantf("descriptor set %s was freed twice", set.id))
	}
	set.freed = true

	if h.options.InUse(set.id) {
		h.deferred[set.id] = set
		return nil
	}

	return h.freeLocked(set)
}

func (h *Heap) freeLocked(set *Set) error {
	p := set.pool
	err := h.driver.FreeDescriptorSet(p.handle, set.handle)
	if err != nil {
		return errors.Wrapf(err, "failed to free descriptor set %s", set.id)
	}

	p.give(set.counts)
	delete(h.live, set.id)
	h.options.Release(set.layout)

	if !p.isEmpty() {
		return nil
	}

	// Keep one empty pool around for the next allocation
	poolIndex := -1
	otherEmpty := false
	for index, other := range h.static {
		if other == p {
			poolIndex = index
		} else if other.isEmpty() {
			otherEmpty = true
		}
	}
	if poolIndex >= 0 && otherEmpty {
		h.static = append(h.static[:poolIndex], h.static[poolIndex+1:]...)
		h.driver.DestroyDescriptorPool(p.handle)
	}

	return nil
}

// Retired releases the deferred static sets among ids. Ids of other kinds are ignored.
func (h *Heap) Retired(ids []lifetime.ID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, id := range ids {
		if id.Kind() != lifetime.KindDescriptorSet {
			continue
		}

		set, deferred := h.deferred[id]
		if !deferred {
			continue
		}
		delete(h.deferred, id)

		err := h.freeLocked(set)
		if err != nil {
			h.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release descriptor set",
				slog.String("set", id.String()),
				slog.Any("error", err))
		}
	}
}

// ResetSlot releases every frame set of a slot. The slot's previous frame must have retired.
// The slot's pools are kept for its next frame.
func (h *Heap) ResetSlot(slot int) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if slot < 0 || slot >= len(h.frames) {
		panic(driver.Invariantf("frame slot %d does not exist", slot))
	}

	var err error
	for _, p := range h.frames[slot] {
		if p.isEmpty() {
			continue
		}

		resetErr := h.driver.ResetDescriptorPool(p.handle)
		if resetErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(resetErr, "failed to reset a descriptor pool of frame slot %d", slot))
			continue
		}
		p.clear()
	}

	for _, set := range h.frameSets[slot] {
		set.freed = true
		h.options.Release(set.layout)
	}
	h.frameSets[slot] = nil

	return err
}

func (h *Heap) Stats() Stats {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	stats := Stats{
		StaticPools:  len(h.static),
		StaticSets:   len(h.live),
		DeferredSets: len(h.deferred),
	}
	for _, p := range h.static {
		stats.UsedDescriptors = stats.UsedDescriptors.Add(p.usedDescriptors)
	}
	for slot, pools := range h.frames {
		stats.FramePools += len(pools)
		stats.FrameSets += len(h.frameSets[slot])
		for _, p := range pools {
			stats.UsedDescriptors = stats.UsedDescriptors.Add(p.usedDescriptors)
		}
	}
	return stats
}

// Destroy destroys every pool, which frees every set, and releases the sets' layouts. The
// device must be idle or lost. Static sets that were never freed are logged and reported in
// the returned error.
func (h *Heap) Destroy() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	leaked := 0
	for id, set := range h.live {
		if _, deferred := h.deferred[id]; !deferred {
			leaked++
			h.logger.LogAttrs(context.Background(), slog.LevelWarn, "[UNRELEASED DESCRIPTOR SET] unfreed descriptor set",
				slog.String("set", id.String()),
				slog.Int("layout", int(set.layout.Handle())))
		}
		h.options.Release(set.layout)
	}
	for slot, sets := range h.frameSets {
		for _, set := range sets {
			h.options.Release(set.layout)
		}
		h.frameSets[slot] = nil
	}

	for _, p := range h.static {
		h.driver.DestroyDescriptorPool(p.handle)
	}
	for slot, pools := range h.frames {
		for _, p := range pools {
			h.driver.DestroyDescriptorPool(p.handle)
		}
		h.frames[slot] = nil
	}

	h.static = nil
	h.live = make(map[lifetime.ID]*Set)
	h.deferred = make(map[lifetime.ID]*Set)

	if leaked > 0 {
		return errors.Newf("%d descriptor sets were not freed before the destruction of the heap", leaked)
	}
	return nil
}
