// Package objcache deduplicates and caches the immutable device objects a renderer builds
// repeatedly: descriptor set layouts, pipeline layouts, graphics pipelines and samplers.
package objcache

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/lifetime"
)

type Options struct {
	// Budget is the total cost of cached objects above which idle objects are evicted, least
	// recently used first. 0 disables eviction.
	Budget int
	// InUse reports whether an object is referenced by a submission that has not retired. Such
	// objects are never evicted. When nil, every object is considered retired.
	InUse func(id lifetime.ID) bool
}

type Stats struct {
	Objects       int
	IdleObjects   int
	Cost          int
	Budget        int
	Hits          int
	Misses        int
	Builds        int
	BuildFailures int
	Evictions     int
}

// Cache is safe for concurrent use. Builds happen outside the cache lock, so two goroutines may
// build the same description at once: the first to finish is cached and the other build is
// destroyed.
type Cache struct {
	logger *slog.Logger
	driver driver.ObjectDriver
	budget int
	inUse  func(id lifetime.ID) bool

	mutex sync.Mutex
	byKey *swiss.Map[string, *Object]
	byID  *swiss.Map[lifetime.ID, *Object]
	idle  *lruList[*Object]
	cost  int
	stats Stats
}

func New(logger *slog.Logger, drv driver.ObjectDriver, options Options) *Cache {
	inUse := options.InUse
	if inUse == nil {
		inUse = func(lifetime.ID) bool { return false }
	}

	return &Cache{
		logger: logger,
		driver: drv,
		budget: options.Budget,
		inUse:  inUse,
		byKey:  swiss.NewMap[string, *Object](42),
		byID:   swiss.NewMap[lifetime.ID, *Object](42),
		idle:   newLRUList[*Object](),
	}
}

// buildTxn remembers the objects a GetOrCreate inserted, so a failed build can remove them again
type buildTxn struct {
	inserted []*Object
}

// GetOrCreate returns the cached object for desc, building it if needed, and adds a reference
// that the caller must Release. Invalid descriptions and device rejections return an error
// marked driver.ErrObjectBuildFailure and leave the cache as it was.
func (c *Cache) GetOrCreate(desc Description) (*Object, error) {
	err := desc.Validate()
	if err != nil {
		c.countFailure()
		return nil, driver.Mark(errors.Wrapf(err, "invalid %s description", desc.Kind()), driver.ErrObjectBuildFailure)
	}

	var txn buildTxn
	obj, err := c.getOrCreate(desc, &txn)
	if err != nil {
		c.rollback(&txn)
		c.countFailure()
		return nil, err
	}

	return obj, nil
}

// Lookup returns a cached object by id without adding a reference
func (c *Cache) Lookup(id lifetime.ID) (*Object, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.byID.Get(id)
}

func (c *Cache) countFailure() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stats.BuildFailures++
}

func (c *Cache) acquireLocked(obj *Object) {
	obj.refs++
	if obj.idleNode != nil {
		c.idle.Remove(obj.idleNode)
		obj.idleNode = nil
	}
}

func (c *Cache) getOrCreate(desc Description, txn *buildTxn) (*Object, error) {
	key := desc.Key()

	c.mutex.Lock()
	existing, found := c.byKey.Get(key)
	if found {
		c.acquireLocked(existing)
		c.stats.Hits++
		c.mutex.Unlock()
		return existing, nil
	}
	c.stats.Misses++
	c.mutex.Unlock()

	built, err := c.build(desc, key, txn)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	existing, found = c.byKey.Get(key)
	if found {
		// Another goroutine finished the same build first
		c.acquireLocked(existing)
		c.mutex.Unlock()

		c.logger.LogAttrs(context.Background(), slog.LevelDebug, "discarding redundant build",
			slog.String("kind", desc.Kind().String()))
		c.discard(built)
		return existing, nil
	}

	built.refs = 1
	c.byKey.Put(key, built)
	c.byID.Put(built.id, built)
	c.cost += built.cost
	c.stats.Builds++
	txn.inserted = append(txn.inserted, built)
	c.evictLocked()
	c.mutex.Unlock()

	return built, nil
}

func (c *Cache) build(desc Description, key string, txn *buildTxn) (*Object, error) {
	obj := &Object{
		cache: c,
		id:    lifetime.NewID(lifetime.KindObject),
		kind:  desc.Kind(),
		key:   key,
		cost:  objectCosts[desc.Kind()],
	}

	var handle driver.Handle
	var err error
	switch d := desc.(type) {
	case DescriptorSetLayoutDesc:
		handle, err = c.driver.CreateDescriptorSetLayout(d.sortedBindings())
	case PipelineLayoutDesc:
		setLayouts := make([]driver.Handle, 0, len(d.SetLayouts))
		for _, setLayoutDesc := range d.SetLayouts {
			setLayout, depErr := c.getOrCreate(setLayoutDesc, txn)
			if depErr != nil {
				c.releaseAll(obj.dependencies)
				return nil, depErr
			}
			obj.dependencies = append(obj.dependencies, setLayout)
			setLayouts = append(setLayouts, setLayout.handle)
		}
		handle, err = c.driver.CreatePipelineLayout(setLayouts, d.PushConstants)
	case GraphicsPipelineDesc:
		layout, depErr := c.getOrCreate(d.Layout, txn)
		if depErr != nil {
			return nil, depErr
		}
		obj.dependencies = append(obj.dependencies, layout)
		obj.shaderHashes = d.shaderHashes()
		handle, err = c.driver.CreateGraphicsPipeline(d.info(layout.handle))
	case SamplerDesc:
		handle, err = c.driver.CreateSampler(d.SamplerInfo)
	default:
		return nil, driver.BuildFailuref("unsupported description type %T", desc)
	}

	if err != nil {
		c.releaseAll(obj.dependencies)
		if errors.Is(err, driver.ErrDeviceLost) {
			return nil, errors.Wrapf(err, "failed to build %s", obj.kind)
		}
		return nil, driver.Mark(errors.Wrapf(err, "failed to build %s", obj.kind), driver.ErrObjectBuildFailure)
	}

	obj.handle = handle
	return obj, nil
}

// discard destroys an object that was never inserted into the cache
func (c *Cache) discard(obj *Object) {
	c.driver.DestroyObject(obj.kind, obj.handle)
	c.releaseAll(obj.dependencies)
}

func (c *Cache) releaseAll(objects []*Object) {
	for _, obj := range objects {
		c.Release(obj)
	}
}

// rollback releases and removes the objects a failed GetOrCreate inserted. Objects another
// caller picked up in the meantime stay cached.
func (c *Cache) rollback(txn *buildTxn) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i := len(txn.inserted) - 1; i >= 0; i-- {
		obj := txn.inserted[i]
		if obj.destroyed || obj.refs > 0 || c.inUse(obj.id) {
			continue
		}
		c.destroyLocked(obj)
	}
}

// Release drops a reference acquired from GetOrCreate. The object stays cached while idle.
func (c *Cache) Release(obj *Object) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.releaseLocked(obj)
	c.evictLocked()
}

func (c *Cache) releaseLocked(obj *Object) {
	if obj.destroyed {
		panic(driver.Invariantf("%s %s was released after it was destroyed", obj.kind, obj.id))
	}
	if obj.refs <= 0 {
		panic(driver.Invariantf("%s %s was released more times than it was acquired", obj.kind, obj.id))
	}

	obj.refs--
	if obj.refs > 0 {
		return
	}

	if obj.stale && !c.inUse(obj.id) {
		c.destroyLocked(obj)
		return
	}

	obj.idleNode = c.idle.PushFront(obj)
}

// destroyLocked removes an unreferenced object from the cache, destroys it and releases its
// dependencies
func (c *Cache) destroyLocked(obj *Object) {
	if obj.idleNode != nil {
		c.idle.Remove(obj.idleNode)
		obj.idleNode = nil
	}

	c.byKey.Delete(obj.key)
	c.byID.Delete(obj.id)
	c.cost -= obj.cost
	obj.destroyed = true

	c.driver.DestroyObject(obj.kind, obj.handle)

	for _, dependency := range obj.dependencies {
		c.releaseLocked(dependency)
	}
}

// evictOneLocked destroys the least recently used idle object that passes filter and is not
// referenced by a pending submission
func (c *Cache) evictOneLocked(filter func(obj *Object) bool) bool {
	for node := c.idle.Oldest(); node != nil; node = node.Newer() {
		obj := node.key
		if filter != nil && !filter(obj) {
			continue
		}
		if c.inUse(obj.id) {
			continue
		}

		c.destroyLocked(obj)
		c.stats.Evictions++
		return true
	}

	return false
}

func (c *Cache) evictLocked() {
	if c.budget <= 0 {
		return
	}

	for c.cost > c.budget {
		if !c.evictOneLocked(nil) {
			return
		}
	}
}

// Retired is called with the ids of submissions that completed. Objects they referenced may
// now be evicted, and stale objects nobody holds are destroyed.
func (c *Cache) Retired(ids []lifetime.ID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, id := range ids {
		obj, found := c.byID.Get(id)
		if found && obj.stale && obj.refs == 0 && !c.inUse(obj.id) {
			c.destroyLocked(obj)
		}
	}

	c.evictLocked()
}

// Purge evicts every idle object built from the shader with the given content hash and marks
// the rest stale, so they are destroyed as soon as they are released and retired. It returns
// the number of objects destroyed immediately.
func (c *Cache) Purge(shaderHash uint64) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var matches []*Object
	c.byID.Iter(func(id lifetime.ID, obj *Object) bool {
		if obj.usesShader(shaderHash) {
			matches = append(matches, obj)
		}
		return false
	})

	destroyed := 0
	for _, obj := range matches {
		obj.stale = true
		if obj.refs == 0 && !c.inUse(obj.id) {
			c.destroyLocked(obj)
			destroyed++
		}
	}

	if len(matches) > 0 {
		c.logger.LogAttrs(context.Background(), slog.LevelInfo, "purged shader",
			slog.Uint64("hash", shaderHash),
			slog.Int("destroyed", destroyed),
			slog.Int("deferred", len(matches)-destroyed))
	}

	return destroyed
}

// Trim destroys every idle object that no pending submission references
func (c *Cache) Trim() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	trimmed := 0
	for c.evictOneLocked(nil) {
		trimmed++
	}
	return trimmed
}

var destroyOrder = map[driver.ObjectKind]int{
	driver.ObjectPipeline:            0,
	driver.ObjectPipelineLayout:      1,
	driver.ObjectDescriptorSetLayout: 2,
	driver.ObjectSampler:             3,
}

// Destroy destroys every cached object, dependents before their dependencies. The device must
// be idle. Objects that were never released are logged.
func (c *Cache) Destroy() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	objects := make([]*Object, 0, c.byID.Count())
	c.byID.Iter(func(id lifetime.ID, obj *Object) bool {
		objects = append(objects, obj)
		return false
	})

	sort.SliceStable(objects, func(i, j int) bool {
		return destroyOrder[objects[i].kind] < destroyOrder[objects[j].kind]
	})

	for _, obj := range objects {
		held := obj.refs
		for _, dependent := range objects {
			if slices.Contains(dependent.dependencies, obj) {
				held--
			}
		}
		if held > 0 {
			c.logger.LogAttrs(context.Background(), slog.LevelWarn, "destroying cached object that is still referenced",
				slog.String("kind", obj.kind.String()),
				slog.String("id", obj.id.String()),
				slog.Int("refs", held))
		}

		c.driver.DestroyObject(obj.kind, obj.handle)
		obj.destroyed = true
		obj.idleNode = nil
	}

	c.byKey.Clear()
	c.byID.Clear()
	c.idle.Clear()
	c.cost = 0
}

func (c *Cache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats := c.stats
	stats.Objects = c.byID.Count()
	stats.IdleObjects = c.idle.Len()
	stats.Cost = c.cost
	stats.Budget = c.budget
	return stats
}

// BuildStatsString returns a JSON document describing the cache's counters and how many objects
// of each kind it holds
func (c *Cache) BuildStatsString() string {
	stats := c.Stats()

	kinds := make(map[driver.ObjectKind]int)
	c.mutex.Lock()
	c.byID.Iter(func(id lifetime.ID, obj *Object) bool {
		kinds[obj.kind]++
		return false
	})
	c.mutex.Unlock()

	writer := jwriter.NewWriter()
	rootObj := writer.Object()
	rootObj.Name("Objects").Int(stats.Objects)
	rootObj.Name("IdleObjects").Int(stats.IdleObjects)
	rootObj.Name("Cost").Int(stats.Cost)
	rootObj.Name("Budget").Int(stats.Budget)
	rootObj.Name("Hits").Int(stats.Hits)
	rootObj.Name("Misses").Int(stats.Misses)
	rootObj.Name("Builds").Int(stats.Builds)
	rootObj.Name("BuildFailures").Int(stats.BuildFailures)
	rootObj.Name("Evictions").Int(stats.Evictions)

	kindsObj := rootObj.Name("Kinds").Object()
	for kind := driver.ObjectDescriptorSetLayout; kind <= driver.ObjectSampler; kind++ {
		kindsObj.Name(kind.String()).Int(kinds[kind])
	}
	kindsObj.End()

	rootObj.End()
	return string(writer.Bytes())
}
