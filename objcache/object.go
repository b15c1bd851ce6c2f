package objcache

import (
	"slices"

	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/lifetime"
)

const (
	costPipeline       = 8
	costPipelineLayout = 2
	costSetLayout      = 1
	costSampler        = 1
)

var objectCosts = map[driver.ObjectKind]int{
	driver.ObjectPipeline:            costPipeline,
	driver.ObjectPipelineLayout:      costPipelineLayout,
	driver.ObjectDescriptorSetLayout: costSetLayout,
	driver.ObjectSampler:             costSampler,
}

// Object is a cached device object. Every GetOrCreate that returns an Object must be matched by
// one Release. An object nobody holds stays cached until it is evicted.
type Object struct {
	cache  *Cache
	id     lifetime.ID
	kind   driver.ObjectKind
	key    string
	handle driver.Handle
	cost   int

	// dependencies hold one reference each for as long as this object exists
	dependencies []*Object
	shaderHashes []uint64

	refs      int
	idleNode  *lruNode[*Object]
	stale     bool
	destroyed bool
}

func (o *Object) ID() lifetime.ID         { return o.id }
func (o *Object) Kind() driver.ObjectKind { return o.kind }
func (o *Object) Handle() driver.Handle   { return o.handle }

// Dependencies are the cached objects this object was built from, such as a pipeline's layout
func (o *Object) Dependencies() []*Object {
	return slices.Clone(o.dependencies)
}

// Refs is the number of outstanding references to the object, including those held by objects
// that depend on it
func (o *Object) Refs() int {
	o.cache.mutex.Lock()
	defer o.cache.mutex.Unlock()

	return o.refs
}

func (o *Object) usesShader(hash uint64) bool {
	return slices.Contains(o.shaderHashes, hash)
}
