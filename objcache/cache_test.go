package objcache

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/lifetime"
)

func TestGetOrCreateDeduplicates(t *testing.T) {
	device, cache := readyCache(t, Options{})
	vertex, fragment := shaderPair(t, 1)
	desc := pipelineDesc(vertex, fragment)

	first, err := cache.GetOrCreate(desc)
	require.NoError(t, err)
	second, err := cache.GetOrCreate(pipelineDesc(vertex, fragment))
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, driver.ObjectPipeline, first.Kind())
	require.Equal(t, 2, first.Refs())
	require.Equal(t, 1, device.Created(driver.ObjectPipeline))
	require.Equal(t, 1, device.Created(driver.ObjectPipelineLayout))
	require.Equal(t, 1, device.Created(driver.ObjectDescriptorSetLayout))

	dependencies := first.Dependencies()
	require.Len(t, dependencies, 1)
	layout := dependencies[0]
	require.Equal(t, driver.ObjectPipelineLayout, layout.Kind())
	require.Equal(t, 1, layout.Refs())

	direct, err := cache.GetOrCreate(basicLayout)
	require.NoError(t, err)
	require.Same(t, layout, direct)
	require.Equal(t, 2, layout.Refs())

	stats := cache.Stats()
	require.Equal(t, 3, stats.Objects)
	require.Equal(t, 3, stats.Builds)
	require.Equal(t, 3, stats.Misses)
	require.Equal(t, 2, stats.Hits)
	require.Equal(t, costPipeline+costPipelineLayout+costSetLayout, stats.Cost)

	cache.Release(first)
	cache.Release(second)
	cache.Release(direct)
	require.Equal(t, 0, first.Refs())
	require.Equal(t, 1, layout.Refs())

	stats = cache.Stats()
	require.Equal(t, 3, stats.Objects)
	require.Equal(t, 1, stats.IdleObjects)

	found, ok := cache.Lookup(first.ID())
	require.True(t, ok)
	require.Same(t, first, found)
}

func TestKeysIgnoreDeclarationOrder(t *testing.T) {
	forward := DescriptorSetLayoutDesc{Bindings: []driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 1, Stages: driver.StageVertex},
		{Binding: 3, Type: driver.DescriptorTypeSampledImage, Stages: driver.StageFragment},
	}}
	reversed := DescriptorSetLayoutDesc{Bindings: []driver.DescriptorBinding{
		{Binding: 3, Type: driver.DescriptorTypeSampledImage, Count: 1, Stages: driver.StageFragment},
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 1, Stages: driver.StageVertex},
	}}
	require.Equal(t, forward.Key(), reversed.Key())

	changed := DescriptorSetLayoutDesc{Bindings: []driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 1, Stages: driver.StageVertex | driver.StageFragment},
		{Binding: 3, Type: driver.DescriptorTypeSampledImage, Count: 1, Stages: driver.StageFragment},
	}}
	require.NotEqual(t, forward.Key(), changed.Key())

	// Nested descriptions must not collide with the parent's fields
	require.NotEqual(t, PipelineLayoutDesc{SetLayouts: []DescriptorSetLayoutDesc{forward}}.Key(),
		PipelineLayoutDesc{SetLayouts: []DescriptorSetLayoutDesc{forward, {}}}.Key())

	vertex, fragment := shaderPair(t, 1)
	require.Equal(t, pipelineDesc(vertex, fragment).Key(), pipelineDesc(fragment, vertex).Key())

	otherVertex, _ := shaderPair(t, 2)
	require.NotEqual(t, pipelineDesc(vertex, fragment).Key(), pipelineDesc(otherVertex, fragment).Key())

	require.Equal(t, samplerDesc(4).Key(), samplerDesc(4).Key())
	require.NotEqual(t, samplerDesc(4).Key(), samplerDesc(8).Key())
}

func TestZeroDescriptorCountBuildsOneDescriptor(t *testing.T) {
	device, cache := readyCache(t, Options{})

	implicit, err := cache.GetOrCreate(DescriptorSetLayoutDesc{Bindings: []driver.DescriptorBinding{
		{Binding: 2, Type: driver.DescriptorTypeSampledImage, Stages: driver.StageFragment},
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 4, Stages: driver.StageVertex},
	}})
	require.NoError(t, err)
	explicit, err := cache.GetOrCreate(DescriptorSetLayoutDesc{Bindings: []driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 4, Stages: driver.StageVertex},
		{Binding: 2, Type: driver.DescriptorTypeSampledImage, Count: 1, Stages: driver.StageFragment},
	}})
	require.NoError(t, err)

	// Both descriptions share one object, so the device must have been given what both mean
	require.Same(t, implicit, explicit)
	require.Equal(t, 1, device.Created(driver.ObjectDescriptorSetLayout))
	require.Equal(t, []driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 4, Stages: driver.StageVertex},
		{Binding: 2, Type: driver.DescriptorTypeSampledImage, Count: 1, Stages: driver.StageFragment},
	}, device.LayoutBindings(implicit.Handle()))

	cache.Release(implicit)
	cache.Release(explicit)
}

func TestPipelinesShareLayout(t *testing.T) {
	device, cache := readyCache(t, Options{})
	vertex, fragment := shaderPair(t, 1)
	_, otherFragment := shaderPair(t, 2)

	first, err := cache.GetOrCreate(pipelineDesc(vertex, fragment))
	require.NoError(t, err)
	second, err := cache.GetOrCreate(pipelineDesc(vertex, otherFragment))
	require.NoError(t, err)

	require.NotSame(t, first, second)
	require.Same(t, first.Dependencies()[0], second.Dependencies()[0])
	require.Equal(t, 2, first.Dependencies()[0].Refs())
	require.Equal(t, 2, device.Created(driver.ObjectPipeline))
	require.Equal(t, 1, device.Created(driver.ObjectPipelineLayout))
}

func TestBuildFailureLeavesCacheUnchanged(t *testing.T) {
	device, cache := readyCache(t, Options{})
	vertex, fragment := shaderPair(t, 1)
	desc := pipelineDesc(vertex, fragment)

	device.FailNext(driver.ObjectPipeline, 1)
	_, err := cache.GetOrCreate(desc)
	require.Error(t, err)
	require.True(t, errors.Is(err, driver.ErrObjectBuildFailure))

	stats := cache.Stats()
	require.Equal(t, 0, stats.Objects)
	require.Equal(t, 0, stats.Cost)
	require.Equal(t, 1, stats.BuildFailures)
	require.Equal(t, 0, device.LiveObjects(driver.ObjectPipelineLayout))
	require.Equal(t, 0, device.LiveObjects(driver.ObjectDescriptorSetLayout))

	pipeline, err := cache.GetOrCreate(desc)
	require.NoError(t, err)
	require.Equal(t, 1, device.LiveObjects(driver.ObjectPipeline))
	require.Equal(t, 1, device.LiveObjects(driver.ObjectPipelineLayout))
	cache.Release(pipeline)
}

func TestBuildFailureKeepsHeldDependencies(t *testing.T) {
	device, cache := readyCache(t, Options{})
	vertex, fragment := shaderPair(t, 1)

	layout, err := cache.GetOrCreate(basicLayout)
	require.NoError(t, err)

	device.FailNext(driver.ObjectPipeline, 1)
	_, err = cache.GetOrCreate(pipelineDesc(vertex, fragment))
	require.True(t, errors.Is(err, driver.ErrObjectBuildFailure))

	require.Equal(t, 1, layout.Refs())
	require.Equal(t, 2, cache.Stats().Objects)
	require.Equal(t, 1, device.LiveObjects(driver.ObjectPipelineLayout))
	require.Equal(t, 1, device.LiveObjects(driver.ObjectDescriptorSetLayout))
}

func TestDependencyFailure(t *testing.T) {
	device, cache := readyCache(t, Options{})
	vertex, fragment := shaderPair(t, 1)

	device.FailNext(driver.ObjectPipelineLayout, 1)
	_, err := cache.GetOrCreate(pipelineDesc(vertex, fragment))
	require.True(t, errors.Is(err, driver.ErrObjectBuildFailure))

	require.Equal(t, 0, cache.Stats().Objects)
	require.Equal(t, 0, device.LiveObjects(driver.ObjectDescriptorSetLayout))
	require.Equal(t, 0, device.Created(driver.ObjectPipeline))
}

func TestInvalidDescription(t *testing.T) {
	device, cache := readyCache(t, Options{})
	vertex, fragment := shaderPair(t, 1)

	testCases := map[string]Description{
		"no vertex shader": pipelineDesc(fragment),
		"duplicate stage":  pipelineDesc(vertex, vertex),
		"no render pass": func() GraphicsPipelineDesc {
			d := pipelineDesc(vertex, fragment)
			d.RenderPass = driver.NullHandle
			return d
		}(),
		"undeclared binding": func() GraphicsPipelineDesc { d := pipelineDesc(vertex, fragment); d.VertexBindings = nil; return d }(),
		"duplicate set binding": DescriptorSetLayoutDesc{Bindings: []driver.DescriptorBinding{
			{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Stages: driver.StageVertex},
			{Binding: 0, Type: driver.DescriptorTypeStorageBuffer, Stages: driver.StageVertex},
		}},
		"invisible binding": DescriptorSetLayoutDesc{Bindings: []driver.DescriptorBinding{
			{Binding: 0, Type: driver.DescriptorTypeUniformBuffer},
		}},
		"misaligned push constants": PipelineLayoutDesc{PushConstants: []driver.PushConstantRange{
			{Stages: driver.StageVertex, Offset: 2, Size: 16},
		}},
	}

	for name, desc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := cache.GetOrCreate(desc)
			require.Error(t, err)
			require.True(t, errors.Is(err, driver.ErrObjectBuildFailure))
		})
	}

	require.Equal(t, len(testCases), cache.Stats().BuildFailures)
	require.Equal(t, 0, cache.Stats().Objects)
	require.Equal(t, 0, device.Created(driver.ObjectDescriptorSetLayout))
}

func TestShaderLayoutMismatch(t *testing.T) {
	_, cache := readyCache(t, Options{})
	_, fragment := shaderPair(t, 1)

	testCases := map[string]ShaderInterface{
		"missing set": {
			Bindings: []ShaderBinding{{Set: 1, Binding: 0, Type: driver.DescriptorTypeUniformBuffer}},
		},
		"missing binding": {
			Bindings: []ShaderBinding{{Set: 0, Binding: 5, Type: driver.DescriptorTypeUniformBuffer}},
		},
		"wrong type": {
			Bindings: []ShaderBinding{{Set: 0, Binding: 0, Type: driver.DescriptorTypeStorageBuffer}},
		},
		"not visible": {
			Bindings: []ShaderBinding{{Set: 0, Binding: 1, Type: driver.DescriptorTypeCombinedImageSampler}},
		},
		"too many descriptors": {
			Bindings: []ShaderBinding{{Set: 0, Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 4}},
		},
		"push constants": {
			PushConstantSize: 32,
		},
	}

	for name, iface := range testCases {
		t.Run(name, func(t *testing.T) {
			vertex := readyShader(t, driver.StageVertex, 7, iface)
			_, err := cache.GetOrCreate(pipelineDesc(vertex, fragment))
			require.True(t, errors.Is(err, driver.ErrObjectBuildFailure))
		})
	}
}

func TestBudgetEvictsLeastRecentlyUsed(t *testing.T) {
	device, cache := readyCache(t, Options{Budget: 2})

	first, err := cache.GetOrCreate(samplerDesc(1))
	require.NoError(t, err)
	cache.Release(first)
	second, err := cache.GetOrCreate(samplerDesc(2))
	require.NoError(t, err)
	cache.Release(second)

	// Touching the first sampler makes the second the eviction candidate
	again, err := cache.GetOrCreate(samplerDesc(1))
	require.NoError(t, err)
	require.Same(t, first, again)
	cache.Release(again)

	third, err := cache.GetOrCreate(samplerDesc(3))
	require.NoError(t, err)

	_, found := cache.Lookup(second.ID())
	require.False(t, found)
	_, found = cache.Lookup(first.ID())
	require.True(t, found)
	require.Equal(t, 2, device.LiveObjects(driver.ObjectSampler))

	stats := cache.Stats()
	require.Equal(t, 1, stats.Evictions)
	require.Equal(t, 2, stats.Cost)
	require.Equal(t, 2, stats.Budget)

	cache.Release(third)
	require.Equal(t, 2, cache.Stats().Objects)
}

func TestHeldObjectsAreNotEvicted(t *testing.T) {
	device, cache := readyCache(t, Options{Budget: 1})

	first, err := cache.GetOrCreate(samplerDesc(1))
	require.NoError(t, err)
	second, err := cache.GetOrCreate(samplerDesc(2))
	require.NoError(t, err)

	require.Equal(t, 2, cache.Stats().Cost)
	require.Equal(t, 2, device.LiveObjects(driver.ObjectSampler))

	cache.Release(first)
	require.Equal(t, 1, device.LiveObjects(driver.ObjectSampler))
	_, found := cache.Lookup(second.ID())
	require.True(t, found)

	cache.Release(second)
	require.Equal(t, 1, device.LiveObjects(driver.ObjectSampler))
}

func TestInFlightObjectsAreNotEvicted(t *testing.T) {
	inUse := newInUseSet()
	device, cache := readyCache(t, Options{Budget: 1, InUse: inUse.InUse})

	first, err := cache.GetOrCreate(samplerDesc(1))
	require.NoError(t, err)
	inUse.Set(first.ID(), true)
	cache.Release(first)

	second, err := cache.GetOrCreate(samplerDesc(2))
	require.NoError(t, err)
	cache.Release(second)

	// The second sampler was the only eviction candidate
	_, found := cache.Lookup(first.ID())
	require.True(t, found)
	_, found = cache.Lookup(second.ID())
	require.False(t, found)

	cache.Retired(nil)
	require.Equal(t, 1, device.LiveObjects(driver.ObjectSampler))

	third, err := cache.GetOrCreate(samplerDesc(3))
	require.NoError(t, err)
	require.Equal(t, 2, cache.Stats().Cost)

	inUse.Set(first.ID(), false)
	cache.Retired([]lifetime.ID{first.ID()})

	_, found = cache.Lookup(first.ID())
	require.False(t, found)
	require.Equal(t, 1, cache.Stats().Cost)
	cache.Release(third)
}

func TestPurgeDestroysIdleObjects(t *testing.T) {
	device, cache := readyCache(t, Options{})
	vertex, fragment := shaderPair(t, 1)
	otherVertex, _ := shaderPair(t, 2)

	pipeline, err := cache.GetOrCreate(pipelineDesc(vertex, fragment))
	require.NoError(t, err)
	other, err := cache.GetOrCreate(pipelineDesc(otherVertex, fragment))
	require.NoError(t, err)
	cache.Release(pipeline)

	require.Equal(t, 0, cache.Purge(12345))
	require.Equal(t, 1, cache.Purge(vertex.Hash()))
	require.Equal(t, 1, device.LiveObjects(driver.ObjectPipeline))
	require.Equal(t, 1, device.LiveObjects(driver.ObjectPipelineLayout))

	_, found := cache.Lookup(pipeline.ID())
	require.False(t, found)
	_, found = cache.Lookup(other.ID())
	require.True(t, found)

	rebuilt, err := cache.GetOrCreate(pipelineDesc(vertex, fragment))
	require.NoError(t, err)
	require.NotSame(t, pipeline, rebuilt)
	require.Equal(t, 3, device.Created(driver.ObjectPipeline))

	cache.Release(rebuilt)
	cache.Release(other)
}

func TestPurgeDefersHeldObjects(t *testing.T) {
	inUse := newInUseSet()
	device, cache := readyCache(t, Options{InUse: inUse.InUse})
	vertex, fragment := shaderPair(t, 1)

	pipeline, err := cache.GetOrCreate(pipelineDesc(vertex, fragment))
	require.NoError(t, err)

	require.Equal(t, 0, cache.Purge(fragment.Hash()))
	require.Equal(t, 1, device.LiveObjects(driver.ObjectPipeline))

	// Released but still referenced by a pending submission
	inUse.Set(pipeline.ID(), true)
	cache.Release(pipeline)
	require.Equal(t, 1, device.LiveObjects(driver.ObjectPipeline))

	inUse.Set(pipeline.ID(), false)
	cache.Retired([]lifetime.ID{pipeline.ID()})
	require.Equal(t, 0, device.LiveObjects(driver.ObjectPipeline))
	require.Equal(t, 1, device.LiveObjects(driver.ObjectPipelineLayout))

	_, found := cache.Lookup(pipeline.ID())
	require.False(t, found)
}

func TestTrim(t *testing.T) {
	device, cache := readyCache(t, Options{})
	vertex, fragment := shaderPair(t, 1)

	pipeline, err := cache.GetOrCreate(pipelineDesc(vertex, fragment))
	require.NoError(t, err)
	sampler, err := cache.GetOrCreate(samplerDesc(1))
	require.NoError(t, err)
	held, err := cache.GetOrCreate(samplerDesc(2))
	require.NoError(t, err)

	cache.Release(pipeline)
	cache.Release(sampler)

	require.Equal(t, 4, cache.Trim())
	require.Equal(t, 1, cache.Stats().Objects)
	require.Equal(t, 1, device.LiveObjects(driver.ObjectSampler))
	require.Equal(t, 0, device.LiveObjects(driver.ObjectPipeline))
	require.Equal(t, 0, device.LiveObjects(driver.ObjectPipelineLayout))
	require.Equal(t, 0, device.LiveObjects(driver.ObjectDescriptorSetLayout))

	cache.Release(held)
}

func eventIndex(t *testing.T, events []string, prefix string) int {
	for index, event := range events {
		if strings.HasPrefix(event, prefix) {
			return index
		}
	}
	require.Failf(t, "event not found", "no event starting with %s in %v", prefix, events)
	return -1
}

func TestDestroyOrdersDependents(t *testing.T) {
	device, cache := readyCache(t, Options{})
	vertex, fragment := shaderPair(t, 1)

	sampler, err := cache.GetOrCreate(samplerDesc(1))
	require.NoError(t, err)
	cache.Release(sampler)
	_, err = cache.GetOrCreate(pipelineDesc(vertex, fragment))
	require.NoError(t, err)

	device.ClearEvents()
	cache.Destroy()

	events := device.Events()
	pipelineIndex := eventIndex(t, events, "destroy-Pipeline:")
	layoutIndex := eventIndex(t, events, "destroy-PipelineLayout:")
	setLayoutIndex := eventIndex(t, events, "destroy-DescriptorSetLayout:")
	eventIndex(t, events, "destroy-Sampler:")
	require.Less(t, pipelineIndex, layoutIndex)
	require.Less(t, layoutIndex, setLayoutIndex)

	for kind := driver.ObjectDescriptorSetLayout; kind <= driver.ObjectSampler; kind++ {
		require.Equal(t, 0, device.LiveObjects(kind))
	}
	require.Equal(t, 0, cache.Stats().Objects)
}

func TestReleaseMisuse(t *testing.T) {
	_, cache := readyCache(t, Options{})

	sampler, err := cache.GetOrCreate(samplerDesc(1))
	require.NoError(t, err)
	cache.Release(sampler)

	requireInvariantPanic(t, func() {
		cache.Release(sampler)
	})

	cache.Trim()
	requireInvariantPanic(t, func() {
		cache.Release(sampler)
	})
}

func TestConcurrentGetOrCreate(t *testing.T) {
	device, cache := readyCache(t, Options{})
	vertex, fragment := shaderPair(t, 1)

	const goroutines = 32
	objects := make([]*Object, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()

			obj, err := cache.GetOrCreate(pipelineDesc(vertex, fragment))
			require.NoError(t, err)
			objects[index] = obj
		}(i)
	}
	wg.Wait()

	for _, obj := range objects {
		require.Same(t, objects[0], obj)
	}
	require.Equal(t, goroutines, objects[0].Refs())
	require.Equal(t, 1, objects[0].Dependencies()[0].Refs())
	require.Equal(t, 1, device.LiveObjects(driver.ObjectPipeline))
	require.Equal(t, 1, device.LiveObjects(driver.ObjectPipelineLayout))
	require.Equal(t, 1, device.LiveObjects(driver.ObjectDescriptorSetLayout))

	for _, obj := range objects {
		cache.Release(obj)
	}
	require.Equal(t, 0, objects[0].Refs())
}

func TestBuildStatsString(t *testing.T) {
	_, cache := readyCache(t, Options{Budget: 64})
	vertex, fragment := shaderPair(t, 1)

	pipeline, err := cache.GetOrCreate(pipelineDesc(vertex, fragment))
	require.NoError(t, err)
	defer cache.Release(pipeline)

	var stats struct {
		Objects int
		Budget  int
		Builds  int
		Kinds   map[string]int
	}
	require.NoError(t, json.Unmarshal([]byte(cache.BuildStatsString()), &stats))
	require.Equal(t, 3, stats.Objects)
	require.Equal(t, 64, stats.Budget)
	require.Equal(t, 3, stats.Builds)
	require.Equal(t, 1, stats.Kinds["Pipeline"])
	require.Equal(t, 0, stats.Kinds["Sampler"])
}

func requireInvariantPanic(t *testing.T, fn func()) {
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")

		err, isErr := r.(error)
		require.True(t, isErr)
		require.True(t, errors.Is(err, driver.ErrInvariantViolation))
	}()

	fn()
}
