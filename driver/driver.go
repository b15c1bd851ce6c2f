// Package driver defines the narrow device interface that the allocator, object cache, and
// frame scheduler are written against, along with the error taxonomy shared by all of them.
//
// The vulkan subpackage implements Driver over a real device; drivertest implements it in
// memory for tests.
package driver

import (
	"context"
	"time"
)

// MemoryDriver allocates device memory and the buffers and images bound to it
type MemoryDriver interface {
	Limits() Limits
	MemoryTypes() []MemoryType
	// MemoryHeaps is indexed by MemoryType.HeapIndex
	MemoryHeaps() []MemoryHeap
	// MemoryBudget reports the current usage and budget of every memory heap, across every
	// process using the device. ok is false when the device cannot report them.
	MemoryBudget() (budgets []MemoryBudget, ok bool, err error)

	// AllocateMemory returns an error marked with ErrOutOfMemory when the device is exhausted
	AllocateMemory(memoryTypeIndex int, size int) (Handle, error)
	FreeMemory(memory Handle)
	// MapMemory maps the first size bytes of an allocation into host address space
	MapMemory(memory Handle, size int) ([]byte, error)
	UnmapMemory(memory Handle)

	CreateBuffer(info BufferCreateInfo) (Handle, MemoryRequirements, error)
	DestroyBuffer(buffer Handle)
	BindBufferMemory(buffer Handle, memory Handle, offset int) error

	CreateImage(info ImageCreateInfo) (Handle, MemoryRequirements, error)
	DestroyImage(image Handle)
	BindImageMemory(image Handle, memory Handle, offset int) error
}

// ObjectDriver builds and destroys the immutable objects held by the object cache
type ObjectDriver interface {
	CreateDescriptorSetLayout(bindings []DescriptorBinding) (Handle, error)
	CreatePipelineLayout(setLayouts []Handle, pushConstants []PushConstantRange) (Handle, error)
	CreateGraphicsPipeline(info GraphicsPipelineInfo) (Handle, error)
	CreateSampler(info SamplerInfo) (Handle, error)
	DestroyObject(kind ObjectKind, object Handle)

	// LoadPipelineCache seeds pipeline compilation with data previously returned by
	// PipelineCacheData. Data the device does not recognize is discarded.
	LoadPipelineCache(data []byte) error
	PipelineCacheData() ([]byte, error)
}

// DescriptorDriver manages descriptor pools and the sets allocated from them
type DescriptorDriver interface {
	CreateDescriptorPool(info DescriptorPoolInfo) (Handle, error)
	// DestroyDescriptorPool destroys the pool along with every set allocated from it
	DestroyDescriptorPool(pool Handle)
	ResetDescriptorPool(pool Handle) error
	// AllocateDescriptorSet returns an error marked with ErrOutOfMemory when the pool cannot
	// hold another set of the layout
	AllocateDescriptorSet(pool Handle, layout Handle) (Handle, error)
	FreeDescriptorSet(pool Handle, set Handle) error
}

// QueueDriver submits work and synchronizes with its completion
type QueueDriver interface {
	CreateFence(signaled bool) (Handle, error)
	// WaitFence blocks until the fence is signaled. A fence that does not signal within timeout
	// is reported as ErrDeviceLost; cancellation of ctx is reported as the context's error.
	WaitFence(ctx context.Context, fence Handle, timeout time.Duration) error
	ResetFence(fence Handle) error
	DestroyFence(fence Handle)

	CreateCommandPool() (Handle, error)
	ResetCommandPool(pool Handle) error
	AllocateCommandBuffer(pool Handle) (Handle, error)
	DestroyCommandPool(pool Handle)

	// Submit queues command buffers for execution. The fence is signaled when they complete.
	Submit(commandBuffers []Handle, fence Handle) error
	WaitIdle(ctx context.Context) error
}

type Driver interface {
	MemoryDriver
	ObjectDriver
	DescriptorDriver
	QueueDriver
}
