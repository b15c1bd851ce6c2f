// Package vulkan implements driver.Driver over a vkngwrapper core 1.0 device
package vulkan

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/core/v3/core1_1"
	"github.com/vkngwrapper/extensions/v3/ext_memory_budget"
	"github.com/vkngwrapper/foundry/driver"
)

// handleTable maps driver handles to the device objects they stand for
type handleTable[T any] struct {
	objects *swiss.Map[driver.Handle, T]
}

func newHandleTable[T any]() handleTable[T] {
	return handleTable[T]{objects: swiss.NewMap[driver.Handle, T](42)}
}

// Device adapts a core1_0.DeviceDriver and one of its queues to driver.Driver
type Device struct {
	logger           *slog.Logger
	driver           core1_0.DeviceDriver
	queue            core1_0.Queue
	queueFamilyIndex int

	limits      driver.Limits
	memoryTypes []driver.MemoryType
	memoryHeaps []driver.MemoryHeap

	// budgetDriver is set when VK_EXT_memory_budget is active on the device
	budgetDriver   core1_1.CoreInstanceDriver
	physicalDevice core1_0.PhysicalDevice

	mutex      sync.Mutex
	nextHandle driver.Handle

	memory               handleTable[core1_0.DeviceMemory]
	buffers              handleTable[core1_0.Buffer]
	images               handleTable[core1_0.Image]
	descriptorSetLayouts handleTable[core1_0.DescriptorSetLayout]
	pipelineLayouts      handleTable[core1_0.PipelineLayout]
	pipelines            handleTable[core1_0.Pipeline]
	samplers             handleTable[core1_0.Sampler]
	renderPasses         handleTable[core1_0.RenderPass]
	fences               handleTable[core1_0.Fence]
	commandPools         handleTable[core1_0.CommandPool]
	commandBuffers       handleTable[core1_0.CommandBuffer]
	poolBuffers          map[driver.Handle][]driver.Handle
	descriptorPools      handleTable[core1_0.DescriptorPool]
	descriptorSets       handleTable[core1_0.DescriptorSet]
	poolSets             map[driver.Handle]map[driver.Handle]struct{}

	pipelineCache    core1_0.PipelineCache
	hasPipelineCache bool

	// Queue submission must be externally synchronized
	queueMutex sync.Mutex
}

var _ driver.Driver = &Device{}

// New creates a Device. Memory types, heaps and limits are read once from the physical device
// through the instance driver. Memory budgets are queried on demand when the instance is at
// least Vulkan 1.1 and the device was created with VK_EXT_memory_budget.
func New(logger *slog.Logger, instanceDriver core1_0.CoreInstanceDriver, deviceDriver core1_0.DeviceDriver, physicalDevice core1_0.PhysicalDevice, queue core1_0.Queue, queueFamilyIndex int) (*Device, error) {
	properties, err := instanceDriver.GetPhysicalDeviceProperties(physicalDevice)
	if err != nil {
		return nil, errors.Wrapf(err, "reading physical device properties")
	}
	if properties.Limits == nil {
		return nil, errors.New("physical device properties did not include limits")
	}

	memoryProperties := instanceDriver.GetPhysicalDeviceMemoryProperties(physicalDevice)
	memoryTypes := make([]driver.MemoryType, 0, len(memoryProperties.MemoryTypes))
	for _, memoryType := range memoryProperties.MemoryTypes {
		memoryTypes = append(memoryTypes, driver.MemoryType{
			Properties: driver.MemoryPropertyFlags(memoryType.PropertyFlags),
			HeapIndex:  memoryType.HeapIndex,
		})
	}
	memoryHeaps := make([]driver.MemoryHeap, 0, len(memoryProperties.MemoryHeaps))
	for _, heap := range memoryProperties.MemoryHeaps {
		memoryHeaps = append(memoryHeaps, driver.MemoryHeap{
			Size:        heap.Size,
			DeviceLocal: heap.Flags&core1_0.MemoryHeapDeviceLocal != 0,
		})
	}

	granularity := int(properties.Limits.BufferImageGranularity)

	dev := &Device{
		logger:           logger,
		driver:           deviceDriver,
		queue:            queue,
		queueFamilyIndex: queueFamilyIndex,
		memoryTypes:      memoryTypes,
		memoryHeaps:      memoryHeaps,
		limits: driver.Limits{
			BufferImageGranularity: granularity,
			NonCoherentAtomSize:    int(properties.Limits.NonCoherentAtomSize),
			MinImageAlignment:      uint(granularity),
		},

		memory:               newHandleTable[core1_0.DeviceMemory](),
		buffers:              newHandleTable[core1_0.Buffer](),
		images:               newHandleTable[core1_0.Image](),
		descriptorSetLayouts: newHandleTable[core1_0.DescriptorSetLayout](),
		pipelineLayouts:      newHandleTable[core1_0.PipelineLayout](),
		pipelines:            newHandleTable[core1_0.Pipeline](),
		samplers:             newHandleTable[core1_0.Sampler](),
		renderPasses:         newHandleTable[core1_0.RenderPass](),
		fences:               newHandleTable[core1_0.Fence](),
		commandPools:         newHandleTable[core1_0.CommandPool](),
		commandBuffers:       newHandleTable[core1_0.CommandBuffer](),
		poolBuffers:          make(map[driver.Handle][]driver.Handle),
		descriptorPools:      newHandleTable[core1_0.DescriptorPool](),
		descriptorSets:       newHandleTable[core1_0.DescriptorSet](),
		poolSets:             make(map[driver.Handle]map[driver.Handle]struct{}),
		physicalDevice:       physicalDevice,
	}

	instance11, isCore11 := instanceDriver.(core1_1.CoreInstanceDriver)
	if isCore11 && physicalDevice.InstanceAPIVersion().IsAtLeast(common.Vulkan1_1) &&
		deviceDriver.Device().IsDeviceExtensionActive(ext_memory_budget.ExtensionName) {
		dev.budgetDriver = instance11
	}

	return dev, nil
}

func (d *Device) Limits() driver.Limits            { return d.limits }
func (d *Device) MemoryTypes() []driver.MemoryType { return d.memoryTypes }
func (d *Device) MemoryHeaps() []driver.MemoryHeap { return d.memoryHeaps }

func (d *Device) MemoryBudget() ([]driver.MemoryBudget, bool, error) {
	if d.budgetDriver == nil {
		return nil, false, nil
	}

	budget := &ext_memory_budget.PhysicalDeviceMemoryBudgetProperties{}
	properties := core1_1.PhysicalDeviceMemoryProperties2{
		NextOutData: common.NextOutData{Next: budget},
	}
	err := d.budgetDriver.GetPhysicalDeviceMemoryProperties2(d.physicalDevice, &properties)
	if err != nil {
		return nil, false, errors.Wrap(err, "querying the memory budget")
	}

	budgets := make([]driver.MemoryBudget, len(d.memoryHeaps))
	for heapIndex := range budgets {
		budgets[heapIndex] = driver.MemoryBudget{
			Usage:  int(budget.HeapUsage[heapIndex]),
			Budget: int(budget.HeapBudget[heapIndex]),
		}
	}
	return budgets, true, nil
}

// DeviceDriver returns the wrapped driver, for recording commands
func (d *Device) DeviceDriver() core1_0.DeviceDriver { return d.driver }

func register[T any](d *Device, table handleTable[T], object T) driver.Handle {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.nextHandle++
	table.objects.Put(d.nextHandle, object)
	return d.nextHandle
}

func lookup[T any](d *Device, table handleTable[T], handle driver.Handle) (T, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	object, ok := table.objects.Get(handle)
	if !ok {
		var zero T
		return zero, errors.Newf("handle %d does not identify a live object", handle)
	}
	return object, nil
}

func unregister[T any](d *Device, table handleTable[T], handle driver.Handle) (T, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	object, ok := table.objects.Get(handle)
	if ok {
		table.objects.Delete(handle)
	}
	return object, ok
}

// RegisterRenderPass makes an externally created render pass usable in GraphicsPipelineInfo
func (d *Device) RegisterRenderPass(renderPass core1_0.RenderPass) driver.Handle {
	return register(d, d.renderPasses, renderPass)
}

func (d *Device) UnregisterRenderPass(handle driver.Handle) {
	unregister(d, d.renderPasses, handle)
}

func (d *Device) Buffer(handle driver.Handle) (core1_0.Buffer, error) {
	return lookup(d, d.buffers, handle)
}

func (d *Device) Image(handle driver.Handle) (core1_0.Image, error) {
	return lookup(d, d.images, handle)
}

func (d *Device) Pipeline(handle driver.Handle) (core1_0.Pipeline, error) {
	return lookup(d, d.pipelines, handle)
}

func (d *Device) PipelineLayout(handle driver.Handle) (core1_0.PipelineLayout, error) {
	return lookup(d, d.pipelineLayouts, handle)
}

func (d *Device) DescriptorSetLayout(handle driver.Handle) (core1_0.DescriptorSetLayout, error) {
	return lookup(d, d.descriptorSetLayouts, handle)
}

func (d *Device) Sampler(handle driver.Handle) (core1_0.Sampler, error) {
	return lookup(d, d.samplers, handle)
}

func (d *Device) CommandBuffer(handle driver.Handle) (core1_0.CommandBuffer, error) {
	return lookup(d, d.commandBuffers, handle)
}

// wrapResult converts a failed device call into an error carrying the driver taxonomy
func wrapResult(res common.VkResult, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	wrapped := errors.Wrapf(err, format, args...)
	switch res {
	case core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfHostMemory,
		core1_0.VKErrorFragmentedPool, core1_1.VkErrorOutOfPoolMemory:
		return driver.Mark(wrapped, driver.ErrOutOfMemory)
	case core1_0.VKErrorDeviceLost:
		return driver.Mark(wrapped, driver.ErrDeviceLost)
	default:
		return wrapped
	}
}
