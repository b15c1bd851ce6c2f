// Package drivertest provides an in-memory driver.Driver for tests. Fences signal only when
// the test says so, which makes it possible to observe every state a frame passes through.
package drivertest

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
)

var DefaultMemoryTypes = []driver.MemoryType{
	{Properties: driver.MemoryPropertyDeviceLocal, HeapIndex: 0},
	{Properties: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, HeapIndex: 1},
	{Properties: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent | driver.MemoryPropertyHostCached, HeapIndex: 1},
}

var DefaultMemoryHeaps = []driver.MemoryHeap{
	{Size: 256 * 1024 * 1024, DeviceLocal: true},
	{Size: 256 * 1024 * 1024},
}

var DefaultLimits = driver.Limits{
	BufferImageGranularity: 1024,
	NonCoherentAtomSize:    64,
}

const (
	bufferAlignment uint = 16
	imageAlignment  uint = 1024
)

type fakeMemory struct {
	typeIndex int
	data      []byte
	mapped    bool
}

type fakeResource struct {
	size   int
	memory driver.Handle
	offset int
	bound  bool
}

type fakeFence struct {
	signaled bool
	signal   chan struct{}
}

type Submission struct {
	CommandBuffers []driver.Handle
	Fence          driver.Handle
}

type Option func(d *Device)

func WithMemoryTypes(types ...driver.MemoryType) Option {
	return func(d *Device) {
		d.memoryTypes = types
	}
}

func WithMemoryHeaps(heaps ...driver.MemoryHeap) Option {
	return func(d *Device) {
		d.memoryHeaps = heaps
	}
}

func WithLimits(limits driver.Limits) Option {
	return func(d *Device) {
		d.limits = limits
	}
}

// WithMemoryLimit caps the total bytes of device memory the fake will hand out
func WithMemoryLimit(bytes int) Option {
	return func(d *Device) {
		d.memoryLimit = bytes
	}
}

// WithMemoryBudget makes the fake report a budget for each memory heap. Usage is what other
// processes hold; the fake adds its own live allocations to it.
func WithMemoryBudget(budgets ...driver.MemoryBudget) Option {
	return func(d *Device) {
		d.budgets = budgets
	}
}

// WithAutoSignal signals each submission's fence as soon as it is submitted
func WithAutoSignal() Option {
	return func(d *Device) {
		d.autoSignal = true
	}
}

// Device is a fake device. All methods are safe for concurrent use.
type Device struct {
	mutex sync.Mutex

	limits      driver.Limits
	memoryTypes []driver.MemoryType
	memoryHeaps []driver.MemoryHeap
	memoryLimit int
	budgets     []driver.MemoryBudget
	autoSignal  bool

	nextHandle     driver.Handle
	allocatedBytes int
	memory         map[driver.Handle]*fakeMemory
	buffers        map[driver.Handle]*fakeResource
	images         map[driver.Handle]*fakeResource
	objects        map[driver.Handle]driver.ObjectKind
	fences         map[driver.Handle]*fakeFence
	pools          map[driver.Handle][]driver.Handle
	commandBuffers map[driver.Handle]driver.Handle

	descriptorPools map[driver.Handle]*fakeDescriptorPool
	// descriptorSets maps each live set to its pool
	descriptorSets map[driver.Handle]driver.Handle

	failObjects              map[driver.ObjectKind]int
	failFenceReset           bool
	fenceResetsBeforeFailure int
	created                  map[driver.ObjectKind]int
	layoutBindings           map[driver.Handle][]driver.DescriptorBinding
	submissions              []Submission
	events                   []string
	pipelineCache            []byte
	hasCache                 bool

	lost     bool
	lostChan chan struct{}
}

var _ driver.Driver = &Device{}

func New(options ...Option) *Device {
	d := &Device{
		limits:          DefaultLimits,
		memoryTypes:     DefaultMemoryTypes,
		memoryHeaps:     DefaultMemoryHeaps,
		memory:          make(map[driver.Handle]*fakeMemory),
		buffers:         make(map[driver.Handle]*fakeResource),
		images:          make(map[driver.Handle]*fakeResource),
		objects:         make(map[driver.Handle]driver.ObjectKind),
		fences:          make(map[driver.Handle]*fakeFence),
		pools:           make(map[driver.Handle][]driver.Handle),
		commandBuffers:  make(map[driver.Handle]driver.Handle),
		descriptorPools: make(map[driver.Handle]*fakeDescriptorPool),
		descriptorSets:  make(map[driver.Handle]driver.Handle),
		failObjects:     make(map[driver.ObjectKind]int),
		created:         make(map[driver.ObjectKind]int),
		layoutBindings:  make(map[driver.Handle][]driver.DescriptorBinding),
		lostChan:        make(chan struct{}),
	}

	for _, option := range options {
		option(d)
	}

	return d
}

func (d *Device) newHandle() driver.Handle {
	d.nextHandle++
	return d.nextHandle
}

func (d *Device) logEvent(format string, args ...any) {
	d.events = append(d.events, fmt.Sprintf(format, args...))
}

// Note appends a caller-defined entry to the event log, so tests can check the order of their
// own callbacks against device operations
func (d *Device) Note(event string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.events = append(d.events, event)
}

// Events returns a copy of the event log
func (d *Device) Events() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]string(nil), d.events...)
}

func (d *Device) ClearEvents() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.events = nil
}

// LoseDevice makes every later operation fail with driver.ErrDeviceLost and wakes any fence
// waiters
func (d *Device) LoseDevice() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.lost {
		d.lost = true
		close(d.lostChan)
	}
}

func (d *Device) checkLost() error {
	if d.lost {
		return driver.DeviceLostf("the device was lost")
	}
	return nil
}

func (d *Device) Limits() driver.Limits            { return d.limits }
func (d *Device) MemoryTypes() []driver.MemoryType { return d.memoryTypes }
func (d *Device) MemoryHeaps() []driver.MemoryHeap { return d.memoryHeaps }

func (d *Device) MemoryBudget() ([]driver.MemoryBudget, bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.budgets == nil {
		return nil, false, nil
	}
	if err := d.checkLost(); err != nil {
		return nil, false, err
	}

	budgets := append([]driver.MemoryBudget(nil), d.budgets...)
	for _, mem := range d.memory {
		budgets[d.memoryTypes[mem.typeIndex].HeapIndex].Usage += len(mem.data)
	}
	return budgets, true, nil
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (driver.Handle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return driver.NullHandle, err
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.memoryTypes) {
		return driver.NullHandle, errors.Newf("invalid memory type index %d", memoryTypeIndex)
	}
	if d.memoryLimit > 0 && d.allocatedBytes+size > d.memoryLimit {
		return driver.NullHandle, driver.OutOfMemoryf("allocating %d bytes would exceed the %d byte device limit", size, d.memoryLimit)
	}

	handle := d.newHandle()
	d.memory[handle] = &fakeMemory{
		typeIndex: memoryTypeIndex,
		data:      make([]byte, size),
	}
	d.allocatedBytes += size
	d.logEvent("allocate-memory:%d", handle)

	return handle, nil
}

func (d *Device) FreeMemory(memory driver.Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mem, ok := d.memory[memory]
	if !ok {
		panic(fmt.Sprintf("freeing unknown device memory %d", memory))
	}

	d.allocatedBytes -= len(mem.data)
	delete(d.memory, memory)
	d.logEvent("free-memory:%d", memory)
}

func (d *Device) MapMemory(memory driver.Handle, size int) ([]byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mem, ok := d.memory[memory]
	if !ok {
		return nil, errors.Newf("mapping unknown device memory %d", memory)
	}
	if d.memoryTypes[mem.typeIndex].Properties&driver.MemoryPropertyHostVisible == 0 {
		return nil, errors.Newf("memory type %d is not host visible", mem.typeIndex)
	}
	if mem.mapped {
		return nil, errors.Newf("device memory %d is already mapped", memory)
	}
	if size > len(mem.data) {
		return nil, errors.Newf("cannot map %d bytes of a %d byte allocation", size, len(mem.data))
	}

	mem.mapped = true
	return mem.data[:size], nil
}

func (d *Device) UnmapMemory(memory driver.Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if mem, ok := d.memory[memory]; ok {
		mem.mapped = false
	}
}

// AllocatedBytes is the total size of live device memory allocations
func (d *Device) AllocatedBytes() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.allocatedBytes
}

// MemoryCount is the number of live device memory allocations
func (d *Device) MemoryCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.memory)
}

func (d *Device) allTypeBits() uint32 {
	return uint32(1)<<len(d.memoryTypes) - 1
}

func (d *Device) CreateBuffer(info driver.BufferCreateInfo) (driver.Handle, driver.MemoryRequirements, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return driver.NullHandle, driver.MemoryRequirements{}, err
	}
	if info.Size < 1 {
		return driver.NullHandle, driver.MemoryRequirements{}, errors.Newf("invalid buffer size %d", info.Size)
	}

	handle := d.newHandle()
	d.buffers[handle] = &fakeResource{size: info.Size}
	return handle, driver.MemoryRequirements{
		Size:      info.Size,
		Alignment: bufferAlignment,
		TypeBits:  d.allTypeBits(),
	}, nil
}

func (d *Device) DestroyBuffer(buffer driver.Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.buffers[buffer]; !ok {
		panic(fmt.Sprintf("destroying unknown buffer %d", buffer))
	}
	delete(d.buffers, buffer)
	d.logEvent("destroy-buffer:%d", buffer)
}

func (d *Device) bind(resources map[driver.Handle]*fakeResource, resource driver.Handle, memory driver.Handle, offset int) error {
	res, ok := resources[resource]
	if !ok {
		return errors.Newf("binding unknown resource %d", resource)
	}
	mem, ok := d.memory[memory]
	if !ok {
		return errors.Newf("binding resource %d to unknown memory %d", resource, memory)
	}
	if res.bound {
		return errors.Newf("resource %d is already bound", resource)
	}
	if offset < 0 || offset+res.size > len(mem.data) {
		return errors.Newf("resource %d of size %d does not fit at offset %d of a %d byte allocation", resource, res.size, offset, len(mem.data))
	}

	res.memory = memory
	res.offset = offset
	res.bound = true
	return nil
}

func (d *Device) BindBufferMemory(buffer driver.Handle, memory driver.Handle, offset int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.bind(d.buffers, buffer, memory, offset)
}

func (d *Device) CreateImage(info driver.ImageCreateInfo) (driver.Handle, driver.MemoryRequirements, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.checkLost(); err != nil {
		return driver.NullHandle, driver.MemoryRequirements{}, err
	}
	if info.Width < 1 || info.Height < 1 {
		return driver.NullHandle, driver.MemoryRequirements{}, errors.Newf("invalid image extent %dx%d", info.Width, info.Height)
	}

	depth := max(info.Depth, 1)
	layers := max(info.ArrayLayers, 1)
	size := 0
	width, height := info.Width, info.Height
	for level := 0; level < max(info.MipLevels, 1); level++ {
		size += width * height * depth * layers * 4
		width = max(width/2, 1)
		height = max(height/2, 1)
	}

	handle := d.newHandle()
	d.images[handle] = &fakeResource{size: size}
	return handle, driver.MemoryRequirements{
		Size:      size,
		Alignment: imageAlignment,
		TypeBits:  d.allTypeBits(),
	}, nil
}

func (d *Device) DestroyImage(image driver.Handle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.images[image]; !ok {
		panic(fmt.Sprintf("destroying unknown image %d", image))
	}
	delete(d.images, image)
	d.logEvent("destroy-image:%d", image)
}

func (d *Device) BindImageMemory(image driver.Handle, memory driver.Handle, offset int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.bind(d.images, image, memory, offset)
}

// Binding reports the memory and offset a buffer or image is bound to
func (d *Device) Binding(resource driver.Handle) (driver.Handle, int, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	res, ok := d.buffers[resource]
	if !ok {
		res, ok = d.images[resource]
	}
	if !ok || !res.bound {
		return driver.NullHandle, 0, false
	}
	return res.memory, res.offset, true
}

// LiveResources is the number of buffers and images that have not been destroyed
func (d *Device) LiveResources() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.buffers) + len(d.images)
}
