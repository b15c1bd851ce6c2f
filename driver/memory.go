package driver

import "github.com/vkngwrapper/core/v3/common"

// Handle is an opaque identifier for an object owned by a Driver. The zero Handle never
// identifies a live object.
type Handle uint64

const NullHandle Handle = 0

// MemoryPropertyFlags mirror the memory property bits reported by the device
type MemoryPropertyFlags uint32

var memoryPropertyFlagsMapping = common.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}
func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
)

func init() {
	MemoryPropertyDeviceLocal.Register("DeviceLocal")
	MemoryPropertyHostVisible.Register("HostVisible")
	MemoryPropertyHostCoherent.Register("HostCoherent")
	MemoryPropertyHostCached.Register("HostCached")
}

// MemoryType is one of the memory types exposed by the device. Memory types are ordered by
// performance, so the first type that satisfies a request is the one to use.
type MemoryType struct {
	Properties MemoryPropertyFlags
	HeapIndex  int
}

// MemoryHeap is one of the physical memory heaps that memory types draw from
type MemoryHeap struct {
	Size        int
	DeviceLocal bool
}

// MemoryBudget is the device's view of one memory heap. Usage can exceed Budget when other
// processes hold memory.
type MemoryBudget struct {
	Usage  int
	Budget int
}

// MemoryClass is the coarse memory category a caller asks for
type MemoryClass int

const (
	// MemoryClassDeviceLocal is memory that only the device accesses
	MemoryClassDeviceLocal MemoryClass = iota
	// MemoryClassHostVisible is coherent memory the host writes through a persistent mapping
	MemoryClassHostVisible
	// MemoryClassHostCached is cached host-visible memory, meant for reading results back
	MemoryClassHostCached
)

var memoryClassMapping = map[MemoryClass]string{
	MemoryClassDeviceLocal: "DeviceLocal",
	MemoryClassHostVisible: "HostVisible",
	MemoryClassHostCached:  "HostCached",
}

func (c MemoryClass) String() string {
	str, ok := memoryClassMapping[c]
	if !ok {
		return "Unknown"
	}
	return str
}

// RequiredProperties returns the property flags a memory type must carry to back this class
func (c MemoryClass) RequiredProperties() MemoryPropertyFlags {
	switch c {
	case MemoryClassHostVisible:
		return MemoryPropertyHostVisible | MemoryPropertyHostCoherent
	case MemoryClassHostCached:
		return MemoryPropertyHostVisible | MemoryPropertyHostCached
	default:
		return MemoryPropertyDeviceLocal
	}
}

// Mapped reports whether memory of this class is persistently mapped into host address space
func (c MemoryClass) Mapped() bool {
	return c == MemoryClassHostVisible || c == MemoryClassHostCached
}

// FindMemoryType returns the index of the first memory type that is permitted by typeBits and
// carries every property the class requires
func FindMemoryType(types []MemoryType, typeBits uint32, class MemoryClass) (int, bool) {
	required := class.RequiredProperties()
	for index, memoryType := range types {
		if typeBits&(1<<index) == 0 {
			continue
		}
		if memoryType.Properties&required == required {
			return index, true
		}
	}

	return -1, false
}

// Tiling separates resources whose memory layouts must never share a heap: buffers and
// linear images use TilingLinear, optimally tiled images use TilingOptimal
type Tiling int

const (
	TilingLinear Tiling = iota
	TilingOptimal
)

func (t Tiling) String() string {
	if t == TilingOptimal {
		return "Optimal"
	}
	return "Linear"
}

// Limits are the device limits the allocator needs
type Limits struct {
	BufferImageGranularity int
	NonCoherentAtomSize    int
	MinBufferAlignment     uint
	MinImageAlignment      uint
}

// MemoryRequirements describe the memory a buffer or image must be bound to
type MemoryRequirements struct {
	Size      int
	Alignment uint
	TypeBits  uint32
}

type BufferUsageFlags uint32

const (
	BufferUsageTransferSrc BufferUsageFlags = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniformTexelBuffer
	BufferUsageStorageTexelBuffer
	BufferUsageUniformBuffer
	BufferUsageStorageBuffer
	BufferUsageIndexBuffer
	BufferUsageVertexBuffer
	BufferUsageIndirectBuffer
)

type ImageUsageFlags uint32

const (
	ImageUsageTransferSrc ImageUsageFlags = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageColorAttachment
	ImageUsageDepthStencilAttachment
)

// Format carries the device's format enumeration unchanged
type Format int32

const (
	FormatUndefined          Format = 0
	FormatR8G8B8A8Unorm      Format = 37
	FormatR8G8B8A8SRGB       Format = 43
	FormatB8G8R8A8Unorm      Format = 44
	FormatB8G8R8A8SRGB       Format = 50
	FormatR32G32SFloat       Format = 103
	FormatR32G32B32SFloat    Format = 106
	FormatR32G32B32A32SFloat Format = 109
	FormatD32SFloat          Format = 126
	FormatD24UnormS8UInt     Format = 129
)

type BufferCreateInfo struct {
	Size  int
	Usage BufferUsageFlags
}

// ImageCreateInfo describes a 2D or 3D optimally tiled image
type ImageCreateInfo struct {
	Width       int
	Height      int
	Depth       int
	MipLevels   int
	ArrayLayers int
	Samples     int
	Format      Format
	Usage       ImageUsageFlags
}
