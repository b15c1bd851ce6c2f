package driver

// ObjectKind identifies the type of a cached device object
type ObjectKind int

const (
	ObjectDescriptorSetLayout ObjectKind = iota
	ObjectPipelineLayout
	ObjectPipeline
	ObjectSampler
)

var objectKindMapping = map[ObjectKind]string{
	ObjectDescriptorSetLayout: "DescriptorSetLayout",
	ObjectPipelineLayout:      "PipelineLayout",
	ObjectPipeline:            "Pipeline",
	ObjectSampler:             "Sampler",
}

func (k ObjectKind) String() string {
	str, ok := objectKindMapping[k]
	if !ok {
		return "Unknown"
	}
	return str
}

type ShaderStageFlags uint32

const (
	StageVertex ShaderStageFlags = 1 << iota
	StageTessellationControl
	StageTessellationEvaluation
	StageGeometry
	StageFragment
	StageCompute

	StageAllGraphics = StageVertex | StageTessellationControl | StageTessellationEvaluation |
		StageGeometry | StageFragment
)

type DescriptorType int32

const (
	DescriptorTypeSampler DescriptorType = iota
	DescriptorTypeCombinedImageSampler
	DescriptorTypeSampledImage
	DescriptorTypeStorageImage
	DescriptorTypeUniformTexelBuffer
	DescriptorTypeStorageTexelBuffer
	DescriptorTypeUniformBuffer
	DescriptorTypeStorageBuffer
	DescriptorTypeUniformBufferDynamic
	DescriptorTypeStorageBufferDynamic
	DescriptorTypeInputAttachment

	// DescriptorTypeCount is the number of descriptor types above
	DescriptorTypeCount = int(DescriptorTypeInputAttachment) + 1
)

type DescriptorBinding struct {
	Binding int
	Type    DescriptorType
	Count   int
	Stages  ShaderStageFlags
}

type DescriptorPoolSize struct {
	Type  DescriptorType
	Count int
}

type DescriptorPoolInfo struct {
	MaxSets int
	Sizes   []DescriptorPoolSize
	// FreeSets allows sets to be returned to the pool one at a time. Without it, sets are only
	// released by resetting the pool.
	FreeSets bool
}

type PushConstantRange struct {
	Stages ShaderStageFlags
	Offset int
	Size   int
}

type ShaderStageInfo struct {
	Stage      ShaderStageFlags
	Code       []uint32
	EntryPoint string
}

type VertexBinding struct {
	Binding     int
	Stride      int
	PerInstance bool
}

type VertexAttribute struct {
	Location int
	Binding  int
	Format   Format
	Offset   int
}

type PrimitiveTopology int32

const (
	TopologyPointList PrimitiveTopology = iota
	TopologyLineList
	TopologyLineStrip
	TopologyTriangleList
	TopologyTriangleStrip
	TopologyTriangleFan
)

type PolygonMode int32

const (
	PolygonModeFill PolygonMode = iota
	PolygonModeLine
	PolygonModePoint
)

type CullMode uint32

const (
	CullModeNone CullMode = iota
	CullModeFront
	CullModeBack
	CullModeFrontAndBack
)

type FrontFace int32

const (
	FrontFaceCounterClockwise FrontFace = iota
	FrontFaceClockwise
)

type CompareOp int32

const (
	CompareOpNever CompareOp = iota
	CompareOpLess
	CompareOpEqual
	CompareOpLessOrEqual
	CompareOpGreater
	CompareOpNotEqual
	CompareOpGreaterOrEqual
	CompareOpAlways
)

type BlendFactor int32

const (
	BlendFactorZero             BlendFactor = 0
	BlendFactorOne              BlendFactor = 1
	BlendFactorSrcAlpha         BlendFactor = 6
	BlendFactorOneMinusSrcAlpha BlendFactor = 7
)

type BlendOp int32

const (
	BlendOpAdd BlendOp = iota
	BlendOpSubtract
	BlendOpReverseSubtract
	BlendOpMin
	BlendOpMax
)

type ColorComponentFlags uint32

const (
	ColorComponentR ColorComponentFlags = 1 << iota
	ColorComponentG
	ColorComponentB
	ColorComponentA

	ColorComponentAll = ColorComponentR | ColorComponentG | ColorComponentB | ColorComponentA
)

type ColorBlendAttachment struct {
	BlendEnable    bool
	SrcColorFactor BlendFactor
	DstColorFactor BlendFactor
	ColorOp        BlendOp
	SrcAlphaFactor BlendFactor
	DstAlphaFactor BlendFactor
	AlphaOp        BlendOp
	WriteMask      ColorComponentFlags
}

// GraphicsPipelineInfo is everything needed to build a graphics pipeline. Viewport and scissor
// are always dynamic state.
type GraphicsPipelineInfo struct {
	Layout           Handle
	Stages           []ShaderStageInfo
	VertexBindings   []VertexBinding
	VertexAttributes []VertexAttribute
	Topology         PrimitiveTopology
	PolygonMode      PolygonMode
	CullMode         CullMode
	FrontFace        FrontFace
	LineWidth        float32
	Samples          int
	DepthTest        bool
	DepthWrite       bool
	DepthCompare     CompareOp
	ColorAttachments []ColorBlendAttachment
	RenderPass       Handle
	Subpass          int
}

type Filter int32

const (
	FilterNearest Filter = iota
	FilterLinear
)

type MipmapMode int32

const (
	MipmapModeNearest MipmapMode = iota
	MipmapModeLinear
)

type AddressMode int32

const (
	AddressModeRepeat AddressMode = iota
	AddressModeMirroredRepeat
	AddressModeClampToEdge
	AddressModeClampToBorder
)

type BorderColor int32

const (
	BorderColorFloatTransparentBlack BorderColor = iota
	BorderColorIntTransparentBlack
	BorderColorFloatOpaqueBlack
	BorderColorIntOpaqueBlack
	BorderColorFloatOpaqueWhite
	BorderColorIntOpaqueWhite
)

// SamplerInfo describes a sampler. A MaxAnisotropy of 0 disables anisotropic filtering.
type SamplerInfo struct {
	MagFilter     Filter
	MinFilter     Filter
	MipmapMode    MipmapMode
	AddressU      AddressMode
	AddressV      AddressMode
	AddressW      AddressMode
	MaxAnisotropy float32
	CompareEnable bool
	CompareOp     CompareOp
	MinLod        float32
	MaxLod        float32
	BorderColor   BorderColor
}
