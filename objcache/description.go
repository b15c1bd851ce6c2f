package objcache

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
)

// Description is an immutable, content-keyed description of a cached object. Two descriptions
// with equal keys describe the same object.
type Description interface {
	Kind() driver.ObjectKind
	// Key returns the canonical byte encoding of the description
	Key() string
	// Validate checks the description before anything is built from it
	Validate() error

	appendKey(key []byte) []byte
}

// keys are length-prefixed so that nested descriptions cannot run into each other
func appendInt(key []byte, value int) []byte {
	return binary.AppendVarint(key, int64(value))
}

func appendUint(key []byte, value uint64) []byte {
	return binary.AppendUvarint(key, value)
}

func appendBool(key []byte, value bool) []byte {
	if value {
		return append(key, 1)
	}
	return append(key, 0)
}

func appendFloat(key []byte, value float32) []byte {
	return binary.LittleEndian.AppendUint32(key, math.Float32bits(value))
}

func appendString(key []byte, value string) []byte {
	key = appendUint(key, uint64(len(value)))
	return append(key, value...)
}

func appendNested(key []byte, desc Description) []byte {
	nested := desc.appendKey(nil)
	key = appendUint(key, uint64(len(nested)))
	return append(key, nested...)
}

// DescriptorSetLayoutDesc describes a descriptor set layout. Binding order does not matter.
type DescriptorSetLayoutDesc struct {
	Bindings []driver.DescriptorBinding
}

func (d DescriptorSetLayoutDesc) Kind() driver.ObjectKind { return driver.ObjectDescriptorSetLayout }

func (d DescriptorSetLayoutDesc) sortedBindings() []driver.DescriptorBinding {
	bindings := slices.Clone(d.Bindings)
	// A count of zero declares a single descriptor.
	for i := range bindings {
		bindings[i].Count = max(bindings[i].Count, 1)
	}
	slices.SortFunc(bindings, func(a, b driver.DescriptorBinding) int {
		return a.Binding - b.Binding
	})
	return bindings
}

func (d DescriptorSetLayoutDesc) binding(number int) (driver.DescriptorBinding, bool) {
	for _, binding := range d.Bindings {
		if binding.Binding == number {
			return binding, true
		}
	}
	return driver.DescriptorBinding{}, false
}

func (d DescriptorSetLayoutDesc) appendKey(key []byte) []byte {
	key = append(key, 'D')
	key = appendUint(key, uint64(len(d.Bindings)))
	for _, binding := range d.sortedBindings() {
		key = appendInt(key, binding.Binding)
		key = appendInt(key, int(binding.Type))
		key = appendInt(key, binding.Count)
		key = appendUint(key, uint64(binding.Stages))
	}
	return key
}

func (d DescriptorSetLayoutDesc) Key() string { return string(d.appendKey(nil)) }

func (d DescriptorSetLayoutDesc) Validate() error {
	seen := make(map[int]struct{}, len(d.Bindings))
	for _, binding := range d.Bindings {
		if binding.Binding < 0 {
			return errors.Newf("invalid binding number %d", binding.Binding)
		}
		if _, duplicate := seen[binding.Binding]; duplicate {
			return errors.Newf("binding %d is declared more than once", binding.Binding)
		}
		seen[binding.Binding] = struct{}{}

		if binding.Count < 0 {
			return errors.Newf("binding %d has invalid descriptor count %d", binding.Binding, binding.Count)
		}
		if binding.Stages == 0 {
			return errors.Newf("binding %d is not visible to any stage", binding.Binding)
		}
	}
	return nil
}

// PipelineLayoutDesc describes a pipeline layout in terms of its set layouts, which are cached
// objects of their own
type PipelineLayoutDesc struct {
	SetLayouts    []DescriptorSetLayoutDesc
	PushConstants []driver.PushConstantRange
}

func (d PipelineLayoutDesc) Kind() driver.ObjectKind { return driver.ObjectPipelineLayout }

func (d PipelineLayoutDesc) appendKey(key []byte) []byte {
	key = append(key, 'L')
	key = appendUint(key, uint64(len(d.SetLayouts)))
	for _, setLayout := range d.SetLayouts {
		key = appendNested(key, setLayout)
	}

	ranges := slices.Clone(d.PushConstants)
	slices.SortFunc(ranges, func(a, b driver.PushConstantRange) int {
		if a.Offset != b.Offset {
			return a.Offset - b.Offset
		}
		return int(a.Stages) - int(b.Stages)
	})

	key = appendUint(key, uint64(len(ranges)))
	for _, r := range ranges {
		key = appendUint(key, uint64(r.Stages))
		key = appendInt(key, r.Offset)
		key = appendInt(key, r.Size)
	}
	return key
}

func (d PipelineLayoutDesc) Key() string { return string(d.appendKey(nil)) }

func (d PipelineLayoutDesc) Validate() error {
	for index, setLayout := range d.SetLayouts {
		err := setLayout.Validate()
		if err != nil {
			return errors.Wrapf(err, "set %d", index)
		}
	}

	for _, r := range d.PushConstants {
		if r.Stages == 0 {
			return errors.Newf("push constant range at offset %d is not visible to any stage", r.Offset)
		}
		if r.Offset < 0 || r.Size < 1 || r.Offset%4 != 0 || r.Size%4 != 0 {
			return errors.Newf("invalid push constant range: offset %d, size %d", r.Offset, r.Size)
		}
	}

	return nil
}

// pushConstantsCover reports whether the ranges visible to stage cover bytes [0, size)
func (d PipelineLayoutDesc) pushConstantsCover(stage driver.ShaderStageFlags, size int) bool {
	covered := 0
	for covered < size {
		next := covered
		for _, r := range d.PushConstants {
			if r.Stages&stage != 0 && r.Offset <= covered && r.Offset+r.Size > next {
				next = r.Offset + r.Size
			}
		}
		if next == covered {
			return false
		}
		covered = next
	}
	return true
}

// GraphicsPipelineDesc describes a graphics pipeline. Shaders contribute their content hash to
// the key, so a changed shader produces a different pipeline.
type GraphicsPipelineDesc struct {
	Layout           PipelineLayoutDesc
	Shaders          []*Shader
	VertexBindings   []driver.VertexBinding
	VertexAttributes []driver.VertexAttribute
	Topology         driver.PrimitiveTopology
	PolygonMode      driver.PolygonMode
	CullMode         driver.CullMode
	FrontFace        driver.FrontFace
	LineWidth        float32
	Samples          int
	DepthTest        bool
	DepthWrite       bool
	DepthCompare     driver.CompareOp
	ColorAttachments []driver.ColorBlendAttachment
	RenderPass       driver.Handle
	Subpass          int
}

func (d GraphicsPipelineDesc) Kind() driver.ObjectKind { return driver.ObjectPipeline }

func (d GraphicsPipelineDesc) appendKey(key []byte) []byte {
	key = append(key, 'P')
	key = appendNested(key, d.Layout)

	shaders := slices.Clone(d.Shaders)
	slices.SortFunc(shaders, func(a, b *Shader) int {
		return int(a.stage) - int(b.stage)
	})
	key = appendUint(key, uint64(len(shaders)))
	for _, shader := range shaders {
		key = appendUint(key, uint64(shader.stage))
		key = appendUint(key, shader.hash)
		key = appendString(key, shader.entryPoint)
	}

	bindings := slices.Clone(d.VertexBindings)
	slices.SortFunc(bindings, func(a, b driver.VertexBinding) int {
		return a.Binding - b.Binding
	})
	key = appendUint(key, uint64(len(bindings)))
	for _, binding := range bindings {
		key = appendInt(key, binding.Binding)
		key = appendInt(key, binding.Stride)
		key = appendBool(key, binding.PerInstance)
	}

	attributes := slices.Clone(d.VertexAttributes)
	slices.SortFunc(attributes, func(a, b driver.VertexAttribute) int {
		return a.Location - b.Location
	})
	key = appendUint(key, uint64(len(attributes)))
	for _, attribute := range attributes {
		key = appendInt(key, attribute.Location)
		key = appendInt(key, attribute.Binding)
		key = appendInt(key, int(attribute.Format))
		key = appendInt(key, attribute.Offset)
	}

	key = appendInt(key, int(d.Topology))
	key = appendInt(key, int(d.PolygonMode))
	key = appendUint(key, uint64(d.CullMode))
	key = appendInt(key, int(d.FrontFace))
	key = appendFloat(key, d.lineWidth())
	key = appendInt(key, d.samples())
	key = appendBool(key, d.DepthTest)
	key = appendBool(key, d.DepthWrite)
	key = appendInt(key, int(d.DepthCompare))

	key = appendUint(key, uint64(len(d.ColorAttachments)))
	for _, attachment := range d.ColorAttachments {
		key = appendBool(key, attachment.BlendEnable)
		key = appendInt(key, int(attachment.SrcColorFactor))
		key = appendInt(key, int(attachment.DstColorFactor))
		key = appendInt(key, int(attachment.ColorOp))
		key = appendInt(key, int(attachment.SrcAlphaFactor))
		key = appendInt(key, int(attachment.DstAlphaFactor))
		key = appendInt(key, int(attachment.AlphaOp))
		key = appendUint(key, uint64(attachment.WriteMask))
	}

	key = appendUint(key, uint64(d.RenderPass))
	key = appendInt(key, d.Subpass)
	return key
}

func (d GraphicsPipelineDesc) Key() string { return string(d.appendKey(nil)) }

func (d GraphicsPipelineDesc) lineWidth() float32 {
	if d.LineWidth == 0 {
		return 1
	}
	return d.LineWidth
}

func (d GraphicsPipelineDesc) samples() int {
	return max(d.Samples, 1)
}

// shaderHashes lists the content hashes of the pipeline's shaders
func (d GraphicsPipelineDesc) shaderHashes() []uint64 {
	hashes := make([]uint64, 0, len(d.Shaders))
	for _, shader := range d.Shaders {
		hashes = append(hashes, shader.hash)
	}
	return hashes
}

func (d GraphicsPipelineDesc) Validate() error {
	err := d.Layout.Validate()
	if err != nil {
		return errors.Wrap(err, "pipeline layout")
	}

	if len(d.Shaders) == 0 {
		return errors.New("a graphics pipeline requires at least one shader")
	}

	var stages driver.ShaderStageFlags
	for _, shader := range d.Shaders {
		if shader == nil {
			return errors.New("nil shader")
		}
		if shader.stage&driver.StageAllGraphics == 0 {
			return errors.Newf("%s shaders cannot be used in a graphics pipeline", stageName(shader.stage))
		}
		if stages&shader.stage != 0 {
			return errors.Newf("more than one %s shader", stageName(shader.stage))
		}
		stages |= shader.stage

		err = shader.checkLayout(d.Layout)
		if err != nil {
			return err
		}
	}
	if stages&driver.StageVertex == 0 {
		return errors.New("a graphics pipeline requires a vertex shader")
	}

	vertexBindings := make(map[int]struct{}, len(d.VertexBindings))
	for _, binding := range d.VertexBindings {
		if _, duplicate := vertexBindings[binding.Binding]; duplicate {
			return errors.Newf("vertex binding %d is declared more than once", binding.Binding)
		}
		if binding.Stride < 0 {
			return errors.Newf("vertex binding %d has invalid stride %d", binding.Binding, binding.Stride)
		}
		vertexBindings[binding.Binding] = struct{}{}
	}

	locations := make(map[int]struct{}, len(d.VertexAttributes))
	for _, attribute := range d.VertexAttributes {
		if _, duplicate := locations[attribute.Location]; duplicate {
			return errors.Newf("vertex attribute location %d is declared more than once", attribute.Location)
		}
		if _, found := vertexBindings[attribute.Binding]; !found {
			return errors.Newf("vertex attribute location %d reads undeclared binding %d", attribute.Location, attribute.Binding)
		}
		locations[attribute.Location] = struct{}{}
	}

	if d.RenderPass == driver.NullHandle {
		return errors.New("a graphics pipeline requires a render pass")
	}

	return nil
}

func (d GraphicsPipelineDesc) info(layout driver.Handle) driver.GraphicsPipelineInfo {
	stages := make([]driver.ShaderStageInfo, 0, len(d.Shaders))
	for _, shader := range d.Shaders {
		stages = append(stages, shader.stageInfo())
	}

	return driver.GraphicsPipelineInfo{
		Layout:           layout,
		Stages:           stages,
		VertexBindings:   d.VertexBindings,
		VertexAttributes: d.VertexAttributes,
		Topology:         d.Topology,
		PolygonMode:      d.PolygonMode,
		CullMode:         d.CullMode,
		FrontFace:        d.FrontFace,
		LineWidth:        d.lineWidth(),
		Samples:          d.samples(),
		DepthTest:        d.DepthTest,
		DepthWrite:       d.DepthWrite,
		DepthCompare:     d.DepthCompare,
		ColorAttachments: d.ColorAttachments,
		RenderPass:       d.RenderPass,
		Subpass:          d.Subpass,
	}
}

// SamplerDesc describes a sampler
type SamplerDesc struct {
	driver.SamplerInfo
}

func (d SamplerDesc) Kind() driver.ObjectKind { return driver.ObjectSampler }

func (d SamplerDesc) appendKey(key []byte) []byte {
	key = append(key, 'S')
	key = appendInt(key, int(d.MagFilter))
	key = appendInt(key, int(d.MinFilter))
	key = appendInt(key, int(d.MipmapMode))
	key = appendInt(key, int(d.AddressU))
	key = appendInt(key, int(d.AddressV))
	key = appendInt(key, int(d.AddressW))
	key = appendFloat(key, d.MaxAnisotropy)
	key = appendBool(key, d.CompareEnable)
	key = appendInt(key, int(d.CompareOp))
	key = appendFloat(key, d.MinLod)
	key = appendFloat(key, d.MaxLod)
	key = appendInt(key, int(d.BorderColor))
	return key
}

func (d SamplerDesc) Key() string { return string(d.appendKey(nil)) }

func (d SamplerDesc) Validate() error {
	if d.MaxAnisotropy < 0 {
		return errors.Newf("invalid max anisotropy %f", d.MaxAnisotropy)
	}
	if d.MinLod > d.MaxLod {
		return errors.Newf("min lod %f is greater than max lod %f", d.MinLod, d.MaxLod)
	}
	return nil
}
