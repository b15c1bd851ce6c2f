package objcache

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/foundry/driver"
	"github.com/vkngwrapper/foundry/driver/drivertest"
	"github.com/vkngwrapper/foundry/lifetime"
)

func readyCache(t *testing.T, options Options) (*drivertest.Device, *Cache) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	device := drivertest.New()
	return device, New(logger, device, options)
}

// spirv builds a minimal module: the header followed by body, which makes the hash unique
func spirv(body ...uint32) []byte {
	words := append([]uint32{SPIRVMagic, 0x00010000, 0, 1, 0}, body...)
	code := make([]byte, 0, len(words)*4)
	for _, word := range words {
		code = binary.LittleEndian.AppendUint32(code, word)
	}
	return code
}

func readyShader(t *testing.T, stage driver.ShaderStageFlags, seed uint32, iface ShaderInterface) *Shader {
	shader, err := NewShader(stage, "main", spirv(seed), iface)
	require.NoError(t, err)
	return shader
}

var uniformSetLayout = DescriptorSetLayoutDesc{
	Bindings: []driver.DescriptorBinding{
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 1, Stages: driver.StageVertex | driver.StageFragment},
		{Binding: 1, Type: driver.DescriptorTypeCombinedImageSampler, Count: 1, Stages: driver.StageFragment},
	},
}

var basicLayout = PipelineLayoutDesc{
	SetLayouts: []DescriptorSetLayoutDesc{uniformSetLayout},
	PushConstants: []driver.PushConstantRange{
		{Stages: driver.StageVertex, Offset: 0, Size: 16},
	},
}

func pipelineDesc(shaders ...*Shader) GraphicsPipelineDesc {
	return GraphicsPipelineDesc{
		Layout:  basicLayout,
		Shaders: shaders,
		VertexBindings: []driver.VertexBinding{
			{Binding: 0, Stride: 20},
		},
		VertexAttributes: []driver.VertexAttribute{
			{Location: 0, Binding: 0, Format: driver.FormatR32G32B32SFloat, Offset: 0},
			{Location: 1, Binding: 0, Format: driver.FormatR32G32SFloat, Offset: 12},
		},
		RenderPass: driver.Handle(1),
	}
}

func shaderPair(t *testing.T, seed uint32) (*Shader, *Shader) {
	vertex := readyShader(t, driver.StageVertex, seed, ShaderInterface{
		Bindings:         []ShaderBinding{{Set: 0, Binding: 0, Type: driver.DescriptorTypeUniformBuffer}},
		PushConstantSize: 16,
	})
	fragment := readyShader(t, driver.StageFragment, seed+1000, ShaderInterface{
		Bindings: []ShaderBinding{{Set: 0, Binding: 1, Type: driver.DescriptorTypeCombinedImageSampler}},
	})
	return vertex, fragment
}

func samplerDesc(maxLod float32) SamplerDesc {
	return SamplerDesc{driver.SamplerInfo{
		MagFilter: driver.FilterLinear,
		MinFilter: driver.FilterLinear,
		MaxLod:    maxLod,
	}}
}

// inUseSet stands in for the lifetime tracker
type inUseSet struct {
	mutex sync.Mutex
	ids   map[lifetime.ID]bool
}

func newInUseSet() *inUseSet {
	return &inUseSet{ids: make(map[lifetime.ID]bool)}
}

func (s *inUseSet) Set(id lifetime.ID, inUse bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ids[id] = inUse
}

func (s *inUseSet) InUse(id lifetime.ID) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.ids[id]
}
