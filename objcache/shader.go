package objcache

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/foundry/driver"
)

// SPIRVMagic is the first word of every SPIR-V module
const SPIRVMagic uint32 = 0x07230203

// spirvHeaderWords is the length of the SPIR-V module header: magic, version, generator, bound
// and schema
const spirvHeaderWords = 5

// ShaderBinding is a descriptor a shader reads, as reported by reflection
type ShaderBinding struct {
	Set     int
	Binding int
	Type    driver.DescriptorType
	Count   int
}

// ShaderInterface is the reflected resource interface of a shader. Reflection happens outside
// this module: callers supply the interface alongside the bytecode.
type ShaderInterface struct {
	Bindings []ShaderBinding
	// PushConstantSize is the number of push constant bytes the shader reads, starting at
	// offset 0
	PushConstantSize int
}

// Shader is validated SPIR-V bytecode for a single stage, identified by the hash of its content
type Shader struct {
	stage      driver.ShaderStageFlags
	entryPoint string
	code       []uint32
	hash       uint64
	iface      ShaderInterface
}

// NewShader validates a SPIR-V blob and wraps it. The blob must be a whole number of
// little-endian words beginning with the SPIR-V magic number.
func NewShader(stage driver.ShaderStageFlags, entryPoint string, spirv []byte, iface ShaderInterface) (*Shader, error) {
	if stage == 0 || stage&(stage-1) != 0 {
		return nil, driver.BuildFailuref("a shader must target exactly one stage, but %b was requested", stage)
	}
	if entryPoint == "" {
		entryPoint = "main"
	}

	if len(spirv)%4 != 0 {
		return nil, driver.BuildFailuref("SPIR-V length %d is not a multiple of 4", len(spirv))
	}
	if len(spirv) < spirvHeaderWords*4 {
		return nil, driver.BuildFailuref("SPIR-V length %d is shorter than the module header", len(spirv))
	}

	magic := binary.LittleEndian.Uint32(spirv)
	if magic != SPIRVMagic {
		return nil, driver.BuildFailuref("invalid SPIR-V magic number %#08x", magic)
	}

	code := make([]uint32, len(spirv)/4)
	for i := range code {
		code[i] = binary.LittleEndian.Uint32(spirv[i*4:])
	}

	return &Shader{
		stage:      stage,
		entryPoint: entryPoint,
		code:       code,
		hash:       HashSPIRV(spirv),
		iface:      iface,
	}, nil
}

// HashSPIRV is the content hash shaders are keyed by: FNV-1a 64 of the bytecode
func HashSPIRV(spirv []byte) uint64 {
	hash := fnv.New64a()
	_, _ = hash.Write(spirv)
	return hash.Sum64()
}

func (s *Shader) Stage() driver.ShaderStageFlags { return s.stage }
func (s *Shader) EntryPoint() string             { return s.entryPoint }
func (s *Shader) Code() []uint32                 { return s.code }
func (s *Shader) Hash() uint64                   { return s.hash }
func (s *Shader) Interface() ShaderInterface     { return s.iface }

func (s *Shader) stageInfo() driver.ShaderStageInfo {
	return driver.ShaderStageInfo{
		Stage:      s.stage,
		Code:       s.code,
		EntryPoint: s.entryPoint,
	}
}

// checkLayout verifies that every binding and push constant the shader reads is declared by the
// pipeline layout and visible to the shader's stage
func (s *Shader) checkLayout(layout PipelineLayoutDesc) error {
	for _, binding := range s.iface.Bindings {
		if binding.Set < 0 || binding.Set >= len(layout.SetLayouts) {
			return errors.Newf("%s shader reads set %d, but the layout declares %d sets", stageName(s.stage), binding.Set, len(layout.SetLayouts))
		}

		declared, found := layout.SetLayouts[binding.Set].binding(binding.Binding)
		if !found {
			return errors.Newf("%s shader reads set %d binding %d, which the layout does not declare", stageName(s.stage), binding.Set, binding.Binding)
		}
		if declared.Type != binding.Type {
			return errors.Newf("%s shader reads set %d binding %d as descriptor type %d, but the layout declares type %d",
				stageName(s.stage), binding.Set, binding.Binding, binding.Type, declared.Type)
		}
		if declared.Stages&s.stage == 0 {
			return errors.Newf("set %d binding %d is not visible to the %s stage", binding.Set, binding.Binding, stageName(s.stage))
		}

		count := max(binding.Count, 1)
		if count > max(declared.Count, 1) {
			return errors.Newf("%s shader reads %d descriptors at set %d binding %d, but the layout declares %d",
				stageName(s.stage), count, binding.Set, binding.Binding, declared.Count)
		}
	}

	if s.iface.PushConstantSize > 0 && !layout.pushConstantsCover(s.stage, s.iface.PushConstantSize) {
		return errors.Newf("%s shader reads %d push constant bytes, which the layout's ranges do not cover",
			stageName(s.stage), s.iface.PushConstantSize)
	}

	return nil
}

var stageNames = map[driver.ShaderStageFlags]string{
	driver.StageVertex:                 "vertex",
	driver.StageTessellationControl:    "tessellation control",
	driver.StageTessellationEvaluation: "tessellation evaluation",
	driver.StageGeometry:               "geometry",
	driver.StageFragment:               "fragment",
	driver.StageCompute:                "compute",
}

func stageName(stage driver.ShaderStageFlags) string {
	name, ok := stageNames[stage]
	if !ok {
		return "unknown"
	}
	return name
}
