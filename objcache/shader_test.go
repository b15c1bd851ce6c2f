package objcache

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/foundry/driver"
)

func TestNewShader(t *testing.T) {
	code := spirv(1, 2, 3)

	shader, err := NewShader(driver.StageFragment, "", code, ShaderInterface{})
	require.NoError(t, err)
	require.Equal(t, driver.StageFragment, shader.Stage())
	require.Equal(t, "main", shader.EntryPoint())
	require.Len(t, shader.Code(), 8)
	require.Equal(t, SPIRVMagic, shader.Code()[0])
	require.Equal(t, HashSPIRV(code), shader.Hash())

	same, err := NewShader(driver.StageVertex, "vs_main", spirv(1, 2, 3), ShaderInterface{})
	require.NoError(t, err)
	require.Equal(t, shader.Hash(), same.Hash())

	different, err := NewShader(driver.StageFragment, "", spirv(1, 2, 4), ShaderInterface{})
	require.NoError(t, err)
	require.NotEqual(t, shader.Hash(), different.Hash())
}

func TestNewShaderRejectsInvalidCode(t *testing.T) {
	badMagic := spirv(1)
	badMagic[0] ^= 0xff

	testCases := map[string]struct {
		stage driver.ShaderStageFlags
		code  []byte
	}{
		"unaligned length": {driver.StageVertex, spirv(1)[:21]},
		"short header":     {driver.StageVertex, spirv()[:16]},
		"bad magic":        {driver.StageVertex, badMagic},
		"empty":            {driver.StageVertex, nil},
		"no stage":         {0, spirv(1)},
		"several stages":   {driver.StageVertex | driver.StageFragment, spirv(1)},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := NewShader(testCase.stage, "main", testCase.code, ShaderInterface{})
			require.Error(t, err)
			require.True(t, errors.Is(err, driver.ErrObjectBuildFailure))
		})
	}
}

func TestPushConstantCoverage(t *testing.T) {
	layout := PipelineLayoutDesc{PushConstants: []driver.PushConstantRange{
		{Stages: driver.StageVertex, Offset: 0, Size: 16},
		{Stages: driver.StageVertex | driver.StageFragment, Offset: 16, Size: 16},
	}}

	require.True(t, layout.pushConstantsCover(driver.StageVertex, 32))
	require.False(t, layout.pushConstantsCover(driver.StageVertex, 36))
	require.False(t, layout.pushConstantsCover(driver.StageFragment, 4))
	require.True(t, layout.pushConstantsCover(driver.StageFragment, 0))
}
