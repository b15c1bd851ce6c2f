package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/foundry/memutils"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[frames]
in_flight = 3
fence_timeout = "250ms"

[memory]
preferred_heap_size = 1048576
min_buffer_alignment = 256
externally_synchronized = true
heap_size_limits = [268435456, 0]

[cache]
budget = 128
pipeline_cache_path = "cache/pipelines.bin"

[descriptors]
static_sets_per_pool = 64

[shaders]
dir = "shaders"
watch = true

[log]
level = "debug"
format = "json"
prefix = "foundry"
`))
	require.NoError(t, err)

	require.Equal(t, 3, cfg.Frames.InFlight)
	require.Equal(t, 250*time.Millisecond, cfg.Frames.FenceTimeout.Duration)
	require.Equal(t, 1048576, cfg.Memory.PreferredHeapSize)
	require.Equal(t, uint(256), cfg.Memory.MinBufferAlignment)
	require.True(t, cfg.Memory.ExternallySynchronized)
	require.Equal(t, []int{268435456, 0}, cfg.Memory.HeapSizeLimits)
	require.Equal(t, 128, cfg.Cache.Budget)
	require.Equal(t, "cache/pipelines.bin", cfg.Cache.PipelineCachePath)
	require.Equal(t, 64, cfg.Descriptors.StaticSetsPerPool)
	require.Equal(t, 0, cfg.Descriptors.FrameSetsPerPool)
	require.Equal(t, "shaders", cfg.Shaders.Dir)
	require.True(t, cfg.Shaders.Watch)
	require.Equal(t, "debug", cfg.Log.Level)

	// Keys the document leaves out keep their defaults
	require.Equal(t, Default().Memory.MaxHeapCount, cfg.Memory.MaxHeapCount)
	require.Equal(t, Default().Memory.StagingSize, cfg.Memory.StagingSize)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
[frames]
in_fligt = 3
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "in_fligt")
}

func TestParseRejectsInvalidValues(t *testing.T) {
	testCases := map[string]string{
		"duration":          "[frames]\nfence_timeout = \"soon\"",
		"zero frames":       "[frames]\nin_flight = 0",
		"zero timeout":      "[frames]\nfence_timeout = \"0s\"",
		"negative budget":   "[cache]\nbudget = -1",
		"negative staging":  "[memory]\nstaging_size = -4",
		"negative limit":    "[memory]\nheap_size_limits = [0, -1]",
		"negative sets":     "[descriptors]\nframe_sets_per_pool = -2",
		"watch without dir": "[shaders]\nwatch = true",
		"log level":         "[log]\nlevel = \"loud\"",
		"log format":        "[log]\nformat = \"xml\"",
	}

	for name, document := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(document))
			require.Error(t, err)
		})
	}
}

func TestParseRejectsUnalignedAlignment(t *testing.T) {
	_, err := Parse([]byte("[memory]\nmin_image_alignment = 48"))
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foundry.toml")
	require.NoError(t, os.WriteFile(path, []byte("[cache]\nbudget = 7\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Cache.Budget)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := Logging{Level: "warn", Format: "json", Prefix: "foundry"}.NewLogger(&buffer)
	require.NoError(t, err)

	logger.Info("dropped")
	require.Zero(t, buffer.Len())

	logger.Warn("kept", slog.Int("heaps", 3))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Contains(t, entry["prefix"], "foundry")
	require.Contains(t, entry, "heaps")

	_, err = Logging{Level: "info", Format: "yaml"}.NewLogger(&buffer)
	require.Error(t, err)
}
