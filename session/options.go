package session

import (
	"time"

	"github.com/vkngwrapper/foundry/config"
	"github.com/vkngwrapper/foundry/shaderwatch"
	"github.com/vkngwrapper/foundry/vam"
)

// Options configure a Session. Zero values select each component's default.
type Options struct {
	FramesInFlight int
	FenceTimeout   time.Duration

	Memory vam.CreateOptions
	// StagingSize is the size of the staging arena of each frame slot. 0 disables staging.
	StagingSize int

	CacheBudget int
	// StaticSetsPerPool and FrameSetsPerPool size each descriptor pool
	StaticSetsPerPool int
	FrameSetsPerPool  int
	// PipelineCachePath is loaded by New and saved by Close when set
	PipelineCachePath string

	// ShaderDir is the root of the shader library. The library is not created when empty.
	ShaderDir    string
	WatchShaders bool
	// OnShaderChange is called after a reloaded shader's pipelines were purged
	OnShaderChange shaderwatch.ChangeFunc
}

// OptionsFromConfig translates a loaded configuration into session options
func OptionsFromConfig(cfg config.Config) Options {
	var flags vam.CreateFlags
	if cfg.Memory.ExternallySynchronized {
		flags |= vam.AllocatorCreateExternallySynchronized
	}

	return Options{
		FramesInFlight: cfg.Frames.InFlight,
		FenceTimeout:   cfg.Frames.FenceTimeout.Duration,
		Memory: vam.CreateOptions{
			Flags:              flags,
			PreferredHeapSize:  cfg.Memory.PreferredHeapSize,
			MaxHeapCount:       cfg.Memory.MaxHeapCount,
			MinBufferAlignment: cfg.Memory.MinBufferAlignment,
			MinImageAlignment:  cfg.Memory.MinImageAlignment,
			HeapSizeLimits:     cfg.Memory.HeapSizeLimits,
		},
		StagingSize:       cfg.Memory.StagingSize,
		CacheBudget:       cfg.Cache.Budget,
		StaticSetsPerPool: cfg.Descriptors.StaticSetsPerPool,
		FrameSetsPerPool:  cfg.Descriptors.FrameSetsPerPool,
		PipelineCachePath: cfg.Cache.PipelineCachePath,
		ShaderDir:         cfg.Shaders.Dir,
		WatchShaders:      cfg.Shaders.Watch,
	}
}
