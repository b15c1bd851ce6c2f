// Package config loads the TOML configuration of a foundry session
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/vkngwrapper/foundry/memutils"
)

// Duration is a time.Duration written in TOML as a string, such as "2s" or "150ms"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	d.Duration = duration
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Frames struct {
	InFlight     int      `toml:"in_flight"`
	FenceTimeout Duration `toml:"fence_timeout"`
}

type Memory struct {
	PreferredHeapSize      int  `toml:"preferred_heap_size"`
	MaxHeapCount           int  `toml:"max_heap_count"`
	MinBufferAlignment     uint `toml:"min_buffer_alignment"`
	MinImageAlignment      uint `toml:"min_image_alignment"`
	StagingSize            int  `toml:"staging_size"`
	ExternallySynchronized bool `toml:"externally_synchronized"`
	// HeapSizeLimits caps the bytes allocated from each device memory heap, in heap order. 0
	// leaves a heap unlimited.
	HeapSizeLimits []int `toml:"heap_size_limits"`
}

type Cache struct {
	// Budget is the total cost of cached objects above which idle objects are evicted. 0
	// disables eviction.
	Budget            int    `toml:"budget"`
	PipelineCachePath string `toml:"pipeline_cache_path"`
}

type Descriptors struct {
	// StaticSetsPerPool and FrameSetsPerPool size each descriptor pool. 0 selects the default.
	StaticSetsPerPool int `toml:"static_sets_per_pool"`
	FrameSetsPerPool  int `toml:"frame_sets_per_pool"`
}

type Shaders struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

type Config struct {
	Frames      Frames      `toml:"frames"`
	Memory      Memory      `toml:"memory"`
	Cache       Cache       `toml:"cache"`
	Descriptors Descriptors `toml:"descriptors"`
	Shaders     Shaders     `toml:"shaders"`
	Log         Logging     `toml:"log"`
}

// Default returns the configuration used for any key a file leaves out
func Default() Config {
	return Config{
		Frames: Frames{
			InFlight:     2,
			FenceTimeout: Duration{5 * time.Second},
		},
		Memory: Memory{
			PreferredHeapSize: 16 * 1024 * 1024,
			MaxHeapCount:      64,
			StagingSize:       4 * 1024 * 1024,
		},
		Cache: Cache{
			Budget: 4096,
		},
		Log: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Parse decodes a TOML document over the defaults and validates the result. Unknown keys are
// rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	err := decoder.Decode(&cfg)
	if err != nil {
		var strictErr *toml.StrictMissingError
		if errors.As(err, &strictErr) {
			return Config{}, errors.Newf("unknown configuration keys:\n%s", strictErr.String())
		}
		return Config{}, errors.Wrap(err, "failed to decode configuration")
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads and parses the configuration file at path
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read configuration %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "configuration %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Frames.InFlight < 1 {
		return errors.Newf("frames.in_flight must be at least 1, but it is %d", c.Frames.InFlight)
	}
	if c.Frames.FenceTimeout.Duration <= 0 {
		return errors.Newf("frames.fence_timeout must be positive, but it is %s", c.Frames.FenceTimeout)
	}

	if c.Memory.PreferredHeapSize < 0 {
		return errors.Newf("memory.preferred_heap_size must not be negative, but it is %d", c.Memory.PreferredHeapSize)
	}
	if c.Memory.MaxHeapCount < 0 {
		return errors.Newf("memory.max_heap_count must not be negative, but it is %d", c.Memory.MaxHeapCount)
	}
	for heapIndex, limit := range c.Memory.HeapSizeLimits {
		if limit < 0 {
			return errors.Newf("memory.heap_size_limits[%d] must not be negative, but it is %d", heapIndex, limit)
		}
	}
	if c.Memory.StagingSize < 0 {
		return errors.Newf("memory.staging_size must not be negative, but it is %d", c.Memory.StagingSize)
	}
	if c.Memory.MinBufferAlignment != 0 {
		err := memutils.CheckPow2(c.Memory.MinBufferAlignment, "memory.min_buffer_alignment")
		if err != nil {
			return err
		}
	}
	if c.Memory.MinImageAlignment != 0 {
		err := memutils.CheckPow2(c.Memory.MinImageAlignment, "memory.min_image_alignment")
		if err != nil {
			return err
		}
	}

	if c.Cache.Budget < 0 {
		return errors.Newf("cache.budget must not be negative, but it is %d", c.Cache.Budget)
	}

	if c.Descriptors.StaticSetsPerPool < 0 {
		return errors.Newf("descriptors.static_sets_per_pool must not be negative, but it is %d", c.Descriptors.StaticSetsPerPool)
	}
	if c.Descriptors.FrameSetsPerPool < 0 {
		return errors.Newf("descriptors.frame_sets_per_pool must not be negative, but it is %d", c.Descriptors.FrameSetsPerPool)
	}

	if c.Shaders.Watch && c.Shaders.Dir == "" {
		return errors.New("shaders.watch requires shaders.dir")
	}

	return c.Log.Validate()
}
