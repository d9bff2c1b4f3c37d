// Package config describes the tuning of a kernel.
package config

import (
	"io"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/oneconcern/capstore/pkg/disk"
	"github.com/oneconcern/capstore/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ErrInvalid indicates an unusable kernel configuration
var ErrInvalid = errors.New("invalid kernel configuration")

// Kernel configuration
type Kernel struct {
	// CacheObjects is the number of objects held by the object cache
	CacheObjects int `json:"cacheObjects" yaml:"cacheObjects"`
	// ArenaSlots is the initial number of capability slots
	ArenaSlots int    `json:"arenaSlots" yaml:"arenaSlots"`
	LogLevel   string `json:"logLevel" yaml:"logLevel"`
	// CheckpointInterval between periodic checkpoints. Zero disables them.
	CheckpointInterval time.Duration `json:"checkpointInterval" yaml:"checkpointInterval"`
	// MaxGenerations bounds the number of un-migrated generations
	MaxGenerations int `json:"maxGenerations" yaml:"maxGenerations"`
	// WriteConcurrency is the number of parallel log frame writes
	WriteConcurrency int `json:"writeConcurrency" yaml:"writeConcurrency"`
	// PreloadImage is the directory of a preload image, if any
	PreloadImage string `json:"preloadImage,omitempty" yaml:"preloadImage,omitempty"`
	// PhysMemory is the size of the physical memory backing physical pages, e.g. "16MiB"
	PhysMemory string `json:"physMemory" yaml:"physMemory"`
	Metrics    bool   `json:"metrics" yaml:"metrics"`
	// MetricsPeriod is how often collected metrics are exported. Periods under a second are ignored.
	MetricsPeriod time.Duration `json:"metricsPeriod" yaml:"metricsPeriod"`
}

// Default kernel configuration
func Default() Kernel {
	return Kernel{
		CacheObjects:       4096,
		ArenaSlots:         64 * 1024,
		LogLevel:           "info",
		CheckpointInterval: 30 * time.Second,
		MaxGenerations:     disk.MaxUnmigratedGenerations,
		WriteConcurrency:   8,
		PhysMemory:         "16MiB",
		MetricsPeriod:      10 * time.Second,
	}
}

// PhysFrames is the number of physical frames
func (k Kernel) PhysFrames() (uint64, error) {
	if k.PhysMemory == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(k.PhysMemory)
	if err != nil {
		return 0, ErrInvalid.Wrap(err)
	}
	if size < 0 {
		return 0, ErrInvalid.WrapMessage("negative physical memory size %q", k.PhysMemory)
	}
	return uint64(size) / disk.PageSize, nil
}

// Validate the configuration
func (k Kernel) Validate() error {
	switch {
	case k.CacheObjects <= 0:
		return ErrInvalid.WrapMessage("cacheObjects must be positive, got %d", k.CacheObjects)
	case k.MaxGenerations <= 0 || k.MaxGenerations > disk.MaxUnmigratedGenerations:
		return ErrInvalid.WrapMessage("maxGenerations must be in [1,%d], got %d", disk.MaxUnmigratedGenerations, k.MaxGenerations)
	case k.WriteConcurrency < 0:
		return ErrInvalid.WrapMessage("writeConcurrency must not be negative, got %d", k.WriteConcurrency)
	case k.CheckpointInterval < 0:
		return ErrInvalid.WrapMessage("checkpointInterval must not be negative, got %v", k.CheckpointInterval)
	case k.MetricsPeriod < 0:
		return ErrInvalid.WrapMessage("metricsPeriod must not be negative, got %v", k.MetricsPeriod)
	}
	_, err := k.PhysFrames()
	return err
}

// Read a yaml configuration. Missing settings keep their default value.
func Read(r io.Reader) (Kernel, error) {
	k := Default()
	if err := yaml.NewDecoder(r).Decode(&k); err != nil && err != io.EOF {
		return k, ErrInvalid.Wrap(err)
	}
	return k, k.Validate()
}

// Load a yaml configuration file
func Load(path string) (Kernel, error) {
	f, err := os.Open(path)
	if err != nil {
		return Kernel{}, err
	}
	defer f.Close()
	return Read(f)
}
