// Package config loads engine profiles from YAML.
//
// A profile selects the backend, names the device and sets the limits
// requested at acquisition:
//
//	backend: software
//	label: batch
//	submit_timeout: 2s
//	limits:
//	  workgroup_size_x: 1024
//	  invocations_per_workgroup: 1024
//	software:
//	  workers: 4
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/dispatch"
	"github.com/gogpu/dispatch/backend"
	"github.com/gogpu/dispatch/backend/software"
	"github.com/gogpu/dispatch/gpucore"
)

// ErrInvalidConfig is returned for profiles that fail validation.
var ErrInvalidConfig = errors.New("config: invalid profile")

// Config is an engine profile.
type Config struct {
	// Backend names a registered backend. Empty selects backend.Default.
	Backend string `yaml:"backend"`

	// Label is the device label used in logs and metrics.
	Label string `yaml:"label"`

	// SubmitTimeout bounds the execution time of each submission.
	// Zero disables the timeout.
	SubmitTimeout time.Duration `yaml:"submit_timeout"`

	Limits   Limits   `yaml:"limits"`
	Software Software `yaml:"software"`
}

// Limits are requested device limits. Zero keeps the default negotiation.
type Limits struct {
	WorkgroupSizeX          uint32 `yaml:"workgroup_size_x"`
	WorkgroupSizeY          uint32 `yaml:"workgroup_size_y"`
	WorkgroupSizeZ          uint32 `yaml:"workgroup_size_z"`
	InvocationsPerWorkgroup uint32 `yaml:"invocations_per_workgroup"`
	WorkgroupsPerDimension  uint32 `yaml:"workgroups_per_dimension"`
}

// Software configures the software backend.
type Software struct {
	// Workers is the worker count. Zero uses GOMAXPROCS.
	Workers int `yaml:"workers"`

	// MaxBufferSize overrides the largest buffer size in bytes.
	MaxBufferSize uint64 `yaml:"max_buffer_size"`
}

// Default returns the default profile.
func Default() *Config {
	return &Config{Label: "device"}
}

// Load decodes a profile. Unknown keys are rejected. Empty input yields
// the default profile.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes the profile at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the profile.
func (c *Config) Validate() error {
	if c.Backend != "" && c.Backend != backend.Software && !backend.IsRegistered(c.Backend) {
		return fmt.Errorf("%w: backend %q is not registered (available: %v)", ErrInvalidConfig, c.Backend, backend.Available())
	}
	if c.SubmitTimeout < 0 {
		return fmt.Errorf("%w: negative submit_timeout %v", ErrInvalidConfig, c.SubmitTimeout)
	}
	if c.Software.Workers < 0 {
		return fmt.Errorf("%w: negative software.workers %d", ErrInvalidConfig, c.Software.Workers)
	}
	return nil
}

// requested returns the requested capabilities, or nil when no limit is set.
func (c *Config) requested() *dispatch.Capabilities {
	caps := dispatch.Capabilities{
		MaxWorkgroupSizeX:          c.Limits.WorkgroupSizeX,
		MaxWorkgroupSizeY:          c.Limits.WorkgroupSizeY,
		MaxWorkgroupSizeZ:          c.Limits.WorkgroupSizeZ,
		MaxInvocationsPerWorkgroup: c.Limits.InvocationsPerWorkgroup,
		MaxWorkgroupsPerDimension:  c.Limits.WorkgroupsPerDimension,
	}
	if caps == (dispatch.Capabilities{}) {
		return nil
	}
	return &caps
}

// DeviceOptions returns the device options of the profile followed by
// extra.
func (c *Config) DeviceOptions(extra ...dispatch.DeviceOption) []dispatch.DeviceOption {
	opts := []dispatch.DeviceOption{
		dispatch.WithLabel(c.Label),
		dispatch.WithSubmitTimeout(c.SubmitTimeout),
	}
	if req := c.requested(); req != nil {
		opts = append(opts, dispatch.WithRequestedLimits(*req))
	}
	return append(opts, extra...)
}

// Adapter returns the adapter the profile selects.
func (c *Config) Adapter() (gpucore.Adapter, error) {
	switch c.Backend {
	case "":
		return backend.Default()
	case backend.Software:
		var opts []software.Option
		if c.Software.Workers > 0 {
			opts = append(opts, software.WithWorkers(c.Software.Workers))
		}
		if c.Software.MaxBufferSize > 0 {
			opts = append(opts, software.WithMaxBufferSize(c.Software.MaxBufferSize))
		}
		return software.NewAdapter(opts...), nil
	default:
		return backend.Get(c.Backend)
	}
}

// Acquire acquires a device on the profile's adapter.
func (c *Config) Acquire(extra ...dispatch.DeviceOption) (*dispatch.Device, error) {
	adapter, err := c.Adapter()
	if err != nil {
		return nil, err
	}
	return dispatch.AcquireDevice(adapter, c.DeviceOptions(extra...)...)
}
