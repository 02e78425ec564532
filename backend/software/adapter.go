// Package software provides a CPU reference backend.
//
// Kernels are Go functions ([KernelFunc]) attached to a kernel with
// [Host] or [HostEntries]. Workgroups of a dispatch run in parallel on a worker
// pool; invocations inside a workgroup run sequentially. Buffers are plain
// byte slices in host memory.
//
// The backend registers itself as "software" on import:
//
//	import _ "github.com/gogpu/dispatch/backend/software"
package software

import (
	"log/slog"

	"github.com/gogpu/dispatch/backend"
	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/gputypes"
)

// Default compute limits of the software adapter.
const (
	DefaultMaxWorkgroupSizeXY  = 1024
	DefaultMaxWorkgroupSizeZ   = 64
	DefaultMaxInvocations      = 1024
	DefaultMaxWorkgroupsPerDim = 65535
	DefaultMaxBufferSize       = 1 << 30
	defaultName                = "CPU reference"
)

func init() {
	backend.Register(backend.Software, func() (gpucore.Adapter, error) {
		return NewAdapter(), nil
	})
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithWorkgroupLimits sets the maximum workgroup size per axis and the
// maximum invocations per workgroup.
func WithWorkgroupLimits(x, y, z, invocations uint32) Option {
	return func(a *Adapter) {
		a.limits.MaxComputeWorkgroupSizeX = x
		a.limits.MaxComputeWorkgroupSizeY = y
		a.limits.MaxComputeWorkgroupSizeZ = z
		a.limits.MaxComputeInvocationsPerWorkgroup = invocations
	}
}

// WithMaxWorkgroups sets the maximum workgroup count per dispatch axis.
func WithMaxWorkgroups(n uint32) Option {
	return func(a *Adapter) {
		a.limits.MaxComputeWorkgroupsPerDimension = n
	}
}

// WithMaxBufferSize sets the maximum buffer size in bytes.
func WithMaxBufferSize(n uint64) Option {
	return func(a *Adapter) {
		a.limits.MaxBufferSize = n
	}
}

// WithWorkers sets the number of goroutines executing workgroups.
// Zero or negative uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(a *Adapter) {
		a.workers = n
	}
}

// WithName sets the adapter name.
func WithName(name string) Option {
	return func(a *Adapter) {
		a.name = name
	}
}

// WithoutCompute makes the adapter report no compute support.
func WithoutCompute() Option {
	return func(a *Adapter) {
		a.noCompute = true
	}
}

// Adapter is the software adapter. It is safe for concurrent use.
type Adapter struct {
	name      string
	limits    gputypes.Limits
	workers   int
	noCompute bool
}

// NewAdapter creates a software adapter.
func NewAdapter(opts ...Option) *Adapter {
	limits := gputypes.DefaultLimits()
	limits.MaxComputeWorkgroupSizeX = DefaultMaxWorkgroupSizeXY
	limits.MaxComputeWorkgroupSizeY = DefaultMaxWorkgroupSizeXY
	limits.MaxComputeWorkgroupSizeZ = DefaultMaxWorkgroupSizeZ
	limits.MaxComputeInvocationsPerWorkgroup = DefaultMaxInvocations
	limits.MaxComputeWorkgroupsPerDimension = DefaultMaxWorkgroupsPerDim
	limits.MaxBufferSize = DefaultMaxBufferSize

	a := &Adapter{name: defaultName, limits: limits}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Info returns identifying information about the adapter.
func (a *Adapter) Info() gpucore.AdapterInfo {
	return gpucore.AdapterInfo{Name: a.name, Backend: backend.Software, DeviceType: "cpu"}
}

// SupportsCompute reports whether kernels can run on the adapter.
func (a *Adapter) SupportsCompute() bool {
	return !a.noCompute
}

// Limits returns the adapter limits.
func (a *Adapter) Limits() (gputypes.Limits, error) {
	return a.limits, nil
}

// Open creates a driver enforcing the negotiated limits.
func (a *Adapter) Open(limits gputypes.Limits) (gpucore.Driver, error) {
	if a.noCompute {
		return nil, gpucore.ErrValidation
	}
	logger().Debug("software: device opened",
		"adapter", a.name,
		"workers", a.workers,
		"maxInvocations", limits.MaxComputeInvocationsPerWorkgroup)
	return newDriver(limits, a.workers), nil
}

// SetLogger sets the logger of the software backend.
func (a *Adapter) SetLogger(l *slog.Logger) {
	setLogger(l)
}
