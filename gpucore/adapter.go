package gpucore

import (
	"context"
	"errors"

	"github.com/gogpu/gputypes"
)

// Driver errors.
var (
	// ErrDeviceLost is returned by a driver whose device is no longer usable.
	ErrDeviceLost = errors.New("gpucore: device lost")

	// ErrValidation is returned when a driver rejects a command or resource
	// that passed the engine's own validation.
	ErrValidation = errors.New("gpucore: driver validation failed")

	// ErrUnknownResource is returned when a driver is handed an ID it does not hold.
	ErrUnknownResource = errors.New("gpucore: unknown resource")

	// ErrDriverClosed is returned by any driver call after Close.
	ErrDriverClosed = errors.New("gpucore: driver closed")
)

// AdapterInfo identifies a physical adapter.
type AdapterInfo struct {
	// Name is the adapter name as reported by the platform.
	Name string

	// Backend names the backend that exposed the adapter ("native", "software").
	Backend string

	// DeviceType is a free-form device class ("discrete", "integrated", "cpu").
	DeviceType string
}

// Adapter abstracts a physical compute device before logical acquisition.
//
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Info returns identifying information about the adapter.
	Info() AdapterInfo

	// SupportsCompute reports whether compute kernels can run on the adapter.
	SupportsCompute() bool

	// Limits returns the true maximum limits of the adapter.
	// An error means the adapter cannot report its limits.
	Limits() (gputypes.Limits, error)

	// Open negotiates a logical device with the given limits.
	// The limits never exceed the values returned by Limits.
	Open(limits gputypes.Limits) (Driver, error)
}

// Driver is an opened logical device.
//
// Resource methods may be called concurrently. Execute is called by one
// goroutine per engine queue; a driver serving several queues must accept
// concurrent Execute calls.
type Driver interface {
	// CreateBuffer allocates a zero-filled buffer under id.
	CreateBuffer(id BufferID, desc *BufferDesc) error

	// DestroyBuffer releases a buffer. Unknown IDs are ignored.
	DestroyBuffer(id BufferID)

	// WriteBuffer copies data into a buffer at offset.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer copies size bytes starting at offset out of a buffer.
	// This may cause a device-host synchronization stall.
	ReadBuffer(ctx context.Context, id BufferID, offset, size uint64) ([]byte, error)

	// CreateBindGroup creates a binding group under id.
	CreateBindGroup(id BindGroupID, desc *BindGroupDesc) error

	// DestroyBindGroup releases a binding group. Unknown IDs are ignored.
	DestroyBindGroup(id BindGroupID)

	// CreatePipeline creates a compute pipeline under id.
	CreatePipeline(id PipelineID, desc *PipelineDesc) error

	// DestroyPipeline releases a pipeline. Unknown IDs are ignored.
	DestroyPipeline(id PipelineID)

	// Execute runs commands in order and returns when their effects are
	// visible to the host, when ctx is done, or on failure. A device loss
	// is reported by wrapping ErrDeviceLost.
	Execute(ctx context.Context, label string, commands []Command) error

	// Close releases the device. Further calls return ErrDriverClosed.
	Close()
}
