package dispatch

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	// ErrUnsupportedAdapter is returned when an adapter cannot run compute
	// kernels or reports incomplete limits.
	ErrUnsupportedAdapter = errors.New("dispatch: unsupported adapter")

	// ErrLimitExceeded is matched by *LimitExceededError.
	ErrLimitExceeded = errors.New("dispatch: requested limit exceeds adapter maximum")
)

// Construction errors.
var (
	// ErrInvalidSize is returned for a zero or oversized buffer.
	ErrInvalidSize = errors.New("dispatch: invalid buffer size")

	// ErrInvalidUsage is returned for an unknown buffer usage tag.
	ErrInvalidUsage = errors.New("dispatch: invalid buffer usage")

	// ErrLayoutMismatch is matched by *LayoutMismatchError.
	ErrLayoutMismatch = errors.New("dispatch: binding does not match layout")

	// ErrInterfaceMismatch is matched by *InterfaceMismatchError.
	ErrInterfaceMismatch = errors.New("dispatch: kernel interface does not match pipeline layout")

	// ErrUnknownEntryPoint is returned when a kernel lacks the requested entry point.
	ErrUnknownEntryPoint = errors.New("dispatch: unknown entry point")

	// ErrNilKernel is returned when BuildPipeline is given a nil kernel.
	ErrNilKernel = errors.New("dispatch: nil kernel")

	// ErrNilLayout is returned when a nil layout is supplied.
	ErrNilLayout = errors.New("dispatch: nil layout")
)

// Resource lifetime errors.
var (
	// ErrResourceInUse is returned when releasing a resource that a live
	// binding group or an unresolved submission still references.
	ErrResourceInUse = errors.New("dispatch: resource in use")

	// ErrDoubleRelease is returned when releasing a resource twice.
	ErrDoubleRelease = errors.New("dispatch: resource already released")

	// ErrUnknownResource is returned for IDs this device never issued.
	ErrUnknownResource = errors.New("dispatch: unknown resource")

	// ErrResourceReleased is returned when using a released resource.
	ErrResourceReleased = errors.New("dispatch: resource released")

	// ErrBufferBusy is returned for host access to a buffer referenced by an
	// unresolved submission, and for submissions referencing a buffer under
	// host access.
	ErrBufferBusy = errors.New("dispatch: buffer busy")

	// ErrOutOfRange is returned for host access outside a buffer.
	ErrOutOfRange = errors.New("dispatch: range outside buffer")

	// ErrForeignResource is returned when a resource of one device is used
	// with another.
	ErrForeignResource = errors.New("dispatch: resource belongs to another device")
)

// Recording errors.
var (
	// ErrNotRecording is returned when recording into a finished encoder.
	ErrNotRecording = errors.New("dispatch: encoder not recording")

	// ErrNoPipelineBound is returned by Dispatch before BindPipeline.
	ErrNoPipelineBound = errors.New("dispatch: no pipeline bound")

	// ErrNilPipeline is returned when binding a nil pipeline.
	ErrNilPipeline = errors.New("dispatch: nil pipeline")

	// ErrMissingBinding is matched by *MissingBindingError.
	ErrMissingBinding = errors.New("dispatch: missing binding group")

	// ErrInvalidDescriptor is returned for a dispatch descriptor outside the
	// device capabilities.
	ErrInvalidDescriptor = errors.New("dispatch: invalid dispatch descriptor")

	// ErrWorkgroupSizeMismatch is returned when a dispatch disagrees with
	// the kernel's fixed workgroup size.
	ErrWorkgroupSizeMismatch = errors.New("dispatch: workgroup size differs from kernel")
)

// Partition errors.
var (
	// ErrInvalidWorkload is returned for a zero total or preferred axis.
	ErrInvalidWorkload = errors.New("dispatch: invalid workload")

	// ErrWorkloadTooLarge is matched by *WorkloadTooLargeError.
	ErrWorkloadTooLarge = errors.New("dispatch: workload too large")
)

// Submission errors.
var (
	// ErrNilCommandBuffer is returned when submitting nil.
	ErrNilCommandBuffer = errors.New("dispatch: nil command buffer")

	// ErrAlreadySubmitted is returned when a command buffer is submitted twice.
	ErrAlreadySubmitted = errors.New("dispatch: command buffer already submitted")

	// ErrDeviceReleased is returned for operations on a released device.
	ErrDeviceReleased = errors.New("dispatch: device released")

	// ErrDeviceBusy is the panic value of Device.Release with submissions
	// still in flight.
	ErrDeviceBusy = errors.New("dispatch: device busy")
)

// Execution faults, matched by *FaultError.
var (
	// ErrDeviceLost means the device became unusable.
	ErrDeviceLost = errors.New("dispatch: device lost")

	// ErrValidationEscaped means the driver rejected work that passed
	// validation.
	ErrValidationEscaped = errors.New("dispatch: driver rejected validated work")

	// ErrTimeout means execution exceeded the queue's submit timeout.
	ErrTimeout = errors.New("dispatch: execution timed out")

	// ErrCancelled means the submission was cancelled before it started.
	ErrCancelled = errors.New("dispatch: submission cancelled")
)

// LimitExceededError is returned when a requested device limit is above
// the adapter maximum.
type LimitExceededError struct {
	Limit     string
	Requested uint32
	Max       uint32
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("dispatch: limit %s: requested %d, adapter maximum %d", e.Limit, e.Requested, e.Max)
}

// Is reports whether target is ErrLimitExceeded.
func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// LayoutMismatchError describes a binding that violates its layout.
type LayoutMismatchError struct {
	Slot   uint32
	Reason string
}

func (e *LayoutMismatchError) Error() string {
	return fmt.Sprintf("dispatch: layout mismatch at slot %d: %s", e.Slot, e.Reason)
}

// Is reports whether target is ErrLayoutMismatch.
func (e *LayoutMismatchError) Is(target error) bool {
	return target == ErrLayoutMismatch
}

// InterfaceMismatchError describes the first difference between a kernel's
// declared interface and a pipeline layout.
type InterfaceMismatchError struct {
	Group    uint32
	Slot     uint32
	Expected SlotSpec // from the pipeline layout
	Actual   SlotSpec // declared by the kernel
}

func (e *InterfaceMismatchError) Error() string {
	return fmt.Sprintf("dispatch: interface mismatch at group %d slot %d: layout has %s, kernel declares %s",
		e.Group, e.Slot, e.Expected, e.Actual)
}

// Is reports whether target is ErrInterfaceMismatch.
func (e *InterfaceMismatchError) Is(target error) bool {
	return target == ErrInterfaceMismatch
}

// MissingBindingError reports the lowest group slot of the bound pipeline
// with no binding group at dispatch time.
type MissingBindingError struct {
	Slot uint32
}

func (e *MissingBindingError) Error() string {
	return fmt.Sprintf("dispatch: no binding group bound at slot %d", e.Slot)
}

// Is reports whether target is ErrMissingBinding.
func (e *MissingBindingError) Is(target error) bool {
	return target == ErrMissingBinding
}

// WorkloadTooLargeError reports an axis needing more workgroups than the
// device allows.
type WorkloadTooLargeError struct {
	Axis  int
	Count uint64
	Max   uint32
}

func (e *WorkloadTooLargeError) Error() string {
	return fmt.Sprintf("dispatch: axis %d needs %d workgroups, maximum %d", e.Axis, e.Count, e.Max)
}

// Is reports whether target is ErrWorkloadTooLarge.
func (e *WorkloadTooLargeError) Is(target error) bool {
	return target == ErrWorkloadTooLarge
}
