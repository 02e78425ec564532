package gpucore

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Resource IDs
//
// These opaque IDs represent device resources. Each driver maintains a
// mapping between IDs and its own objects.

// BufferID is an opaque handle to a device buffer.
type BufferID uint64

// BindGroupID is an opaque handle to a binding group.
type BindGroupID uint64

// PipelineID is an opaque handle to a compute pipeline.
type PipelineID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// Usage is the usage tag of a buffer. It decides which binding slot types
// may reference the buffer.
type Usage uint8

// Buffer usage tags.
const (
	// UsageStorage marks a buffer that kernels read and write.
	UsageStorage Usage = iota + 1

	// UsageUniform marks a small read-only parameter buffer.
	UsageUniform

	// UsageStaging marks a host-visible transfer buffer. Staging buffers
	// cannot be bound to a kernel.
	UsageStaging
)

// String returns the string representation of Usage.
func (u Usage) String() string {
	switch u {
	case UsageStorage:
		return "storage"
	case UsageUniform:
		return "uniform"
	case UsageStaging:
		return "staging"
	default:
		return fmt.Sprintf("Usage(%d)", int(u))
	}
}

// Valid reports whether u is a known usage tag.
func (u Usage) Valid() bool {
	return u >= UsageStorage && u <= UsageStaging
}

// Flags returns the WebGPU buffer usage flags a driver allocates for u.
func (u Usage) Flags() gputypes.BufferUsage {
	switch u {
	case UsageStorage:
		return gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	case UsageUniform:
		return gputypes.BufferUsageUniform | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	case UsageStaging:
		return gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	default:
		return 0
	}
}

// SlotType is the declared type of a binding slot.
type SlotType uint8

// Binding slot types.
const (
	// SlotStorage is a read-write storage buffer slot.
	SlotStorage SlotType = iota + 1

	// SlotReadOnlyStorage is a read-only storage buffer slot.
	SlotReadOnlyStorage

	// SlotUniform is a uniform buffer slot.
	SlotUniform
)

// String returns the string representation of SlotType.
func (t SlotType) String() string {
	switch t {
	case SlotStorage:
		return "storage"
	case SlotReadOnlyStorage:
		return "read-only-storage"
	case SlotUniform:
		return "uniform"
	default:
		return fmt.Sprintf("SlotType(%d)", int(t))
	}
}

// Valid reports whether t is a known slot type.
func (t SlotType) Valid() bool {
	return t >= SlotStorage && t <= SlotUniform
}

// Writable reports whether kernels may write through a slot of this type.
func (t SlotType) Writable() bool {
	return t == SlotStorage
}

// BindingType returns the WebGPU buffer binding type for t.
func (t SlotType) BindingType() gputypes.BufferBindingType {
	switch t {
	case SlotReadOnlyStorage:
		return gputypes.BufferBindingTypeReadOnlyStorage
	case SlotUniform:
		return gputypes.BufferBindingTypeUniform
	default:
		return gputypes.BufferBindingTypeStorage
	}
}

// RequiredUsage returns the usage flag a buffer must carry to be bound
// to a slot of this type.
func (t SlotType) RequiredUsage() gputypes.BufferUsage {
	if t == SlotUniform {
		return gputypes.BufferUsageUniform
	}
	return gputypes.BufferUsageStorage
}

// Accepts reports whether a buffer tagged u may be bound to a slot of type t.
func (t SlotType) Accepts(u Usage) bool {
	if !t.Valid() || !u.Valid() {
		return false
	}
	return u.Flags().Contains(t.RequiredUsage())
}

// LayoutEntry describes one slot of a binding group layout as seen by a driver.
type LayoutEntry struct {
	// Binding is the slot index within the group.
	Binding uint32

	// Type is the slot type.
	Type SlotType

	// Arity is the number of buffers bound at this slot (1 for plain slots).
	Arity uint32
}

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	// Label is an optional debug label.
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// Usage is the usage tag.
	Usage Usage
}

// BindGroupEntry binds buffers to one slot of a binding group.
type BindGroupEntry struct {
	// Binding is the slot index.
	Binding uint32

	// Buffers holds exactly Arity buffers, in array order.
	Buffers []BufferID
}

// BindGroupDesc describes a binding group.
type BindGroupDesc struct {
	// Label is an optional debug label.
	Label string

	// Layout is the validated layout of the group.
	Layout []LayoutEntry

	// Entries are the resource bindings, one per layout entry.
	Entries []BindGroupEntry
}

// Program is a compiled kernel artifact handed to a driver.
// A driver uses whichever representation it understands.
type Program struct {
	// Label is an optional debug label.
	Label string

	// WGSL is the kernel source, if the kernel came from WGSL.
	WGSL string

	// SPIRV is the compiled kernel as SPIR-V words.
	SPIRV []uint32

	// Host is a backend-specific host implementation of the kernel
	// (for example a software.KernelFunc).
	Host any
}

// PipelineDesc describes a compute pipeline.
type PipelineDesc struct {
	// Label is an optional debug label.
	Label string

	// Program is the kernel to run.
	Program Program

	// EntryPoint is the name of the kernel entry point function.
	EntryPoint string

	// Groups holds one layout per binding group index.
	Groups [][]LayoutEntry
}
