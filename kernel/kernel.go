// Package kernel describes compute kernels: their entry points, the binding
// slots they declare, and the compiled program handed to a driver.
//
// A Kernel is built either from WGSL source with [CompileWGSL], which
// compiles the source to SPIR-V with naga and reflects its bindings, or
// directly with [New] for host-implemented kernels such as those run by
// the software backend.
package kernel

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gogpu/dispatch/gpucore"
)

// Kernel errors.
var (
	// ErrNoEntryPoint is returned when a kernel declares no entry point.
	ErrNoEntryPoint = errors.New("kernel: no compute entry point")

	// ErrDuplicateSlot is returned when two slots share a group and index.
	ErrDuplicateSlot = errors.New("kernel: duplicate binding slot")

	// ErrInvalidSlot is returned for a slot with an unknown type or zero arity.
	ErrInvalidSlot = errors.New("kernel: invalid binding slot")

	// ErrUnsupportedBinding is returned when WGSL declares a binding that is
	// not a buffer (textures, samplers, workgroup memory in a group).
	ErrUnsupportedBinding = errors.New("kernel: unsupported binding")

	// ErrCompile wraps WGSL compilation failures.
	ErrCompile = errors.New("kernel: compilation failed")
)

// Slot is one binding declared by a kernel.
type Slot struct {
	// Group is the binding group index.
	Group uint32

	// Index is the slot index inside the group.
	Index uint32

	// Type is the declared slot type.
	Type gpucore.SlotType

	// Arity is the number of buffers bound at the slot.
	Arity uint32
}

// String returns a short form such as "0:1 storage[1]".
func (s Slot) String() string {
	return fmt.Sprintf("%d:%d %s[%d]", s.Group, s.Index, s.Type, s.Arity)
}

type entryPoint struct {
	name  string
	size  [3]uint32
	fixed bool
}

// Kernel is an immutable compute kernel description.
type Kernel struct {
	label   string
	entries []entryPoint
	slots   []Slot
	program gpucore.Program
}

// Option configures a Kernel built with New.
type Option func(*Kernel)

// WithEntryPoint declares an entry point without a fixed workgroup size.
func WithEntryPoint(name string) Option {
	return func(k *Kernel) {
		k.entries = append(k.entries, entryPoint{name: name})
	}
}

// WithFixedEntryPoint declares an entry point whose workgroup size is fixed
// by the kernel. Dispatches of this entry point must use exactly that size.
func WithFixedEntryPoint(name string, x, y, z uint32) Option {
	return func(k *Kernel) {
		k.entries = append(k.entries, entryPoint{name: name, size: [3]uint32{x, y, z}, fixed: true})
	}
}

// WithSlot declares a binding slot.
func WithSlot(group, index uint32, typ gpucore.SlotType, arity uint32) Option {
	return func(k *Kernel) {
		k.slots = append(k.slots, Slot{Group: group, Index: index, Type: typ, Arity: arity})
	}
}

// WithHost attaches a host implementation used by backends that execute
// kernels on the CPU. The value is opaque to this package; the software
// backend accepts a software.KernelFunc, a plain
// func(software.Invocation, software.Bindings), or a
// map[string]software.KernelFunc keyed by entry point, and fails the
// pipeline build for anything else. Prefer software.Host and
// software.HostEntries, which are typed.
func WithHost(fn any) Option {
	return func(k *Kernel) {
		k.program.Host = fn
	}
}

// New builds a kernel from options.
func New(label string, opts ...Option) (*Kernel, error) {
	k := &Kernel{label: label}
	for _, opt := range opts {
		opt(k)
	}
	return k.finish()
}

func (k *Kernel) finish() (*Kernel, error) {
	if len(k.entries) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoEntryPoint, k.label)
	}
	seen := make(map[[2]uint32]bool, len(k.slots))
	for _, s := range k.slots {
		if !s.Type.Valid() || s.Arity == 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSlot, s)
		}
		key := [2]uint32{s.Group, s.Index}
		if seen[key] {
			return nil, fmt.Errorf("%w: group %d index %d", ErrDuplicateSlot, s.Group, s.Index)
		}
		seen[key] = true
	}
	sort.Slice(k.slots, func(i, j int) bool {
		if k.slots[i].Group != k.slots[j].Group {
			return k.slots[i].Group < k.slots[j].Group
		}
		return k.slots[i].Index < k.slots[j].Index
	})
	k.program.Label = k.label
	return k, nil
}

// Label returns the kernel label.
func (k *Kernel) Label() string { return k.label }

// EntryPoints returns the entry point names in declaration order.
func (k *Kernel) EntryPoints() []string {
	names := make([]string, len(k.entries))
	for i, e := range k.entries {
		names[i] = e.name
	}
	return names
}

// HasEntryPoint reports whether the kernel declares name.
func (k *Kernel) HasEntryPoint(name string) bool {
	_, ok := k.entry(name)
	return ok
}

// WorkgroupSize returns the fixed workgroup size of an entry point.
// ok is false when the entry point is unknown or its size is not fixed.
func (k *Kernel) WorkgroupSize(name string) (size [3]uint32, ok bool) {
	e, found := k.entry(name)
	if !found || !e.fixed {
		return [3]uint32{}, false
	}
	return e.size, true
}

func (k *Kernel) entry(name string) (entryPoint, bool) {
	for _, e := range k.entries {
		if e.name == name {
			return e, true
		}
	}
	return entryPoint{}, false
}

// Interface returns the declared slots ordered by group then index.
func (k *Kernel) Interface() []Slot {
	out := make([]Slot, len(k.slots))
	copy(out, k.slots)
	return out
}

// GroupCount returns one more than the highest declared group index,
// or zero for a kernel without bindings.
func (k *Kernel) GroupCount() int {
	if len(k.slots) == 0 {
		return 0
	}
	return int(k.slots[len(k.slots)-1].Group) + 1
}

// Group returns the slots of one group ordered by index.
func (k *Kernel) Group(group uint32) []Slot {
	var out []Slot
	for _, s := range k.slots {
		if s.Group == group {
			out = append(out, s)
		}
	}
	return out
}

// Program returns the compiled program handed to drivers.
func (k *Kernel) Program() gpucore.Program {
	return k.program
}
