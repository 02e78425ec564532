package dispatch

import (
	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/dispatch/kernel"
)

// SlotLayout declares one slot of a binding layout.
type SlotLayout struct {
	Type gpucore.SlotType

	// Arity is the number of buffers bound at the slot. Zero means 1.
	Arity uint32
}

// StorageSlot returns a read-write storage slot.
func StorageSlot() SlotLayout { return SlotLayout{Type: gpucore.SlotStorage, Arity: 1} }

// ReadOnlyStorageSlot returns a read-only storage slot.
func ReadOnlyStorageSlot() SlotLayout { return SlotLayout{Type: gpucore.SlotReadOnlyStorage, Arity: 1} }

// UniformSlot returns a uniform slot.
func UniformSlot() SlotLayout { return SlotLayout{Type: gpucore.SlotUniform, Arity: 1} }

// ArraySlot returns a slot binding n buffers of type t.
func ArraySlot(t gpucore.SlotType, n uint32) SlotLayout { return SlotLayout{Type: t, Arity: n} }

// BindingLayout is an ordered, immutable list of slots. Slot i is bound
// at binding index i.
type BindingLayout struct {
	slots []SlotLayout
}

// NewBindingLayout creates a binding layout.
func NewBindingLayout(slots ...SlotLayout) *BindingLayout {
	l := &BindingLayout{slots: make([]SlotLayout, len(slots))}
	for i, s := range slots {
		if s.Arity == 0 {
			s.Arity = 1
		}
		l.slots[i] = s
	}
	return l
}

// SlotCount returns the number of slots.
func (l *BindingLayout) SlotCount() int {
	return len(l.slots)
}

// Slot returns slot i.
func (l *BindingLayout) Slot(i int) SlotLayout {
	return l.slots[i]
}

// Equal reports whether two layouts have the same slots.
func (l *BindingLayout) Equal(o *BindingLayout) bool {
	if l == o {
		return true
	}
	if l == nil || o == nil || len(l.slots) != len(o.slots) {
		return false
	}
	for i := range l.slots {
		if l.slots[i] != o.slots[i] {
			return false
		}
	}
	return true
}

func (l *BindingLayout) entries() []gpucore.LayoutEntry {
	out := make([]gpucore.LayoutEntry, len(l.slots))
	for i, s := range l.slots {
		out[i] = gpucore.LayoutEntry{Binding: uint32(i), Type: s.Type, Arity: s.Arity}
	}
	return out
}

// PipelineLayout is an ordered list of binding layouts. Group i is bound
// with Encoder.BindGroup(i, ...).
type PipelineLayout struct {
	groups []*BindingLayout
}

// NewPipelineLayout creates a pipeline layout. A nil group is an empty
// binding layout.
func NewPipelineLayout(groups ...*BindingLayout) *PipelineLayout {
	p := &PipelineLayout{groups: make([]*BindingLayout, len(groups))}
	for i, g := range groups {
		if g == nil {
			g = NewBindingLayout()
		}
		p.groups[i] = g
	}
	return p
}

// LayoutFor derives the pipeline layout a kernel declares. Group and slot
// indices the kernel skips are not representable and make BuildPipeline
// report an interface mismatch.
func LayoutFor(k *kernel.Kernel) *PipelineLayout {
	groups := make([]*BindingLayout, k.GroupCount())
	for g := range groups {
		var slots []SlotLayout
		for _, s := range k.Group(uint32(g)) {
			slots = append(slots, SlotLayout{Type: s.Type, Arity: s.Arity})
		}
		groups[g] = NewBindingLayout(slots...)
	}
	return &PipelineLayout{groups: groups}
}

// GroupCount returns the number of binding groups.
func (p *PipelineLayout) GroupCount() int {
	return len(p.groups)
}

// Group returns the layout of group i.
func (p *PipelineLayout) Group(i int) *BindingLayout {
	return p.groups[i]
}

// Binding binds buffers to one slot of a binding group.
type Binding struct {
	Slot    uint32
	Buffers []gpucore.BufferID
}

// Bind returns a binding of bufs at slot.
func Bind(slot uint32, bufs ...gpucore.BufferID) Binding {
	return Binding{Slot: slot, Buffers: bufs}
}
