package dispatch

import (
	"fmt"
	"sync"

	"github.com/gogpu/dispatch/gpucore"
)

// Encoder records commands into a CommandBuffer. Each call validates its
// command against the device capabilities and the bound pipeline; a
// rejected command is not recorded and the encoder stays usable.
//
// An Encoder must be used from one goroutine. Any number of encoders may
// record concurrently.
type Encoder struct {
	dev       *Device
	label     string
	recording bool
	commands  []gpucore.Command

	pipeline *Pipeline
	groups   map[uint32]*BindingLayout
}

// BeginEncoding starts recording a command buffer.
func (d *Device) BeginEncoding(label string) *Encoder {
	return &Encoder{
		dev:       d,
		label:     label,
		recording: true,
		groups:    make(map[uint32]*BindingLayout),
	}
}

// Label returns the encoder label.
func (e *Encoder) Label() string {
	return e.label
}

// BindPipeline makes p the pipeline of subsequent dispatches. Bound groups
// stay bound and are checked against p at dispatch.
func (e *Encoder) BindPipeline(p *Pipeline) error {
	if !e.recording {
		return ErrNotRecording
	}
	if p == nil {
		return ErrNilPipeline
	}
	if p.dev != e.dev {
		return ErrForeignResource
	}
	if err := e.dev.resources.pipelineLive(p.id); err != nil {
		return err
	}

	e.pipeline = p
	e.commands = append(e.commands, gpucore.Command{Kind: gpucore.CommandBindPipeline, Pipeline: p.id})
	return nil
}

// BindGroup binds a binding group at group slot. When a pipeline is bound,
// the group layout must equal the pipeline layout at slot.
func (e *Encoder) BindGroup(slot uint32, group gpucore.BindGroupID) error {
	if !e.recording {
		return ErrNotRecording
	}
	layout, err := e.dev.resources.groupLayout(group)
	if err != nil {
		return err
	}
	if e.pipeline != nil {
		if err := checkGroup(e.pipeline.layout, slot, layout); err != nil {
			return err
		}
	}

	e.groups[slot] = layout
	e.commands = append(e.commands, gpucore.Command{Kind: gpucore.CommandBindGroup, Slot: slot, Group: group})
	return nil
}

func checkGroup(pl *PipelineLayout, slot uint32, layout *BindingLayout) error {
	if int(slot) >= pl.GroupCount() {
		return &LayoutMismatchError{Slot: slot, Reason: fmt.Sprintf("pipeline layout has %d groups", pl.GroupCount())}
	}
	if !pl.Group(int(slot)).Equal(layout) {
		return &LayoutMismatchError{Slot: slot, Reason: "binding group layout differs from pipeline layout"}
	}
	return nil
}

// Dispatch records a dispatch of the bound pipeline.
//
// Every group slot of the pipeline layout must be bound; the lowest unbound
// slot is reported as *MissingBindingError. The descriptor must fit the
// device capabilities and match a fixed kernel workgroup size.
func (e *Encoder) Dispatch(desc DispatchDescriptor) error {
	if !e.recording {
		return ErrNotRecording
	}
	p := e.pipeline
	if p == nil {
		return ErrNoPipelineBound
	}
	for slot := 0; slot < p.layout.GroupCount(); slot++ {
		if _, ok := e.groups[uint32(slot)]; !ok {
			return &MissingBindingError{Slot: uint32(slot)}
		}
	}
	for slot := 0; slot < p.layout.GroupCount(); slot++ {
		if err := checkGroup(p.layout, uint32(slot), e.groups[uint32(slot)]); err != nil {
			return err
		}
	}
	if err := checkDescriptor(desc, e.dev.caps); err != nil {
		return err
	}
	if size, ok := p.WorkgroupSize(); ok && size != desc.WorkgroupSize {
		return fmt.Errorf("%w: dispatch %v, kernel %v", ErrWorkgroupSizeMismatch, desc.WorkgroupSize, size)
	}

	e.commands = append(e.commands, gpucore.Command{
		Kind:           gpucore.CommandDispatch,
		WorkgroupSize:  desc.WorkgroupSize,
		WorkgroupCount: desc.WorkgroupCount,
	})
	Logger().Debug("dispatch: dispatch recorded", "encoder", e.label, "pipeline", uint64(p.id), "desc", desc.String())
	return nil
}

// DispatchWork partitions total with the bound pipeline and records the
// resulting dispatch.
func (e *Encoder) DispatchWork(total [3]uint32) (DispatchDescriptor, error) {
	if !e.recording {
		return DispatchDescriptor{}, ErrNotRecording
	}
	if e.pipeline == nil {
		return DispatchDescriptor{}, ErrNoPipelineBound
	}
	desc, err := e.pipeline.Partition(total)
	if err != nil {
		return DispatchDescriptor{}, err
	}
	if err := e.Dispatch(desc); err != nil {
		return DispatchDescriptor{}, err
	}
	return desc, nil
}

func checkDescriptor(desc DispatchDescriptor, caps Capabilities) error {
	maxSize := caps.WorkgroupSize()
	invocations := uint64(1)
	for axis := range 3 {
		size, count := desc.WorkgroupSize[axis], desc.WorkgroupCount[axis]
		if size == 0 || count == 0 {
			return fmt.Errorf("%w: zero extent on axis %d", ErrInvalidDescriptor, axis)
		}
		if size > maxSize[axis] {
			return fmt.Errorf("%w: workgroup size %d on axis %d above maximum %d", ErrInvalidDescriptor, size, axis, maxSize[axis])
		}
		invocations *= uint64(size)
	}
	if invocations > uint64(caps.MaxInvocationsPerWorkgroup) {
		return fmt.Errorf("%w: %d invocations per workgroup, maximum %d", ErrInvalidDescriptor, invocations, caps.MaxInvocationsPerWorkgroup)
	}
	for axis, count := range desc.WorkgroupCount {
		if count > caps.MaxWorkgroupsPerDimension {
			return &WorkloadTooLargeError{Axis: axis, Count: uint64(count), Max: caps.MaxWorkgroupsPerDimension}
		}
	}
	return nil
}

// Barrier orders all earlier dispatches before all later ones.
func (e *Encoder) Barrier() error {
	if !e.recording {
		return ErrNotRecording
	}
	e.commands = append(e.commands, gpucore.Command{Kind: gpucore.CommandBarrier})
	return nil
}

// Finish ends recording and returns the command buffer.
func (e *Encoder) Finish() (*CommandBuffer, error) {
	if !e.recording {
		return nil, ErrNotRecording
	}
	e.recording = false
	cb := &CommandBuffer{dev: e.dev, label: e.label, commands: e.commands}
	e.commands = nil
	e.pipeline = nil
	e.groups = nil
	Logger().Debug("dispatch: command buffer finished", "label", cb.label, "commands", len(cb.commands))
	return cb, nil
}

type commandBufferState uint8

const (
	cbClosed commandBufferState = iota
	cbSubmitted
	cbResolved
)

// CommandBuffer is a finished, immutable command list. It can be submitted
// once.
type CommandBuffer struct {
	dev      *Device
	label    string
	commands []gpucore.Command

	mu    sync.Mutex
	state commandBufferState
}

// Label returns the command buffer label.
func (cb *CommandBuffer) Label() string {
	return cb.label
}

// Commands returns a copy of the recorded commands.
func (cb *CommandBuffer) Commands() []gpucore.Command {
	return append([]gpucore.Command(nil), cb.commands...)
}

// Submitted reports whether the command buffer was submitted.
func (cb *CommandBuffer) Submitted() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != cbClosed
}

func (cb *CommandBuffer) setState(s commandBufferState) {
	cb.mu.Lock()
	cb.state = s
	cb.mu.Unlock()
}
