package dispatch

import (
	"fmt"

	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/dispatch/kernel"
)

// SlotSpec is one side of an interface comparison.
type SlotSpec struct {
	Type    gpucore.SlotType
	Arity   uint32
	Present bool
}

func (s SlotSpec) String() string {
	if !s.Present {
		return "none"
	}
	return fmt.Sprintf("%s[%d]", s.Type, s.Arity)
}

// Pipeline is an immutable, validated pairing of a kernel entry point with
// a pipeline layout.
type Pipeline struct {
	id         gpucore.PipelineID
	dev        *Device
	kernel     *kernel.Kernel
	layout     *PipelineLayout
	entryPoint string
}

// ID returns the pipeline ID.
func (p *Pipeline) ID() gpucore.PipelineID { return p.id }

// Kernel returns the pipeline kernel.
func (p *Pipeline) Kernel() *kernel.Kernel { return p.kernel }

// Layout returns the pipeline layout.
func (p *Pipeline) Layout() *PipelineLayout { return p.layout }

// EntryPoint returns the entry point name.
func (p *Pipeline) EntryPoint() string { return p.entryPoint }

// WorkgroupSize returns the fixed workgroup size of the entry point, if the
// kernel declares one.
func (p *Pipeline) WorkgroupSize() ([3]uint32, bool) {
	return p.kernel.WorkgroupSize(p.entryPoint)
}

// Partition partitions total for this pipeline. A fixed kernel workgroup
// size is used as the preferred size.
func (p *Pipeline) Partition(total [3]uint32) (DispatchDescriptor, error) {
	var preferred *[3]uint32
	if size, ok := p.WorkgroupSize(); ok {
		preferred = &size
	}
	return Partition(total, preferred, p.dev.caps)
}

// BuildPipeline validates the interface of k against layout and creates
// a pipeline for entryPoint.
//
// Layout groups are compared with the kernel's declared slots group by
// group and slot by slot. The first difference in slot count, type or
// arity is returned as *InterfaceMismatchError. The driver pipeline is
// created only after validation passes.
func (d *Device) BuildPipeline(k *kernel.Kernel, layout *PipelineLayout, entryPoint string) (*Pipeline, error) {
	if k == nil {
		return nil, ErrNilKernel
	}
	if layout == nil {
		return nil, ErrNilLayout
	}
	if !k.HasEntryPoint(entryPoint) {
		return nil, fmt.Errorf("%w: %q in kernel %s", ErrUnknownEntryPoint, entryPoint, k.Label())
	}
	if err := checkInterface(k, layout); err != nil {
		return nil, err
	}
	if err := d.checkLive(); err != nil {
		return nil, err
	}

	groups := make([][]gpucore.LayoutEntry, layout.GroupCount())
	for i := range groups {
		groups[i] = layout.Group(i).entries()
	}
	desc := &gpucore.PipelineDesc{
		Label:      k.Label() + "." + entryPoint,
		Program:    k.Program(),
		EntryPoint: entryPoint,
		Groups:     groups,
	}

	p := &Pipeline{dev: d, kernel: k, layout: layout, entryPoint: entryPoint}
	if err := d.resources.registerPipeline(p, desc); err != nil {
		return nil, err
	}
	Logger().Debug("dispatch: pipeline built",
		"device", d.label, "pipeline", uint64(p.id), "kernel", k.Label(), "entry", entryPoint)
	return p, nil
}

// ReleasePipeline releases a pipeline.
func (d *Device) ReleasePipeline(p *Pipeline) error {
	return d.resources.ReleasePipeline(p)
}

// checkInterface returns the first difference between the declared
// interface of k and layout.
func checkInterface(k *kernel.Kernel, layout *PipelineLayout) error {
	groups := max(k.GroupCount(), layout.GroupCount())
	for g := 0; g < groups; g++ {
		declared := make(map[uint32]kernel.Slot)
		slots := 0
		for _, s := range k.Group(uint32(g)) {
			declared[s.Index] = s
			slots = max(slots, int(s.Index)+1)
		}
		var group *BindingLayout
		if g < layout.GroupCount() {
			group = layout.Group(g)
			slots = max(slots, group.SlotCount())
		}

		for i := 0; i < slots; i++ {
			var expected, actual SlotSpec
			if group != nil && i < group.SlotCount() {
				s := group.Slot(i)
				expected = SlotSpec{Type: s.Type, Arity: s.Arity, Present: true}
			}
			if s, ok := declared[uint32(i)]; ok {
				actual = SlotSpec{Type: s.Type, Arity: s.Arity, Present: true}
			}
			if expected != actual {
				return &InterfaceMismatchError{Group: uint32(g), Slot: uint32(i), Expected: expected, Actual: actual}
			}
		}
	}
	return nil
}
