package gpucore

import "fmt"

// CommandKind identifies a recorded command.
type CommandKind uint8

// Command kinds.
const (
	// CommandBindPipeline makes Command.Pipeline the active pipeline.
	CommandBindPipeline CommandKind = iota + 1

	// CommandBindGroup binds Command.Group at group index Command.Slot.
	CommandBindGroup

	// CommandDispatch runs the active pipeline over
	// Command.WorkgroupCount groups of Command.WorkgroupSize invocations.
	CommandDispatch

	// CommandBarrier orders all earlier writes before all later reads.
	CommandBarrier
)

// String returns the string representation of CommandKind.
func (k CommandKind) String() string {
	switch k {
	case CommandBindPipeline:
		return "BindPipeline"
	case CommandBindGroup:
		return "BindGroup"
	case CommandDispatch:
		return "Dispatch"
	case CommandBarrier:
		return "Barrier"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is one entry of a recorded command list.
// Only the fields relevant to Kind are set.
type Command struct {
	Kind CommandKind

	// Pipeline is set for CommandBindPipeline.
	Pipeline PipelineID

	// Slot and Group are set for CommandBindGroup.
	Slot  uint32
	Group BindGroupID

	// WorkgroupSize and WorkgroupCount are set for CommandDispatch.
	WorkgroupSize  [3]uint32
	WorkgroupCount [3]uint32
}

// String returns a short human-readable form of the command.
func (c Command) String() string {
	switch c.Kind {
	case CommandBindPipeline:
		return fmt.Sprintf("BindPipeline(%d)", c.Pipeline)
	case CommandBindGroup:
		return fmt.Sprintf("BindGroup(%d, %d)", c.Slot, c.Group)
	case CommandDispatch:
		return fmt.Sprintf("Dispatch(size=%v count=%v)", c.WorkgroupSize, c.WorkgroupCount)
	default:
		return c.Kind.String()
	}
}
