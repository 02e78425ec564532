package software

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/dispatch/kernel"
)

// Invocation identifies one kernel invocation inside a dispatch.
type Invocation struct {
	// GlobalID is WorkgroupID * WorkgroupSize + LocalID.
	GlobalID [3]uint32

	// LocalID is the position inside the workgroup.
	LocalID [3]uint32

	// WorkgroupID is the position of the workgroup inside the dispatch.
	WorkgroupID [3]uint32

	// WorkgroupSize is the number of invocations per workgroup on each axis.
	WorkgroupSize [3]uint32

	// WorkgroupCount is the number of workgroups on each axis.
	WorkgroupCount [3]uint32

	// LocalIndex is the linearized LocalID.
	LocalIndex uint32
}

// KernelFunc is a kernel executed on the host. It is called once per
// invocation; invocations of different workgroups run concurrently.
type KernelFunc func(inv Invocation, b Bindings)

// Host attaches fn as the host implementation of every entry point.
func Host(fn KernelFunc) kernel.Option {
	return kernel.WithHost(fn)
}

// HostEntries attaches one host function per entry point name.
func HostEntries(fns map[string]KernelFunc) kernel.Option {
	return kernel.WithHost(fns)
}

// Bindings exposes the buffers bound for a dispatch.
type Bindings struct {
	groups map[uint32]map[uint32][][]byte
}

// Buffer returns the contents of the buffer bound at group/slot.
// For array slots it returns element 0. It returns nil when nothing is bound.
func (b Bindings) Buffer(group, slot uint32) []byte {
	return b.Element(group, slot, 0)
}

// Element returns element elem of an array slot.
func (b Bindings) Element(group, slot, elem uint32) []byte {
	bufs := b.groups[group][slot]
	if int(elem) >= len(bufs) {
		return nil
	}
	return bufs[elem]
}

// Len returns the number of buffers bound at group/slot.
func (b Bindings) Len(group, slot uint32) int {
	return len(b.groups[group][slot])
}

// LoadU32 reads the little-endian uint32 at word index i.
func LoadU32(buf []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(buf[i*4:])
}

// StoreU32 writes v at word index i.
func StoreU32(buf []byte, i int, v uint32) {
	binary.LittleEndian.PutUint32(buf[i*4:], v)
}

// LoadF32 reads the float32 at word index i.
func LoadF32(buf []byte, i int) float32 {
	return math.Float32frombits(LoadU32(buf, i))
}

// StoreF32 writes v at word index i.
func StoreF32(buf []byte, i int, v float32) {
	StoreU32(buf, i, math.Float32bits(v))
}

// resolveKernel picks the host function for an entry point.
func resolveKernel(host any, entryPoint string) (KernelFunc, error) {
	switch fn := host.(type) {
	case KernelFunc:
		return fn, nil
	case func(Invocation, Bindings):
		return fn, nil
	case map[string]KernelFunc:
		if k, ok := fn[entryPoint]; ok && k != nil {
			return k, nil
		}
		return nil, fmt.Errorf("no host function for entry point %q", entryPoint)
	case nil:
		return nil, fmt.Errorf("kernel has no host implementation")
	default:
		return nil, fmt.Errorf("unsupported host implementation %T", host)
	}
}
