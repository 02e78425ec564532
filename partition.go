package dispatch

import "fmt"

// DefaultWorkgroupSize is the workgroup size Partition starts from when no
// preferred size is given.
var DefaultWorkgroupSize = [3]uint32{64, 1, 1}

// DispatchDescriptor is the shape of one dispatch: WorkgroupCount groups
// of WorkgroupSize invocations each.
type DispatchDescriptor struct {
	WorkgroupSize  [3]uint32
	WorkgroupCount [3]uint32
}

// Invocations returns the total number of invocations launched.
func (d DispatchDescriptor) Invocations() uint64 {
	n := uint64(1)
	for i := range 3 {
		n *= uint64(d.WorkgroupSize[i]) * uint64(d.WorkgroupCount[i])
	}
	return n
}

func (d DispatchDescriptor) String() string {
	return fmt.Sprintf("(%d,%d,%d)x(%d,%d,%d)",
		d.WorkgroupSize[0], d.WorkgroupSize[1], d.WorkgroupSize[2],
		d.WorkgroupCount[0], d.WorkgroupCount[1], d.WorkgroupCount[2])
}

// Partition splits a 3-D workload of total invocations into workgroups
// that fit caps.
//
// The workgroup size starts from preferred, or DefaultWorkgroupSize when
// preferred is nil, and is clamped to the per-axis maximum. While the
// invocation count exceeds MaxInvocationsPerWorkgroup, the largest axis
// (the lowest index on ties) is scaled down proportionally. The workgroup
// count per axis is ceil(total / size); launched invocations cover total
// on every axis.
//
// Partition is deterministic and has no side effects.
func Partition(total [3]uint32, preferred *[3]uint32, caps Capabilities) (DispatchDescriptor, error) {
	for axis, n := range total {
		if n == 0 {
			return DispatchDescriptor{}, fmt.Errorf("%w: total axis %d is zero", ErrInvalidWorkload, axis)
		}
	}

	size := DefaultWorkgroupSize
	if preferred != nil {
		size = *preferred
	}
	maxSize := caps.WorkgroupSize()
	for axis := range size {
		if size[axis] == 0 {
			return DispatchDescriptor{}, fmt.Errorf("%w: preferred axis %d is zero", ErrInvalidWorkload, axis)
		}
		if maxSize[axis] > 0 {
			size[axis] = min(size[axis], maxSize[axis])
		}
	}

	if maxInv := uint64(caps.MaxInvocationsPerWorkgroup); maxInv > 0 {
		for {
			product := uint64(size[0]) * uint64(size[1]) * uint64(size[2])
			if product <= maxInv {
				break
			}
			axis := largestAxis(size)
			shrunk := uint32(max(1, uint64(size[axis])*maxInv/product))
			if shrunk == size[axis] {
				shrunk--
			}
			size[axis] = shrunk
		}
	}

	var desc DispatchDescriptor
	desc.WorkgroupSize = size
	for axis := range total {
		count := (uint64(total[axis]) + uint64(size[axis]) - 1) / uint64(size[axis])
		if count > uint64(caps.MaxWorkgroupsPerDimension) {
			return DispatchDescriptor{}, &WorkloadTooLargeError{Axis: axis, Count: count, Max: caps.MaxWorkgroupsPerDimension}
		}
		desc.WorkgroupCount[axis] = uint32(count)
	}

	Logger().Debug("dispatch: partition", "total", total, "result", desc.String())
	return desc, nil
}

// largestAxis returns the index of the largest axis, the lowest on ties.
func largestAxis(size [3]uint32) int {
	axis := 0
	for i := 1; i < 3; i++ {
		if size[i] > size[axis] {
			axis = i
		}
	}
	return axis
}
