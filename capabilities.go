package dispatch

import (
	"fmt"

	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/gputypes"
)

// Limit names, as reported by LimitExceededError.
const (
	LimitWorkgroupSizeX          = "maxWorkgroupSizeX"
	LimitWorkgroupSizeY          = "maxWorkgroupSizeY"
	LimitWorkgroupSizeZ          = "maxWorkgroupSizeZ"
	LimitInvocationsPerWorkgroup = "maxInvocationsPerWorkgroup"
	LimitWorkgroupsPerDimension  = "maxWorkgroupsPerDimension"
)

// WebGPU baseline compute limits.
const (
	baselineWorkgroupSizeXY = 256
	baselineWorkgroupSizeZ  = 64
	baselineInvocations     = 256
	baselineWorkgroups      = 65535
)

// Capabilities are the compute limits of a device. The value is immutable
// once a device is acquired.
type Capabilities struct {
	MaxWorkgroupSizeX          uint32
	MaxWorkgroupSizeY          uint32
	MaxWorkgroupSizeZ          uint32
	MaxInvocationsPerWorkgroup uint32
	MaxWorkgroupsPerDimension  uint32
}

// DefaultCapabilities returns the baseline limits every compute adapter
// supports.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MaxWorkgroupSizeX:          baselineWorkgroupSizeXY,
		MaxWorkgroupSizeY:          baselineWorkgroupSizeXY,
		MaxWorkgroupSizeZ:          baselineWorkgroupSizeZ,
		MaxInvocationsPerWorkgroup: baselineInvocations,
		MaxWorkgroupsPerDimension:  baselineWorkgroups,
	}
}

// capabilitiesFromLimits extracts the compute limits.
func capabilitiesFromLimits(l gputypes.Limits) Capabilities {
	return Capabilities{
		MaxWorkgroupSizeX:          l.MaxComputeWorkgroupSizeX,
		MaxWorkgroupSizeY:          l.MaxComputeWorkgroupSizeY,
		MaxWorkgroupSizeZ:          l.MaxComputeWorkgroupSizeZ,
		MaxInvocationsPerWorkgroup: l.MaxComputeInvocationsPerWorkgroup,
		MaxWorkgroupsPerDimension:  l.MaxComputeWorkgroupsPerDimension,
	}
}

// applyTo writes the compute limits into l.
func (c Capabilities) applyTo(l gputypes.Limits) gputypes.Limits {
	l.MaxComputeWorkgroupSizeX = c.MaxWorkgroupSizeX
	l.MaxComputeWorkgroupSizeY = c.MaxWorkgroupSizeY
	l.MaxComputeWorkgroupSizeZ = c.MaxWorkgroupSizeZ
	l.MaxComputeInvocationsPerWorkgroup = c.MaxInvocationsPerWorkgroup
	l.MaxComputeWorkgroupsPerDimension = c.MaxWorkgroupsPerDimension
	return l
}

// limitField is one named limit, in checking order.
type limitField struct {
	name string
	get  func(*Capabilities) *uint32
}

var limitFields = []limitField{
	{LimitWorkgroupSizeX, func(c *Capabilities) *uint32 { return &c.MaxWorkgroupSizeX }},
	{LimitWorkgroupSizeY, func(c *Capabilities) *uint32 { return &c.MaxWorkgroupSizeY }},
	{LimitWorkgroupSizeZ, func(c *Capabilities) *uint32 { return &c.MaxWorkgroupSizeZ }},
	{LimitInvocationsPerWorkgroup, func(c *Capabilities) *uint32 { return &c.MaxInvocationsPerWorkgroup }},
	{LimitWorkgroupsPerDimension, func(c *Capabilities) *uint32 { return &c.MaxWorkgroupsPerDimension }},
}

// WorkgroupSize returns the maximum workgroup size per axis.
func (c Capabilities) WorkgroupSize() [3]uint32 {
	return [3]uint32{c.MaxWorkgroupSizeX, c.MaxWorkgroupSizeY, c.MaxWorkgroupSizeZ}
}

// String returns a compact form of the limits.
func (c Capabilities) String() string {
	return fmt.Sprintf("workgroup<=(%d,%d,%d) invocations<=%d groups/axis<=%d",
		c.MaxWorkgroupSizeX, c.MaxWorkgroupSizeY, c.MaxWorkgroupSizeZ,
		c.MaxInvocationsPerWorkgroup, c.MaxWorkgroupsPerDimension)
}

// QueryCapabilities reports the true maximum compute limits of an adapter.
//
// It fails with ErrUnsupportedAdapter when the adapter is nil, has no
// compute support, cannot report limits, or reports zero for any limit.
func QueryCapabilities(adapter gpucore.Adapter) (Capabilities, error) {
	if adapter == nil {
		return Capabilities{}, fmt.Errorf("%w: nil adapter", ErrUnsupportedAdapter)
	}
	if !adapter.SupportsCompute() {
		return Capabilities{}, fmt.Errorf("%w: %s has no compute support", ErrUnsupportedAdapter, adapter.Info().Name)
	}
	limits, err := adapter.Limits()
	if err != nil {
		return Capabilities{}, fmt.Errorf("%w: %s: %w", ErrUnsupportedAdapter, adapter.Info().Name, err)
	}

	caps := capabilitiesFromLimits(limits)
	for _, f := range limitFields {
		if *f.get(&caps) == 0 {
			return Capabilities{}, fmt.Errorf("%w: %s reports no %s", ErrUnsupportedAdapter, adapter.Info().Name, f.name)
		}
	}
	return caps, nil
}

// negotiate computes the device capabilities. Zero fields of requested use
// min(baseline, adapter max); non-zero fields must not exceed the adapter
// maximum.
func negotiate(adapterMax Capabilities, requested *Capabilities) (Capabilities, error) {
	baseline := DefaultCapabilities()
	var out Capabilities
	for _, f := range limitFields {
		m := *f.get(&adapterMax)
		v := min(*f.get(&baseline), m)
		if requested != nil {
			if r := *f.get(requested); r != 0 {
				if r > m {
					return Capabilities{}, &LimitExceededError{Limit: f.name, Requested: r, Max: m}
				}
				v = r
			}
		}
		*f.get(&out) = v
	}
	return out, nil
}
