package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// DeviceOption configures a Device during acquisition.
// Use functional options to customize device behavior.
//
// Example:
//
//	// Baseline limits, no timeout
//	dev, err := dispatch.AcquireDevice(adapter)
//
//	// Larger workgroups and a per-submission timeout
//	dev, err := dispatch.AcquireDevice(adapter,
//		dispatch.WithRequestedLimits(dispatch.Capabilities{MaxWorkgroupSizeX: 1024}),
//		dispatch.WithSubmitTimeout(2*time.Second))
type DeviceOption func(*deviceOptions)

// deviceOptions holds optional configuration for device acquisition.
type deviceOptions struct {
	requested      *Capabilities
	submitTimeout  time.Duration
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	label          string
}

// defaultDeviceOptions returns the default device options.
func defaultDeviceOptions() deviceOptions {
	return deviceOptions{
		submitTimeout: 0, // no timeout
		label:         "device",
	}
}

// WithRequestedLimits requests device limits above the baseline.
// Zero fields keep the default negotiation for that limit. Acquisition
// fails with a *LimitExceededError when a requested limit is above the
// adapter maximum.
func WithRequestedLimits(c Capabilities) DeviceOption {
	return func(o *deviceOptions) {
		o.requested = &c
	}
}

// WithSubmitTimeout bounds the execution time of each submission.
// A submission running longer resolves with a Timeout fault.
// Zero disables the timeout.
func WithSubmitTimeout(d time.Duration) DeviceOption {
	return func(o *deviceOptions) {
		o.submitTimeout = d
	}
}

// WithMetrics exports queue metrics through reg.
func WithMetrics(reg prometheus.Registerer) DeviceOption {
	return func(o *deviceOptions) {
		o.registerer = reg
	}
}

// WithTracerProvider sets the provider of the spans recorded around each
// execution. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) DeviceOption {
	return func(o *deviceOptions) {
		o.tracerProvider = tp
	}
}

// WithLabel sets the device label used in logs and metrics.
func WithLabel(label string) DeviceOption {
	return func(o *deviceOptions) {
		if label != "" {
			o.label = label
		}
	}
}
