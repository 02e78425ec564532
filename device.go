package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/dispatch/internal/metrics"
	"github.com/gogpu/gputypes"
)

const tracerName = "github.com/gogpu/dispatch"

// DefaultQueueLabel is the label of the queue every device starts with.
const DefaultQueueLabel = "default"

// Device is an acquired compute device. It owns the negotiated
// capabilities, the resource table and the queues.
//
// Thread safety: Device is safe for concurrent use.
type Device struct {
	id      uuid.UUID
	label   string
	adapter gpucore.Adapter
	driver  gpucore.Driver
	caps    Capabilities
	limits  gputypes.Limits
	opts    deviceOptions

	resources *ResourceTable
	metrics   *metrics.Collector
	tracer    trace.Tracer

	mu       sync.Mutex
	queue    *Queue
	queues   []*Queue
	released atomic.Bool
	lost     atomic.Bool
}

// AcquireDevice opens a device on adapter.
//
// Without WithRequestedLimits each limit is the lower of the WebGPU
// baseline and the adapter maximum. Requested limits are checked against
// the adapter maximum in a fixed order; the first one above it fails with
// *LimitExceededError.
func AcquireDevice(adapter gpucore.Adapter, opts ...DeviceOption) (*Device, error) {
	o := defaultDeviceOptions()
	for _, opt := range opts {
		opt(&o)
	}

	adapterMax, err := QueryCapabilities(adapter)
	if err != nil {
		return nil, err
	}
	caps, err := negotiate(adapterMax, o.requested)
	if err != nil {
		return nil, err
	}
	adapterLimits, err := adapter.Limits()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedAdapter, err)
	}
	limits := caps.applyTo(adapterLimits)

	col, err := metrics.New(o.registerer, o.label)
	if err != nil {
		return nil, fmt.Errorf("dispatch: register metrics: %w", err)
	}

	propagateLogger(adapter, Logger())
	driver, err := adapter.Open(limits)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open %s: %w", adapter.Info().Name, err)
	}

	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	d := &Device{
		id:      uuid.New(),
		label:   o.label,
		adapter: adapter,
		driver:  driver,
		caps:    caps,
		limits:  limits,
		opts:    o,
		metrics: col,
		tracer:  tp.Tracer(tracerName),
	}
	d.resources = newResourceTable(d)
	d.queue = newQueue(d, DefaultQueueLabel)
	d.queues = []*Queue{d.queue}
	trackDevice(d)

	Logger().Info("dispatch: device acquired",
		"device", d.label, "id", d.id.String(), "adapter", adapter.Info().Name, "caps", caps.String())
	return d, nil
}

// ID returns the unique device identity.
func (d *Device) ID() uuid.UUID { return d.id }

// Label returns the device label.
func (d *Device) Label() string { return d.label }

// Capabilities returns the negotiated capabilities.
func (d *Device) Capabilities() Capabilities { return d.caps }

// Adapter returns the adapter the device was opened on.
func (d *Device) Adapter() gpucore.Adapter { return d.adapter }

// Driver returns the opened driver.
func (d *Device) Driver() gpucore.Driver { return d.driver }

// Resources returns the resource table.
func (d *Device) Resources() *ResourceTable { return d.resources }

// Queue returns the default queue.
func (d *Device) Queue() *Queue { return d.queue }

// Lost reports whether the device was lost. Submissions to a lost device
// resolve with a DeviceLost fault without reaching the driver.
func (d *Device) Lost() bool { return d.lost.Load() }

// Released reports whether Release was called.
func (d *Device) Released() bool { return d.released.Load() }

func (d *Device) checkLive() error {
	if d.released.Load() {
		return ErrDeviceReleased
	}
	return nil
}

func (d *Device) markLost(err error) {
	if d.lost.CompareAndSwap(false, true) {
		Logger().Warn("dispatch: device lost", "device", d.label, "id", d.id.String(), "err", err)
	}
}

// CreateQueue adds a queue. Queues execute independently of each other.
func (d *Device) CreateQueue(label string) (*Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released.Load() {
		return nil, ErrDeviceReleased
	}
	q := newQueue(d, label)
	d.queues = append(d.queues, q)
	return q, nil
}

// Queues returns all queues, the default queue first.
func (d *Device) Queues() []*Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Queue(nil), d.queues...)
}

// Submit submits cb on the default queue.
func (d *Device) Submit(cb *CommandBuffer) (*Completion, error) {
	return d.queue.Submit(cb)
}

// CreateBuffer allocates a zero-filled buffer.
func (d *Device) CreateBuffer(size uint64, usage gpucore.Usage) (gpucore.BufferID, error) {
	return d.resources.CreateBuffer(size, usage)
}

// CreateBindingGroup binds buffers to the slots of layout.
func (d *Device) CreateBindingGroup(layout *BindingLayout, bindings ...Binding) (gpucore.BindGroupID, error) {
	return d.resources.CreateBindingGroup(layout, bindings)
}

// ReleaseBuffer releases a buffer.
func (d *Device) ReleaseBuffer(id gpucore.BufferID) error {
	return d.resources.ReleaseBuffer(id)
}

// ReleaseBindingGroup releases a binding group.
func (d *Device) ReleaseBindingGroup(id gpucore.BindGroupID) error {
	return d.resources.ReleaseBindingGroup(id)
}

// WriteBuffer copies data into a buffer at offset.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	return d.resources.WriteBuffer(id, offset, data)
}

// ReadBuffer copies size bytes starting at offset out of a buffer.
func (d *Device) ReadBuffer(ctx context.Context, id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	return d.resources.ReadBuffer(ctx, id, offset, size)
}

// WaitIdle blocks until every submission made before the call has resolved
// on every queue, or ctx is done. Faults do not make WaitIdle fail.
func (d *Device) WaitIdle(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range d.Queues() {
		last := q.lastCompletion()
		if last == nil {
			continue
		}
		g.Go(func() error {
			select {
			case <-last.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// Release destroys the device and every resource it still owns. Release
// panics with an error matching ErrDeviceBusy when a submission on any
// queue is unresolved; call WaitIdle first. WriteBuffer and ReadBuffer
// calls in progress finish before resources are destroyed; later ones fail
// with ErrDeviceReleased. Releasing twice is a no-op.
func (d *Device) Release() {
	d.mu.Lock()
	if d.released.Load() {
		d.mu.Unlock()
		return
	}
	for _, q := range d.queues {
		q.mu.Lock()
	}
	for _, q := range d.queues {
		if q.inFlight > 0 {
			n := q.inFlight
			for _, q := range d.queues {
				q.mu.Unlock()
			}
			d.mu.Unlock()
			panic(fmt.Errorf("%w: %d submissions unresolved on queue %s", ErrDeviceBusy, n, q.label))
		}
	}
	for _, q := range d.queues {
		q.close()
		q.mu.Unlock()
	}
	d.released.Store(true)
	queues := d.queues
	d.mu.Unlock()

	for _, q := range queues {
		<-q.exited
	}
	d.resources.destroyAll()
	d.driver.Close()
	untrackDevice(d)

	Logger().Info("dispatch: device released", "device", d.label, "id", d.id.String())
}
