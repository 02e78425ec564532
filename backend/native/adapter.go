//go:build !nogpu

package native

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/dispatch/backend"
	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan" // register the Vulkan HAL backend
)

// Adapter errors.
var (
	// ErrNoGPU is returned when no GPU adapter is available.
	ErrNoGPU = errors.New("native: no GPU adapter available")

	// ErrAdapterOpened is returned when an adapter is opened twice.
	ErrAdapterOpened = errors.New("native: adapter already opened")

	// ErrProvider is returned when a device provider does not expose HAL objects.
	ErrProvider = errors.New("native: provider does not expose HAL types")
)

func init() {
	backend.Register(backend.Native, func() (gpucore.Adapter, error) {
		return NewAdapter()
	})
}

// Adapter is a wgpu/hal adapter. It can be opened once; the resulting
// driver owns the HAL instance and device.
type Adapter struct {
	mu       sync.Mutex
	instance hal.Instance
	exposed  hal.Adapter
	info     gpucore.AdapterInfo
	limits   gputypes.Limits
	opened   bool

	// Shared device from a provider.
	external bool
	device   hal.Device
	queue    hal.Queue
}

// NewAdapter creates a Vulkan instance and selects a GPU adapter,
// preferring discrete and integrated GPUs.
func NewAdapter() (*Adapter, error) {
	halBackend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", ErrNoGPU)
	}
	instance, err := halBackend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", ErrNoGPU, err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoGPU
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	devType := "other"
	switch selected.Info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		devType = "discrete"
	case gputypes.DeviceTypeIntegratedGPU:
		devType = "integrated"
	}

	return &Adapter{
		instance: instance,
		exposed:  selected.Adapter,
		info: gpucore.AdapterInfo{
			Name:       selected.Info.Name,
			Backend:    backend.Native,
			DeviceType: devType,
		},
		limits: gputypes.DefaultLimits(),
	}, nil
}

// AdapterFromProvider wraps the device of a host application. The provider
// must implement HalDevice() any and HalQueue() any returning hal.Device
// and hal.Queue. If limits is nil, gputypes.DefaultLimits() is assumed.
// The shared device is never destroyed by the driver.
func AdapterFromProvider(provider gpucontext.DeviceProvider, limits *gputypes.Limits) (*Adapter, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrProvider)
	}

	lim := gputypes.DefaultLimits()
	if limits != nil {
		lim = *limits
	}
	return &Adapter{
		external: true,
		device:   device,
		queue:    queue,
		info:     gpucore.AdapterInfo{Name: "shared device", Backend: backend.Native, DeviceType: "external"},
		limits:   lim,
	}, nil
}

// Info returns identifying information about the adapter.
func (a *Adapter) Info() gpucore.AdapterInfo { return a.info }

// SupportsCompute reports compute support. Every HAL adapter exposes
// compute queues.
func (a *Adapter) SupportsCompute() bool { return true }

// Limits returns the adapter limits.
func (a *Adapter) Limits() (gputypes.Limits, error) { return a.limits, nil }

// Open opens the logical device with the negotiated limits.
func (a *Adapter) Open(limits gputypes.Limits) (gpucore.Driver, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.opened {
		return nil, ErrAdapterOpened
	}

	if a.external {
		a.opened = true
		logger().Info("native: using shared device")
		return newDriver(a.device, a.queue, nil, true, limits), nil
	}

	openDev, err := a.exposed.Open(gputypes.Features(0), limits)
	if err != nil {
		return nil, fmt.Errorf("native: open device: %w", err)
	}
	a.opened = true
	logger().Info("native: device opened", "adapter", a.info.Name, "type", a.info.DeviceType)
	return newDriver(openDev.Device, openDev.Queue, a.instance, false, limits), nil
}

// Close destroys the HAL instance of an adapter that was never opened.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened && a.instance != nil {
		a.instance.Destroy()
		a.instance = nil
	}
}

// SetLogger sets the logger of the native backend.
func (a *Adapter) SetLogger(l *slog.Logger) {
	setLogger(l)
}
