package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gogpu/dispatch/backend/software"
	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/dispatch/kernel"
)

const testTimeout = 5 * time.Second

// newTestDevice acquires a device on a fresh software adapter. The device
// is drained and released at cleanup.
func newTestDevice(t *testing.T, opts ...DeviceOption) (*Device, *software.Driver) {
	t.Helper()
	return newTestDeviceOn(t, software.NewAdapter(), opts...)
}

func newTestDeviceOn(t *testing.T, adapter gpucore.Adapter, opts ...DeviceOption) (*Device, *software.Driver) {
	t.Helper()
	dev, err := AcquireDevice(adapter, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := dev.WaitIdle(ctx); err != nil {
			t.Errorf("WaitIdle() at cleanup = %v", err)
			return
		}
		dev.Release()
	})
	return dev, dev.Driver().(*software.Driver)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// hostKernel builds a single-slot storage kernel with entry point "main".
func hostKernel(t *testing.T, label string, fn software.KernelFunc) *kernel.Kernel {
	t.Helper()
	k, err := kernel.New(label,
		kernel.WithEntryPoint("main"),
		kernel.WithSlot(0, 0, gpucore.SlotStorage, 1),
		kernel.WithHost(fn),
	)
	require.NoError(t, err)
	return k
}

// doubleKernel doubles every uint32 of the buffer at 0:0.
func doubleKernel(t *testing.T) *kernel.Kernel {
	return hostKernel(t, "double", func(inv software.Invocation, b software.Bindings) {
		buf := b.Buffer(0, 0)
		i := int(inv.GlobalID[0])
		if i < len(buf)/4 {
			software.StoreU32(buf, i, software.LoadU32(buf, i)*2)
		}
	})
}

// incrementKernel adds one to every uint32 of the buffer at 0:0.
func incrementKernel(t *testing.T) *kernel.Kernel {
	return hostKernel(t, "increment", func(inv software.Invocation, b software.Bindings) {
		buf := b.Buffer(0, 0)
		i := int(inv.GlobalID[0])
		if i < len(buf)/4 {
			software.StoreU32(buf, i, software.LoadU32(buf, i)+1)
		}
	})
}

// gateKernel blocks every invocation until gate is closed.
func gateKernel(t *testing.T, gate <-chan struct{}) *kernel.Kernel {
	return hostKernel(t, "gate", func(software.Invocation, software.Bindings) {
		<-gate
	})
}

// storageSetup is one storage buffer bound at group 0 of a pipeline.
type storageSetup struct {
	buffer   gpucore.BufferID
	group    gpucore.BindGroupID
	pipeline *Pipeline
	n        int
}

func setupStorage(t *testing.T, dev *Device, k *kernel.Kernel, values []uint32) storageSetup {
	t.Helper()
	size := uint64(len(values) * 4)
	buf, err := dev.CreateBuffer(size, gpucore.UsageStorage)
	require.NoError(t, err)
	require.NoError(t, dev.WriteBuffer(buf, 0, u32Bytes(values)))

	layout := NewBindingLayout(StorageSlot())
	group, err := dev.CreateBindingGroup(layout, Bind(0, buf))
	require.NoError(t, err)

	pipe, err := dev.BuildPipeline(k, NewPipelineLayout(layout), "main")
	require.NoError(t, err)
	return storageSetup{buffer: buf, group: group, pipeline: pipe, n: len(values)}
}

// record encodes one dispatch covering every value.
func (s storageSetup) record(t *testing.T, dev *Device, label string) *CommandBuffer {
	t.Helper()
	enc := dev.BeginEncoding(label)
	require.NoError(t, enc.BindPipeline(s.pipeline))
	require.NoError(t, enc.BindGroup(0, s.group))
	_, err := enc.DispatchWork([3]uint32{uint32(s.n), 1, 1})
	require.NoError(t, err)
	cb, err := enc.Finish()
	require.NoError(t, err)
	return cb
}

func (s storageSetup) read(t *testing.T, dev *Device) []uint32 {
	t.Helper()
	data, err := dev.ReadBuffer(testContext(t), s.buffer, 0, uint64(s.n*4))
	require.NoError(t, err)
	return bytesU32(data)
}

func u32Bytes(values []uint32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		software.StoreU32(out, i, v)
	}
	return out
}

func bytesU32(data []byte) []uint32 {
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = software.LoadU32(data, i)
	}
	return out
}

func sequence(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i)
	}
	return out
}

// recoverError runs fn and returns the error it panicked with.
func recoverError(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		e, ok := r.(error)
		if !ok {
			err = errors.New("panic with non-error value")
			return
		}
		err = e
	}()
	fn()
	return nil
}
