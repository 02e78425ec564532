package software

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/dispatch/kernel"
)

func openDriver(t *testing.T, opts ...Option) *Driver {
	t.Helper()
	a := NewAdapter(opts...)
	limits, err := a.Limits()
	if err != nil {
		t.Fatalf("Limits() error = %v", err)
	}
	drv, err := a.Open(limits)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(drv.Close)
	return drv.(*Driver)
}

func TestAdapterDefaults(t *testing.T) {
	a := NewAdapter()
	if !a.SupportsCompute() {
		t.Error("SupportsCompute() = false")
	}
	info := a.Info()
	if info.Backend != "software" || info.DeviceType != "cpu" {
		t.Errorf("Info() = %+v", info)
	}
	limits, _ := a.Limits()
	if limits.MaxComputeWorkgroupSizeX != DefaultMaxWorkgroupSizeXY ||
		limits.MaxComputeInvocationsPerWorkgroup != DefaultMaxInvocations {
		t.Errorf("Limits() = %+v", limits)
	}

	limited := NewAdapter(WithWorkgroupLimits(256, 256, 64, 256), WithMaxWorkgroups(100), WithoutCompute())
	limits, _ = limited.Limits()
	if limits.MaxComputeWorkgroupSizeX != 256 || limits.MaxComputeWorkgroupsPerDimension != 100 {
		t.Errorf("Limits() = %+v", limits)
	}
	if limited.SupportsCompute() {
		t.Error("WithoutCompute adapter reports compute support")
	}
}

func TestDriverBufferRoundTrip(t *testing.T) {
	d := openDriver(t)
	ctx := context.Background()

	if err := d.CreateBuffer(1, &gpucore.BufferDesc{Size: 16, Usage: gpucore.UsageStorage}); err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	if err := d.WriteBuffer(1, 4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}
	got, err := d.ReadBuffer(ctx, 1, 0, 8)
	if err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	want := []byte{0, 0, 0, 0, 1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadBuffer() = %v, want %v", got, want)
		}
	}

	if err := d.WriteBuffer(1, 14, []byte{1, 2, 3}); !errors.Is(err, gpucore.ErrValidation) {
		t.Errorf("WriteBuffer(out of range) error = %v", err)
	}
	if _, err := d.ReadBuffer(ctx, 9, 0, 1); !errors.Is(err, gpucore.ErrUnknownResource) {
		t.Errorf("ReadBuffer(unknown) error = %v", err)
	}
}

func setupDouble(t *testing.T, d *Driver, n int, fn KernelFunc) {
	t.Helper()
	if err := d.CreateBuffer(1, &gpucore.BufferDesc{Size: uint64(n * 4), Usage: gpucore.UsageStorage}); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, n*4)
	for i := range n {
		StoreU32(data, i, uint32(i))
	}
	if err := d.WriteBuffer(1, 0, data); err != nil {
		t.Fatal(err)
	}
	err := d.CreateBindGroup(1, &gpucore.BindGroupDesc{
		Layout:  []gpucore.LayoutEntry{{Binding: 0, Type: gpucore.SlotStorage, Arity: 1}},
		Entries: []gpucore.BindGroupEntry{{Binding: 0, Buffers: []gpucore.BufferID{1}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = d.CreatePipeline(1, &gpucore.PipelineDesc{
		EntryPoint: "main",
		Program:    gpucore.Program{Host: fn},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func doubleCommands(size, count uint32) []gpucore.Command {
	return []gpucore.Command{
		{Kind: gpucore.CommandBindPipeline, Pipeline: 1},
		{Kind: gpucore.CommandBindGroup, Slot: 0, Group: 1},
		{Kind: gpucore.CommandDispatch, WorkgroupSize: [3]uint32{size, 1, 1}, WorkgroupCount: [3]uint32{count, 1, 1}},
		{Kind: gpucore.CommandBarrier},
	}
}

func TestDriverExecute(t *testing.T) {
	const n = 1000
	d := openDriver(t, WithWorkers(4))
	setupDouble(t, d, n, func(inv Invocation, b Bindings) {
		i := int(inv.GlobalID[0])
		buf := b.Buffer(0, 0)
		if i >= len(buf)/4 {
			return
		}
		StoreU32(buf, i, LoadU32(buf, i)*2)
	})

	if err := d.Execute(context.Background(), "double", doubleCommands(64, 16)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	out, err := d.ReadBuffer(context.Background(), 1, 0, n*4)
	if err != nil {
		t.Fatal(err)
	}
	for i := range n {
		if got := LoadU32(out, i); got != uint32(2*i) {
			t.Fatalf("out[%d] = %d, want %d", i, got, 2*i)
		}
	}
}

func TestDriverExecuteInvocationIDs(t *testing.T) {
	d := openDriver(t)
	seen := make(chan Invocation, 64)
	setupDouble(t, d, 4, func(inv Invocation, _ Bindings) { seen <- inv })

	cmds := []gpucore.Command{
		{Kind: gpucore.CommandBindPipeline, Pipeline: 1},
		{Kind: gpucore.CommandDispatch, WorkgroupSize: [3]uint32{2, 2, 1}, WorkgroupCount: [3]uint32{2, 1, 3}},
	}
	if err := d.Execute(context.Background(), "ids", cmds); err != nil {
		t.Fatal(err)
	}
	close(seen)

	count := 0
	for inv := range seen {
		count++
		for axis := range 3 {
			want := inv.WorkgroupID[axis]*inv.WorkgroupSize[axis] + inv.LocalID[axis]
			if inv.GlobalID[axis] != want {
				t.Errorf("GlobalID = %v for %+v", inv.GlobalID, inv)
			}
		}
		if inv.LocalIndex != inv.LocalID[1]*2+inv.LocalID[0] {
			t.Errorf("LocalIndex = %d for LocalID %v", inv.LocalIndex, inv.LocalID)
		}
	}
	if count != 2*2*2*3 {
		t.Errorf("invocations = %d, want 24", count)
	}
}

func TestDriverExecuteFaults(t *testing.T) {
	t.Run("kernel panic", func(t *testing.T) {
		d := openDriver(t)
		setupDouble(t, d, 4, func(Invocation, Bindings) { panic("boom") })
		err := d.Execute(context.Background(), "panic", doubleCommands(1, 1))
		if !errors.Is(err, gpucore.ErrValidation) {
			t.Errorf("Execute() error = %v, want ErrValidation", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		d := openDriver(t)
		release := make(chan struct{})
		var finished atomic.Bool
		setupDouble(t, d, 4, func(Invocation, Bindings) {
			<-release
			finished.Store(true)
		})
		time.AfterFunc(60*time.Millisecond, func() { close(release) })

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := d.Execute(ctx, "stuck", doubleCommands(1, 1))
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Execute() error = %v, want DeadlineExceeded", err)
		}
		if !finished.Load() {
			t.Error("Execute() returned while a workgroup was still running")
		}
	})

	t.Run("lost", func(t *testing.T) {
		d := openDriver(t)
		setupDouble(t, d, 4, func(Invocation, Bindings) {})
		d.Lose()
		err := d.Execute(context.Background(), "lost", doubleCommands(1, 1))
		if !errors.Is(err, gpucore.ErrDeviceLost) {
			t.Errorf("Execute() error = %v, want ErrDeviceLost", err)
		}
	})

	t.Run("fail next", func(t *testing.T) {
		d := openDriver(t)
		setupDouble(t, d, 4, func(Invocation, Bindings) {})
		injected := errors.New("injected")
		d.FailNext(injected)
		if err := d.Execute(context.Background(), "a", doubleCommands(1, 1)); !errors.Is(err, injected) {
			t.Errorf("first Execute() error = %v, want injected", err)
		}
		if err := d.Execute(context.Background(), "b", doubleCommands(1, 1)); err != nil {
			t.Errorf("second Execute() error = %v", err)
		}
	})

	t.Run("missing host function", func(t *testing.T) {
		d := openDriver(t)
		err := d.CreatePipeline(2, &gpucore.PipelineDesc{
			EntryPoint: "other",
			Program:    gpucore.Program{Host: map[string]KernelFunc{"main": func(Invocation, Bindings) {}}},
		})
		if !errors.Is(err, gpucore.ErrValidation) {
			t.Errorf("CreatePipeline() error = %v, want ErrValidation", err)
		}
	})
}

func TestDriverClosed(t *testing.T) {
	d := openDriver(t)
	d.Close()
	if err := d.CreateBuffer(1, &gpucore.BufferDesc{Size: 4, Usage: gpucore.UsageStorage}); !errors.Is(err, gpucore.ErrDriverClosed) {
		t.Errorf("CreateBuffer() after Close error = %v", err)
	}
}

func TestHostOptions(t *testing.T) {
	var calls atomic.Int32
	fn := func(Invocation, Bindings) { calls.Add(1) }

	single, err := kernel.New("single", kernel.WithEntryPoint("main"), Host(fn))
	if err != nil {
		t.Fatalf("kernel.New() error = %v", err)
	}
	got, err := resolveKernel(single.Program().Host, "main")
	if err != nil {
		t.Fatalf("resolveKernel(Host) error = %v", err)
	}
	got(Invocation{}, Bindings{})
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	multi, err := kernel.New("multi",
		kernel.WithEntryPoint("a"),
		kernel.WithEntryPoint("b"),
		HostEntries(map[string]KernelFunc{"a": fn}),
	)
	if err != nil {
		t.Fatalf("kernel.New() error = %v", err)
	}
	if _, err := resolveKernel(multi.Program().Host, "a"); err != nil {
		t.Errorf("resolveKernel(a) error = %v", err)
	}
	if _, err := resolveKernel(multi.Program().Host, "b"); err == nil {
		t.Error("resolveKernel(b) must fail without a host function")
	}

	drv := openDriver(t)
	wrong, err := kernel.New("wrong", kernel.WithEntryPoint("main"), kernel.WithHost(func() {}))
	if err != nil {
		t.Fatalf("kernel.New() error = %v", err)
	}
	err = drv.CreatePipeline(1, &gpucore.PipelineDesc{Label: "wrong", Program: wrong.Program(), EntryPoint: "main"})
	if !errors.Is(err, gpucore.ErrValidation) {
		t.Errorf("CreatePipeline(func()) error = %v, want ErrValidation", err)
	}
}
