package software

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/dispatch/internal/parallel"
	"github.com/gogpu/gputypes"
)

type buffer struct {
	data  []byte
	usage gpucore.Usage
}

type bindGroup struct {
	// slots maps a binding index to its buffers, in array order.
	slots map[uint32][]gpucore.BufferID
}

type pipeline struct {
	fn    KernelFunc
	entry string
}

// Driver is an opened software device.
type Driver struct {
	limits gputypes.Limits
	pool   *parallel.WorkerPool

	mu        sync.RWMutex
	buffers   map[gpucore.BufferID]*buffer
	groups    map[gpucore.BindGroupID]*bindGroup
	pipelines map[gpucore.PipelineID]*pipeline

	// exec serializes Execute calls: the device has a single hardware queue.
	exec chan struct{}

	lost     atomic.Bool
	closed   atomic.Bool
	failNext atomic.Pointer[error]
}

func newDriver(limits gputypes.Limits, workers int) *Driver {
	return &Driver{
		limits:    limits,
		pool:      parallel.NewWorkerPool(workers),
		buffers:   make(map[gpucore.BufferID]*buffer),
		groups:    make(map[gpucore.BindGroupID]*bindGroup),
		pipelines: make(map[gpucore.PipelineID]*pipeline),
		exec:      make(chan struct{}, 1),
	}
}

// Lose marks the device lost. Every later Execute fails with
// gpucore.ErrDeviceLost.
func (d *Driver) Lose() {
	if d.lost.CompareAndSwap(false, true) {
		logger().Warn("software: device lost")
	}
}

// FailNext makes the next Execute return err without running anything.
func (d *Driver) FailNext(err error) {
	d.failNext.Store(&err)
}

func (d *Driver) check() error {
	if d.closed.Load() {
		return gpucore.ErrDriverClosed
	}
	if d.lost.Load() {
		return gpucore.ErrDeviceLost
	}
	return nil
}

// CreateBuffer allocates a zero-filled buffer.
func (d *Driver) CreateBuffer(id gpucore.BufferID, desc *gpucore.BufferDesc) error {
	if err := d.check(); err != nil {
		return err
	}
	if desc.Size == 0 || desc.Size > d.limits.MaxBufferSize {
		return fmt.Errorf("%w: buffer size %d", gpucore.ErrValidation, desc.Size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers[id] = &buffer{data: make([]byte, desc.Size), usage: desc.Usage}
	return nil
}

// DestroyBuffer releases a buffer.
func (d *Driver) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	delete(d.buffers, id)
	d.mu.Unlock()
}

func (d *Driver) buffer(id gpucore.BufferID) (*buffer, error) {
	d.mu.RLock()
	b, ok := d.buffers[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, id)
	}
	return b, nil
}

// WriteBuffer copies data into a buffer.
func (d *Driver) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	if err := d.check(); err != nil {
		return err
	}
	b, err := d.buffer(id)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("%w: write [%d, %d) beyond buffer size %d",
			gpucore.ErrValidation, offset, offset+uint64(len(data)), len(b.data))
	}
	copy(b.data[offset:], data)
	return nil
}

// ReadBuffer copies bytes out of a buffer.
func (d *Driver) ReadBuffer(ctx context.Context, id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.check(); err != nil {
		return nil, err
	}
	b, err := d.buffer(id)
	if err != nil {
		return nil, err
	}
	if offset+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("%w: read [%d, %d) beyond buffer size %d",
			gpucore.ErrValidation, offset, offset+size, len(b.data))
	}
	out := make([]byte, size)
	copy(out, b.data[offset:offset+size])
	return out, nil
}

// CreateBindGroup records the buffers bound per slot.
func (d *Driver) CreateBindGroup(id gpucore.BindGroupID, desc *gpucore.BindGroupDesc) error {
	if err := d.check(); err != nil {
		return err
	}
	g := &bindGroup{slots: make(map[uint32][]gpucore.BufferID, len(desc.Entries))}
	for _, e := range desc.Entries {
		for _, bid := range e.Buffers {
			if _, err := d.buffer(bid); err != nil {
				return err
			}
		}
		g.slots[e.Binding] = append([]gpucore.BufferID(nil), e.Buffers...)
	}

	d.mu.Lock()
	d.groups[id] = g
	d.mu.Unlock()
	return nil
}

// DestroyBindGroup releases a binding group.
func (d *Driver) DestroyBindGroup(id gpucore.BindGroupID) {
	d.mu.Lock()
	delete(d.groups, id)
	d.mu.Unlock()
}

// CreatePipeline resolves the host function of the entry point.
func (d *Driver) CreatePipeline(id gpucore.PipelineID, desc *gpucore.PipelineDesc) error {
	if err := d.check(); err != nil {
		return err
	}
	fn, err := resolveKernel(desc.Program.Host, desc.EntryPoint)
	if err != nil {
		return fmt.Errorf("%w: pipeline %q: %w", gpucore.ErrValidation, desc.Label, err)
	}

	d.mu.Lock()
	d.pipelines[id] = &pipeline{fn: fn, entry: desc.EntryPoint}
	d.mu.Unlock()
	return nil
}

// DestroyPipeline releases a pipeline.
func (d *Driver) DestroyPipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	delete(d.pipelines, id)
	d.mu.Unlock()
}

// Execute runs commands in order. It returns ctx.Err() when ctx is done
// before the commands complete; workgroups not yet started are skipped and
// Execute returns once the running ones have finished.
func (d *Driver) Execute(ctx context.Context, label string, commands []gpucore.Command) error {
	if err := d.check(); err != nil {
		return err
	}
	if p := d.failNext.Swap(nil); p != nil {
		return *p
	}

	select {
	case d.exec <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	result := make(chan error, 1)
	go func() {
		defer func() { <-d.exec }()
		result <- d.run(ctx, commands)
	}()

	select {
	case err := <-result:
		if err != nil {
			logger().Debug("software: execute failed", "label", label, "err", err)
		}
		return err
	case <-ctx.Done():
		// Workgroups already running finish; the rest are skipped. The
		// buffers stay owned by this call until then.
		<-result
		logger().Debug("software: execute abandoned", "label", label, "err", ctx.Err())
		return ctx.Err()
	}
}

func (d *Driver) run(ctx context.Context, commands []gpucore.Command) error {
	var (
		active *pipeline
		bound  = make(map[uint32]*bindGroup)
	)

	for i, cmd := range commands {
		if err := d.check(); err != nil {
			return err
		}

		switch cmd.Kind {
		case gpucore.CommandBindPipeline:
			d.mu.RLock()
			p, ok := d.pipelines[cmd.Pipeline]
			d.mu.RUnlock()
			if !ok {
				return fmt.Errorf("%w: command %d: pipeline %d", gpucore.ErrUnknownResource, i, cmd.Pipeline)
			}
			active = p

		case gpucore.CommandBindGroup:
			d.mu.RLock()
			g, ok := d.groups[cmd.Group]
			d.mu.RUnlock()
			if !ok {
				return fmt.Errorf("%w: command %d: bind group %d", gpucore.ErrUnknownResource, i, cmd.Group)
			}
			bound[cmd.Slot] = g

		case gpucore.CommandDispatch:
			if active == nil {
				return fmt.Errorf("%w: command %d: dispatch without pipeline", gpucore.ErrValidation, i)
			}
			bindings, err := d.bindings(bound)
			if err != nil {
				return err
			}
			if err := d.dispatch(ctx, active, bindings, cmd.WorkgroupSize, cmd.WorkgroupCount); err != nil {
				return err
			}

		case gpucore.CommandBarrier:
			// Dispatches run to completion one after another.

		default:
			return fmt.Errorf("%w: command %d: unknown kind %v", gpucore.ErrValidation, i, cmd.Kind)
		}
	}
	return nil
}

func (d *Driver) bindings(bound map[uint32]*bindGroup) (Bindings, error) {
	b := Bindings{groups: make(map[uint32]map[uint32][][]byte, len(bound))}
	for slot, g := range bound {
		m := make(map[uint32][][]byte, len(g.slots))
		for binding, ids := range g.slots {
			bufs := make([][]byte, len(ids))
			for i, id := range ids {
				buf, err := d.buffer(id)
				if err != nil {
					return Bindings{}, err
				}
				bufs[i] = buf.data
			}
			m[binding] = bufs
		}
		b.groups[slot] = m
	}
	return b, nil
}

func (d *Driver) dispatch(ctx context.Context, p *pipeline, b Bindings, size, count [3]uint32) error {
	groups := int(count[0]) * int(count[1]) * int(count[2])
	err := d.pool.Run(ctx, groups, func(g int) {
		wg := [3]uint32{
			uint32(g) % count[0],
			uint32(g) / count[0] % count[1],
			uint32(g) / (count[0] * count[1]),
		}
		inv := Invocation{WorkgroupID: wg, WorkgroupSize: size, WorkgroupCount: count}
		var local uint32
		for z := range size[2] {
			for y := range size[1] {
				for x := range size[0] {
					inv.LocalID = [3]uint32{x, y, z}
					inv.LocalIndex = local
					inv.GlobalID = [3]uint32{
						wg[0]*size[0] + x,
						wg[1]*size[1] + y,
						wg[2]*size[2] + z,
					}
					p.fn(inv, b)
					local++
				}
			}
		}
	})

	var pe *parallel.PanicError
	if errors.As(err, &pe) {
		return fmt.Errorf("%w: kernel %q: workgroup %d: %v", gpucore.ErrValidation, p.entry, pe.Index, pe.Value)
	}
	return err
}

// Close releases the device.
func (d *Driver) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	// Wait for a running Execute before stopping the pool.
	d.exec <- struct{}{}
	d.pool.Close()

	d.mu.Lock()
	clear(d.buffers)
	clear(d.groups)
	clear(d.pipelines)
	d.mu.Unlock()
}
