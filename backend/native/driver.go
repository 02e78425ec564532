//go:build !nogpu

package native

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/dispatch/gpucore"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// fencePoll bounds a single fence wait so that a done context is noticed.
const fencePoll = 100 * time.Millisecond

// drainTimeout bounds the wait for work abandoned by a done context.
// Work still running after it loses the device.
const drainTimeout = 30 * time.Second

type halBuffer struct {
	buf   hal.Buffer
	size  uint64 // requested size
	alloc uint64 // allocated size, 4-byte aligned
	usage gpucore.Usage
}

type halGroup struct {
	group  hal.BindGroup
	layout hal.BindGroupLayout
}

type halPipeline struct {
	module     hal.ShaderModule
	groups     []hal.BindGroupLayout
	layout     hal.PipelineLayout
	pipeline   hal.ComputePipeline
	entryPoint string
}

// Driver is an opened HAL device.
type Driver struct {
	device   hal.Device
	queue    hal.Queue
	instance hal.Instance
	external bool
	limits   gputypes.Limits

	mu        sync.RWMutex
	buffers   map[gpucore.BufferID]*halBuffer
	groups    map[gpucore.BindGroupID]*halGroup
	pipelines map[gpucore.PipelineID]*halPipeline

	// submitMu serializes queue submissions.
	submitMu sync.Mutex

	lost   atomic.Bool
	closed atomic.Bool
}

func newDriver(device hal.Device, queue hal.Queue, instance hal.Instance, external bool, limits gputypes.Limits) *Driver {
	return &Driver{
		device:    device,
		queue:     queue,
		instance:  instance,
		external:  external,
		limits:    limits,
		buffers:   make(map[gpucore.BufferID]*halBuffer),
		groups:    make(map[gpucore.BindGroupID]*halGroup),
		pipelines: make(map[gpucore.PipelineID]*halPipeline),
	}
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
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

func (d *Driver) markLost(err error) error {
	if d.lost.CompareAndSwap(false, true) {
		logger().Warn("native: device lost", "err", err)
	}
	return fmt.Errorf("%w: %w", gpucore.ErrDeviceLost, err)
}

// CreateBuffer allocates a buffer. Sizes are rounded up to 4 bytes.
func (d *Driver) CreateBuffer(id gpucore.BufferID, desc *gpucore.BufferDesc) error {
	if err := d.check(); err != nil {
		return err
	}
	alloc := align4(desc.Size)
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  alloc,
		Usage: desc.Usage.Flags(),
	})
	if err != nil {
		return fmt.Errorf("%w: create buffer: %w", gpucore.ErrValidation, err)
	}

	d.mu.Lock()
	d.buffers[id] = &halBuffer{buf: buf, size: desc.Size, alloc: alloc, usage: desc.Usage}
	d.mu.Unlock()
	return nil
}

// DestroyBuffer releases a buffer.
func (d *Driver) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()

	if ok {
		d.device.DestroyBuffer(b.buf)
	}
}

func (d *Driver) buffer(id gpucore.BufferID) (*halBuffer, error) {
	d.mu.RLock()
	b, ok := d.buffers[id]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, id)
	}
	return b, nil
}

// WriteBuffer writes data through the queue.
func (d *Driver) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	if err := d.check(); err != nil {
		return err
	}
	b, err := d.buffer(id)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("%w: write beyond buffer size %d", gpucore.ErrValidation, b.size)
	}
	if len(data) > 0 {
		d.queue.WriteBuffer(b.buf, offset, data)
	}
	return nil
}

// ReadBuffer reads a range of a buffer. Non-staging buffers are copied
// into a temporary staging buffer first.
func (d *Driver) ReadBuffer(ctx context.Context, id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	b, err := d.buffer(id)
	if err != nil {
		return nil, err
	}
	if offset+size > b.size {
		return nil, fmt.Errorf("%w: read beyond buffer size %d", gpucore.ErrValidation, b.size)
	}
	if size == 0 {
		return []byte{}, nil
	}

	if b.usage == gpucore.UsageStaging {
		out := make([]byte, size)
		if err := d.queue.ReadBuffer(b.buf, offset, out); err != nil {
			return nil, fmt.Errorf("native: read buffer: %w", err)
		}
		return out, nil
	}

	// Copies need 4-byte aligned offsets and sizes.
	start := offset &^ 3
	span := min(align4(offset+size), b.alloc) - start

	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback",
		Size:  span,
		Usage: gpucore.UsageStaging.Flags(),
	})
	if err != nil {
		return nil, fmt.Errorf("native: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "readback_encoder"})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("readback"); err != nil {
		return nil, fmt.Errorf("native: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(b.buf, staging, []hal.BufferCopy{
		{SrcOffset: start, DstOffset: 0, Size: span},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("native: end encoding: %w", err)
	}
	if err := d.submitAndWait(ctx, cmdBuf); err != nil {
		return nil, err
	}

	tmp := make([]byte, span)
	if err := d.queue.ReadBuffer(staging, 0, tmp); err != nil {
		return nil, fmt.Errorf("native: read staging buffer: %w", err)
	}
	rel := offset - start
	return tmp[rel : rel+size], nil
}

func (d *Driver) createGroupLayout(label string, entries []gpucore.LayoutEntry) (hal.BindGroupLayout, error) {
	halEntries := make([]gputypes.BindGroupLayoutEntry, 0, len(entries))
	for _, e := range entries {
		if e.Arity > 1 {
			return nil, fmt.Errorf("%w: binding %d: buffer arrays are not supported", gpucore.ErrValidation, e.Binding)
		}
		halEntries = append(halEntries, gputypes.BindGroupLayoutEntry{
			Binding:    e.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: e.Type.BindingType()},
		})
	}
	layout, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label,
		Entries: halEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create bind group layout: %w", gpucore.ErrValidation, err)
	}
	return layout, nil
}

// CreateBindGroup creates the layout and the bind group.
func (d *Driver) CreateBindGroup(id gpucore.BindGroupID, desc *gpucore.BindGroupDesc) error {
	if err := d.check(); err != nil {
		return err
	}
	layout, err := d.createGroupLayout(desc.Label+"_layout", desc.Layout)
	if err != nil {
		return err
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(desc.Entries))
	for _, e := range desc.Entries {
		if len(e.Buffers) != 1 {
			d.device.DestroyBindGroupLayout(layout)
			return fmt.Errorf("%w: binding %d: buffer arrays are not supported", gpucore.ErrValidation, e.Binding)
		}
		b, err := d.buffer(e.Buffers[0])
		if err != nil {
			d.device.DestroyBindGroupLayout(layout)
			return err
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  e.Binding,
			Resource: gputypes.BufferBinding{Buffer: b.buf.NativeHandle(), Offset: 0, Size: b.alloc},
		})
	}

	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		d.device.DestroyBindGroupLayout(layout)
		return fmt.Errorf("%w: create bind group: %w", gpucore.ErrValidation, err)
	}

	d.mu.Lock()
	d.groups[id] = &halGroup{group: group, layout: layout}
	d.mu.Unlock()
	return nil
}

// DestroyBindGroup releases a bind group and its layout.
func (d *Driver) DestroyBindGroup(id gpucore.BindGroupID) {
	d.mu.Lock()
	g, ok := d.groups[id]
	delete(d.groups, id)
	d.mu.Unlock()

	if ok {
		d.device.DestroyBindGroup(g.group)
		d.device.DestroyBindGroupLayout(g.layout)
	}
}

// CreatePipeline creates the shader module, layouts and compute pipeline.
func (d *Driver) CreatePipeline(id gpucore.PipelineID, desc *gpucore.PipelineDesc) error {
	if err := d.check(); err != nil {
		return err
	}

	var source hal.ShaderSource
	switch {
	case len(desc.Program.SPIRV) > 0:
		source.SPIRV = desc.Program.SPIRV
	case desc.Program.WGSL != "":
		source.WGSL = desc.Program.WGSL
	default:
		return fmt.Errorf("%w: pipeline %q: kernel has no SPIR-V or WGSL", gpucore.ErrValidation, desc.Label)
	}

	p := &halPipeline{entryPoint: desc.EntryPoint}
	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: source,
	})
	if err != nil {
		return fmt.Errorf("%w: create shader module: %w", gpucore.ErrValidation, err)
	}
	p.module = module

	for i, entries := range desc.Groups {
		layout, err := d.createGroupLayout(fmt.Sprintf("%s_group%d", desc.Label, i), entries)
		if err != nil {
			d.destroyPipeline(p)
			return err
		}
		p.groups = append(p.groups, layout)
	}

	p.layout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label + "_layout",
		BindGroupLayouts: p.groups,
	})
	if err != nil {
		d.destroyPipeline(p)
		return fmt.Errorf("%w: create pipeline layout: %w", gpucore.ErrValidation, err)
	}

	p.pipeline, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  p.layout,
		Compute: hal.ComputeState{Module: p.module, EntryPoint: desc.EntryPoint},
	})
	if err != nil {
		d.destroyPipeline(p)
		return fmt.Errorf("%w: create compute pipeline: %w", gpucore.ErrValidation, err)
	}

	d.mu.Lock()
	d.pipelines[id] = p
	d.mu.Unlock()
	return nil
}

func (d *Driver) destroyPipeline(p *halPipeline) {
	if p.pipeline != nil {
		d.device.DestroyComputePipeline(p.pipeline)
	}
	if p.layout != nil {
		d.device.DestroyPipelineLayout(p.layout)
	}
	for _, l := range p.groups {
		d.device.DestroyBindGroupLayout(l)
	}
	if p.module != nil {
		d.device.DestroyShaderModule(p.module)
	}
}

// DestroyPipeline releases a pipeline.
func (d *Driver) DestroyPipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	p, ok := d.pipelines[id]
	delete(d.pipelines, id)
	d.mu.Unlock()

	if ok {
		d.destroyPipeline(p)
	}
}

// Execute encodes the commands into one command buffer, one compute pass
// per dispatch, submits it and waits for the fence.
func (d *Driver) Execute(ctx context.Context, label string, commands []gpucore.Command) error {
	if err := d.check(); err != nil {
		return err
	}

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label + "_encoder"})
	if err != nil {
		return fmt.Errorf("%w: create command encoder: %w", gpucore.ErrValidation, err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return fmt.Errorf("%w: begin encoding: %w", gpucore.ErrValidation, err)
	}

	var (
		active *halPipeline
		bound  = make(map[uint32]hal.BindGroup)
	)

	d.mu.RLock()
	for i, cmd := range commands {
		switch cmd.Kind {
		case gpucore.CommandBindPipeline:
			p, ok := d.pipelines[cmd.Pipeline]
			if !ok {
				d.mu.RUnlock()
				return fmt.Errorf("%w: command %d: pipeline %d", gpucore.ErrUnknownResource, i, cmd.Pipeline)
			}
			active = p

		case gpucore.CommandBindGroup:
			g, ok := d.groups[cmd.Group]
			if !ok {
				d.mu.RUnlock()
				return fmt.Errorf("%w: command %d: bind group %d", gpucore.ErrUnknownResource, i, cmd.Group)
			}
			bound[cmd.Slot] = g.group

		case gpucore.CommandDispatch:
			if active == nil {
				d.mu.RUnlock()
				return fmt.Errorf("%w: command %d: dispatch without pipeline", gpucore.ErrValidation, i)
			}
			slots := make([]uint32, 0, len(bound))
			for slot := range bound {
				slots = append(slots, slot)
			}
			sort.Slice(slots, func(a, b int) bool { return slots[a] < slots[b] })

			pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: fmt.Sprintf("%s_pass%d", label, i)})
			pass.SetPipeline(active.pipeline)
			for _, slot := range slots {
				pass.SetBindGroup(slot, bound[slot], nil)
			}
			pass.Dispatch(cmd.WorkgroupCount[0], cmd.WorkgroupCount[1], cmd.WorkgroupCount[2])
			pass.End()

		case gpucore.CommandBarrier:
			// Compute pass boundaries order the dispatches.
		}
	}
	d.mu.RUnlock()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("%w: end encoding: %w", gpucore.ErrValidation, err)
	}
	return d.submitAndWait(ctx, cmdBuf)
}

// submitAndWait submits a command buffer and waits on a fence until it
// signals or ctx is done. Submission and wait failures lose the device.
func (d *Driver) submitAndWait(ctx context.Context, cmdBuf hal.CommandBuffer) error {
	fence, err := d.device.CreateFence()
	if err != nil {
		d.device.FreeCommandBuffer(cmdBuf)
		return fmt.Errorf("native: create fence: %w", err)
	}

	d.submitMu.Lock()
	err = d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1)
	d.submitMu.Unlock()
	if err != nil {
		d.device.DestroyFence(fence)
		d.device.FreeCommandBuffer(cmdBuf)
		return d.markLost(fmt.Errorf("submit: %w", err))
	}

	for {
		ok, err := d.device.Wait(fence, 1, fencePoll)
		if err != nil {
			d.device.DestroyFence(fence)
			d.device.FreeCommandBuffer(cmdBuf)
			return d.markLost(fmt.Errorf("wait for GPU: %w", err))
		}
		if ok {
			d.device.DestroyFence(fence)
			d.device.FreeCommandBuffer(cmdBuf)
			return nil
		}
		if ctx.Err() != nil {
			// Submitted work cannot be recalled. The buffers stay owned by
			// this call until the GPU retires it.
			if ok, err := d.device.Wait(fence, 1, drainTimeout); err != nil || !ok {
				return d.markLost(fmt.Errorf("work abandoned after %v did not retire: %w", drainTimeout, ctx.Err()))
			}
			d.device.DestroyFence(fence)
			d.device.FreeCommandBuffer(cmdBuf)
			return ctx.Err()
		}
	}
}

// Close destroys every resource and the device. A shared device is left
// to its owner.
func (d *Driver) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}

	d.mu.Lock()
	for id, g := range d.groups {
		d.device.DestroyBindGroup(g.group)
		d.device.DestroyBindGroupLayout(g.layout)
		delete(d.groups, id)
	}
	for id, p := range d.pipelines {
		d.destroyPipeline(p)
		delete(d.pipelines, id)
	}
	for id, b := range d.buffers {
		d.device.DestroyBuffer(b.buf)
		delete(d.buffers, id)
	}
	d.mu.Unlock()

	if d.external {
		return
	}
	d.device.Destroy()
	if d.instance != nil {
		d.instance.Destroy()
	}
	logger().Info("native: device closed")
}
