package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/dispatch/gpucore"
)

type resourceKind uint8

const (
	kindBuffer resourceKind = iota + 1
	kindBindGroup
	kindPipeline
)

func (k resourceKind) String() string {
	switch k {
	case kindBuffer:
		return "buffer"
	case kindBindGroup:
		return "binding group"
	default:
		return "pipeline"
	}
}

type bufferEntry struct {
	size  uint64
	usage gpucore.Usage

	groupRefs  int // live binding groups referencing the buffer
	busy       int // unresolved submissions referencing the buffer
	hostAccess int // WriteBuffer/ReadBuffer calls in progress
}

type groupEntry struct {
	layout  *BindingLayout
	buffers []gpucore.BufferID // unique
	busy    int
}

type pipelineEntry struct {
	pipeline *Pipeline
	busy     int
}

// busyToken lists the resources one submission keeps busy.
type busyToken struct {
	pipelines []gpucore.PipelineID
	groups    []gpucore.BindGroupID
	buffers   []gpucore.BufferID
}

// ResourceTable tracks the buffers, binding groups and pipelines of a
// device and their liveness.
//
// Thread safety: ResourceTable is safe for concurrent use.
type ResourceTable struct {
	dev *Device

	mu        sync.Mutex
	lastID    uint64
	buffers   map[gpucore.BufferID]*bufferEntry
	groups    map[gpucore.BindGroupID]*groupEntry
	pipelines map[gpucore.PipelineID]*pipelineEntry
	released  map[uint64]resourceKind

	hostActive int        // host accesses in progress across all buffers
	hostIdle   *sync.Cond // signalled when hostActive drops to zero
	closed     bool       // set by destroyAll
}

func newResourceTable(dev *Device) *ResourceTable {
	t := &ResourceTable{
		dev:       dev,
		buffers:   make(map[gpucore.BufferID]*bufferEntry),
		groups:    make(map[gpucore.BindGroupID]*groupEntry),
		pipelines: make(map[gpucore.PipelineID]*pipelineEntry),
		released:  make(map[uint64]resourceKind),
	}
	t.hostIdle = sync.NewCond(&t.mu)
	return t
}

// newID returns a unique ID. Must be called with mu held.
func (t *ResourceTable) newID() uint64 {
	t.lastID++
	return t.lastID
}

// lookupErr classifies an ID missing from the live maps.
// Must be called with mu held.
func (t *ResourceTable) lookupErr(id uint64, kind resourceKind, released error) error {
	if k, ok := t.released[id]; ok && k == kind {
		return fmt.Errorf("%w: %s %d", released, kind, id)
	}
	return fmt.Errorf("%w: %s %d", ErrUnknownResource, kind, id)
}

// CreateBuffer allocates a zero-filled buffer.
func (t *ResourceTable) CreateBuffer(size uint64, usage gpucore.Usage) (gpucore.BufferID, error) {
	return t.CreateLabeledBuffer("", size, usage)
}

// CreateLabeledBuffer allocates a zero-filled buffer with a debug label.
func (t *ResourceTable) CreateLabeledBuffer(label string, size uint64, usage gpucore.Usage) (gpucore.BufferID, error) {
	if size == 0 {
		return gpucore.InvalidID, fmt.Errorf("%w: size 0", ErrInvalidSize)
	}
	if limit := t.dev.limits.MaxBufferSize; limit > 0 && size > limit {
		return gpucore.InvalidID, fmt.Errorf("%w: size %d above maximum %d", ErrInvalidSize, size, limit)
	}
	if !usage.Valid() {
		return gpucore.InvalidID, fmt.Errorf("%w: %v", ErrInvalidUsage, usage)
	}
	if err := t.dev.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}

	t.mu.Lock()
	id := gpucore.BufferID(t.newID())
	t.mu.Unlock()

	if err := t.dev.driver.CreateBuffer(id, &gpucore.BufferDesc{Label: label, Size: size, Usage: usage}); err != nil {
		return gpucore.InvalidID, fmt.Errorf("dispatch: create buffer: %w", err)
	}

	t.mu.Lock()
	t.buffers[id] = &bufferEntry{size: size, usage: usage}
	t.mu.Unlock()
	return id, nil
}

// BufferSize returns the size of a live buffer.
func (t *ResourceTable) BufferSize(id gpucore.BufferID) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buffers[id]
	if !ok {
		return 0, t.lookupErr(uint64(id), kindBuffer, ErrResourceReleased)
	}
	return b.size, nil
}

// ReleaseBuffer releases a buffer. It fails with ErrResourceInUse while a
// live binding group or an unresolved submission references the buffer.
func (t *ResourceTable) ReleaseBuffer(id gpucore.BufferID) error {
	t.mu.Lock()
	b, ok := t.buffers[id]
	if !ok {
		err := t.lookupErr(uint64(id), kindBuffer, ErrDoubleRelease)
		t.mu.Unlock()
		return err
	}
	if b.groupRefs > 0 || b.busy > 0 || b.hostAccess > 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: buffer %d (%d binding groups, %d submissions)", ErrResourceInUse, id, b.groupRefs, b.busy)
	}
	delete(t.buffers, id)
	t.released[uint64(id)] = kindBuffer
	t.mu.Unlock()

	t.dev.driver.DestroyBuffer(id)
	return nil
}

// CreateBindingGroup binds buffers to every slot of layout.
//
// Every slot must be bound exactly once, with as many buffers as the slot
// arity, each live and tagged with a usage the slot accepts. A buffer bound
// at two slots, either of them writable storage, is rejected. Violations are
// reported as *LayoutMismatchError.
func (t *ResourceTable) CreateBindingGroup(layout *BindingLayout, bindings []Binding) (gpucore.BindGroupID, error) {
	if layout == nil {
		return gpucore.InvalidID, ErrNilLayout
	}
	if err := t.dev.checkLive(); err != nil {
		return gpucore.InvalidID, err
	}

	t.mu.Lock()
	unique, err := t.validateBindings(layout, bindings)
	if err != nil {
		t.mu.Unlock()
		return gpucore.InvalidID, err
	}
	id := gpucore.BindGroupID(t.newID())
	// Reference the buffers before creating the driver group so they
	// cannot be released in between.
	for _, bid := range unique {
		t.buffers[bid].groupRefs++
	}
	t.mu.Unlock()

	entries := make([]gpucore.BindGroupEntry, len(bindings))
	for i, b := range bindings {
		entries[i] = gpucore.BindGroupEntry{Binding: b.Slot, Buffers: append([]gpucore.BufferID(nil), b.Buffers...)}
	}
	desc := &gpucore.BindGroupDesc{
		Label:   fmt.Sprintf("group%d", id),
		Layout:  layout.entries(),
		Entries: entries,
	}
	if err := t.dev.driver.CreateBindGroup(id, desc); err != nil {
		t.mu.Lock()
		for _, bid := range unique {
			t.buffers[bid].groupRefs--
		}
		t.mu.Unlock()
		return gpucore.InvalidID, fmt.Errorf("dispatch: create binding group: %w", err)
	}

	t.mu.Lock()
	t.groups[id] = &groupEntry{layout: layout, buffers: unique}
	t.mu.Unlock()
	return id, nil
}

// validateBindings checks bindings against layout and returns the unique
// buffers referenced. Must be called with mu held.
func (t *ResourceTable) validateBindings(layout *BindingLayout, bindings []Binding) ([]gpucore.BufferID, error) {
	type use struct {
		slot     uint32
		writable bool
	}
	bound := make([]bool, layout.SlotCount())
	uses := make(map[gpucore.BufferID]use)
	var unique []gpucore.BufferID

	for _, b := range bindings {
		if int(b.Slot) >= layout.SlotCount() {
			return nil, &LayoutMismatchError{Slot: b.Slot, Reason: fmt.Sprintf("layout has %d slots", layout.SlotCount())}
		}
		if bound[b.Slot] {
			return nil, &LayoutMismatchError{Slot: b.Slot, Reason: "slot bound twice"}
		}
		bound[b.Slot] = true

		slot := layout.Slot(int(b.Slot))
		if uint32(len(b.Buffers)) != slot.Arity {
			return nil, &LayoutMismatchError{Slot: b.Slot, Reason: fmt.Sprintf("%d buffers bound, slot arity %d", len(b.Buffers), slot.Arity)}
		}
		for _, bid := range b.Buffers {
			entry, ok := t.buffers[bid]
			if !ok {
				return nil, &LayoutMismatchError{Slot: b.Slot, Reason: fmt.Sprintf("buffer %d is not live", bid)}
			}
			if !slot.Type.Accepts(entry.usage) {
				return nil, &LayoutMismatchError{Slot: b.Slot, Reason: fmt.Sprintf("%s buffer %d in %s slot", entry.usage, bid, slot.Type)}
			}
			writable := slot.Type.Writable()
			if prev, seen := uses[bid]; seen {
				if prev.writable || writable {
					return nil, &LayoutMismatchError{Slot: b.Slot, Reason: fmt.Sprintf("buffer %d aliases slot %d with a writable binding", bid, prev.slot)}
				}
				continue
			}
			uses[bid] = use{slot: b.Slot, writable: writable}
			unique = append(unique, bid)
		}
	}

	for i, ok := range bound {
		if !ok {
			return nil, &LayoutMismatchError{Slot: uint32(i), Reason: "slot not bound"}
		}
	}
	return unique, nil
}

// groupLayout returns the layout of a live binding group.
func (t *ResourceTable) groupLayout(id gpucore.BindGroupID) (*BindingLayout, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[id]
	if !ok {
		return nil, t.lookupErr(uint64(id), kindBindGroup, ErrResourceReleased)
	}
	return g.layout, nil
}

// ReleaseBindingGroup releases a binding group and drops its buffer
// references.
func (t *ResourceTable) ReleaseBindingGroup(id gpucore.BindGroupID) error {
	t.mu.Lock()
	g, ok := t.groups[id]
	if !ok {
		err := t.lookupErr(uint64(id), kindBindGroup, ErrDoubleRelease)
		t.mu.Unlock()
		return err
	}
	if g.busy > 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: binding group %d (%d submissions)", ErrResourceInUse, id, g.busy)
	}
	delete(t.groups, id)
	t.released[uint64(id)] = kindBindGroup
	for _, bid := range g.buffers {
		t.buffers[bid].groupRefs--
	}
	t.mu.Unlock()

	t.dev.driver.DestroyBindGroup(id)
	return nil
}

// registerPipeline assigns an ID to a validated pipeline and creates it
// on the driver.
func (t *ResourceTable) registerPipeline(p *Pipeline, desc *gpucore.PipelineDesc) error {
	t.mu.Lock()
	p.id = gpucore.PipelineID(t.newID())
	t.mu.Unlock()

	if err := t.dev.driver.CreatePipeline(p.id, desc); err != nil {
		return fmt.Errorf("dispatch: create pipeline: %w", err)
	}

	t.mu.Lock()
	t.pipelines[p.id] = &pipelineEntry{pipeline: p}
	t.mu.Unlock()
	return nil
}

// ReleasePipeline releases a pipeline.
func (t *ResourceTable) ReleasePipeline(p *Pipeline) error {
	if p == nil {
		return ErrNilPipeline
	}
	if p.dev != t.dev {
		return ErrForeignResource
	}

	t.mu.Lock()
	e, ok := t.pipelines[p.id]
	if !ok {
		err := t.lookupErr(uint64(p.id), kindPipeline, ErrDoubleRelease)
		t.mu.Unlock()
		return err
	}
	if e.busy > 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: pipeline %d (%d submissions)", ErrResourceInUse, p.id, e.busy)
	}
	delete(t.pipelines, p.id)
	t.released[uint64(p.id)] = kindPipeline
	t.mu.Unlock()

	t.dev.driver.DestroyPipeline(p.id)
	return nil
}

func (t *ResourceTable) pipelineLive(id gpucore.PipelineID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pipelines[id]; !ok {
		return t.lookupErr(uint64(id), kindPipeline, ErrResourceReleased)
	}
	return nil
}

// beginHostAccess validates a host access range and marks the buffer.
func (t *ResourceTable) beginHostAccess(id gpucore.BufferID, offset, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrDeviceReleased
	}
	b, ok := t.buffers[id]
	if !ok {
		return t.lookupErr(uint64(id), kindBuffer, ErrResourceReleased)
	}
	if b.busy > 0 {
		return fmt.Errorf("%w: buffer %d referenced by %d unresolved submissions", ErrBufferBusy, id, b.busy)
	}
	if offset > b.size || size > b.size-offset {
		return fmt.Errorf("%w: [%d, %d) of %d bytes", ErrOutOfRange, offset, offset+size, b.size)
	}
	b.hostAccess++
	t.hostActive++
	return nil
}

func (t *ResourceTable) endHostAccess(id gpucore.BufferID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buffers[id]; ok {
		b.hostAccess--
	}
	t.hostActive--
	if t.hostActive == 0 {
		t.hostIdle.Broadcast()
	}
}

// WriteBuffer copies data into a buffer at offset. It fails with
// ErrBufferBusy while an unresolved submission references the buffer.
func (t *ResourceTable) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	if err := t.dev.checkLive(); err != nil {
		return err
	}
	if err := t.beginHostAccess(id, offset, uint64(len(data))); err != nil {
		return err
	}
	defer t.endHostAccess(id)

	if err := t.dev.driver.WriteBuffer(id, offset, data); err != nil {
		return fmt.Errorf("dispatch: write buffer %d: %w", id, err)
	}
	return nil
}

// ReadBuffer copies size bytes starting at offset out of a buffer. It fails
// with ErrBufferBusy while an unresolved submission references the buffer.
func (t *ResourceTable) ReadBuffer(ctx context.Context, id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	if err := t.dev.checkLive(); err != nil {
		return nil, err
	}
	if err := t.beginHostAccess(id, offset, size); err != nil {
		return nil, err
	}
	defer t.endHostAccess(id)

	data, err := t.dev.driver.ReadBuffer(ctx, id, offset, size)
	if err != nil {
		return nil, fmt.Errorf("dispatch: read buffer %d: %w", id, err)
	}
	return data, nil
}

// acquire marks every resource referenced by commands busy. It fails when
// a resource was released after recording or a buffer is under host access.
func (t *ResourceTable) acquire(commands []gpucore.Command) (*busyToken, error) {
	tok := &busyToken{}
	seenPipelines := make(map[gpucore.PipelineID]bool)
	seenGroups := make(map[gpucore.BindGroupID]bool)
	seenBuffers := make(map[gpucore.BufferID]bool)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, cmd := range commands {
		switch cmd.Kind {
		case gpucore.CommandBindPipeline:
			if seenPipelines[cmd.Pipeline] {
				continue
			}
			if _, ok := t.pipelines[cmd.Pipeline]; !ok {
				return nil, t.lookupErr(uint64(cmd.Pipeline), kindPipeline, ErrResourceReleased)
			}
			seenPipelines[cmd.Pipeline] = true
			tok.pipelines = append(tok.pipelines, cmd.Pipeline)

		case gpucore.CommandBindGroup:
			if seenGroups[cmd.Group] {
				continue
			}
			g, ok := t.groups[cmd.Group]
			if !ok {
				return nil, t.lookupErr(uint64(cmd.Group), kindBindGroup, ErrResourceReleased)
			}
			seenGroups[cmd.Group] = true
			tok.groups = append(tok.groups, cmd.Group)
			for _, bid := range g.buffers {
				if seenBuffers[bid] {
					continue
				}
				if t.buffers[bid].hostAccess > 0 {
					return nil, fmt.Errorf("%w: buffer %d under host access", ErrBufferBusy, bid)
				}
				seenBuffers[bid] = true
				tok.buffers = append(tok.buffers, bid)
			}
		}
	}

	for _, id := range tok.pipelines {
		t.pipelines[id].busy++
	}
	for _, id := range tok.groups {
		t.groups[id].busy++
	}
	for _, id := range tok.buffers {
		t.buffers[id].busy++
	}
	return tok, nil
}

// release drops the busy marks of a token.
func (t *ResourceTable) release(tok *busyToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range tok.pipelines {
		t.pipelines[id].busy--
	}
	for _, id := range tok.groups {
		t.groups[id].busy--
	}
	for _, id := range tok.buffers {
		t.buffers[id].busy--
	}
}

// IsBusy reports whether an unresolved submission references the buffer.
func (t *ResourceTable) IsBusy(id gpucore.BufferID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buffers[id]
	return ok && b.busy > 0
}

// Len returns the number of live buffers, binding groups and pipelines.
func (t *ResourceTable) Len() (buffers, groups, pipelines int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffers), len(t.groups), len(t.pipelines)
}

// destroyAll waits for host accesses in progress, refuses new ones and
// releases every live resource on the driver.
func (t *ResourceTable) destroyAll() {
	t.mu.Lock()
	t.closed = true
	for t.hostActive > 0 {
		t.hostIdle.Wait()
	}
	groups := make([]gpucore.BindGroupID, 0, len(t.groups))
	for id := range t.groups {
		groups = append(groups, id)
	}
	pipelines := make([]gpucore.PipelineID, 0, len(t.pipelines))
	for id := range t.pipelines {
		pipelines = append(pipelines, id)
	}
	buffers := make([]gpucore.BufferID, 0, len(t.buffers))
	for id := range t.buffers {
		buffers = append(buffers, id)
	}
	clear(t.groups)
	clear(t.pipelines)
	clear(t.buffers)
	t.mu.Unlock()

	for _, id := range groups {
		t.dev.driver.DestroyBindGroup(id)
	}
	for _, id := range pipelines {
		t.dev.driver.DestroyPipeline(id)
	}
	for _, id := range buffers {
		t.dev.driver.DestroyBuffer(id)
	}
}
