package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/dispatch/gpucore"
)

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Submitted uint64
	Resolved  uint64
	InFlight  int
	LastSeq   uint64
}

// Queue executes submitted command buffers in submission order on a
// dedicated goroutine and resolves their completions in the same order.
//
// Thread safety: Queue is safe for concurrent use.
type Queue struct {
	dev     *Device
	label   string
	timeout time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []*Completion
	seq       uint64
	inFlight  int
	submitted uint64
	resolved  uint64
	last      *Completion
	closed    bool

	exited chan struct{}
}

func newQueue(d *Device, label string) *Queue {
	q := &Queue{
		dev:     d,
		label:   label,
		timeout: d.opts.submitTimeout,
		exited:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Label returns the queue label.
func (q *Queue) Label() string {
	return q.label
}

// Submit enqueues cb for execution and returns its completion. Submit never
// waits for execution.
//
// The resources cb references are marked busy until the completion
// resolves. Submit fails when cb was already submitted, when a referenced
// resource was released after recording, or when a referenced buffer is
// being read or written by the host.
func (q *Queue) Submit(cb *CommandBuffer) (*Completion, error) {
	if cb == nil {
		return nil, ErrNilCommandBuffer
	}
	if cb.dev != q.dev {
		return nil, ErrForeignResource
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != cbClosed {
		return nil, ErrAlreadySubmitted
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrDeviceReleased
	}
	tok, err := q.dev.resources.acquire(cb.commands)
	if err != nil {
		return nil, err
	}

	q.seq++
	c := newCompletion(cb, q.seq, tok)
	q.pending = append(q.pending, c)
	q.inFlight++
	q.submitted++
	q.last = c
	cb.state = cbSubmitted
	q.cond.Signal()

	q.dev.metrics.Submitted(q.label)
	Logger().Debug("dispatch: submitted", "device", q.dev.label, "queue", q.label, "seq", c.seq, "label", cb.label)
	return c, nil
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Submitted: q.submitted,
		Resolved:  q.resolved,
		InFlight:  q.inFlight,
		LastSeq:   q.seq,
	}
}

// lastCompletion returns the most recent submission, or nil.
func (q *Queue) lastCompletion() *Completion {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// run is the executor goroutine.
func (q *Queue) run() {
	defer close(q.exited)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		c := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.execute(c)
	}
}

func (q *Queue) execute(c *Completion) {
	var (
		fault   *FaultError
		elapsed time.Duration
	)
	switch {
	case !c.begin():
		fault = &FaultError{Kind: FaultCancelled}
	case q.dev.lost.Load():
		fault = &FaultError{Kind: FaultDeviceLost}
	default:
		start := time.Now()
		err := q.executeDriver(c)
		elapsed = time.Since(start)
		if err != nil {
			fault = &FaultError{Kind: classifyFault(err), Err: err}
			if fault.Kind == FaultDeviceLost {
				q.dev.markLost(err)
			}
		}
	}

	q.dev.resources.release(c.token)

	q.mu.Lock()
	q.inFlight--
	q.resolved++
	q.mu.Unlock()

	c.cb.setState(cbResolved)

	status := StatusSuccess.String()
	var err error
	if fault != nil {
		fault.Seq = c.seq
		fault.Queue = q.label
		status = fault.Kind.String()
		err = fault
		Logger().Warn("dispatch: submission faulted",
			"device", q.dev.label, "queue", q.label, "seq", c.seq, "kind", fault.Kind.String(), "err", fault.Err)
	}
	q.dev.metrics.Resolved(q.label, status, elapsed)
	c.resolve(err)
}

func (q *Queue) executeDriver(c *Completion) error {
	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	ctx, span := q.dev.tracer.Start(ctx, "dispatch.execute",
		trace.WithAttributes(
			attribute.String("dispatch.device", q.dev.label),
			attribute.String("dispatch.queue", q.label),
			attribute.Int64("dispatch.seq", int64(c.seq)),
			attribute.Int("dispatch.commands", len(c.cb.commands)),
		))
	defer span.End()

	err := q.dev.driver.Execute(ctx, c.cb.label, c.cb.commands)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, classifyFault(err).String())
	}
	return err
}

// classifyFault maps a driver error to a fault kind.
func classifyFault(err error) FaultKind {
	switch {
	case errors.Is(err, gpucore.ErrDeviceLost):
		return FaultDeviceLost
	case errors.Is(err, context.DeadlineExceeded):
		return FaultTimeout
	default:
		return FaultValidationEscaped
	}
}

// close stops the executor once the queue is empty. Must be called with
// mu held.
func (q *Queue) close() {
	q.closed = true
	q.cond.Broadcast()
}
