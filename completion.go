package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/dispatch/gpucore"
)

// Status is the observable state of a Completion.
type Status uint8

// Completion statuses.
const (
	StatusPending Status = iota
	StatusSuccess
	StatusFault
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFault:
		return "fault"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// FaultKind classifies an execution fault.
type FaultKind uint8

// Fault kinds.
const (
	FaultDeviceLost FaultKind = iota + 1
	FaultValidationEscaped
	FaultTimeout
	FaultCancelled
)

// String returns the string representation of FaultKind.
func (k FaultKind) String() string {
	switch k {
	case FaultDeviceLost:
		return "device-lost"
	case FaultValidationEscaped:
		return "validation-escaped"
	case FaultTimeout:
		return "timeout"
	case FaultCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// sentinel returns the error matched by faults of kind k.
func (k FaultKind) sentinel() error {
	switch k {
	case FaultDeviceLost:
		return ErrDeviceLost
	case FaultValidationEscaped:
		return ErrValidationEscaped
	case FaultTimeout:
		return ErrTimeout
	default:
		return ErrCancelled
	}
}

// FaultError is the error of a submission that resolved with a fault.
// It matches the sentinel of its kind (ErrDeviceLost, ErrValidationEscaped,
// ErrTimeout or ErrCancelled) with errors.Is.
type FaultError struct {
	Kind  FaultKind
	Seq   uint64
	Queue string

	// Err is the driver error, if any.
	Err error
}

func (e *FaultError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch: submission %d on queue %s: %s: %v", e.Seq, e.Queue, e.Kind, e.Err)
	}
	return fmt.Sprintf("dispatch: submission %d on queue %s: %s", e.Seq, e.Queue, e.Kind)
}

// Unwrap returns the driver error.
func (e *FaultError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of the fault kind.
func (e *FaultError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

type completionState uint8

const (
	statePending completionState = iota
	stateRunning
	stateCancelled
	stateResolved
)

// Completion is the handle of one submission. It resolves exactly once,
// after every earlier submission on the same queue has resolved.
//
// Thread safety: Completion is safe for concurrent use.
type Completion struct {
	seq   uint64
	cb    *CommandBuffer
	token *busyToken

	mu    sync.Mutex
	state completionState
	err   error
	done  chan struct{}
}

func newCompletion(cb *CommandBuffer, seq uint64, tok *busyToken) *Completion {
	return &Completion{
		seq:   seq,
		cb:    cb,
		token: tok,
		done:  make(chan struct{}),
	}
}

// Seq returns the submission sequence number, unique and increasing per
// queue.
func (c *Completion) Seq() uint64 {
	return c.seq
}

// Done returns a channel closed when the submission resolves.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the submission resolves or ctx is done. It returns nil
// on success and a *FaultError on a fault. When ctx ends first, Wait
// returns ctx.Err() and the submission keeps running.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll returns the current status without blocking. The second result
// reports whether the submission has resolved.
func (c *Completion) Poll() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateResolved {
		return StatusPending, false
	}
	if c.err != nil {
		return StatusFault, true
	}
	return StatusSuccess, true
}

// Err returns the fault of a resolved submission, or nil.
func (c *Completion) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Cancel requests cancellation. A submission that has not started resolves
// with a Cancelled fault in its queue order; Cancel then returns true.
// Running or resolved submissions are unaffected.
func (c *Completion) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != statePending {
		return false
	}
	c.state = stateCancelled
	return true
}

// BusyBuffers returns the buffers the submission keeps busy until it
// resolves.
func (c *Completion) BusyBuffers() []gpucore.BufferID {
	return append([]gpucore.BufferID(nil), c.token.buffers...)
}

// begin moves a pending completion to running. It returns false when the
// completion was cancelled.
func (c *Completion) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != statePending {
		return false
	}
	c.state = stateRunning
	return true
}

func (c *Completion) resolve(err error) {
	c.mu.Lock()
	c.state = stateResolved
	c.err = err
	c.mu.Unlock()
	close(c.done)
}
