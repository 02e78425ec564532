// Package parallel runs index-addressed work, such as the workgroups of a
// compute dispatch, on a fixed set of goroutines.
package parallel

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// PanicError reports a panic raised by a work item.
type PanicError struct {
	// Index is the work item that panicked.
	Index int

	// Value is the recovered panic value.
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("parallel: item %d panicked: %v", e.Index, e.Value)
}

// WorkerPool is a pool of goroutines executing batches of indexed work.
//
// Each worker owns a queue and steals from the other queues when its own is
// empty, so slow items do not leave the remaining workers idle.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	workers    int
	workQueues []chan func()
	done       chan struct{}
	wg         sync.WaitGroup
	running    atomic.Bool
}

// NewWorkerPool creates a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
	}
	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}

	p.running.Store(true)
	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	own := p.workQueues[id]
	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case work := <-own:
			work()
			continue
		default:
		}

		if stolen := p.steal(id); stolen != nil {
			stolen()
			continue
		}

		select {
		case <-p.done:
			p.drain(own)
			return
		case work := <-own:
			work()
		}
	}
}

func (p *WorkerPool) drain(queue chan func()) {
	for {
		select {
		case work := <-queue:
			work()
		default:
			return
		}
	}
}

func (p *WorkerPool) steal(id int) func() {
	for i := range p.workers {
		if i == id {
			continue
		}
		select {
		case work := <-p.workQueues[i]:
			return work
		default:
		}
	}
	return nil
}

// Run calls fn(i) for every i in [0, n) across the workers and waits for
// all calls to return.
//
// Items not yet started when ctx is done are skipped and Run returns
// ctx.Err(). The first panic raised by fn is recovered and returned as a
// *PanicError; the remaining items still run.
func (p *WorkerPool) Run(ctx context.Context, n int, fn func(i int)) error {
	if n <= 0 {
		return nil
	}
	if !p.running.Load() {
		return ErrPoolClosed
	}

	var (
		wg        sync.WaitGroup
		firstErr  atomic.Pointer[PanicError]
		cancelled atomic.Bool
	)

	wg.Add(n)
	for i := range n {
		work := func() {
			defer wg.Done()
			if ctx.Err() != nil {
				cancelled.Store(true)
				return
			}
			defer func() {
				if r := recover(); r != nil {
					firstErr.CompareAndSwap(nil, &PanicError{Index: i, Value: r})
				}
			}()
			fn(i)
		}

		select {
		case p.workQueues[i%p.workers] <- work:
		case <-p.done:
			// Closed mid-batch: account for the unqueued items.
			wg.Add(-(n - i))
			wg.Wait()
			return ErrPoolClosed
		}
	}
	wg.Wait()

	if pe := firstErr.Load(); pe != nil {
		return pe
	}
	if cancelled.Load() {
		return ctx.Err()
	}
	return nil
}

// Submit queues a single work item on the least loaded worker.
// It is a no-op on a closed pool.
func (p *WorkerPool) Submit(fn func()) {
	if fn == nil || !p.running.Load() {
		return
	}

	minIdx := 0
	for i := 1; i < p.workers; i++ {
		if len(p.workQueues[i]) < len(p.workQueues[minIdx]) {
			minIdx = i
		}
	}

	select {
	case p.workQueues[minIdx] <- fn:
	case <-p.done:
	}
}

// Close stops the pool after running the queued work. Close must not be
// called while a Run is in progress. It is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning reports whether the pool accepts work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}

// QueuedWork returns an approximate number of queued items.
func (p *WorkerPool) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}
