package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/dispatch/backend/software"
	"github.com/gogpu/dispatch/gpucore"
)

func closeOnCleanup(t *testing.T, gate chan struct{}) func() {
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func TestSubmitExecutes(t *testing.T) {
	dev, _ := newTestDevice(t)
	ctx := testContext(t)

	s := setupStorage(t, dev, doubleKernel(t), sequence(1000))
	done, err := dev.Submit(s.record(t, dev, "double"))
	require.NoError(t, err)
	require.NoError(t, done.Wait(ctx))

	status, resolved := done.Poll()
	assert.True(t, resolved)
	assert.Equal(t, StatusSuccess, status)
	assert.NoError(t, done.Err())

	got := s.read(t, dev)
	for i, v := range got {
		if v != uint32(i)*2 {
			t.Fatalf("value %d = %d, want %d", i, v, i*2)
		}
	}
}

func TestSubmitTwice(t *testing.T) {
	dev, _ := newTestDevice(t)
	ctx := testContext(t)
	s := setupStorage(t, dev, doubleKernel(t), sequence(8))

	cb := s.record(t, dev, "once")
	done, err := dev.Submit(cb)
	require.NoError(t, err)
	_, err = dev.Submit(cb)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	require.NoError(t, done.Wait(ctx))
	_, err = dev.Submit(cb)
	assert.ErrorIs(t, err, ErrAlreadySubmitted, "a resolved command buffer cannot be resubmitted")

	_, err = dev.Submit(nil)
	assert.ErrorIs(t, err, ErrNilCommandBuffer)

	other, _ := newTestDevice(t)
	empty, err := dev.BeginEncoding("empty").Finish()
	require.NoError(t, err)
	_, err = other.Submit(empty)
	assert.ErrorIs(t, err, ErrForeignResource)
}

func TestSubmitReleasedResource(t *testing.T) {
	dev, _ := newTestDevice(t)
	s := setupStorage(t, dev, doubleKernel(t), sequence(8))

	cb := s.record(t, dev, "stale")
	require.NoError(t, dev.ReleasePipeline(s.pipeline))

	_, err := dev.Submit(cb)
	assert.ErrorIs(t, err, ErrResourceReleased)
	assert.False(t, cb.Submitted())
	assert.Equal(t, uint64(0), dev.Queue().Stats().Submitted)
}

// TestQueueFIFO records and submits from many goroutines and checks that
// every completion resolves after all earlier ones.
func TestQueueFIFO(t *testing.T) {
	dev, _ := newTestDevice(t)
	ctx := testContext(t)

	const (
		recorders = 8
		perWorker = 20
		n         = 64
	)
	s := setupStorage(t, dev, incrementKernel(t), make([]uint32, n))

	var (
		mu          sync.Mutex
		completions []*Completion
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := range recorders {
		g.Go(func() error {
			for i := range perWorker {
				if err := gctx.Err(); err != nil {
					return err
				}
				enc := dev.BeginEncoding(fmt.Sprintf("w%d-%d", w, i))
				if err := enc.BindPipeline(s.pipeline); err != nil {
					return err
				}
				if err := enc.BindGroup(0, s.group); err != nil {
					return err
				}
				if _, err := enc.DispatchWork([3]uint32{n, 1, 1}); err != nil {
					return err
				}
				cb, err := enc.Finish()
				if err != nil {
					return err
				}
				c, err := dev.Submit(cb)
				if err != nil {
					return err
				}
				mu.Lock()
				completions = append(completions, c)
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, completions, recorders*perWorker)

	sort.Slice(completions, func(i, j int) bool { return completions[i].Seq() < completions[j].Seq() })
	for i, c := range completions {
		require.Equal(t, uint64(i+1), c.Seq(), "sequence numbers are dense and unique")
	}

	// Wait in reverse order: when a completion is done, every earlier one
	// must already be resolved.
	for i := len(completions) - 1; i >= 0; i-- {
		require.NoError(t, completions[i].Wait(ctx))
		for _, earlier := range completions[:i] {
			if _, resolved := earlier.Poll(); !resolved {
				t.Fatalf("completion %d resolved before %d", completions[i].Seq(), earlier.Seq())
			}
		}
	}

	for i, v := range s.read(t, dev) {
		if v != recorders*perWorker {
			t.Fatalf("value %d = %d, want %d", i, v, recorders*perWorker)
		}
	}
	stats := dev.Queue().Stats()
	assert.Equal(t, QueueStats{Submitted: recorders * perWorker, Resolved: recorders * perWorker, LastSeq: recorders * perWorker}, stats)
}

func TestCompletionCancel(t *testing.T) {
	dev, _ := newTestDevice(t)
	ctx := testContext(t)

	gate := make(chan struct{})
	release := closeOnCleanup(t, gate)
	blocked := setupStorage(t, dev, gateKernel(t, gate), sequence(4))
	s := setupStorage(t, dev, doubleKernel(t), sequence(4))

	first, err := dev.Submit(blocked.record(t, dev, "blocked"))
	require.NoError(t, err)
	second, err := dev.Submit(s.record(t, dev, "cancelled"))
	require.NoError(t, err)
	third, err := dev.Submit(s.record(t, dev, "after"))
	require.NoError(t, err)

	assert.True(t, second.Cancel())
	assert.False(t, second.Cancel(), "second Cancel reports false")
	release()

	require.NoError(t, first.Wait(ctx))
	err = second.Wait(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, FaultCancelled, fault.Kind)
	assert.Equal(t, second.Seq(), fault.Seq)
	assert.Equal(t, DefaultQueueLabel, fault.Queue)
	require.NoError(t, third.Wait(ctx))

	assert.False(t, first.Cancel(), "resolved submissions cannot be cancelled")
	assert.Equal(t, []uint32{0, 2, 4, 6}, s.read(t, dev), "only the third submission ran")
}

func TestCompletionWaitContext(t *testing.T) {
	dev, _ := newTestDevice(t)

	gate := make(chan struct{})
	release := closeOnCleanup(t, gate)
	s := setupStorage(t, dev, gateKernel(t, gate), sequence(4))

	done, err := dev.Submit(s.record(t, dev, "blocked"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, done.Wait(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, dev.WaitIdle(ctx), context.DeadlineExceeded)

	status, resolved := done.Poll()
	assert.False(t, resolved)
	assert.Equal(t, StatusPending, status)

	release()
	require.NoError(t, dev.WaitIdle(testContext(t)))
	_, resolved = done.Poll()
	assert.True(t, resolved)
}

func TestSubmitTimeout(t *testing.T) {
	dev, _ := newTestDevice(t, WithSubmitTimeout(20*time.Millisecond))
	ctx := testContext(t)

	gate := make(chan struct{})
	release := closeOnCleanup(t, gate)
	late := hostKernel(t, "late", func(inv software.Invocation, b software.Bindings) {
		<-gate
		buf := b.Buffer(0, 0)
		if i := int(inv.GlobalID[0]); i < len(buf)/4 {
			software.StoreU32(buf, i, 99)
		}
	})
	s := setupStorage(t, dev, late, sequence(4))

	done, err := dev.Submit(s.record(t, dev, "slow"))
	require.NoError(t, err)

	// The deadline has passed but the workgroup is still running: the
	// submission stays unresolved and keeps its buffer busy.
	time.Sleep(60 * time.Millisecond)
	_, resolved := done.Poll()
	assert.False(t, resolved)
	assert.True(t, dev.Resources().IsBusy(s.buffer))

	release()
	err = done.Wait(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	status, _ := done.Poll()
	assert.Equal(t, StatusFault, status)
	assert.False(t, dev.Lost())

	assert.False(t, dev.Resources().IsBusy(s.buffer))
	resolvedContents := s.read(t, dev)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, resolvedContents, s.read(t, dev), "buffer changed after the submission resolved")
}

func TestDeviceLostPoisonsQueues(t *testing.T) {
	dev, drv := newTestDevice(t)
	ctx := testContext(t)

	var runs atomic.Int64
	counting := hostKernel(t, "count", func(software.Invocation, software.Bindings) {
		runs.Add(1)
	})
	s := setupStorage(t, dev, counting, sequence(1))
	extra, err := dev.CreateQueue("extra")
	require.NoError(t, err)

	drv.FailNext(fmt.Errorf("%w: reset", gpucore.ErrDeviceLost))
	lost, err := dev.Submit(s.record(t, dev, "lost"))
	require.NoError(t, err)
	err = lost.Wait(ctx)
	require.ErrorIs(t, err, ErrDeviceLost)
	assert.ErrorIs(t, err, gpucore.ErrDeviceLost)
	assert.True(t, dev.Lost())

	for _, q := range []*Queue{dev.Queue(), extra} {
		done, err := q.Submit(s.record(t, dev, "after-loss"))
		require.NoError(t, err)
		assert.ErrorIs(t, done.Wait(ctx), ErrDeviceLost, "queue %s", q.Label())
	}
	assert.Zero(t, runs.Load(), "a lost device must not reach the driver")
}

func TestValidationEscaped(t *testing.T) {
	dev, drv := newTestDevice(t)
	ctx := testContext(t)
	s := setupStorage(t, dev, doubleKernel(t), sequence(4))

	drv.FailNext(errors.New("rejected"))
	done, err := dev.Submit(s.record(t, dev, "rejected"))
	require.NoError(t, err)
	err = done.Wait(ctx)
	require.ErrorIs(t, err, ErrValidationEscaped)
	assert.False(t, dev.Lost())

	// A panicking kernel is also reported as escaped validation.
	boom := setupStorage(t, dev, hostKernel(t, "panic", func(software.Invocation, software.Bindings) {
		panic("out of bounds")
	}), sequence(1))
	done, err = dev.Submit(boom.record(t, dev, "panic"))
	require.NoError(t, err)
	assert.ErrorIs(t, done.Wait(ctx), ErrValidationEscaped)

	// The queue keeps working.
	done, err = dev.Submit(s.record(t, dev, "ok"))
	require.NoError(t, err)
	require.NoError(t, done.Wait(ctx))
	assert.Equal(t, []uint32{0, 2, 4, 6}, s.read(t, dev))
}

func TestReleaseBusyPanics(t *testing.T) {
	dev, err := AcquireDevice(software.NewAdapter())
	require.NoError(t, err)

	gate := make(chan struct{})
	release := closeOnCleanup(t, gate)
	s := setupStorage(t, dev, gateKernel(t, gate), sequence(4))

	done, err := dev.Submit(s.record(t, dev, "busy"))
	require.NoError(t, err)

	err = recoverError(dev.Release)
	require.ErrorIs(t, err, ErrDeviceBusy)
	assert.False(t, dev.Released())

	release()
	require.NoError(t, done.Wait(testContext(t)))
	require.NoError(t, recoverError(dev.Release))
	assert.True(t, dev.Released())
	require.NoError(t, recoverError(dev.Release), "second Release is a no-op")

	_, err = dev.CreateBuffer(16, gpucore.UsageStorage)
	assert.ErrorIs(t, err, ErrDeviceReleased)
	_, err = dev.CreateQueue("late")
	assert.ErrorIs(t, err, ErrDeviceReleased)
	empty, err := dev.BeginEncoding("late").Finish()
	require.NoError(t, err)
	_, err = dev.Submit(empty)
	assert.ErrorIs(t, err, ErrDeviceReleased)
}

func TestQueuesIndependentSequences(t *testing.T) {
	dev, _ := newTestDevice(t)
	ctx := testContext(t)
	s := setupStorage(t, dev, incrementKernel(t), make([]uint32, 4))

	q, err := dev.CreateQueue("compute")
	require.NoError(t, err)
	assert.Len(t, dev.Queues(), 2)

	a, err := dev.Submit(s.record(t, dev, "a"))
	require.NoError(t, err)
	b, err := q.Submit(s.record(t, dev, "b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Seq())
	assert.Equal(t, uint64(1), b.Seq())

	require.NoError(t, dev.WaitIdle(ctx))
	assert.Equal(t, []uint32{2, 2, 2, 2}, s.read(t, dev))
}

func TestQueueMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	dev, drv := newTestDevice(t, WithMetrics(reg), WithLabel("metrics"))
	ctx := testContext(t)
	s := setupStorage(t, dev, doubleKernel(t), sequence(4))

	ok, err := dev.Submit(s.record(t, dev, "ok"))
	require.NoError(t, err)
	require.NoError(t, ok.Wait(ctx))

	drv.FailNext(errors.New("rejected"))
	bad, err := dev.Submit(s.record(t, dev, "bad"))
	require.NoError(t, err)
	require.Error(t, bad.Wait(ctx))

	n, err := testutil.GatherAndCount(reg, "dispatch_completions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per status")

	n, err = testutil.GatherAndCount(reg, "dispatch_submissions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecutionSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	dev, drv := newTestDevice(t, WithTracerProvider(tp))
	ctx := testContext(t)
	s := setupStorage(t, dev, doubleKernel(t), sequence(4))

	done, err := dev.Submit(s.record(t, dev, "traced"))
	require.NoError(t, err)
	require.NoError(t, done.Wait(ctx))

	drv.FailNext(errors.New("rejected"))
	done, err = dev.Submit(s.record(t, dev, "traced-fault"))
	require.NoError(t, err)
	require.Error(t, done.Wait(ctx))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	for _, span := range spans {
		assert.Equal(t, "dispatch.execute", span.Name())
	}
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
