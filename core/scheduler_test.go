package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestManualSchedulerOrdersByDueThenSequence(t *testing.T) {
	sched := NewManualScheduler(time.Time{})
	var order []string
	sched.After(30*time.Millisecond, func() { order = append(order, "c") })
	sched.After(10*time.Millisecond, func() { order = append(order, "a") })
	sched.After(10*time.Millisecond, func() { order = append(order, "b") })
	sched.Post(func() { order = append(order, "now") })
	cancel := sched.After(20*time.Millisecond, func() { order = append(order, "cancelled") })
	cancel()

	ran := sched.RunUntilIdle(0)
	if ran != 4 {
		t.Fatalf("expected 4 callbacks, got %d", ran)
	}
	if diff := cmp.Diff([]string{"now", "a", "b", "c"}, order); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	if got := sched.Now().Sub(time.Unix(0, 0)); got != 30*time.Millisecond {
		t.Fatalf("expected clock at 30ms, got %s", got)
	}
}

func TestManualSchedulerAdvanceStopsAtDeadline(t *testing.T) {
	sched := NewManualScheduler(time.Time{})
	var hits int
	var tick func()
	tick = func() {
		hits++
		sched.Frame(tick)
	}
	sched.Frame(tick)
	sched.Advance(100 * time.Millisecond)
	if hits != 6 {
		t.Fatalf("expected 6 frames in 100ms, got %d", hits)
	}
	if sched.Pending() != 1 {
		t.Fatalf("expected the next frame queued, got %d", sched.Pending())
	}
}

func TestManualSchedulerRunUntilIdleLimit(t *testing.T) {
	sched := NewManualScheduler(time.Time{})
	var tick func()
	tick = func() { sched.Frame(tick) }
	sched.Frame(tick)
	if ran := sched.RunUntilIdle(10); ran != 10 {
		t.Fatalf("expected limit of 10, got %d", ran)
	}
}

func TestLoopRunsCallbacksSerially(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop(WithFrameInterval(time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	var running, overlaps atomic.Int32
	fired := make(chan struct{}, 8)
	for i := 0; i < 4; i++ {
		loop.Frame(func() {
			if running.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			fired <- struct{}{}
		})
	}
	for i := 0; i < 4; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	if overlaps.Load() != 0 {
		t.Fatalf("expected callbacks to run one at a time")
	}

	var value int
	if err := loop.Call(ctx, func() { value = 42 }); err != nil {
		t.Fatalf("call: %v", err)
	}
	if value != 42 {
		t.Fatalf("expected call to run, got %d", value)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if loop.Post(func() {}) {
		t.Fatalf("expected post after stop to fail")
	}
}

func TestLoopCancelDropsTimer(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := NewLoop()
	go func() { _ = loop.Run(ctx) }()

	var fired atomic.Bool
	stop := loop.After(20*time.Millisecond, func() { fired.Store(true) })
	stop()
	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatalf("expected cancelled callback not to run")
	}
	cancel()
}

func TestLoopZeroDelayFromLoopDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop()
	stopped := make(chan error, 1)
	go func() { stopped <- loop.Run(ctx) }()

	const n = 600
	count := 0
	done := make(chan struct{})
	err := loop.Call(ctx, func() {
		for i := 0; i < n; i++ {
			loop.After(0, func() {
				count++
				if count == n {
					close(done)
				}
			})
		}
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for zero-delay callbacks")
	}
	cancel()
	<-stopped
}
