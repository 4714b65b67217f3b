package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FrameInterval is the spacing between animation frames on a real-time loop.
const FrameInterval = 16 * time.Millisecond

// Cancel stops a scheduled callback. Calling it after the callback ran is a no-op.
type Cancel func()

// Scheduler runs callbacks on a single logical thread. Callbacks never overlap.
type Scheduler interface {
	// Frame runs fn on the next animation frame.
	Frame(fn func()) Cancel
	// After runs fn once d has elapsed.
	After(d time.Duration, fn func()) Cancel
	Now() time.Time
}

// Poster accepts work to run on the scheduler's thread.
type Poster interface {
	Post(fn func()) bool
}

// Loop is a real-time Scheduler backed by one goroutine. Timers fire on their
// own goroutines and hand their callbacks back to the loop.
type Loop struct {
	tasks   chan func()
	stopped chan struct{}
	frame   time.Duration

	stopOnce sync.Once
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithFrameInterval overrides the frame spacing.
func WithFrameInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.frame = d
		}
	}
}

// NewLoop returns a loop that is idle until Run is called.
func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		tasks:   make(chan func(), 256),
		stopped: make(chan struct{}),
		frame:   FrameInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Run executes posted callbacks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post queues fn for the loop goroutine. It returns false once the loop stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// Frame implements Scheduler.
func (l *Loop) Frame(fn func()) Cancel {
	return l.After(l.frame, fn)
}

// After implements Scheduler.
func (l *Loop) After(d time.Duration, fn func()) Cancel {
	var cancelled atomic.Bool
	run := func() {
		if !cancelled.Load() {
			fn()
		}
	}
	if d <= 0 {
		select {
		case l.tasks <- run:
		case <-l.stopped:
		default:
			// Full queue. Blocking here would deadlock a caller on the loop.
			go l.Post(run)
		}
		return func() { cancelled.Store(true) }
	}
	timer := time.AfterFunc(d, func() { l.Post(run) })
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		select {
		case <-done:
			return nil
		default:
			return context.Canceled
		}
	}
}
