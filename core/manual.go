package core

import (
	"container/heap"
	"time"
)

// ManualScheduler is a virtual-clock Scheduler. Nothing runs until the caller
// advances time, which makes restore sequences deterministic.
type ManualScheduler struct {
	now   time.Time
	frame time.Duration
	seq   uint64
	queue taskHeap
}

// NewManualScheduler starts the clock at start. A zero start uses the Unix epoch.
func NewManualScheduler(start time.Time) *ManualScheduler {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	return &ManualScheduler{now: start, frame: FrameInterval}
}

// Now implements Scheduler.
func (m *ManualScheduler) Now() time.Time {
	return m.now
}

// Frame implements Scheduler.
func (m *ManualScheduler) Frame(fn func()) Cancel {
	return m.After(m.frame, fn)
}

// After implements Scheduler.
func (m *ManualScheduler) After(d time.Duration, fn func()) Cancel {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &task{due: m.now.Add(d), seq: m.seq, fn: fn}
	heap.Push(&m.queue, t)
	return func() { t.cancelled = true }
}

// Post queues fn at the current virtual time.
func (m *ManualScheduler) Post(fn func()) bool {
	m.After(0, fn)
	return true
}

// Pending reports how many callbacks are still queued, cancelled ones included.
func (m *ManualScheduler) Pending() int {
	return m.queue.Len()
}

// Advance moves the clock forward by d, running every callback that falls due.
// It returns how many callbacks ran.
func (m *ManualScheduler) Advance(d time.Duration) int {
	deadline := m.now.Add(d)
	ran := 0
	for m.queue.Len() > 0 && !m.queue[0].due.After(deadline) {
		if m.step() {
			ran++
		}
	}
	m.now = deadline
	return ran
}

// RunUntilIdle runs callbacks in due order, jumping the clock as needed, until
// the queue drains or limit callbacks ran. A limit <= 0 means no limit.
func (m *ManualScheduler) RunUntilIdle(limit int) int {
	ran := 0
	for m.queue.Len() > 0 {
		if limit > 0 && ran >= limit {
			break
		}
		if m.step() {
			ran++
		}
	}
	return ran
}

func (m *ManualScheduler) step() bool {
	t := heap.Pop(&m.queue).(*task)
	if t.due.After(m.now) {
		m.now = t.due
	}
	if t.cancelled || t.fn == nil {
		return false
	}
	t.fn()
	return true
}

type task struct {
	due       time.Time
	seq       uint64
	fn        func()
	cancelled bool
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
