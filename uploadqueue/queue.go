// Package uploadqueue runs independent tasks with a fixed concurrency cap,
// per-item retries with capped exponential backoff, and progress reporting.
package uploadqueue

import (
	"container/list"
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"pkt.systems/pslog"
	"pkt.systems/waypoint/internal/logx"
	"pkt.systems/waypoint/schema"
)

const (
	// DefaultConcurrency is used when Options.Concurrency is not positive.
	DefaultConcurrency = 3
	// DefaultMaxAttempts is used when Enqueue gets a non-positive ceiling.
	DefaultMaxAttempts = 3
	// BaseBackoff is the delay after the first failed attempt.
	BaseBackoff = time.Second
	// MaxBackoff caps the retry delay.
	MaxBackoff = 5 * time.Second
)

// Executor performs one attempt for payload. A zero result counts as a failure.
type Executor[P, R any] func(ctx context.Context, payload P, index int) (R, error)

// AttemptEvent describes one finished attempt.
type AttemptEvent struct {
	Item     schema.ItemSnapshot
	Err      error
	Duration time.Duration
	// Retry is set when the item went back to pending.
	Retry bool
}

// Options configures a Queue.
type Options[P any] struct {
	Concurrency int
	// Backoff maps the attempt count of a failed item to its requeue delay.
	Backoff func(attempts int) time.Duration
	// Name labels items for progress and logs.
	Name      func(payload P, index int) string
	Logger    pslog.Logger
	OnAttempt func(AttemptEvent)
}

// DefaultBackoff doubles from one second and caps at five.
func DefaultBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 4 {
		return MaxBackoff
	}
	delay := BaseBackoff << (attempts - 1)
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	return delay
}

type item[P, R any] struct {
	id          string
	name        string
	index       int
	payload     P
	attempts    int
	maxAttempts int
	status      schema.ItemStatus
	result      R
	err         error
	startedAt   time.Time
	endedAt     time.Time
}

func (it *item[P, R]) snapshot() schema.ItemSnapshot {
	snap := schema.ItemSnapshot{
		ID:          it.id,
		Name:        it.name,
		Index:       it.index,
		Status:      it.status,
		Attempts:    it.attempts,
		MaxAttempts: it.maxAttempts,
		StartedAt:   it.startedAt,
		EndedAt:     it.endedAt,
	}
	if it.err != nil {
		snap.Error = it.err.Error()
	}
	return snap
}

// Queue is a bounded-concurrency retry queue. It is safe for concurrent use,
// but only one Run may be active at a time.
type Queue[P, R any] struct {
	opts Options[P]

	mu      sync.Mutex
	items   []*item[P, R]
	pending *list.List
	running int
	retries map[*item[P, R]]*time.Timer
	results []R
	active  bool
	wake    chan struct{}
	sem     *semaphore.Weighted

	emitMu     sync.Mutex
	onProgress []func(schema.QueueProgress)
	onStatus   []func(string)
}

// New builds an empty queue.
func New[P, R any](opts Options[P]) *Queue[P, R] {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}
	return &Queue[P, R]{
		opts:    opts,
		pending: list.New(),
		retries: map[*item[P, R]]*time.Timer{},
	}
}

// Concurrency is the slot count.
func (q *Queue[P, R]) Concurrency() int {
	return q.opts.Concurrency
}

// Enqueue appends payloads in pending state and returns their ids.
func (q *Queue[P, R]) Enqueue(payloads []P, maxAttempts int) []string {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q.mu.Lock()
	ids := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		index := len(q.items)
		it := &item[P, R]{
			id:          uuid.NewString(),
			name:        q.nameFor(payload, index),
			index:       index,
			payload:     payload,
			maxAttempts: maxAttempts,
			status:      schema.ItemPending,
		}
		q.items = append(q.items, it)
		q.pending.PushBack(it)
		ids = append(ids, it.id)
	}
	q.mu.Unlock()
	q.signal()
	return ids
}

func (q *Queue[P, R]) nameFor(payload P, index int) string {
	if q.opts.Name != nil {
		if name := q.opts.Name(payload, index); name != "" {
			return name
		}
	}
	return fmt.Sprintf("item %d", index+1)
}

// OnProgress registers an observer for aggregate counters.
func (q *Queue[P, R]) OnProgress(fn func(schema.QueueProgress)) {
	if fn == nil {
		return
	}
	q.emitMu.Lock()
	q.onProgress = append(q.onProgress, fn)
	q.emitMu.Unlock()
}

// OnStatus registers an observer for human-readable status lines.
func (q *Queue[P, R]) OnStatus(fn func(string)) {
	if fn == nil {
		return
	}
	q.emitMu.Lock()
	q.onStatus = append(q.onStatus, fn)
	q.emitMu.Unlock()
}

// Clear drops every item and result. It fails while Run is active.
func (q *Queue[P, R]) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active {
		return schema.ErrQueueBusy
	}
	for it, timer := range q.retries {
		timer.Stop()
		delete(q.retries, it)
	}
	q.items = nil
	q.pending.Init()
	q.results = nil
	return nil
}

// Items snapshots every item in enqueue order.
func (q *Queue[P, R]) Items() []schema.ItemSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]schema.ItemSnapshot, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.snapshot())
	}
	return out
}

// Failed snapshots the terminally failed items.
func (q *Queue[P, R]) Failed() []schema.ItemSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failedLocked()
}

// Progress returns the current aggregate counters.
func (q *Queue[P, R]) Progress() schema.QueueProgress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progressLocked()
}

// Run drives the queue until nothing is pending or running and returns the
// successful results in completion order. Failed items are reported through
// Failed and the progress observers, never as an error. When ctx ends, Run
// stops starting items, waits for in-flight ones and returns ctx.Err()
// alongside the results gathered so far.
func (q *Queue[P, R]) Run(ctx context.Context, exec Executor[P, R]) ([]R, error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: nil executor", schema.ErrInvalidRequest)
	}
	q.mu.Lock()
	if q.active {
		q.mu.Unlock()
		return nil, schema.ErrQueueBusy
	}
	q.active = true
	q.results = nil
	q.wake = make(chan struct{}, 1)
	q.sem = semaphore.NewWeighted(int64(q.opts.Concurrency))
	total := len(q.items)
	q.mu.Unlock()

	log := logx.Or(ctx, q.opts.Logger)
	log.Debug("queue run start", "items", total, "concurrency", q.opts.Concurrency)
	q.emitStatus(fmt.Sprintf("processing %d items", total))

	var wg sync.WaitGroup
	done := ctx.Done()
	for {
		q.mu.Lock()
		if ctx.Err() == nil {
			q.startReadyLocked(ctx, exec, &wg)
		}
		idle := q.pending.Len() == 0 && q.running == 0 && len(q.retries) == 0
		stopped := ctx.Err() != nil && q.running == 0
		wake := q.wake
		q.mu.Unlock()
		if idle || stopped {
			break
		}
		select {
		case <-wake:
		case <-done:
			done = nil
		}
	}
	wg.Wait()

	q.mu.Lock()
	for it, timer := range q.retries {
		timer.Stop()
		delete(q.retries, it)
		q.pending.PushBack(it)
	}
	results := append([]R(nil), q.results...)
	summary := q.summaryLocked()
	progress := q.progressLocked()
	q.active = false
	q.mu.Unlock()

	q.logSummary(log, summary)
	q.emitProgress(progress)
	q.emitStatus(fmt.Sprintf("finished: %d completed, %d failed", progress.Completed, progress.Failed))
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (q *Queue[P, R]) startReadyLocked(ctx context.Context, exec Executor[P, R], wg *sync.WaitGroup) {
	for q.pending.Len() > 0 && q.sem.TryAcquire(1) {
		it := q.pending.Remove(q.pending.Front()).(*item[P, R])
		it.status = schema.ItemRunning
		it.attempts++
		it.startedAt = time.Now()
		it.endedAt = time.Time{}
		q.running++
		wg.Add(1)
		go q.execute(ctx, exec, it, wg)
	}
}

func (q *Queue[P, R]) execute(ctx context.Context, exec Executor[P, R], it *item[P, R], wg *sync.WaitGroup) {
	defer wg.Done()
	q.emitStatus(fmt.Sprintf("processing %s (attempt %d/%d)", it.name, it.attempts, it.maxAttempts))

	result, err := call(ctx, exec, it.payload, it.index)
	if err == nil && isZero(result) {
		err = schema.ErrEmptyResult
	}

	log := logx.Or(ctx, q.opts.Logger)
	q.mu.Lock()
	it.endedAt = time.Now()
	q.running--
	event := AttemptEvent{Err: err, Duration: it.endedAt.Sub(it.startedAt)}
	var status string
	switch {
	case err == nil:
		it.status = schema.ItemCompleted
		it.result = result
		it.err = nil
		q.results = append(q.results, result)
		status = fmt.Sprintf("%s completed", it.name)
	case it.attempts >= it.maxAttempts:
		it.status = schema.ItemFailed
		it.err = err
		status = fmt.Sprintf("%s failed after %d attempts", it.name, it.attempts)
		log.Warn("queue item failed", "item", it.name, "attempts", it.attempts, "err", err)
	default:
		it.status = schema.ItemPending
		it.err = err
		delay := q.opts.Backoff(it.attempts)
		event.Retry = true
		q.retries[it] = time.AfterFunc(delay, func() { q.requeue(it) })
		status = fmt.Sprintf("retrying %s in %s", it.name, delay)
		log.Debug("queue item retry", "item", it.name, "attempt", it.attempts, "delay", delay, "err", err)
	}
	event.Item = it.snapshot()
	progress := q.progressLocked()
	sem := q.sem
	q.mu.Unlock()
	sem.Release(1)

	if q.opts.OnAttempt != nil {
		q.opts.OnAttempt(event)
	}
	q.emitStatus(status)
	q.emitProgress(progress)
	q.signal()
}

func (q *Queue[P, R]) requeue(it *item[P, R]) {
	q.mu.Lock()
	if _, ok := q.retries[it]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.retries, it)
	q.pending.PushBack(it)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[P, R]) signal() {
	q.mu.Lock()
	wake := q.wake
	q.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func call[P, R any](ctx context.Context, exec Executor[P, R], payload P, index int) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(ctx, payload, index)
}

func isZero[R any](r R) bool {
	return reflect.ValueOf(&r).Elem().IsZero()
}

func (q *Queue[P, R]) progressLocked() schema.QueueProgress {
	p := schema.QueueProgress{Total: len(q.items)}
	for _, it := range q.items {
		switch it.status {
		case schema.ItemCompleted:
			p.Completed++
		case schema.ItemFailed:
			p.Failed++
			p.FailedItems = append(p.FailedItems, it.snapshot())
		case schema.ItemRunning:
			p.InFlight = append(p.InFlight, it.name)
		}
	}
	if p.Total > 0 {
		p.Percentage = ((p.Completed+p.Failed)*100 + p.Total/2) / p.Total
	}
	return p
}

func (q *Queue[P, R]) failedLocked() []schema.ItemSnapshot {
	var out []schema.ItemSnapshot
	for _, it := range q.items {
		if it.status == schema.ItemFailed {
			out = append(out, it.snapshot())
		}
	}
	return out
}

func (q *Queue[P, R]) emitProgress(p schema.QueueProgress) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	for _, fn := range q.onProgress {
		fn(p)
	}
}

func (q *Queue[P, R]) emitStatus(msg string) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	for _, fn := range q.onStatus {
		fn(msg)
	}
}
