package core

import (
	"context"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/waypoint/internal/logx"
	"pkt.systems/waypoint/schema"
)

// Restore defaults.
const (
	DefaultTolerance      = 10
	DefaultMaxAttempts    = 50
	DefaultStableAttempts = 3
	DefaultDelayStep      = 50 * time.Millisecond
	DefaultDelayEvery     = 5
	DefaultMaxDelay       = 500 * time.Millisecond
)

// Viewport is the part of a page the convergence loop measures and moves.
type Viewport interface {
	ScrollY() int
	ViewportHeight() int
	DocumentHeight() int
	// ScrollTo jumps without smoothing.
	ScrollTo(y int)
}

// RestoreOptions tunes the convergence loop. Zero fields take the defaults.
type RestoreOptions struct {
	Tolerance      int
	MaxAttempts    int
	StableAttempts int
	DelayStep      time.Duration
	DelayEvery     int
	MaxDelay       time.Duration
}

// WithDefaults fills unset fields.
func (o RestoreOptions) WithDefaults() RestoreOptions {
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.StableAttempts <= 0 {
		o.StableAttempts = DefaultStableAttempts
	}
	if o.DelayStep <= 0 {
		o.DelayStep = DefaultDelayStep
	}
	if o.DelayEvery <= 0 {
		o.DelayEvery = DefaultDelayEvery
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	return o
}

// NextDelay is the wait before the attempt following attempt n. Zero means the
// next animation frame.
func (o RestoreOptions) NextDelay(n int) time.Duration {
	o = o.WithDefaults()
	if n < 0 {
		n = 0
	}
	delay := time.Duration(n/o.DelayEvery) * o.DelayStep
	if delay > o.MaxDelay {
		delay = o.MaxDelay
	}
	return delay
}

// Measurement is one reading of the page geometry.
type Measurement struct {
	ScrollY        int
	ViewportHeight int
	DocumentHeight int
}

// MaxScrollable is the largest offset the document allows right now.
func (m Measurement) MaxScrollable() int {
	return m.DocumentHeight - m.ViewportHeight
}

// AttemptState is the transient record of one restore sequence.
type AttemptState struct {
	Target      int
	Number      int
	LastHeight  int
	StableCount int
}

// NewAttemptState starts a sequence for target.
func NewAttemptState(target int) AttemptState {
	return AttemptState{Target: target, LastHeight: -1}
}

// Decision is what one attempt asks the driver to do.
type Decision struct {
	Scroll   bool
	ScrollTo int
	Done     bool
	Outcome  schema.RestoreOutcome
}

// Within reports whether offset is inside the tolerance of target.
func (o RestoreOptions) Within(offset, target int) bool {
	d := offset - target
	if d < 0 {
		d = -d
	}
	return d < o.WithDefaults().Tolerance
}

// Step runs one attempt against a fresh measurement.
func (o RestoreOptions) Step(s AttemptState, m Measurement) (AttemptState, Decision) {
	o = o.WithDefaults()
	s.Number++
	if o.Within(m.ScrollY, s.Target) {
		return s, Decision{Done: true, Outcome: schema.RestoreConverged}
	}
	if m.DocumentHeight == s.LastHeight {
		s.StableCount++
	} else {
		s.StableCount = 0
		s.LastHeight = m.DocumentHeight
	}
	maxScroll := m.MaxScrollable()
	if s.Target <= maxScroll {
		return s, Decision{Scroll: true, ScrollTo: s.Target}
	}
	if s.StableCount >= o.StableAttempts {
		if maxScroll < 0 {
			maxScroll = 0
		}
		return s, Decision{Scroll: true, ScrollTo: maxScroll, Done: true, Outcome: schema.RestoreSettled}
	}
	return s, Decision{}
}

// RestoreObserver is told when a restore sequence ends.
type RestoreObserver interface {
	RestoreFinished(result schema.RestoreResult)
}

// Restorer drives a Viewport toward a remembered offset. It never overlaps
// callbacks because everything runs through its Scheduler.
type Restorer struct {
	viewport Viewport
	sched    Scheduler
	opts     RestoreOptions
	logger   pslog.Logger
	observer RestoreObserver
}

// NewRestorer wires a viewport to a scheduler.
func NewRestorer(viewport Viewport, sched Scheduler, opts RestoreOptions, logger pslog.Logger, observer RestoreObserver) *Restorer {
	return &Restorer{
		viewport: viewport,
		sched:    sched,
		opts:     opts.WithDefaults(),
		logger:   logger,
		observer: observer,
	}
}

// Options returns the effective tunables.
func (r *Restorer) Options() RestoreOptions {
	return r.opts
}

// Restoration is an in-flight restore sequence.
type Restoration struct {
	r        *Restorer
	ctx      context.Context
	log      pslog.Logger
	key      schema.NavigationKey
	state    AttemptState
	active   func() bool
	onScroll func(int)
	onDone   func(schema.RestoreResult)
	cancel   Cancel
	done     bool
	result   schema.RestoreResult
}

// RestoreRequest describes a sequence to start.
type RestoreRequest struct {
	Key    schema.NavigationKey
	Target int
	// Active gates every callback; a false return ends the sequence as superseded.
	Active func() bool
	// OnScroll sees each programmatic scroll.
	OnScroll func(y int)
	// OnDone runs once, after the observer.
	OnDone func(result schema.RestoreResult)
}

// Start schedules the first attempt on the next frame.
func (r *Restorer) Start(ctx context.Context, req RestoreRequest) *Restoration {
	if ctx == nil {
		ctx = context.Background()
	}
	target := req.Target
	if target < 0 {
		target = 0
	}
	run := &Restoration{
		r:        r,
		ctx:      ctx,
		log:      logx.WithKey(logx.Or(ctx, r.logger), req.Key),
		key:      req.Key,
		state:    NewAttemptState(target),
		active:   req.Active,
		onScroll: req.OnScroll,
		onDone:   req.OnDone,
	}
	run.log.Debug("restore start", "target", target)
	run.cancel = r.sched.Frame(run.attempt)
	return run
}

// Done reports whether the sequence finished.
func (run *Restoration) Done() bool {
	return run.done
}

// Result is valid once Done reports true.
func (run *Restoration) Result() schema.RestoreResult {
	return run.result
}

// Key returns the navigation key being restored.
func (run *Restoration) Key() schema.NavigationKey {
	return run.key
}

// Supersede ends the sequence and drops its pending callback.
func (run *Restoration) Supersede() {
	if run == nil || run.done {
		return
	}
	if run.cancel != nil {
		run.cancel()
	}
	run.finish(schema.RestoreSuperseded)
}

func (run *Restoration) live() bool {
	if run.done {
		return false
	}
	if run.active != nil && !run.active() {
		run.finish(schema.RestoreSuperseded)
		return false
	}
	return true
}

func (run *Restoration) attempt() {
	if !run.live() {
		return
	}
	opts := run.r.opts
	if run.state.Number >= opts.MaxAttempts {
		run.finish(schema.RestoreAbandoned)
		return
	}
	m := run.measure()
	next, decision := opts.Step(run.state, m)
	run.state = next
	run.log.Trace("restore attempt",
		"attempt", next.Number,
		"scroll_y", m.ScrollY,
		"document_height", m.DocumentHeight,
		"max_scrollable", m.MaxScrollable(),
		"stable", next.StableCount,
	)
	if decision.Scroll {
		run.scrollTo(decision.ScrollTo)
	}
	if decision.Done {
		run.finish(decision.Outcome)
		return
	}
	if decision.Scroll {
		run.cancel = run.r.sched.Frame(run.verify)
		return
	}
	run.scheduleNext()
}

func (run *Restoration) verify() {
	if !run.live() {
		return
	}
	if run.r.opts.Within(run.r.viewport.ScrollY(), run.state.Target) {
		run.finish(schema.RestoreConverged)
		return
	}
	if run.state.Number >= run.r.opts.MaxAttempts {
		run.finish(schema.RestoreAbandoned)
		return
	}
	run.scheduleNext()
}

func (run *Restoration) scheduleNext() {
	delay := run.r.opts.NextDelay(run.state.Number)
	if delay <= 0 {
		run.cancel = run.r.sched.Frame(run.attempt)
		return
	}
	run.cancel = run.r.sched.After(delay, run.attempt)
}

func (run *Restoration) measure() Measurement {
	vp := run.r.viewport
	return Measurement{
		ScrollY:        vp.ScrollY(),
		ViewportHeight: vp.ViewportHeight(),
		DocumentHeight: vp.DocumentHeight(),
	}
}

func (run *Restoration) scrollTo(y int) {
	run.r.viewport.ScrollTo(y)
	if run.onScroll != nil {
		run.onScroll(y)
	}
}

func (run *Restoration) finish(outcome schema.RestoreOutcome) {
	if run.done {
		return
	}
	run.done = true
	run.cancel = nil
	run.result = schema.RestoreResult{
		Key:      run.key,
		Target:   run.state.Target,
		Final:    run.r.viewport.ScrollY(),
		Attempts: run.state.Number,
		Outcome:  outcome,
	}
	switch outcome {
	case schema.RestoreConverged, schema.RestoreSettled:
		run.log.Info("restore finished", "outcome", outcome, "final", run.result.Final, "attempts", run.result.Attempts)
	default:
		run.log.Debug("restore finished", "outcome", outcome, "final", run.result.Final, "attempts", run.result.Attempts)
	}
	if run.r.observer != nil {
		run.r.observer.RestoreFinished(run.result)
	}
	if run.onDone != nil {
		run.onDone(run.result)
	}
}
