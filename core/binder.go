package core

import (
	"context"
	"net/url"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/waypoint/internal/logx"
	"pkt.systems/waypoint/schema"
)

// Binder defaults.
const (
	DefaultCaptureThreshold = 10
	DefaultScrollDebounce   = 100 * time.Millisecond
)

// Phase is the binder's restore state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRestoring
)

func (p Phase) String() string {
	if p == PhaseRestoring {
		return "restoring"
	}
	return "idle"
}

// LoadingReporter is implemented by pages that know when content is still loading.
type LoadingReporter interface {
	Loading() bool
}

// TrackingState is the binder's capture state.
type TrackingState struct {
	LastTrackedOffset    int
	NavigationInProgress bool
}

// BinderOptions configures a Binder. Zero fields take defaults.
type BinderOptions struct {
	Restore          RestoreOptions
	CaptureThreshold int
	Debounce         time.Duration
	Logger           pslog.Logger
	Observer         RestoreObserver
}

// Binder connects browser events to a PositionStore and the convergence loop
// for one tab. All methods must be called on the scheduler's thread.
type Binder struct {
	page      Viewport
	positions *PositionStore
	sched     Scheduler
	restorer  *Restorer
	threshold int
	debounce  time.Duration
	logger    pslog.Logger

	location   *url.URL
	key        schema.NavigationKey
	generation uint64
	phase      Phase
	state      TrackingState
	popKey     schema.NavigationKey

	run            *Restoration
	cancelDebounce Cancel
	ticking        bool
}

// NewBinder builds a binder around page.
func NewBinder(page Viewport, positions *PositionStore, sched Scheduler, opts BinderOptions) *Binder {
	if opts.CaptureThreshold <= 0 {
		opts.CaptureThreshold = DefaultCaptureThreshold
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultScrollDebounce
	}
	return &Binder{
		page:      page,
		positions: positions,
		sched:     sched,
		restorer:  NewRestorer(page, sched, opts.Restore, opts.Logger, opts.Observer),
		threshold: opts.CaptureThreshold,
		debounce:  opts.Debounce,
		logger:    opts.Logger,
	}
}

// Key is the active navigation key.
func (b *Binder) Key() schema.NavigationKey {
	return b.key
}

// Phase reports whether a restore sequence is running.
func (b *Binder) Phase() Phase {
	return b.phase
}

// State returns the capture state.
func (b *Binder) State() TrackingState {
	return b.state
}

// Restoration returns the latest restore sequence, or nil.
func (b *Binder) Restoration() *Restoration {
	return b.run
}

// Handle dispatches a browser event.
func (b *Binder) Handle(ctx context.Context, ev schema.BrowserEvent) {
	switch ev.Type {
	case schema.EventRouteEnter:
		b.RouteEnter(ctx, ev.Location)
	case schema.EventPopState:
		b.PopState(ctx, ev.Location)
	case schema.EventScroll:
		b.Scroll(ctx)
	case schema.EventVisibility:
		b.VisibilityChange(ctx, ev.Hidden)
	case schema.EventPageHide, schema.EventBeforeUnload:
		b.Teardown(ctx)
	case schema.EventPointerDown:
		b.PointerDown(ctx, ev.Anchor)
	default:
		b.log(ctx).Trace("binder ignored event", "type", ev.Type)
	}
}

// Attach feeds events into the binder on the poster's thread until ctx is done
// or events closes.
func (b *Binder) Attach(ctx context.Context, poster Poster, events <-chan schema.BrowserEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !poster.Post(func() { b.Handle(ctx, ev) }) {
				return
			}
		}
	}
}

// RouteEnter handles a committed navigation to loc.
func (b *Binder) RouteEnter(ctx context.Context, loc *url.URL) {
	b.enter(ctx, loc, false)
}

// PopState handles back/forward navigation. It clears the navigation flag and
// restores the target location; the route-enter that follows for the same
// key is absorbed.
func (b *Binder) PopState(ctx context.Context, loc *url.URL) {
	b.state.NavigationInProgress = false
	b.enter(ctx, loc, true)
}

func (b *Binder) enter(ctx context.Context, loc *url.URL, fromPop bool) {
	key, err := schema.KeyFromURL(loc)
	if err != nil {
		// Unbind so nothing on this page lands in the previous key's slot.
		b.log(ctx).Debug("binder untracked location", "err", err)
		b.popKey = ""
		b.leave(ctx)
		b.location = loc
		b.key = ""
		b.generation++
		b.state = TrackingState{}
		b.phase = PhaseIdle
		return
	}
	if !fromPop && b.popKey != "" {
		pending := b.popKey
		b.popKey = ""
		if pending == key && key == b.key && b.phase == PhaseRestoring {
			b.log(ctx).Trace("route enter absorbed by popstate", "key", key)
			return
		}
	}
	if fromPop {
		b.popKey = key
	}

	b.leave(ctx)

	b.location = loc
	b.key = key
	b.generation++
	b.state = TrackingState{}
	b.phase = PhaseIdle

	target, ok := b.positions.Read(ctx, key)
	if !ok {
		return
	}
	gen := b.generation
	b.phase = PhaseRestoring
	b.run = b.restorer.Start(ctx, RestoreRequest{
		Key:    key,
		Target: target,
		Active: func() bool { return b.generation == gen && b.key == key },
		OnScroll: func(y int) {
			b.state.LastTrackedOffset = y
		},
		OnDone: func(schema.RestoreResult) {
			if b.generation == gen {
				b.phase = PhaseIdle
			}
		},
	})
}

func (b *Binder) leave(ctx context.Context) {
	b.stopDebounce()
	if b.run != nil {
		b.run.Supersede()
	}
	if b.key == "" || b.state.NavigationInProgress {
		return
	}
	offset := b.state.LastTrackedOffset
	if offset == 0 {
		offset = b.page.ScrollY()
	}
	b.positions.Write(ctx, b.key, offset)
}

// Scroll handles a window scroll event.
func (b *Binder) Scroll(ctx context.Context) {
	if b.key == "" || b.state.NavigationInProgress || b.loading() {
		return
	}
	if !b.ticking {
		b.ticking = true
		frameGen := b.generation
		b.sched.Frame(func() {
			b.ticking = false
			if frameGen == b.generation && !b.state.NavigationInProgress {
				b.state.LastTrackedOffset = b.page.ScrollY()
			}
		})
	}
	b.stopDebounce()
	gen, key := b.generation, b.key
	b.cancelDebounce = b.sched.After(b.debounce, func() {
		b.cancelDebounce = nil
		if gen != b.generation || b.state.NavigationInProgress {
			return
		}
		current := b.page.ScrollY()
		if current > b.threshold || b.state.LastTrackedOffset > b.threshold {
			b.positions.Write(ctx, key, max(current, b.state.LastTrackedOffset))
		}
	})
}

// VisibilityChange persists immediately when the page becomes hidden.
func (b *Binder) VisibilityChange(ctx context.Context, hidden bool) {
	if !hidden || b.key == "" {
		return
	}
	if final := b.finalOffset(); final > b.threshold {
		b.positions.Write(ctx, b.key, final)
	}
}

// Teardown handles pagehide and beforeunload. The write skips the guard.
func (b *Binder) Teardown(ctx context.Context) {
	if b.key == "" {
		return
	}
	if final := b.finalOffset(); final > b.threshold {
		b.positions.Overwrite(ctx, b.key, final)
	}
}

// PointerDown marks an in-tab link navigation and captures the offset before
// the router can reset it.
func (b *Binder) PointerDown(ctx context.Context, anchor *schema.Anchor) {
	if anchor == nil || b.key == "" || !anchor.Internal(b.location) {
		return
	}
	b.state.NavigationInProgress = true
	b.stopDebounce()
	current := b.page.ScrollY()
	b.state.LastTrackedOffset = current
	b.positions.Write(ctx, b.key, current)
}

// Close drops pending callbacks without persisting.
func (b *Binder) Close() {
	b.stopDebounce()
	if b.run != nil {
		b.run.Supersede()
	}
	b.generation++
}

func (b *Binder) finalOffset() int {
	return max(b.page.ScrollY(), b.state.LastTrackedOffset)
}

func (b *Binder) stopDebounce() {
	if b.cancelDebounce != nil {
		b.cancelDebounce()
		b.cancelDebounce = nil
	}
}

func (b *Binder) loading() bool {
	if lr, ok := b.page.(LoadingReporter); ok {
		return lr.Loading()
	}
	return false
}

func (b *Binder) log(ctx context.Context) pslog.Logger {
	return logx.WithKey(logx.Or(ctx, b.logger), b.key)
}
