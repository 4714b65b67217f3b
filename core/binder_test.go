package core

import (
	"context"
	"net/url"
	"testing"
	"time"

	"pkt.systems/waypoint/internal/sessionstore"
	"pkt.systems/waypoint/schema"
)

type binderHarness struct {
	ctx    context.Context
	sched  *ManualScheduler
	page   *fakePage
	mem    *sessionstore.Memory
	store  *PositionStore
	writes *writeLog
	binder *Binder
}

func newBinderHarness(t *testing.T, height int) *binderHarness {
	t.Helper()
	sched := NewManualScheduler(time.Time{})
	mem := sessionstore.NewMemory()
	writes := &writeLog{}
	store := NewPositionStore(mem, WithPositionObserver(writes))
	page := newFakePage(sched, 800, fixedHeight(height))
	return &binderHarness{
		ctx:    context.Background(),
		sched:  sched,
		page:   page,
		mem:    mem,
		store:  store,
		writes: writes,
		binder: NewBinder(page, store, sched, BinderOptions{}),
	}
}

func (h *binderHarness) seed(t *testing.T, path string, value int) {
	t.Helper()
	if !h.store.Overwrite(h.ctx, mustKey(t, path, ""), value) {
		t.Fatalf("seed %s", path)
	}
	h.writes.accepted = 0
}

func (h *binderHarness) stored(t *testing.T, path string) int {
	t.Helper()
	v, ok := h.store.Read(h.ctx, mustKey(t, path, ""))
	if !ok {
		t.Fatalf("expected stored value for %s", path)
	}
	return v
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestBinderRestoresOnRouteEnter(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.seed(t, "/list", 1500)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/list"))
	if h.binder.Phase() != PhaseRestoring {
		t.Fatalf("expected restoring, got %s", h.binder.Phase())
	}
	h.sched.RunUntilIdle(100)
	if h.page.y != 1500 {
		t.Fatalf("expected page at 1500, got %d", h.page.y)
	}
	if h.binder.Phase() != PhaseIdle {
		t.Fatalf("expected idle after convergence, got %s", h.binder.Phase())
	}
	if h.binder.State().LastTrackedOffset != 1500 {
		t.Fatalf("expected tracked offset 1500, got %d", h.binder.State().LastTrackedOffset)
	}
	if res := h.binder.Restoration().Result(); res.Outcome != schema.RestoreConverged {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBinderNoStoredValueStaysIdle(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/fresh"))
	if h.binder.Phase() != PhaseIdle || h.binder.Restoration() != nil {
		t.Fatalf("expected idle without restoration")
	}
	if h.sched.Pending() != 0 {
		t.Fatalf("expected nothing scheduled, got %d", h.sched.Pending())
	}
}

func TestBinderDebouncesScrollWrites(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
	for _, y := range []int{100, 250, 400} {
		h.page.y = y
		h.binder.Scroll(h.ctx)
		h.sched.Advance(30 * time.Millisecond)
	}
	if h.writes.accepted != 0 {
		t.Fatalf("expected no write while scrolling, got %d", h.writes.accepted)
	}
	h.sched.Advance(200 * time.Millisecond)
	if h.writes.accepted != 1 {
		t.Fatalf("expected exactly one debounced write, got %d", h.writes.accepted)
	}
	if got := h.stored(t, "/a"); got != 400 {
		t.Fatalf("expected 400 stored, got %d", got)
	}
}

func TestBinderSkipsSmallScrollWrites(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
	h.page.y = 8
	h.binder.Scroll(h.ctx)
	h.sched.Advance(time.Second)
	if h.writes.accepted != 0 {
		t.Fatalf("expected offsets under the threshold to be ignored")
	}
}

func TestBinderLoadingSuppressesCapture(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
	h.page.loading = true
	h.page.y = 600
	h.binder.Scroll(h.ctx)
	if h.sched.Pending() != 0 {
		t.Fatalf("expected no capture while loading, got %d pending", h.sched.Pending())
	}
}

func TestBinderPointerDownSuppressesTransitionalScroll(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
	h.page.y = 600
	h.binder.PointerDown(h.ctx, &schema.Anchor{Href: "/b"})
	if !h.binder.State().NavigationInProgress {
		t.Fatalf("expected navigation flag")
	}
	if got := h.stored(t, "/a"); got != 600 {
		t.Fatalf("expected 600 captured on pointerdown, got %d", got)
	}
	h.page.y = 0
	h.binder.Scroll(h.ctx)
	h.sched.Advance(time.Second)
	if got := h.stored(t, "/a"); got != 600 {
		t.Fatalf("expected transitional scroll to be ignored, got %d", got)
	}
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/b"))
	if h.binder.State().NavigationInProgress {
		t.Fatalf("expected route enter to clear the navigation flag")
	}
	if got := h.stored(t, "/a"); got != 600 {
		t.Fatalf("expected /a to keep 600, got %d", got)
	}
}

func TestBinderPointerDownIgnoresExternalLinks(t *testing.T) {
	anchors := []schema.Anchor{
		{Href: "https://elsewhere.test/b"},
		{Href: "/b", Target: "_blank"},
		{Href: "/file.zip", Download: true},
	}
	for _, anchor := range anchors {
		h := newBinderHarness(t, 3000)
		h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
		h.page.y = 600
		h.binder.PointerDown(h.ctx, &anchor)
		if h.binder.State().NavigationInProgress {
			t.Fatalf("anchor %+v should not set the navigation flag", anchor)
		}
		if h.writes.accepted != 0 {
			t.Fatalf("anchor %+v should not write", anchor)
		}
	}
}

func TestBinderPersistsPreviousRouteOnLeave(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
	h.page.y = 700
	h.binder.Scroll(h.ctx)
	h.sched.Advance(20 * time.Millisecond)
	h.page.y = 0
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/b"))
	if got := h.stored(t, "/a"); got != 700 {
		t.Fatalf("expected 700 persisted for /a, got %d", got)
	}
	h.sched.RunUntilIdle(100)
	if h.writes.accepted != 1 {
		t.Fatalf("expected the pending debounce to be dropped, got %d writes", h.writes.accepted)
	}
}

func TestBinderVisibilityHiddenWritesGuarded(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.seed(t, "/a", 500)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
	h.binder.Close()
	h.page.y = 30
	h.binder.VisibilityChange(h.ctx, true)
	if got := h.stored(t, "/a"); got != 500 {
		t.Fatalf("expected guard to keep 500, got %d", got)
	}
	h.page.y = 450
	h.binder.VisibilityChange(h.ctx, false)
	if got := h.stored(t, "/a"); got != 500 {
		t.Fatalf("expected visible transition to be ignored, got %d", got)
	}
	h.binder.VisibilityChange(h.ctx, true)
	if got := h.stored(t, "/a"); got != 450 {
		t.Fatalf("expected 450, got %d", got)
	}
}

func TestBinderTeardownOverwrites(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.seed(t, "/a", 500)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
	h.binder.Close()
	h.page.y = 30
	h.binder.Handle(h.ctx, schema.BrowserEvent{Type: schema.EventPageHide})
	if got := h.stored(t, "/a"); got != 30 {
		t.Fatalf("expected teardown to overwrite with 30, got %d", got)
	}
	h.page.y = 5
	h.binder.Handle(h.ctx, schema.BrowserEvent{Type: schema.EventBeforeUnload})
	if got := h.stored(t, "/a"); got != 30 {
		t.Fatalf("expected offsets under the threshold to be skipped, got %d", got)
	}
}

func TestBinderPopStateRestoresAndAbsorbsRouteEnter(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.seed(t, "/list", 1500)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/detail"))
	h.page.y = 300
	h.binder.PointerDown(h.ctx, &schema.Anchor{Href: "/somewhere"})

	h.binder.PopState(h.ctx, mustURL(t, "https://app.test/list"))
	if h.binder.State().NavigationInProgress {
		t.Fatalf("expected popstate to clear the navigation flag")
	}
	gen := h.binder.generation
	run := h.binder.Restoration()
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/list"))
	if h.binder.generation != gen || h.binder.Restoration() != run {
		t.Fatalf("expected route enter after popstate to be absorbed")
	}
	h.sched.RunUntilIdle(100)
	if h.page.y != 1500 {
		t.Fatalf("expected page at 1500, got %d", h.page.y)
	}
	if got := h.stored(t, "/detail"); got != 300 {
		t.Fatalf("expected /detail to keep pointerdown capture, got %d", got)
	}
}

func TestBinderNewNavigationSupersedesRestore(t *testing.T) {
	h := newBinderHarness(t, 1000)
	h.seed(t, "/list", 5000)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/list"))
	first := h.binder.Restoration()
	h.sched.Advance(20 * time.Millisecond)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/other"))
	if !first.Done() || first.Result().Outcome != schema.RestoreSuperseded {
		t.Fatalf("expected first restore superseded, got %+v", first.Result())
	}
	if h.binder.Phase() != PhaseIdle {
		t.Fatalf("expected idle on a key without stored value, got %s", h.binder.Phase())
	}
	h.sched.RunUntilIdle(100)
	if len(h.page.scrolls) != 0 {
		t.Fatalf("expected no scrolls from the stale sequence, got %v", h.page.scrolls)
	}
}

func TestBinderAttachPostsEvents(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.seed(t, "/list", 900)
	events := make(chan schema.BrowserEvent, 2)
	events <- schema.BrowserEvent{Type: schema.EventRouteEnter, Location: mustURL(t, "https://app.test/list")}
	close(events)
	h.binder.Attach(h.ctx, h.sched, events)
	h.sched.RunUntilIdle(100)
	if h.page.y != 900 {
		t.Fatalf("expected page at 900, got %d", h.page.y)
	}
}

func TestBinderUnparsableQueryGetsItsOwnKey(t *testing.T) {
	h := newBinderHarness(t, 5000)
	h.seed(t, "/a", 3000)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
	first := h.binder.Restoration()
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/list?cat=1;page=2"))
	if want := mustKey(t, "/list", "cat=1;page=2"); h.binder.Key() != want {
		t.Fatalf("expected key %q, got %q", want, h.binder.Key())
	}
	if !first.Done() || first.Result().Outcome != schema.RestoreSuperseded {
		t.Fatalf("expected /a restore superseded, got %+v", first.Result())
	}
	before := h.stored(t, "/a")

	h.page.y = 40
	h.binder.Scroll(h.ctx)
	h.sched.RunUntilIdle(100)
	if h.page.y != 40 {
		t.Fatalf("expected no stale restore scrolling, page at %d", h.page.y)
	}
	h.binder.Handle(h.ctx, schema.BrowserEvent{Type: schema.EventPageHide})

	if got := h.stored(t, "/a"); got != before {
		t.Fatalf("expected /a to keep %d, got %d", before, got)
	}
	got, ok := h.store.Read(h.ctx, mustKey(t, "/list", "cat=1;page=2"))
	if !ok || got != 40 {
		t.Fatalf("expected 40 under the new key, got %d (found %v)", got, ok)
	}
}

func TestBinderInvalidLocationUnbinds(t *testing.T) {
	h := newBinderHarness(t, 5000)
	h.seed(t, "/a", 3000)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
	run := h.binder.Restoration()
	h.binder.RouteEnter(h.ctx, nil)
	if h.binder.Key() != "" {
		t.Fatalf("expected no active key, got %q", h.binder.Key())
	}
	if !run.Done() {
		t.Fatalf("expected the previous restore to be superseded")
	}
	h.page.y = 700
	h.binder.Scroll(h.ctx)
	h.sched.RunUntilIdle(100)
	h.binder.Handle(h.ctx, schema.BrowserEvent{Type: schema.EventPageHide})
	if got := h.stored(t, "/a"); got == 700 {
		t.Fatalf("expected /a untouched by the unbound page")
	}
}

func TestBinderStaleFrameSkipsNewRoute(t *testing.T) {
	h := newBinderHarness(t, 5000)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/a"))
	h.page.y = 500
	h.binder.Scroll(h.ctx)
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/b"))
	h.page.y = 700
	h.sched.RunUntilIdle(100)
	if got := h.binder.State().LastTrackedOffset; got != 0 {
		t.Fatalf("expected the frame from /a not to track /b, got %d", got)
	}
}

func TestBinderRouteEnterAfterFinishedPopStateReenters(t *testing.T) {
	h := newBinderHarness(t, 3000)
	h.seed(t, "/list", 1500)
	h.binder.PopState(h.ctx, mustURL(t, "https://app.test/list"))
	h.sched.RunUntilIdle(100)
	if h.binder.Phase() != PhaseIdle {
		t.Fatalf("expected restore finished, got %s", h.binder.Phase())
	}
	gen := h.binder.generation
	h.binder.RouteEnter(h.ctx, mustURL(t, "https://app.test/list"))
	if h.binder.generation == gen {
		t.Fatalf("expected route enter after a finished restore to re-enter")
	}
}
