package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"pkt.systems/pslog"
	"pkt.systems/waypoint/schema"
)

const bindingName = "__waypointEmit"

// listenerScript forwards lifecycle events to the CDP binding. It runs in
// every new document before page scripts.
const listenerScript = `(() => {
  if (window.__waypointInstalled) return;
  window.__waypointInstalled = true;
  try { history.scrollRestoration = "manual"; } catch (e) {}
  const emit = (type, extra) => {
    try {
      window.` + bindingName + `(JSON.stringify(Object.assign({type: type, href: location.href}, extra || {})));
    } catch (e) {}
  };
  window.addEventListener("scroll", () => emit("scroll"), {passive: true});
  document.addEventListener("visibilitychange", () => emit("visibilitychange", {hidden: document.visibilityState === "hidden"}));
  window.addEventListener("pagehide", () => emit("pagehide"));
  window.addEventListener("beforeunload", () => emit("beforeunload"));
  window.addEventListener("popstate", () => emit("popstate"));
  document.addEventListener("pointerdown", (e) => {
    const a = e.target && e.target.closest ? e.target.closest("a") : null;
    if (!a) return;
    emit("pointerdown", {anchor: {
      href: a.getAttribute("href") || "",
      target: a.getAttribute("target") || "",
      download: a.hasAttribute("download"),
    }});
  }, true);
  for (const name of ["pushState", "replaceState"]) {
    const orig = history[name];
    history[name] = function () {
      const out = orig.apply(this, arguments);
      emit("routeenter");
      return out;
    };
  }
  if (document.readyState === "loading") {
    document.addEventListener("DOMContentLoaded", () => emit("routeenter"));
  } else {
    emit("routeenter");
  }
})();`

// ChromeOptions configures the browser process.
type ChromeOptions struct {
	ExecPath       string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	// NoSandbox is needed when Chrome runs as root, e.g. in containers.
	NoSandbox bool
	// CallTimeout bounds every CDP round trip.
	CallTimeout time.Duration
	Logger      pslog.Logger
}

// ChromePage is a Chrome tab that implements core.Viewport and streams
// lifecycle events from the page.
type ChromePage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	events  chan schema.BrowserEvent
	timeout time.Duration
	log     pslog.Logger
}

// NewChromePage starts Chrome and opens a blank tab with the event listener installed.
func NewChromePage(ctx context.Context, opts ChromeOptions) (*ChromePage, error) {
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1280
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 800
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight),
	)
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	p := &ChromePage{
		ctx: tabCtx,
		cancel: func() {
			cancelTab()
			cancelAlloc()
		},
		events:  make(chan schema.BrowserEvent, 256),
		timeout: opts.CallTimeout,
		log:     log,
	}
	chromedp.ListenTarget(tabCtx, p.onTargetEvent)

	err := chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(opts.ViewportWidth), int64(opts.ViewportHeight)),
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(listenerScript).Do(ctx)
			return err
		}),
	)
	if err != nil {
		p.cancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	log.Debug("chrome page ready", "headless", opts.Headless, "viewport", fmt.Sprintf("%dx%d", opts.ViewportWidth, opts.ViewportHeight))
	return p, nil
}

// Close shuts the tab and the browser down.
func (p *ChromePage) Close() {
	p.cancel()
}

// Events streams lifecycle events. Slow consumers lose events.
func (p *ChromePage) Events() <-chan schema.BrowserEvent {
	return p.events
}

// Navigate loads target and waits for the load event.
func (p *ChromePage) Navigate(ctx context.Context, target string) error {
	return p.run(ctx, chromedp.Navigate(target))
}

// Eval evaluates a JavaScript expression in the page.
func (p *ChromePage) Eval(ctx context.Context, expr string, out any) error {
	return p.run(ctx, chromedp.Evaluate(expr, out))
}

// ScrollY implements core.Viewport.
func (p *ChromePage) ScrollY() int {
	return p.evalInt("Math.round(window.scrollY)")
}

// ViewportHeight implements core.Viewport.
func (p *ChromePage) ViewportHeight() int {
	return p.evalInt("window.innerHeight")
}

// DocumentHeight implements core.Viewport.
func (p *ChromePage) DocumentHeight() int {
	return p.evalInt("Math.max(document.documentElement.scrollHeight, document.body ? document.body.scrollHeight : 0)")
}

// ScrollTo implements core.Viewport.
func (p *ChromePage) ScrollTo(y int) {
	var ok bool
	expr := fmt.Sprintf(`(window.scrollTo({top: %d, left: 0, behavior: "instant"}), true)`, y)
	if err := p.Eval(context.Background(), expr, &ok); err != nil {
		p.log.Warn("chrome scroll failed", "y", y, "err", err)
	}
}

// Loading implements core.LoadingReporter. Pages opt in by setting the
// data-waypoint-loading attribute on the root element.
func (p *ChromePage) Loading() bool {
	var loading bool
	if err := p.Eval(context.Background(), `document.documentElement.hasAttribute("data-waypoint-loading")`, &loading); err != nil {
		return false
	}
	return loading
}

// Storage returns the tab's sessionStorage as a key/value store.
func (p *ChromePage) Storage() *SessionStorage {
	return &SessionStorage{page: p}
}

func (p *ChromePage) evalInt(expr string) int {
	var v float64
	if err := p.Eval(context.Background(), expr, &v); err != nil {
		p.log.Warn("chrome measure failed", "expr", expr, "err", err)
		return 0
	}
	return int(v)
}

func (p *ChromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (p *ChromePage) onTargetEvent(ev any) {
	called, ok := ev.(*runtime.EventBindingCalled)
	if !ok || called.Name != bindingName {
		return
	}
	event, err := DecodeEvent(called.Payload)
	if err != nil {
		p.log.Debug("chrome event dropped", "err", err)
		return
	}
	select {
	case p.events <- event:
	default:
		p.log.Trace("chrome event queue full", "type", event.Type)
	}
}

type wireEvent struct {
	Type   string         `json:"type"`
	Href   string         `json:"href"`
	Hidden bool           `json:"hidden"`
	Anchor *schema.Anchor `json:"anchor"`
}

// DecodeEvent parses a payload sent by the listener script.
func DecodeEvent(payload string) (schema.BrowserEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return schema.BrowserEvent{}, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	switch schema.EventType(wire.Type) {
	case schema.EventRouteEnter, schema.EventScroll, schema.EventVisibility, schema.EventPageHide,
		schema.EventBeforeUnload, schema.EventPopState, schema.EventPointerDown:
	default:
		return schema.BrowserEvent{}, fmt.Errorf("%w: unknown event type %q", schema.ErrInvalidRequest, wire.Type)
	}
	event := schema.BrowserEvent{
		Type:   schema.EventType(wire.Type),
		Hidden: wire.Hidden,
		Anchor: wire.Anchor,
	}
	if wire.Href != "" {
		loc, err := url.Parse(wire.Href)
		if err != nil {
			return schema.BrowserEvent{}, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
		}
		event.Location = loc
	}
	return event, nil
}

// SessionStorage exposes a tab's window.sessionStorage.
type SessionStorage struct {
	page *ChromePage
}

// Get implements core.Storage.
func (s *SessionStorage) Get(ctx context.Context, key string) (string, bool, error) {
	var res struct {
		OK    bool   `json:"ok"`
		Value string `json:"value"`
	}
	expr := fmt.Sprintf(`(() => { const v = window.sessionStorage.getItem(%s); return v === null ? {ok: false, value: ""} : {ok: true, value: v}; })()`, jsString(key))
	if err := s.page.Eval(ctx, expr, &res); err != nil {
		return "", false, fmt.Errorf("%w: %v", schema.ErrStorageUnavailable, err)
	}
	return res.Value, res.OK, nil
}

// Set implements core.Storage.
func (s *SessionStorage) Set(ctx context.Context, key, value string) error {
	var ok bool
	expr := fmt.Sprintf(`(window.sessionStorage.setItem(%s, %s), true)`, jsString(key), jsString(value))
	if err := s.page.Eval(ctx, expr, &ok); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrStorageUnavailable, err)
	}
	return nil
}

// Close implements sessionstore.Store. The page owns the browser.
func (s *SessionStorage) Close() error {
	return nil
}

func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
