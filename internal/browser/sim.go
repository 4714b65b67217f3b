// Package browser provides pages the lifecycle binder can drive: a simulated
// page for deterministic runs and a Chrome tab driven over CDP.
package browser

import (
	"time"
)

// Profile describes how a simulated document grows after navigation.
type Profile struct {
	// Initial is the document height right after navigation.
	Initial int
	// Final is the height the document grows to.
	Final int
	// Rate is the growth in pixels per millisecond. Zero means Final immediately.
	Rate float64
	// LoadingFor reports Loading() as true for this long after navigation.
	LoadingFor time.Duration
}

// Height returns the document height elapsed after navigation.
func (p Profile) Height(elapsed time.Duration) int {
	if p.Final <= p.Initial || p.Rate <= 0 {
		return max(p.Initial, p.Final)
	}
	grown := p.Initial + int(p.Rate*float64(elapsed)/float64(time.Millisecond))
	return min(grown, p.Final)
}

// SimPage is an in-memory page whose document height follows a Profile over
// the clock it is given.
type SimPage struct {
	now      func() time.Time
	start    time.Time
	viewport int
	profile  Profile
	y        int
	scrolls  []int
}

// NewSimPage builds a page with the given viewport height.
func NewSimPage(now func() time.Time, viewport int, profile Profile) *SimPage {
	if now == nil {
		now = time.Now
	}
	return &SimPage{now: now, start: now(), viewport: viewport, profile: profile}
}

// Navigate resets the document to a fresh load with profile.
func (p *SimPage) Navigate(profile Profile) {
	p.profile = profile
	p.start = p.now()
	p.y = min(p.y, p.maxScroll())
}

// ScrollY implements core.Viewport.
func (p *SimPage) ScrollY() int { return p.y }

// ViewportHeight implements core.Viewport.
func (p *SimPage) ViewportHeight() int { return p.viewport }

// DocumentHeight implements core.Viewport.
func (p *SimPage) DocumentHeight() int {
	return p.profile.Height(p.now().Sub(p.start))
}

// ScrollTo implements core.Viewport. The offset is clamped like a browser does.
func (p *SimPage) ScrollTo(y int) {
	p.y = max(0, min(y, p.maxScroll()))
	p.scrolls = append(p.scrolls, p.y)
}

// UserScroll moves the page as a user would, without recording a programmatic scroll.
func (p *SimPage) UserScroll(y int) {
	p.y = max(0, min(y, p.maxScroll()))
}

// Loading implements core.LoadingReporter.
func (p *SimPage) Loading() bool {
	return p.now().Sub(p.start) < p.profile.LoadingFor
}

// Scrolls returns every programmatic scroll offset in order.
func (p *SimPage) Scrolls() []int {
	return append([]int(nil), p.scrolls...)
}

func (p *SimPage) maxScroll() int {
	return max(0, p.DocumentHeight()-p.viewport)
}
