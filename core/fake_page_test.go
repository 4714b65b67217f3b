package core

import (
	"context"
	"errors"
	"time"

	"pkt.systems/waypoint/schema"
)

// fakePage is a viewport whose document height is a function of virtual time.
type fakePage struct {
	sched    *ManualScheduler
	start    time.Time
	y        int
	viewport int
	height   func(elapsed time.Duration) int
	scrolls  []int
	loading  bool
}

func newFakePage(sched *ManualScheduler, viewport int, height func(time.Duration) int) *fakePage {
	return &fakePage{sched: sched, start: sched.Now(), viewport: viewport, height: height}
}

func fixedHeight(h int) func(time.Duration) int {
	return func(time.Duration) int { return h }
}

func (p *fakePage) ScrollY() int        { return p.y }
func (p *fakePage) ViewportHeight() int { return p.viewport }
func (p *fakePage) Loading() bool       { return p.loading }

func (p *fakePage) DocumentHeight() int {
	return p.height(p.sched.Now().Sub(p.start))
}

func (p *fakePage) ScrollTo(y int) {
	limit := p.DocumentHeight() - p.viewport
	if limit < 0 {
		limit = 0
	}
	if y > limit {
		y = limit
	}
	if y < 0 {
		y = 0
	}
	p.y = y
	p.scrolls = append(p.scrolls, y)
}

type brokenStorage struct{}

func (brokenStorage) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("quota exceeded")
}

func (brokenStorage) Set(context.Context, string, string) error {
	return errors.New("quota exceeded")
}

type writeLog struct {
	accepted int
	rejected int
	failed   int
}

func (w *writeLog) PositionWritten(_ schema.NavigationKey, _ int, outcome WriteOutcome) {
	switch outcome {
	case WriteAccepted:
		w.accepted++
	case WriteRejected:
		w.rejected++
	case WriteFailed:
		w.failed++
	}
}
