package main

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/waypoint/core"
	"pkt.systems/waypoint/internal/appconfig"
	"pkt.systems/waypoint/internal/logx"
	"pkt.systems/waypoint/schema"
)

// configureLogging replaces the command's logger with one built from the
// config. Environment settings still take precedence.
func configureLogging(cmd *cobra.Command, cfg appconfig.LoggingConfig) (context.Context, error) {
	opts, err := logx.Options(cfg.Level, cfg.Mode)
	if err != nil {
		return nil, err
	}
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(opts),
	)
	ctx := pslog.ContextWithLogger(cmd.Context(), logger)
	cmd.SetContext(ctx)
	return ctx, nil
}

type restoreFunc func(schema.RestoreResult)

func (f restoreFunc) RestoreFinished(result schema.RestoreResult) {
	f(result)
}

// scrollStep is one programmatic scroll seen by a tracedViewport.
type scrollStep struct {
	At             time.Duration `json:"at"`
	Y              int           `json:"y"`
	DocumentHeight int           `json:"document_height"`
}

// tracedViewport records programmatic scrolls of the wrapped page.
type tracedViewport struct {
	core.Viewport
	now   func() time.Time
	start time.Time
	steps []scrollStep
}

func newTracedViewport(inner core.Viewport, now func() time.Time) *tracedViewport {
	return &tracedViewport{Viewport: inner, now: now, start: now()}
}

func (t *tracedViewport) ScrollTo(y int) {
	t.Viewport.ScrollTo(y)
	t.steps = append(t.steps, scrollStep{
		At:             t.now().Sub(t.start),
		Y:              t.Viewport.ScrollY(),
		DocumentHeight: t.Viewport.DocumentHeight(),
	})
}

func (t *tracedViewport) Loading() bool {
	if lr, ok := t.Viewport.(core.LoadingReporter); ok {
		return lr.Loading()
	}
	return false
}

func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}
