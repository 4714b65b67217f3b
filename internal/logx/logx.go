package logx

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/waypoint/schema"
)

type contextKey int

const (
	sessionKey contextKey = iota
	batchKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return pslog.Ctx(ctx)
}

// Or returns logger when set, otherwise the context logger.
func Or(ctx context.Context, logger pslog.Logger) pslog.Logger {
	if logger != nil {
		return logger
	}
	return Ctx(ctx)
}

// WithSession annotates the logger with the HTTP session id if present.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := Ctx(ctx)
	if sessionID == "" {
		return log
	}
	if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
		return log
	}
	return log.With("session", sessionID)
}

// WithBatch annotates the logger with an upload batch id.
func WithBatch(ctx context.Context, batchID schema.BatchID) pslog.Logger {
	log := Ctx(ctx)
	if batchID == "" {
		return log
	}
	if current, ok := ctx.Value(batchKey).(schema.BatchID); ok && current == batchID {
		return log
	}
	return log.With("batch", batchID)
}

// WithKey annotates the logger with a navigation key.
func WithKey(log pslog.Logger, key schema.NavigationKey) pslog.Logger {
	if key != "" {
		log = log.With("key", string(key))
	}
	return log
}

// ContextWithSessionLogger attaches the logger and session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithBatchLogger attaches the logger and batch marker to the context.
func ContextWithBatchLogger(ctx context.Context, log pslog.Logger, batchID schema.BatchID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	if batchID == "" {
		return ctx
	}
	return context.WithValue(ctx, batchKey, batchID)
}

// Options maps the configured level and mode names to logger options.
// Empty values keep the console/info defaults.
func Options(level, mode string) (pslog.Options, error) {
	opts := pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
	case "trace":
		opts.MinLevel = pslog.TraceLevel
	case "debug":
		opts.MinLevel = pslog.DebugLevel
	case "error":
		opts.MinLevel = pslog.ErrorLevel
	default:
		return pslog.Options{}, fmt.Errorf("unknown log level %q", level)
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "console":
	case "structured", "json":
		opts.Mode = pslog.ModeStructured
		opts.NoColor = true
	default:
		return pslog.Options{}, fmt.Errorf("unknown log mode %q", mode)
	}
	return opts, nil
}
