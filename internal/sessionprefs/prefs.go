package sessionprefs

import (
	"context"

	"pkt.systems/waypoint/schema"
)

// Prefs captures per-session values shared by HTTP handlers.
type Prefs struct {
	SessionID schema.SessionID
	// Namespace prefixes every storage key of this session.
	Namespace string
}

type prefsKey struct{}

// New returns prefs for a session, namespacing storage by session id.
func New(sessionID schema.SessionID) *Prefs {
	return &Prefs{
		SessionID: sessionID,
		Namespace: NamespaceFor(sessionID),
	}
}

// NamespaceFor is the storage prefix used for a session.
func NamespaceFor(sessionID schema.SessionID) string {
	if sessionID == "" {
		return ""
	}
	return "session:" + string(sessionID) + ":"
}

// WithContext stores prefs in the context.
func WithContext(ctx context.Context, prefs *Prefs) context.Context {
	if ctx == nil || prefs == nil {
		return ctx
	}
	return context.WithValue(ctx, prefsKey{}, prefs)
}

// FromContext returns the prefs stored in the context, if any.
func FromContext(ctx context.Context) *Prefs {
	if ctx == nil {
		return nil
	}
	if value := ctx.Value(prefsKey{}); value != nil {
		if prefs, ok := value.(*Prefs); ok {
			return prefs
		}
	}
	return nil
}
