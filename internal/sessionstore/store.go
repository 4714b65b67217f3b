// Package sessionstore provides the session-scoped key/value storage that
// backs remembered scroll offsets. Backends are selected by DSN scheme.
package sessionstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"pkt.systems/waypoint/schema"
)

// Store is a string key/value store scoped to one browsing session.
type Store interface {
	// Get returns the value and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set overwrites the value for key.
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Factory builds a store from a DSN.
type Factory func(dsn string) (Store, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// Register installs a factory for a DSN scheme, overriding the built-ins.
func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookup(scheme string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	factory, ok := registry.factories[normalizeScheme(scheme)]
	return factory, ok
}

// Build opens the backend named by dsn. An empty DSN yields an in-memory store.
func Build(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookup(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFile(path)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLite(path)
	case "redis", "rediss":
		return NewRedis(dsn)
	case "mysql", "dynamodb":
		return nil, fmt.Errorf("%w: session storage backend %s", schema.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported session storage scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := parsed.Host + parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", schema.ErrInvalidRequest
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

type prefixStore struct {
	inner  Store
	prefix string
}

// WithPrefix namespaces every key under prefix. Closing the returned store
// does not close inner, which is usually shared between namespaces.
func WithPrefix(inner Store, prefix string) Store {
	if prefix == "" {
		return inner
	}
	return prefixStore{inner: inner, prefix: prefix}
}

func (s prefixStore) Get(ctx context.Context, key string) (string, bool, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s prefixStore) Set(ctx context.Context, key, value string) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s prefixStore) Close() error {
	return nil
}
