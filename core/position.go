package core

import (
	"context"
	"strconv"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/waypoint/internal/logx"
	"pkt.systems/waypoint/schema"
)

const (
	// GuardDistance is how far below the stored value a write must fall to be suspect.
	GuardDistance = 100
	// GuardFloor is the offset below which a suspect write is rejected.
	GuardFloor = 100
)

// Storage is the session-scoped key/value store behind a PositionStore.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// WriteOutcome classifies a position write.
type WriteOutcome string

const (
	WriteAccepted WriteOutcome = "accepted"
	WriteRejected WriteOutcome = "rejected"
	WriteFailed   WriteOutcome = "error"
)

// PositionObserver is told about every write attempt.
type PositionObserver interface {
	PositionWritten(key schema.NavigationKey, value int, outcome WriteOutcome)
}

// PositionStore maps navigation keys to remembered scroll offsets. Storage
// failures never reach the caller: reads report absent and writes report false.
type PositionStore struct {
	storage  Storage
	logger   pslog.Logger
	observer PositionObserver
}

// PositionOption configures a PositionStore.
type PositionOption func(*PositionStore)

// WithPositionLogger sets the logger used for storage failures.
func WithPositionLogger(logger pslog.Logger) PositionOption {
	return func(p *PositionStore) {
		p.logger = logger
	}
}

// WithPositionObserver registers an observer for write outcomes.
func WithPositionObserver(observer PositionObserver) PositionOption {
	return func(p *PositionStore) {
		p.observer = observer
	}
}

// NewPositionStore wraps storage.
func NewPositionStore(storage Storage, opts ...PositionOption) *PositionStore {
	p := &PositionStore{storage: storage}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Read returns the stored offset for key.
func (p *PositionStore) Read(ctx context.Context, key schema.NavigationKey) (int, bool) {
	if p == nil || p.storage == nil {
		return 0, false
	}
	log := logx.WithKey(logx.Or(ctx, p.logger), key)
	raw, ok, err := p.storage.Get(ctx, key.StorageKey())
	if err != nil {
		log.Warn("position read failed", "err", err)
		return 0, false
	}
	if !ok {
		log.Trace("position miss")
		return 0, false
	}
	value, ok := ParseOffset(raw)
	if !ok {
		log.Debug("position unparsable", "raw", raw)
		return 0, false
	}
	log.Debug("position read", "offset", value)
	return value, true
}

// Write stores value unless it looks like a transitional scroll-to-top: an
// existing value is present and value is both more than GuardDistance below
// it and under GuardFloor.
func (p *PositionStore) Write(ctx context.Context, key schema.NavigationKey, value int) bool {
	if p == nil || p.storage == nil || value < 0 {
		return false
	}
	if existing, ok := p.Read(ctx, key); ok && Suspect(existing, value) {
		logx.WithKey(logx.Or(ctx, p.logger), key).Debug("position write rejected", "offset", value, "existing", existing)
		p.notify(key, value, WriteRejected)
		return false
	}
	return p.set(ctx, key, value)
}

// Overwrite stores value without the guard. Teardown handlers use it so the
// final offset always lands.
func (p *PositionStore) Overwrite(ctx context.Context, key schema.NavigationKey, value int) bool {
	if p == nil || p.storage == nil || value < 0 {
		return false
	}
	return p.set(ctx, key, value)
}

func (p *PositionStore) set(ctx context.Context, key schema.NavigationKey, value int) bool {
	log := logx.WithKey(logx.Or(ctx, p.logger), key)
	if err := p.storage.Set(ctx, key.StorageKey(), strconv.Itoa(value)); err != nil {
		log.Warn("position write failed", "offset", value, "err", err)
		p.notify(key, value, WriteFailed)
		return false
	}
	log.Debug("position write", "offset", value)
	p.notify(key, value, WriteAccepted)
	return true
}

func (p *PositionStore) notify(key schema.NavigationKey, value int, outcome WriteOutcome) {
	if p.observer != nil {
		p.observer.PositionWritten(key, value, outcome)
	}
}

// Suspect reports whether replacing existing with value would be discarded.
func Suspect(existing, value int) bool {
	return value < existing-GuardDistance && value < GuardFloor
}

// ParseOffset reads the leading decimal integer of raw, so "120.5px" is 120.
// Negative or missing numbers are not offsets.
func ParseOffset(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	end := 0
	if end < len(raw) && (raw[end] == '+' || raw[end] == '-') {
		end++
	}
	digits := end
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	value, err := strconv.Atoi(raw[:end])
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}
