package schema

import "time"

// SessionID identifies an HTTP session (one browser tab).
type SessionID string

// BatchID identifies one upload batch.
type BatchID string

// ItemStatus is the lifecycle state of a queued item.
type ItemStatus string

const (
	// ItemPending waits for a free slot (or for its retry delay to elapse).
	ItemPending ItemStatus = "pending"
	// ItemRunning is executing.
	ItemRunning ItemStatus = "running"
	// ItemCompleted finished with a non-empty result.
	ItemCompleted ItemStatus = "completed"
	// ItemFailed exhausted its attempts.
	ItemFailed ItemStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed
}

// ItemSnapshot is a read-only view of a queued item.
type ItemSnapshot struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Index       int        `json:"index"`
	Status      ItemStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	EndedAt     time.Time  `json:"ended_at,omitempty"`
}

// Duration returns the wall time of the last attempt.
func (s ItemSnapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// QueueProgress aggregates queue counters for observers.
type QueueProgress struct {
	Completed   int            `json:"completed"`
	Failed      int            `json:"failed"`
	Total       int            `json:"total"`
	Percentage  int            `json:"percentage"`
	InFlight    []string       `json:"in_flight"`
	FailedItems []ItemSnapshot `json:"failed_items,omitempty"`
}

// RestoreOutcome describes how a restore sequence ended.
type RestoreOutcome string

const (
	// RestoreConverged reached the target within tolerance.
	RestoreConverged RestoreOutcome = "converged"
	// RestoreSettled gave up waiting for growth and scrolled to the reachable maximum.
	RestoreSettled RestoreOutcome = "settled"
	// RestoreAbandoned hit the attempt ceiling.
	RestoreAbandoned RestoreOutcome = "abandoned"
	// RestoreSuperseded was cut short by a newer navigation.
	RestoreSuperseded RestoreOutcome = "superseded"
)

// RestoreResult reports a finished restore sequence.
type RestoreResult struct {
	Key      NavigationKey  `json:"key"`
	Target   int            `json:"target"`
	Final    int            `json:"final"`
	Attempts int            `json:"attempts"`
	Outcome  RestoreOutcome `json:"outcome"`
}

// BatchEventType identifies an upload batch event.
type BatchEventType string

const (
	// BatchProgress carries aggregate counters.
	BatchProgress BatchEventType = "progress"
	// BatchStatus carries a human-readable status line.
	BatchStatus BatchEventType = "status"
	// BatchAttempt carries one finished attempt.
	BatchAttempt BatchEventType = "attempt"
	// BatchDone is the final event of a batch.
	BatchDone BatchEventType = "done"
)

// BatchEvent is emitted while an upload batch runs.
type BatchEvent struct {
	Batch     BatchID        `json:"batch"`
	Type      BatchEventType `json:"type"`
	Progress  *QueueProgress `json:"progress,omitempty"`
	Status    string         `json:"status,omitempty"`
	Item      *ItemSnapshot  `json:"item,omitempty"`
	Retry     bool           `json:"retry,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
