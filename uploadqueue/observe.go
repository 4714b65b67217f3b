package uploadqueue

import (
	"time"

	"pkt.systems/waypoint/schema"
)

// Sink receives the events of an upload batch.
type Sink interface {
	OnBatchEvent(event schema.BatchEvent)
}

// Observe forwards progress and status lines of q to sink, tagged with batch.
func Observe[P, R any](q *Queue[P, R], batch schema.BatchID, sink Sink) {
	if q == nil || sink == nil {
		return
	}
	q.OnProgress(func(p schema.QueueProgress) {
		progress := p
		sink.OnBatchEvent(schema.BatchEvent{Batch: batch, Type: schema.BatchProgress, Progress: &progress, Timestamp: time.Now()})
	})
	q.OnStatus(func(line string) {
		sink.OnBatchEvent(schema.BatchEvent{Batch: batch, Type: schema.BatchStatus, Status: line, Timestamp: time.Now()})
	})
}

// AttemptReporter builds an Options.OnAttempt hook that forwards to sink.
func AttemptReporter(batch schema.BatchID, sink Sink) func(AttemptEvent) {
	return func(ev AttemptEvent) {
		if sink == nil {
			return
		}
		item := ev.Item
		sink.OnBatchEvent(schema.BatchEvent{
			Batch:     batch,
			Type:      schema.BatchAttempt,
			Item:      &item,
			Retry:     ev.Retry,
			Duration:  ev.Duration,
			Timestamp: time.Now(),
		})
	}
}

// Finish emits the terminal event of a batch.
func Finish(batch schema.BatchID, sink Sink, progress schema.QueueProgress) {
	if sink == nil {
		return
	}
	sink.OnBatchEvent(schema.BatchEvent{Batch: batch, Type: schema.BatchDone, Progress: &progress, Timestamp: time.Now()})
}
