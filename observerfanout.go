package waypoint

import (
	"pkt.systems/waypoint/core"
	"pkt.systems/waypoint/schema"
	"pkt.systems/waypoint/uploadqueue"
)

// batchFanout forwards upload batch events to every sink.
type batchFanout struct {
	sinks []uploadqueue.Sink
}

func (f batchFanout) OnBatchEvent(event schema.BatchEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnBatchEvent(event)
	}
}

// restoreFanout forwards restore results and position writes.
type restoreFanout struct {
	restores  []core.RestoreObserver
	positions []core.PositionObserver
}

func (f restoreFanout) RestoreFinished(result schema.RestoreResult) {
	for _, obs := range f.restores {
		if obs != nil {
			obs.RestoreFinished(result)
		}
	}
}

func (f restoreFanout) PositionWritten(key schema.NavigationKey, value int, outcome core.WriteOutcome) {
	for _, obs := range f.positions {
		if obs != nil {
			obs.PositionWritten(key, value, outcome)
		}
	}
}

// NewBatchObserver combines sinks into one. Nil sinks are skipped.
func NewBatchObserver(sinks ...uploadqueue.Sink) uploadqueue.Sink {
	kept := make([]uploadqueue.Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return batchFanout{sinks: kept}
}

// Observer watches restores and position writes.
type Observer interface {
	core.RestoreObserver
	core.PositionObserver
}

// NewObserver combines observers. Nil entries are skipped.
func NewObserver(observers ...Observer) Observer {
	f := restoreFanout{}
	for _, obs := range observers {
		if obs == nil {
			continue
		}
		f.restores = append(f.restores, obs)
		f.positions = append(f.positions, obs)
	}
	return f
}
