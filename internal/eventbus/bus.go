package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/waypoint/schema"
)

// Bus fans batch events out to per-batch subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.BatchID]map[chan schema.BatchEvent]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.BatchID]map[chan schema.BatchEvent]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the batch and returns a channel + cancel.
func (b *Bus) Subscribe(batchID schema.BatchID) (<-chan schema.BatchEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan schema.BatchEvent, b.depth)
	b.mu.Lock()
	batchSubs := b.subs[batchID]
	if batchSubs == nil {
		batchSubs = make(map[chan schema.BatchEvent]struct{})
		b.subs[batchID] = batchSubs
	}
	batchSubs[ch] = struct{}{}
	count := len(batchSubs)
	b.mu.Unlock()
	b.log.With("batch", batchID).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[batchID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, batchID)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.With("batch", batchID).Debug("eventbus unsubscribe")
		})
	}
}

// Subscribers reports how many subscribers a batch has.
func (b *Bus) Subscribers(batchID schema.BatchID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[batchID])
}

// OnBatchEvent publishes an event to the batch's subscribers without blocking.
func (b *Bus) OnBatchEvent(event schema.BatchEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	batchSubs := b.subs[event.Batch]
	subs := make([]chan schema.BatchEvent, 0, len(batchSubs))
	for sub := range batchSubs {
		subs = append(subs, sub)
	}
	// Sends happen under the lock so a concurrent cancel cannot close a
	// channel mid-send.
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.With("batch", event.Batch).Trace("eventbus dropped", "count", dropped, "type", event.Type)
	}
}
