package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/waypoint/internal/logx"
	"pkt.systems/waypoint/schema"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq        uint64                `json:"seq"`
	Type       string                `json:"type"`
	Batch      schema.BatchID        `json:"batch"`
	Progress   *schema.QueueProgress `json:"progress,omitempty"`
	Status     string                `json:"status,omitempty"`
	Item       *schema.ItemSnapshot  `json:"item,omitempty"`
	Retry      bool                  `json:"retry,omitempty"`
	DurationMs int64                 `json:"duration_ms,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Hub broadcasts batch events to stream subscribers and keeps a bounded
// history per batch so late subscribers can catch up.
type Hub struct {
	mu          sync.Mutex
	batches     map[schema.BatchID]*batchHub
	order       []schema.BatchID
	historySize int
	maxBatches  int
	onEvict     []func(schema.BatchID)
}

// NewHub constructs a hub with the given per-batch history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 200
	}
	return &Hub{
		batches:     make(map[schema.BatchID]*batchHub),
		historySize: historySize,
		maxBatches:  256,
	}
}

// OnBatchEvent implements uploadqueue.Sink.
func (h *Hub) OnBatchEvent(event schema.BatchEvent) {
	if h == nil {
		return
	}
	h.publish(event.Batch, StreamEvent{
		Type:       string(event.Type),
		Batch:      event.Batch,
		Progress:   event.Progress,
		Status:     event.Status,
		Item:       event.Item,
		Retry:      event.Retry,
		DurationMs: event.Duration.Milliseconds(),
		Timestamp:  event.Timestamp,
	})
}

// OnEvict registers fn to run, outside the hub lock, for every batch the hub
// forgets.
func (h *Hub) OnEvict(fn func(schema.BatchID)) {
	if h == nil || fn == nil {
		return
	}
	h.mu.Lock()
	h.onEvict = append(h.onEvict, fn)
	h.mu.Unlock()
}

// Subscribe registers a subscriber for a batch. It returns the live channel,
// an unsubscribe func, and the history recorded so far.
func (h *Hub) Subscribe(batch schema.BatchID) (<-chan StreamEvent, func(), []StreamEvent) {
	h.mu.Lock()
	bh, evicted := h.getOrCreateLocked(batch)
	hooks := h.onEvict
	ch := make(chan StreamEvent, 256)
	bh.subs[ch] = struct{}{}
	history := append([]StreamEvent(nil), bh.history...)
	log := logx.WithBatch(context.Background(), batch)
	log.Debug("hub subscribe", "subs", len(bh.subs), "history", len(history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(bh.subs, ch)
			close(ch)
			remaining := len(bh.subs)
			h.mu.Unlock()
			log.Debug("hub unsubscribe", "subs", remaining)
		})
	}
	h.mu.Unlock()
	notifyEvicted(hooks, evicted)
	return ch, unsub, history
}

// Replay returns events of batch after the provided seq.
func (h *Hub) Replay(batch schema.BatchID, after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	bh := h.batches[batch]
	if bh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(bh.history))
	for _, event := range bh.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	return events
}

// Done reports whether the batch has published its final event.
func (h *Hub) Done(batch schema.BatchID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	bh := h.batches[batch]
	return bh != nil && bh.done
}

func (h *Hub) publish(batch schema.BatchID, event StreamEvent) {
	h.mu.Lock()
	bh, evicted := h.getOrCreateLocked(batch)
	hooks := h.onEvict
	bh.seq++
	event.Seq = bh.seq
	bh.history = append(bh.history, event)
	if len(bh.history) > h.historySize {
		bh.history = bh.history[len(bh.history)-h.historySize:]
	}
	if event.Type == string(schema.BatchDone) {
		bh.done = true
	}
	dropped := 0
	for sub := range bh.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		logx.WithBatch(context.Background(), batch).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
	notifyEvicted(hooks, evicted)
}

func (h *Hub) getOrCreateLocked(batch schema.BatchID) (*batchHub, []schema.BatchID) {
	bh := h.batches[batch]
	if bh != nil {
		return bh, nil
	}
	bh = &batchHub{subs: make(map[chan StreamEvent]struct{})}
	h.batches[batch] = bh
	h.order = append(h.order, batch)
	return bh, h.evictLocked()
}

// evictLocked forgets the oldest finished batches nobody listens to and
// returns their ids.
func (h *Hub) evictLocked() []schema.BatchID {
	if len(h.order) <= h.maxBatches {
		return nil
	}
	var evicted []schema.BatchID
	kept := h.order[:0]
	excess := len(h.order) - h.maxBatches
	for _, id := range h.order {
		bh := h.batches[id]
		if excess > 0 && bh != nil && bh.done && len(bh.subs) == 0 {
			delete(h.batches, id)
			evicted = append(evicted, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	h.order = kept
	return evicted
}

func notifyEvicted(hooks []func(schema.BatchID), evicted []schema.BatchID) {
	for _, id := range evicted {
		for _, fn := range hooks {
			fn(id)
		}
	}
}

type batchHub struct {
	seq     uint64
	done    bool
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
}
