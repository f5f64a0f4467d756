package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aretw0/stepgraph/internal/logging"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/ports"
)

// DefaultBufferSize is the per-subscriber channel buffer.
const DefaultBufferSize = 16

// Hub is an in-process ports.EventSink.
// Subscribers are keyed by run ID; publishing never blocks.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{} // RunID -> set of subscribers
	bufferSize  int
	logger      *slog.Logger
}

var _ ports.EventSink = (*Hub)(nil)

type subscriber struct {
	ch     chan domain.Event
	once   sync.Once
	closed bool // guarded by Hub.mu
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBufferSize sets the per-subscriber buffer size.
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithHubLogger sets the logger used to report dropped events.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers: make(map[string]map[*subscriber]struct{}),
		bufferSize:  DefaultBufferSize,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber for runID.
func (h *Hub) Subscribe(ctx context.Context, runID string) (<-chan domain.Event, func(), error) {
	sub := &subscriber{ch: make(chan domain.Event, h.bufferSize)}

	h.mu.Lock()
	if _, ok := h.subscribers[runID]; !ok {
		h.subscribers[runID] = make(map[*subscriber]struct{})
	}
	h.subscribers[runID][sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() { h.detach(runID, sub) }, nil
}

// detach removes sub and closes its channel. Safe to call more than once.
func (h *Hub) detach(runID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(runID, sub)
}

func (h *Hub) removeLocked(runID string, sub *subscriber) {
	if subs, ok := h.subscribers[runID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, runID)
		}
	}
	sub.once.Do(func() {
		sub.closed = true
		close(sub.ch)
	})
}

// Publish fans event out to the current subscribers of runID. Each
// subscriber receives its own copy.
// Step events are dropped for subscribers whose buffer is full; the terminal
// event evicts the oldest buffered event instead, so it is always delivered.
// After a terminal event every subscription of the run is closed.
func (h *Hub) Publish(ctx context.Context, runID string, event domain.Event) error {
	if event.IsTerminal() {
		h.mu.Lock()
		defer h.mu.Unlock()
	} else {
		h.mu.RLock()
		defer h.mu.RUnlock()
	}

	subs, ok := h.subscribers[runID]
	if !ok {
		return nil
	}

	for sub := range subs {
		if sub.closed {
			continue
		}
		ev := event.Clone()
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		if !ev.IsTerminal() {
			// Drop message if channel is full (slow client)
			h.logger.Warn("event dropped: subscriber buffer full", "run_id", runID, "kind", ev.Kind)
			continue
		}
		// Publishing the terminal event holds the write lock, so nothing
		// refills the buffer between the eviction and the send.
		select {
		case dropped := <-sub.ch:
			h.logger.Warn("event dropped to make room for terminal event", "run_id", runID, "kind", dropped.Kind)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}

	if event.IsTerminal() {
		for sub := range subs {
			h.removeLocked(runID, sub)
		}
	}
	return nil
}

// Subscribers returns the number of active subscribers for runID.
func (h *Hub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[runID])
}
