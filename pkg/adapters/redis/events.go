package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/stepgraph/internal/logging"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultEventPrefix is the channel prefix for run events.
const DefaultEventPrefix = "stepgraph:events:"

// EventBus implements ports.EventSink over Redis PUBLISH/SUBSCRIBE,
// letting subscribers on one process watch runs executed by another.
// Delivery is at-most-once, like the in-memory hub.
type EventBus struct {
	client     *backend.Client
	prefix     string
	bufferSize int
	logger     *slog.Logger
}

var _ ports.EventSink = (*EventBus)(nil)

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithChannelPrefix sets the pub/sub channel prefix.
func WithChannelPrefix(prefix string) BusOption {
	return func(b *EventBus) {
		b.prefix = prefix
	}
}

// WithBusBuffer sets the per-subscriber buffer size.
func WithBusBuffer(n int) BusOption {
	return func(b *EventBus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithBusLogger sets the logger.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// NewEventBus creates a bus on top of an existing client.
func NewEventBus(client *backend.Client, opts ...BusOption) *EventBus {
	b := &EventBus{
		client:     client,
		prefix:     DefaultEventPrefix,
		bufferSize: 16,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// envelope carries the fields the wire shape of an Event leaves out.
type envelope struct {
	RunID   string          `json:"run_id"`
	Changed []string        `json:"changed,omitempty"`
	Event   json.RawMessage `json:"event"`
}

func (b *EventBus) channel(runID string) string {
	return b.prefix + runID
}

// Publish sends the event to every process subscribed to runID.
func (b *EventBus) Publish(ctx context.Context, runID string, event domain.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data, err := json.Marshal(envelope{RunID: runID, Changed: event.Changed, Event: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(runID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published afterwards are not missed.
func (b *EventBus) Subscribe(ctx context.Context, runID string) (<-chan domain.Event, func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(runID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan domain.Event, b.bufferSize)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEnvelope(msg.Payload)
				if err != nil {
					b.logger.Warn("discarding malformed event", "run_id", runID, "err", err)
					continue
				}
				if !ev.IsTerminal() {
					select {
					case out <- ev:
					default:
						b.logger.Warn("event dropped: subscriber buffer full", "run_id", runID, "kind", ev.Kind)
					}
					continue
				}
				// This goroutine is the only sender, so after evicting the
				// oldest event the terminal one always fits.
				select {
				case out <- ev:
				default:
					select {
					case dropped := <-out:
						b.logger.Warn("event dropped to make room for terminal event", "run_id", runID, "kind", dropped.Kind)
					default:
					}
					out <- ev
				}
				cancel()
				return
			}
		}
	}()

	return out, cancel, nil
}

func decodeEnvelope(payload string) (domain.Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return domain.Event{}, err
	}
	var ev domain.Event
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return domain.Event{}, err
	}
	ev.RunID = env.RunID
	ev.Changed = env.Changed
	return ev, nil
}
