package ports

import (
	"context"

	"github.com/aretw0/stepgraph/pkg/domain"
)

// EventSink fans live events out to the subscribers of a run.
//
// Delivery is at-most-once and not durable: subscribers that join late miss
// earlier events, publishing with no subscribers is a no-op, and a slow or
// failing subscriber never blocks the publisher or other subscribers.
// A full subscriber buffer loses step events but never the terminal event.
// Every subscriber receives its own copy of each event.
type EventSink interface {
	// Publish delivers event to every current subscriber of runID.
	// An error reports a transport problem only; callers log and continue.
	Publish(ctx context.Context, runID string, event domain.Event) error

	// Subscribe registers a subscriber for runID. The channel is closed after the
	// terminal event is delivered or when the returned cancel func is called.
	Subscribe(ctx context.Context, runID string) (<-chan domain.Event, func(), error)
}
