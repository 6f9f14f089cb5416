package model

import "context"

// ── Port Interfaces ──
// These decouple the streaming and indicator code from the concrete bus,
// warehouse and secret-store implementations.

// SecretProvider supplies the current session credential on demand.
// Implementations return ("", nil) or an error when nothing is stored.
type SecretProvider interface {
	Secret(ctx context.Context) (string, error)
}

// EventSink accepts a normalized event for asynchronous delivery.
// Publish must not block on downstream I/O; failures mean the event was dropped.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// EventSource delivers events from the bus into out.
// Blocks until ctx is cancelled or the subscription fails.
type EventSource interface {
	Consume(ctx context.Context, out chan<- Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
