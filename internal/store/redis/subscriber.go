package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/go-redis/redis/v8"

	"feedsignal/internal/model"
)

// Subscriber is an EventSource over Redis pub/sub.
type Subscriber struct {
	client   *goredis.Client
	patterns []string

	// OnDrop is called when out is full and an event is discarded.
	OnDrop func(ev model.Event)
}

// NewSubscriber subscribes to every event type of symbols, or to all events
// under prefix when symbols is empty.
func NewSubscriber(client *goredis.Client, prefix string, symbols []string) *Subscriber {
	if prefix == "" {
		prefix = "md"
	}
	patterns := []string{prefix + ":*"}
	if len(symbols) > 0 {
		patterns = patterns[:0]
		for _, sym := range symbols {
			patterns = append(patterns, prefix+":*:"+sym)
		}
	}
	return &Subscriber{client: client, patterns: patterns}
}

// Patterns returns the PSUBSCRIBE patterns.
func (s *Subscriber) Patterns() []string { return s.patterns }

// Consume implements model.EventSource.
func (s *Subscriber) Consume(ctx context.Context, out chan<- model.Event) error {
	ps := s.client.PSubscribe(ctx, s.patterns...)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis: psubscribe: %w", err)
	}
	slog.Info("redis consuming", "patterns", s.patterns)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis: subscription closed")
			}
			ev, err := model.ParseEvent([]byte(msg.Payload))
			if err != nil {
				slog.Warn("redis: undecodable event", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- ev:
			default:
				if s.OnDrop != nil {
					s.OnDrop(ev)
				}
			}
		}
	}
}
