package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"feedsignal/internal/model"
)

const defaultLatestTTL = 30 * time.Minute

// Channel returns the pub/sub channel of ev: "<prefix>:<type>:<symbol>".
func Channel(prefix string, ev model.Event) string {
	return prefix + ":" + strings.ToLower(string(ev.Type)) + ":" + ev.Symbol
}

// LatestKey returns the key holding the most recent event of a type/symbol.
func LatestKey(prefix string, ev model.Event) string {
	return prefix + ":latest:" + strings.ToLower(string(ev.Type)) + ":" + ev.Symbol
}

// Publisher is an EventSink that PUBLISHes events and keeps the latest one
// per type/symbol under a TTL, all through a circuit breaker.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	prefix string
	ttl    time.Duration
}

// NewPublisher creates a publisher. A nil breaker gets a default of five
// failures and a 10s cool-down.
func NewPublisher(client *goredis.Client, cb *CircuitBreaker, prefix string) *Publisher {
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second)
	}
	if prefix == "" {
		prefix = "md"
	}
	return &Publisher{client: client, cb: cb, prefix: prefix, ttl: defaultLatestTTL}
}

// Breaker returns the publisher's circuit breaker.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// Publish implements model.EventSink. While the breaker is open the
// event is dropped with ErrCircuitOpen.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	data := string(ev.JSON())
	return p.cb.Do(func() error {
		pipe := p.client.Pipeline()
		pipe.Set(ctx, LatestKey(p.prefix, ev), data, p.ttl)
		pipe.Publish(ctx, Channel(p.prefix, ev), data)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis: publish %s: %w", ev.Key(), err)
		}
		return nil
	})
}
