// Package bus delivers normalized events from the streaming session to
// downstream sinks (message bus, warehouse, counters) without letting a slow
// sink stall the session.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"feedsignal/internal/model"
)

// ErrQueueFull reports that an event was dropped for at least one sink.
var ErrQueueFull = errors.New("bus: queue full, event dropped")

type subscriber struct {
	name string
	sink model.EventSink
	ch   chan model.Event
}

// FanOut tees each published event into a bounded queue per sink. If a
// queue is full, the event is dropped for that sink only.
type FanOut struct {
	mu      sync.RWMutex
	subs    []*subscriber
	bufSize int

	// OnDrop is called when an event is dropped for a sink.
	OnDrop func(sink string, ev model.Event)
	// OnError is called when a sink fails to accept a dequeued event.
	OnError func(sink string, err error)
}

// New creates a FanOut with the given per-sink queue size.
func New(bufSize int) *FanOut {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &FanOut{bufSize: bufSize}
}

// Attach adds a named sink. Call before Run.
func (f *FanOut) Attach(name string, sink model.EventSink) {
	f.mu.Lock()
	f.subs = append(f.subs, &subscriber{name: name, sink: sink, ch: make(chan model.Event, f.bufSize)})
	f.mu.Unlock()
}

// Publish enqueues ev for every sink without blocking.
func (f *FanOut) Publish(_ context.Context, ev model.Event) error {
	var dropped bool
	f.mu.RLock()
	for _, s := range f.subs {
		select {
		case s.ch <- ev:
		default:
			dropped = true
			if f.OnDrop != nil {
				f.OnDrop(s.name, ev)
			} else {
				slog.Warn("bus: queue full, dropping event", "sink", s.name, "key", ev.Key())
			}
		}
	}
	f.mu.RUnlock()
	if dropped {
		return ErrQueueFull
	}
	return nil
}

// Run delivers queued events to their sinks, one goroutine per sink, until
// ctx is cancelled. Events still queued at shutdown are flushed best-effort.
func (f *FanOut) Run(ctx context.Context) {
	f.mu.RLock()
	subs := append([]*subscriber(nil), f.subs...)
	f.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscriber) {
			defer wg.Done()
			f.drainLoop(ctx, s)
		}(s)
	}
	wg.Wait()
}

func (f *FanOut) drainLoop(ctx context.Context, s *subscriber) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-s.ch:
					f.deliver(context.Background(), s, ev)
				default:
					return
				}
			}
		case ev := <-s.ch:
			f.deliver(ctx, s, ev)
		}
	}
}

func (f *FanOut) deliver(ctx context.Context, s *subscriber, ev model.Event) {
	if err := s.sink.Publish(ctx, ev); err != nil {
		if f.OnError != nil {
			f.OnError(s.name, err)
		}
		slog.Warn("bus: sink publish failed", "sink", s.name, "key", ev.Key(), "error", err)
	}
}

// ChannelStat is the fill level of one sink queue.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns the queue fill level of each sink.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.subs))
	for i, s := range f.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}
