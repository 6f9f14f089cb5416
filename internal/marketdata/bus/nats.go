package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"feedsignal/internal/model"
)

// NATSConfig configures the NATS connection and subject layout.
type NATSConfig struct {
	URL           string
	ClientName    string
	SubjectPrefix string // default "marketdata"
	JetStream     bool
	Stream        string // JetStream stream name, created if missing
	MaxAge        time.Duration

	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

func (c *NATSConfig) setDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "marketdata"
	}
	if c.ClientName == "" {
		c.ClientName = "feedsignal"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 72 * time.Hour
	}
}

// ConnectNATS dials the server with reconnect handling and logging hooks.
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	cfg.setDefaults()
	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats: disconnected, attempting reconnect", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats: reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Warn("nats: connection closed")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect: %w", err)
	}
	return nc, nil
}

// Subject returns "<prefix>.<type>.<symbol>" with the type lower-cased and
// subject metacharacters in the symbol replaced by '_'.
func Subject(prefix string, ev model.Event) string {
	return prefix + "." + strings.ToLower(string(ev.Type)) + "." + SubjectToken(ev.Symbol)
}

// SubjectToken makes s usable as a single NATS subject token.
func SubjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// NATSPublisher is an EventSink that publishes JSON events to NATS, either as
// core fire-and-forget messages or through JetStream.
type NATSPublisher struct {
	cfg NATSConfig
	nc  *nats.Conn
	js  nats.JetStreamContext
}

// NewNATSPublisher wraps nc. With JetStream enabled the stream is created
// when missing.
func NewNATSPublisher(nc *nats.Conn, cfg NATSConfig) (*NATSPublisher, error) {
	cfg.setDefaults()
	p := &NATSPublisher{cfg: cfg, nc: nc}
	if !cfg.JetStream {
		slog.Info("nats: publishing with core NATS", "prefix", cfg.SubjectPrefix)
		return p, nil
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}
	p.js = js
	if err := p.ensureStream(); err != nil {
		slog.Warn("nats: failed to ensure stream exists (continuing anyway)", "stream", cfg.Stream, "error", err)
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	if p.cfg.Stream == "" {
		return fmt.Errorf("stream name not configured")
	}
	if _, err := p.js.StreamInfo(p.cfg.Stream); err == nil {
		return nil
	}
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:      p.cfg.Stream,
		Subjects:  []string{p.cfg.SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    p.cfg.MaxAge,
		Discard:   nats.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", p.cfg.Stream, err)
	}
	slog.Info("nats: created stream", "stream", p.cfg.Stream)
	return nil
}

// Publish implements model.EventSink.
func (p *NATSPublisher) Publish(ctx context.Context, ev model.Event) error {
	subject := Subject(p.cfg.SubjectPrefix, ev)
	data := ev.JSON()
	if p.js != nil {
		if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("bus: jetstream publish %s: %w", subject, err)
		}
		return nil
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: nats publish %s: %w", subject, err)
	}
	return nil
}

// NATSSubscriber is an EventSource reading events published by NATSPublisher.
type NATSSubscriber struct {
	nc       *nats.Conn
	subjects []string

	// OnDrop is called when out is full and an event is discarded.
	OnDrop func(ev model.Event)
}

// NewNATSSubscriber subscribes to all event types of symbols, or to every
// event under prefix when symbols is empty.
func NewNATSSubscriber(nc *nats.Conn, prefix string, symbols []string) *NATSSubscriber {
	if prefix == "" {
		prefix = "marketdata"
	}
	subjects := []string{prefix + ".>"}
	if len(symbols) > 0 {
		subjects = subjects[:0]
		for _, sym := range symbols {
			subjects = append(subjects, prefix+".*."+SubjectToken(sym))
		}
	}
	return &NATSSubscriber{nc: nc, subjects: subjects}
}

// Subjects returns the subscribed subjects.
func (s *NATSSubscriber) Subjects() []string { return s.subjects }

// Consume implements model.EventSource. Messages are decoded on the NATS
// delivery goroutine and handed to out without blocking.
func (s *NATSSubscriber) Consume(ctx context.Context, out chan<- model.Event) error {
	handler := func(m *nats.Msg) {
		ev, err := model.ParseEvent(m.Data)
		if err != nil {
			slog.Warn("nats: undecodable event", "subject", m.Subject, "error", err)
			return
		}
		select {
		case out <- ev:
		default:
			if s.OnDrop != nil {
				s.OnDrop(ev)
			}
		}
	}

	subs := make([]*nats.Subscription, 0, len(s.subjects))
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()
	for _, subj := range s.subjects {
		sub, err := s.nc.Subscribe(subj, handler)
		if err != nil {
			return fmt.Errorf("bus: nats subscribe %s: %w", subj, err)
		}
		subs = append(subs, sub)
	}
	slog.Info("nats: consuming", "subjects", s.subjects)
	<-ctx.Done()
	return nil
}
