// Package dxlink implements a client session for the DXLink market-data
// protocol: a five-step handshake over a WebSocket, a keepalive loop, and a
// receive loop that forwards normalized events to a sink.
package dxlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"feedsignal/internal/logger"
	"feedsignal/internal/model"
)

var (
	// ErrHandshake reports a missing, late, or out-of-order handshake ack.
	ErrHandshake = errors.New("dxlink: handshake failed")
	// ErrFatalControl reports a control message that ends a streaming session
	// (ERROR, CHANNEL_CLOSED, or AUTH_STATE UNAUTHORIZED).
	ErrFatalControl = errors.New("dxlink: fatal control message")
	// ErrPeerClosed reports that the server closed the connection.
	ErrPeerClosed = errors.New("dxlink: connection closed by peer")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateInit State = iota
	StateSetupSent
	StateAuthorized
	StateChannelOpen
	StateFeedConfigured
	StateSubscribed
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSetupSent:
		return "SETUP_SENT"
	case StateAuthorized:
		return "AUTHORIZED"
	case StateChannelOpen:
		return "CHANNEL_OPEN"
	case StateFeedConfigured:
		return "FEED_CONFIGURED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	defaultVersion = "0.1-feedsignal/1.0"
	writeTimeout   = 10 * time.Second
)

// SessionConfig holds the parameters of one session.
type SessionConfig struct {
	URL     string
	Token   string
	Symbols []string

	Channel           int           // feed channel id, default 1
	Version           string        // client version announced in SETUP
	KeepaliveInterval time.Duration // default 30s
	KeepaliveTimeout  time.Duration // announced to the server, default 60s
	HandshakeTimeout  time.Duration // per handshake step, default 10s
	ReadTimeout       time.Duration // max silence while streaming, 0 disables
	AggregationPeriod float64       // seconds, default 0.1
	DataFormat        string        // COMPACT (default) or FULL
	Fields            map[model.EventType][]string
}

func (c *SessionConfig) setDefaults() {
	if c.Channel <= 0 {
		c.Channel = 1
	}
	if c.Version == "" {
		c.Version = defaultVersion
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 60 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.AggregationPeriod <= 0 {
		c.AggregationPeriod = 0.1
	}
	if c.DataFormat == "" {
		c.DataFormat = FormatCompact
	}
	if len(c.Fields) == 0 {
		c.Fields = DefaultFields
	}
}

// Session is a single connection to the feed. It is not reusable: Run may be
// called once.
type Session struct {
	cfg     SessionConfig
	sink    model.EventSink
	decoder *Decoder
	dialer  *websocket.Dialer
	now     func() time.Time

	state atomic.Int32

	conn      *websocket.Conn
	attempt   context.Context // cancelled when Run returns
	writeMu   sync.Mutex
	closeOnce sync.Once

	// Optional hooks; must not block.
	OnState     func(State)
	OnFrame     func()
	OnMalformed func(err error)
	OnEvent     func(model.Event)
	OnSinkError func(ev model.Event, err error)
}

// NewSession creates a session that forwards events to sink.
func NewSession(cfg SessionConfig, sink model.EventSink) *Session {
	cfg.setDefaults()
	return &Session{
		cfg:     cfg,
		sink:    sink,
		decoder: NewDecoder(cfg.Fields),
		dialer:  websocket.DefaultDialer,
		now:     time.Now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if s.OnState != nil {
		s.OnState(st)
	}
}

// Run connects, performs the handshake, and streams until ctx is cancelled
// or the session fails. Cancellation returns nil with the session CLOSED; any
// other termination returns the cause with the session FAILED.
func (s *Session) Run(ctx context.Context) error {
	log := slog.With(logger.Attrs(ctx)...)

	dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.cfg.URL, nil)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return nil
		}
		s.setState(StateFailed)
		return fmt.Errorf("dxlink: dial: %w", err)
	}
	s.conn = conn
	defer s.close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.attempt = sctx
	// Closing the conn is the only way to unblock a pending read.
	stop := context.AfterFunc(sctx, s.close)
	defer stop()

	if err := s.handshake(sctx); err != nil {
		return s.finish(ctx, log, err)
	}
	s.setState(StateStreaming)
	log.Info("dxlink streaming", "symbols", s.cfg.Symbols, "channel", s.cfg.Channel)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return s.keepaliveLoop(gctx) })
	g.Go(func() error { return s.receiveLoop(gctx, log) })
	return s.finish(ctx, log, g.Wait())
}

func (s *Session) finish(ctx context.Context, log *slog.Logger, err error) error {
	if ctx.Err() != nil {
		s.setState(StateClosed)
		log.Info("dxlink session closed")
		return nil
	}
	s.setState(StateFailed)
	log.Warn("dxlink session failed", "error", err)
	return err
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *Session) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// ackMatcher reports whether h acknowledges the step being awaited.
type ackMatcher func(h header) bool

type step struct {
	name  string
	msg   any
	sent  State // state entered once msg is written
	acked State // state entered once the ack arrives
	ack   ackMatcher
}

func (s *Session) handshake(ctx context.Context) error {
	ch := s.cfg.Channel
	steps := []step{
		{
			name: TypeSetup,
			msg: setupMsg{
				Type:                   TypeSetup,
				Channel:                ControlChannel,
				Version:                s.cfg.Version,
				KeepaliveTimeout:       int(s.cfg.KeepaliveTimeout / time.Second),
				AcceptKeepaliveTimeout: int(s.cfg.KeepaliveTimeout / time.Second),
			},
			sent:  StateSetupSent,
			acked: StateSetupSent,
			ack:   func(h header) bool { return h.Type == TypeSetup },
		},
		{
			name:  TypeAuth,
			msg:   authMsg{Type: TypeAuth, Channel: ControlChannel, Token: s.cfg.Token},
			sent:  StateSetupSent,
			acked: StateAuthorized,
			ack:   isAuthorized,
		},
		{
			name: TypeChannelRequest,
			msg: channelRequestMsg{
				Type:       TypeChannelRequest,
				Channel:    ch,
				Service:    ServiceFeed,
				Parameters: channelParams{Contract: ContractAuto},
			},
			sent:  StateAuthorized,
			acked: StateChannelOpen,
			ack:   func(h header) bool { return h.Type == TypeChannelOpened && h.Channel == ch },
		},
		{
			name: TypeFeedSetup,
			msg: feedSetupMsg{
				Type:                    TypeFeedSetup,
				Channel:                 ch,
				AcceptAggregationPeriod: s.cfg.AggregationPeriod,
				AcceptDataFormat:        s.cfg.DataFormat,
				AcceptEventFields:       fieldsByName(s.cfg.Fields),
			},
			sent:  StateChannelOpen,
			acked: StateFeedConfigured,
			ack:   func(h header) bool { return h.Type == TypeFeedConfig && h.Channel == ch },
		},
	}

	for i, st := range steps {
		if err := s.send(st.msg); err != nil {
			return fmt.Errorf("%w: send %s: %v", ErrHandshake, st.name, err)
		}
		if s.State() != st.sent {
			s.setState(st.sent)
		}
		if err := s.awaitAck(ctx, st, steps[i+1:]); err != nil {
			return err
		}
		if s.State() != st.acked {
			s.setState(st.acked)
		}
	}

	sub := feedSubscriptionMsg{
		Type:    TypeFeedSubscription,
		Channel: ch,
		Reset:   true,
		Add:     subscriptions(s.cfg.Symbols, s.cfg.Fields),
	}
	if err := s.send(sub); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrHandshake, TypeFeedSubscription, err)
	}
	s.setState(StateSubscribed)
	return nil
}

// awaitAck reads until the ack of st arrives. Keepalives and unrelated
// notices are skipped; an ERROR or the ack of a later step is a violation.
func (s *Session) awaitAck(ctx context.Context, st step, later []step) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	_ = s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: no %s ack within %s", ErrHandshake, st.name, s.cfg.HandshakeTimeout)
			}
			return fmt.Errorf("%w: awaiting %s ack: %v", ErrHandshake, st.name, err)
		}
		if s.OnFrame != nil {
			s.OnFrame()
		}
		h, err := parseHeader(raw)
		if err != nil {
			s.malformed(err, raw)
			continue
		}
		switch {
		case st.ack(h):
			return nil
		case h.Type == TypeError:
			return fmt.Errorf("%w: server error during %s: %s %s", ErrHandshake, st.name, h.Error, h.Message)
		}
		for _, l := range later {
			if l.ack(h) {
				return fmt.Errorf("%w: got %s while awaiting %s ack", ErrHandshake, h.Type, st.name)
			}
		}
		slog.Debug("dxlink handshake skip", "awaiting", st.name, "type", h.Type)
	}
}

func isAuthorized(h header) bool {
	return h.Type == TypeAuthState && h.State == AuthStateAuthorized
}

func (s *Session) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.send(keepaliveMsg{Type: TypeKeepalive, Channel: ControlChannel}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("dxlink: send keepalive: %w", err)
			}
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context, log *slog.Logger) error {
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrPeerClosed
			}
			return fmt.Errorf("dxlink: read: %w", err)
		}
		if s.OnFrame != nil {
			s.OnFrame()
		}
		h, err := parseHeader(raw)
		if err != nil {
			s.malformed(err, raw)
			continue
		}
		switch h.Type {
		case TypeFeedData:
			if h.Channel != s.cfg.Channel {
				continue
			}
			events, err := s.decoder.Decode(h.Data)
			if err != nil {
				s.malformed(err, raw)
				continue
			}
			receivedAt := s.now().UTC()
			for i := range events {
				events[i].ReceivedAt = receivedAt
				s.forward(ctx, log, events[i])
			}
		case TypeKeepalive:
		case TypeError:
			return fmt.Errorf("%w: %s %s", ErrFatalControl, h.Error, h.Message)
		case TypeChannelClosed:
			if h.Channel == s.cfg.Channel {
				return fmt.Errorf("%w: channel %d closed", ErrFatalControl, h.Channel)
			}
		case TypeAuthState:
			if h.State == AuthStateUnauthorized {
				return fmt.Errorf("%w: session unauthorized", ErrFatalControl)
			}
		default:
			log.Debug("dxlink ignored message", "type", h.Type, "channel", h.Channel)
		}
	}
}

func (s *Session) forward(ctx context.Context, log *slog.Logger, ev model.Event) {
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
	if err := s.sink.Publish(ctx, ev); err != nil {
		if s.OnSinkError != nil {
			s.OnSinkError(ev, err)
		}
		log.Warn("dxlink sink publish failed", "key", ev.Key(), "error", err)
	}
}

func (s *Session) malformed(err error, raw []byte) {
	if s.OnMalformed != nil {
		s.OnMalformed(err)
	}
	slog.Warn("dxlink malformed frame", "error", err, "frame", logger.Truncate(string(raw), 200))
}
