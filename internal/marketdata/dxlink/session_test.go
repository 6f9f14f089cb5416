package dxlink

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"feedsignal/internal/model"
)

func testConfig(url string) SessionConfig {
	return SessionConfig{
		URL:              url,
		Token:            "feed-token",
		Symbols:          []string{"SPY"},
		HandshakeTimeout: 2 * time.Second,
	}
}

func TestSession_HandshakeAndStream(t *testing.T) {
	url := newFakeFeed(t, func(c *websocket.Conn) {
		if !serveHandshake(t, c, "feed-token", 1) {
			return
		}
		write(c, `{"type":"FEED_DATA","channel":1,"data":["Trade",["Trade","SPY",590.5,1000,10]]}`)
		write(c, `not json {`)
		write(c, `{"type":"FEED_DATA","channel":1,"data":["Quote",["Quote","SPY",590.4,590.6,3,4]]}`)
		drain(c)
	})

	sink := make(chanSink, 16)
	sess := NewSession(testConfig(url), sink)
	var states stateLog
	var malformed atomic.Int32
	sess.OnState = states.record
	sess.OnMalformed = func(error) { malformed.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	trade := waitEvent(t, sink)
	if trade.Type != model.EventTrade || trade.Symbol != "SPY" || trade.Price != 590.5 {
		t.Fatalf("unexpected trade: %+v", trade)
	}
	if trade.DayVolume != 1000 || trade.Size != 10 {
		t.Fatalf("unexpected trade volume/size: %+v", trade)
	}
	if trade.ReceivedAt.IsZero() {
		t.Fatal("expected received_at to be stamped")
	}
	quote := waitEvent(t, sink)
	if quote.Type != model.EventQuote || quote.BidPrice != 590.4 || quote.AskSize != 4 {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if got := malformed.Load(); got != 1 {
		t.Fatalf("expected 1 malformed frame, got %d", got)
	}
	if sess.State() != StateStreaming {
		t.Fatalf("expected STREAMING, got %s", sess.State())
	}

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("expected nil on cancel, got %v", err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", sess.State())
	}

	want := []State{StateSetupSent, StateAuthorized, StateChannelOpen, StateFeedConfigured, StateSubscribed, StateStreaming, StateClosed}
	got := states.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, got)
		}
	}
}

func TestSession_MissingAuthAckFails(t *testing.T) {
	url := newFakeFeed(t, func(c *websocket.Conn) {
		expect(t, c, TypeSetup)
		write(c, `{"type":"SETUP","channel":0,"keepaliveTimeout":60}`)
		expect(t, c, TypeAuth)
		// hang up without AUTH_STATE
	})

	sess := NewSession(testConfig(url), make(chanSink, 1))
	var states stateLog
	sess.OnState = states.record

	err := sess.Run(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	if sess.State() != StateFailed {
		t.Fatalf("expected FAILED, got %s", sess.State())
	}
	if states.contains(StateAuthorized) || states.contains(StateStreaming) {
		t.Fatalf("session advanced past SETUP_SENT: %v", states.snapshot())
	}
}

func TestSession_OutOfOrderAckRejected(t *testing.T) {
	url := newFakeFeed(t, func(c *websocket.Conn) {
		expect(t, c, TypeSetup)
		write(c, `{"type":"SETUP","channel":0,"keepaliveTimeout":60}`)
		expect(t, c, TypeAuth)
		write(c, `{"type":"AUTH_STATE","channel":0,"state":"AUTHORIZED"}`)
		expect(t, c, TypeChannelRequest)
		write(c, `{"type":"FEED_CONFIG","channel":1,"dataFormat":"COMPACT"}`)
		drain(c)
	})

	sess := NewSession(testConfig(url), make(chanSink, 1))
	err := sess.Run(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	if sess.State() != StateFailed {
		t.Fatalf("expected FAILED, got %s", sess.State())
	}
}

func TestSession_ServerErrorDuringHandshake(t *testing.T) {
	url := newFakeFeed(t, func(c *websocket.Conn) {
		expect(t, c, TypeSetup)
		write(c, `{"type":"SETUP","channel":0,"keepaliveTimeout":60}`)
		expect(t, c, TypeAuth)
		write(c, `{"type":"ERROR","channel":0,"error":"UNAUTHORIZED","message":"bad token"}`)
		drain(c)
	})

	err := NewSession(testConfig(url), make(chanSink, 1)).Run(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestSession_FailedHandshakeReleasesConnection(t *testing.T) {
	serverDone := make(chan struct{})
	url := newFakeFeed(t, func(c *websocket.Conn) {
		defer close(serverDone)
		expect(t, c, TypeSetup)
		write(c, `{"type":"ERROR","channel":0,"error":"UNAUTHORIZED","message":"revoked"}`)
		drain(c)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := NewSession(testConfig(url), make(chanSink, 1))
	if err := sess.Run(ctx); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	if sess.attempt == nil || sess.attempt.Err() == nil {
		t.Fatal("expected the attempt context to be cancelled after Run returned")
	}
	if ctx.Err() != nil {
		t.Fatal("parent context must not be cancelled by the session")
	}
	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("connection still open after failed handshake")
	}
}

func TestSession_HandshakeTimeout(t *testing.T) {
	url := newFakeFeed(t, func(c *websocket.Conn) {
		expect(t, c, TypeSetup)
		drain(c)
	})

	cfg := testConfig(url)
	cfg.HandshakeTimeout = 100 * time.Millisecond
	start := time.Now()
	err := NewSession(cfg, make(chanSink, 1)).Run(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("handshake timeout took %s", elapsed)
	}
}

func TestSession_SendsKeepalives(t *testing.T) {
	done := make(chan struct{})
	url := newFakeFeed(t, func(c *websocket.Conn) {
		if !serveHandshake(t, c, "feed-token", 1) {
			return
		}
		n := 0
		for {
			m, err := readMsg(c)
			if err != nil {
				return
			}
			if m["type"] == TypeKeepalive && m["channel"] == float64(0) {
				n++
				if n == 2 {
					close(done)
				}
			}
		}
	})

	cfg := testConfig(url)
	cfg.KeepaliveInterval = 20 * time.Millisecond
	sess := NewSession(cfg, make(chanSink, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected at least 2 keepalives")
	}
	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("expected nil on cancel, got %v", err)
	}
}

func TestSession_ErrorWhileStreamingFails(t *testing.T) {
	url := newFakeFeed(t, func(c *websocket.Conn) {
		if !serveHandshake(t, c, "feed-token", 1) {
			return
		}
		write(c, `{"type":"ERROR","channel":0,"error":"TIMEOUT","message":"no keepalive"}`)
		drain(c)
	})

	sess := NewSession(testConfig(url), make(chanSink, 1))
	err := sess.Run(context.Background())
	if !errors.Is(err, ErrFatalControl) {
		t.Fatalf("expected ErrFatalControl, got %v", err)
	}
	if sess.State() != StateFailed {
		t.Fatalf("expected FAILED, got %s", sess.State())
	}
}

func TestSession_PeerCloseFails(t *testing.T) {
	url := newFakeFeed(t, func(c *websocket.Conn) {
		if !serveHandshake(t, c, "feed-token", 1) {
			return
		}
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		drain(c)
	})

	err := NewSession(testConfig(url), make(chanSink, 1)).Run(context.Background())
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
}

func TestSession_SinkErrorsDoNotStopStream(t *testing.T) {
	url := newFakeFeed(t, func(c *websocket.Conn) {
		if !serveHandshake(t, c, "feed-token", 1) {
			return
		}
		write(c, `{"type":"FEED_DATA","channel":1,"data":["Trade",["Trade","SPY",1,1,1,"Trade","SPY",2,2,2]]}`)
		drain(c)
	})

	attempts := make(chan model.Event, 4)
	sink := model.SinkFunc(func(_ context.Context, ev model.Event) error {
		attempts <- ev
		return errors.New("bus down")
	})
	sess := NewSession(testConfig(url), sink)
	var sinkErrs atomic.Int32
	sess.OnSinkError = func(model.Event, error) { sinkErrs.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	first := waitEvent(t, attempts)
	second := waitEvent(t, attempts)
	if first.Price != 1 || second.Price != 2 {
		t.Fatalf("expected prices 1 then 2, got %v then %v", first.Price, second.Price)
	}
	if !first.ReceivedAt.Equal(second.ReceivedAt) {
		t.Fatal("expected events of one frame to share received_at")
	}
	if sess.State() != StateStreaming {
		t.Fatalf("expected STREAMING after sink errors, got %s", sess.State())
	}
	deadline := time.Now().Add(2 * time.Second)
	for sinkErrs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sinkErrs.Load(); got != 2 {
		t.Fatalf("expected 2 sink errors, got %d", got)
	}
	cancel()
	waitErr(t, errCh)
}

func TestStateString(t *testing.T) {
	if StateFeedConfigured.String() != "FEED_CONFIGURED" {
		t.Fatalf("got %s", StateFeedConfigured)
	}
	if State(42).String() != "State(42)" {
		t.Fatalf("got %s", State(42))
	}
}
