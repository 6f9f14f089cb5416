package dxlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"feedsignal/internal/model"
)

// newFakeFeed starts a WebSocket server that runs script on each connection
// and returns its ws:// URL.
func newFakeFeed(t *testing.T, script func(c *websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		script(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMsg(c *websocket.Conn) (map[string]any, error) {
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// expect reads one message and reports a test error if its type differs.
func expect(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	m, err := readMsg(c)
	if err != nil {
		t.Errorf("expected %s, got read error: %v", typ, err)
		return nil
	}
	if m["type"] != typ {
		t.Errorf("expected %s, got %v", typ, m["type"])
	}
	return m
}

func write(c *websocket.Conn, s string) {
	_ = c.WriteMessage(websocket.TextMessage, []byte(s))
}

// drain reads until the client goes away.
func drain(c *websocket.Conn) {
	for {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// serveHandshake plays the server side of a successful handshake.
func serveHandshake(t *testing.T, c *websocket.Conn, token string, symbols int) bool {
	m := expect(t, c, TypeSetup)
	if m == nil {
		return false
	}
	if m["channel"] != float64(0) || m["keepaliveTimeout"] != float64(60) {
		t.Errorf("unexpected SETUP: %v", m)
	}
	write(c, `{"type":"SETUP","channel":0,"version":"1.0","keepaliveTimeout":60,"acceptKeepaliveTimeout":60}`)
	write(c, `{"type":"AUTH_STATE","channel":0,"state":"UNAUTHORIZED"}`)

	if m = expect(t, c, TypeAuth); m == nil {
		return false
	}
	if m["token"] != token {
		t.Errorf("expected token %q, got %v", token, m["token"])
	}
	write(c, `{"type":"AUTH_STATE","channel":0,"state":"AUTHORIZED","userId":"u1"}`)

	if m = expect(t, c, TypeChannelRequest); m == nil {
		return false
	}
	params, _ := m["parameters"].(map[string]any)
	if m["channel"] != float64(1) || m["service"] != ServiceFeed || params["contract"] != ContractAuto {
		t.Errorf("unexpected CHANNEL_REQUEST: %v", m)
	}
	write(c, `{"type":"CHANNEL_OPENED","channel":1,"service":"FEED","parameters":{"contract":"AUTO"}}`)

	if m = expect(t, c, TypeFeedSetup); m == nil {
		return false
	}
	fields, _ := m["acceptEventFields"].(map[string]any)
	if m["acceptDataFormat"] != FormatCompact || len(fields) != 3 {
		t.Errorf("unexpected FEED_SETUP: %v", m)
	}
	write(c, `{"type":"FEED_CONFIG","channel":1,"dataFormat":"COMPACT","aggregationPeriod":0.1}`)

	if m = expect(t, c, TypeFeedSubscription); m == nil {
		return false
	}
	add, _ := m["add"].([]any)
	if m["reset"] != true || len(add) != 3*symbols {
		t.Errorf("unexpected FEED_SUBSCRIPTION: %v", m)
	}
	return true
}

type chanSink chan model.Event

func (c chanSink) Publish(_ context.Context, ev model.Event) error {
	c <- ev
	return nil
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func (l *stateLog) contains(s State) bool {
	for _, st := range l.snapshot() {
		if st == s {
			return true
		}
	}
	return false
}

func waitEvent(t *testing.T, ch <-chan model.Event) model.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.Event{}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session to return")
	}
	return nil
}
