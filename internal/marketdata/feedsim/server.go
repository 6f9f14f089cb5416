// Package feedsim is a local stand-in for the broker: it issues quote-token
// grants and speaks the server side of the DXLink handshake, then streams
// random-walk trades in COMPACT format to every subscribed client.
package feedsim

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"feedsignal/internal/marketdata/dxlink"
)

// Config configures the simulator.
type Config struct {
	// Token is issued by the grant endpoint and required by AUTH.
	Token string
	// Interval between trade broadcasts, default 100ms.
	Interval time.Duration
	// Prices seeds starting prices; unknown symbols start at 100.
	Prices map[string]float64
}

// Server serves /api-quote-tokens, /ws and /health.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	prices  map[string]float64
	volume  map[string]float64
	clients map[*client]struct{}
	rng     *rand.Rand
}

// New creates a simulator.
func New(cfg Config) *Server {
	if cfg.Token == "" {
		cfg.Token = "sim-token"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	prices := make(map[string]float64, len(cfg.Prices))
	for sym, p := range cfg.Prices {
		prices[sym] = p
	}
	return &Server{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		prices:   prices,
		volume:   make(map[string]float64),
		clients:  make(map[*client]struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api-quote-tokens", s.handleGrant)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"feedsim"}`))
	})
	return mux
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		http.Error(w, `{"error":"missing Authorization"}`, http.StatusUnauthorized)
		return
	}
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	body := map[string]any{
		"data": map[string]string{
			"token":      s.cfg.Token,
			"dxlink-url": scheme + "://" + r.Host + "/ws",
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// Clients returns the number of connected sessions.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Run broadcasts trades every Interval until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Server) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	walked := make(map[string]struct{})
	for c := range s.clients {
		syms, fields, channel := c.subscription()
		if len(syms) == 0 || len(fields) == 0 {
			continue
		}
		values := make([]any, 0, len(syms)*len(fields))
		for _, sym := range syms {
			if _, done := walked[sym]; !done {
				s.walk(sym)
				walked[sym] = struct{}{}
			}
			for _, f := range fields {
				values = append(values, s.field(sym, f))
			}
		}
		c.send(map[string]any{
			"type":    dxlink.TypeFeedData,
			"channel": channel,
			"data":    []any{"Trade", values},
		})
	}
}

// walk applies a random step of up to ±0.1% to sym's price. Caller holds mu.
func (s *Server) walk(sym string) {
	p, ok := s.prices[sym]
	if !ok {
		p = 100
	}
	p *= 1 + (s.rng.Float64()*0.2-0.1)/100
	if p < 0.01 {
		p = 0.01
	}
	s.prices[sym] = math.Round(p*10000) / 10000
	s.volume[sym] += float64(s.rng.Intn(100) + 1)
}

func (s *Server) field(sym, name string) any {
	switch name {
	case "eventType":
		return "Trade"
	case "eventSymbol":
		return sym
	case "price":
		return s.prices[sym]
	case "size":
		return s.rng.Intn(100) + 1
	case "dayVolume":
		return s.volume[sym]
	}
	return "NaN"
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("feedsim: upgrade failed", "error", err)
		return
	}
	c := newClient(conn)
	slog.Info("feedsim: client connected", "remote", r.RemoteAddr)

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	slog.Info("feedsim: client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) readLoop(c *client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg := gjson.ParseBytes(raw)
		channel := int(msg.Get("channel").Int())
		switch msg.Get("type").String() {
		case dxlink.TypeSetup:
			c.send(map[string]any{
				"type": dxlink.TypeSetup, "channel": dxlink.ControlChannel, "version": "feedsim",
				"keepaliveTimeout": 60, "acceptKeepaliveTimeout": 60,
			})
			c.send(map[string]any{"type": dxlink.TypeAuthState, "channel": dxlink.ControlChannel, "state": dxlink.AuthStateUnauthorized})
		case dxlink.TypeAuth:
			if msg.Get("token").String() != s.cfg.Token {
				c.send(map[string]any{"type": dxlink.TypeError, "channel": dxlink.ControlChannel, "error": "UNAUTHORIZED", "message": "invalid token"})
				continue
			}
			c.send(map[string]any{"type": dxlink.TypeAuthState, "channel": dxlink.ControlChannel, "state": dxlink.AuthStateAuthorized})
		case dxlink.TypeChannelRequest:
			c.send(map[string]any{
				"type": dxlink.TypeChannelOpened, "channel": channel,
				"service": msg.Get("service").String(), "parameters": msg.Get("parameters").Value(),
			})
		case dxlink.TypeFeedSetup:
			fields := stringsOf(msg.Get("acceptEventFields.Trade"))
			if len(fields) == 0 {
				fields = dxlink.DefaultFields["Trade"]
			}
			c.configure(channel, fields)
			c.send(map[string]any{
				"type": dxlink.TypeFeedConfig, "channel": channel,
				"aggregationPeriod": msg.Get("acceptAggregationPeriod").Float(),
				"dataFormat":        dxlink.FormatCompact,
				"eventFields":       map[string][]string{"Trade": fields},
			})
		case dxlink.TypeFeedSubscription:
			if msg.Get("reset").Bool() {
				c.reset()
			}
			msg.Get("add").ForEach(func(_, sub gjson.Result) bool {
				if sub.Get("type").String() == "Trade" {
					c.subscribe(strings.TrimSpace(sub.Get("symbol").String()))
				}
				return true
			})
		case dxlink.TypeKeepalive:
			c.send(map[string]any{"type": dxlink.TypeKeepalive, "channel": dxlink.ControlChannel})
		}
	}
}

func stringsOf(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}
