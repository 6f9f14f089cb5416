package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Status is the process status reported on /status. Streaming components
// update it through hooks; the liveness endpoints never read it.
type Status struct {
	mu sync.RWMutex

	service         string
	startedAt       time.Time
	supervisorState string
	sessionState    string
	lastEventAt     time.Time
	attempts        int64
	reconnects      int64
	events          int64
	signals         int64
	lastSignal      string

	redisOK         *bool
	redisLatencyMs  float64
	sqliteOK        *bool
	sqliteLatencyMs float64
	lastCheckAt     time.Time
}

// NewStatus returns an empty status for service.
func NewStatus(service string) *Status {
	return &Status{service: service, startedAt: time.Now()}
}

func (s *Status) SetSupervisorState(v string) {
	s.mu.Lock()
	s.supervisorState = v
	s.mu.Unlock()
}

func (s *Status) SetSessionState(v string) {
	s.mu.Lock()
	s.sessionState = v
	s.mu.Unlock()
}

// MarkEvent records one event received at t.
func (s *Status) MarkEvent(t time.Time) {
	s.mu.Lock()
	s.events++
	if t.After(s.lastEventAt) {
		s.lastEventAt = t
	}
	s.mu.Unlock()
}

func (s *Status) SetAttempts(attempts, reconnects int64) {
	s.mu.Lock()
	s.attempts = attempts
	s.reconnects = reconnects
	s.mu.Unlock()
}

// MarkSignal records an emitted signal, e.g. "BUY SPY".
func (s *Status) MarkSignal(desc string) {
	s.mu.Lock()
	s.signals++
	s.lastSignal = desc
	s.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (s *Status) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	ok := err == nil
	s.mu.Lock()
	s.redisOK = &ok
	s.redisLatencyMs = float64(latency.Microseconds()) / 1000.0
	s.lastCheckAt = time.Now()
	s.mu.Unlock()
}

// CheckSQLite pings the warehouse and records latency + health.
func (s *Status) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	ok := err == nil
	s.mu.Lock()
	s.sqliteOK = &ok
	s.sqliteLatencyMs = float64(latency.Microseconds()) / 1000.0
	s.lastCheckAt = time.Now()
	s.mu.Unlock()
}

// StartDependencyChecker probes the optional dependencies every interval.
func (s *Status) StartDependencyChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	if rdb == nil && db == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					s.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					s.CheckSQLite(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// StatusReport is the JSON body of /status.
type StatusReport struct {
	Service         string   `json:"service"`
	Uptime          string   `json:"uptime"`
	SupervisorState string   `json:"supervisor_state,omitempty"`
	SessionState    string   `json:"session_state,omitempty"`
	LastEventTime   string   `json:"last_event_time,omitempty"`
	EventAge        string   `json:"event_age,omitempty"`
	Events          int64    `json:"events"`
	Attempts        int64    `json:"attempts"`
	Reconnects      int64    `json:"reconnects"`
	Signals         int64    `json:"signals"`
	LastSignal      string   `json:"last_signal,omitempty"`
	RedisOK         *bool    `json:"redis_ok,omitempty"`
	RedisLatencyMs  *float64 `json:"redis_latency_ms,omitempty"`
	SQLiteOK        *bool    `json:"sqlite_ok,omitempty"`
	SQLiteLatencyMs *float64 `json:"sqlite_latency_ms,omitempty"`
}

// Report returns a snapshot of the status.
func (s *Status) Report() StatusReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := StatusReport{
		Service:         s.service,
		Uptime:          time.Since(s.startedAt).Round(time.Second).String(),
		SupervisorState: s.supervisorState,
		SessionState:    s.sessionState,
		Events:          s.events,
		Attempts:        s.attempts,
		Reconnects:      s.reconnects,
		Signals:         s.signals,
		LastSignal:      s.lastSignal,
		RedisOK:         s.redisOK,
		SQLiteOK:        s.sqliteOK,
	}
	if !s.lastEventAt.IsZero() {
		r.LastEventTime = s.lastEventAt.UTC().Format(time.RFC3339Nano)
		r.EventAge = time.Since(s.lastEventAt).Round(time.Millisecond).String()
	}
	if s.redisOK != nil {
		v := s.redisLatencyMs
		r.RedisLatencyMs = &v
	}
	if s.sqliteOK != nil {
		v := s.sqliteLatencyMs
		r.SQLiteLatencyMs = &v
	}
	return r
}

// ServeHTTP handles /status.
func (s *Status) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Report())
}

// liveness answers 200 whenever the process can serve HTTP. It does not
// reflect streaming health; /status does.
func liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Server runs an HTTP server exposing /, /healthz, /status and /metrics.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates the health and metrics server. metricsHandler is
// usually promhttp.Handler().
func NewServer(addr string, status *Status, metricsHandler http.Handler) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewMux(status, metricsHandler),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// NewMux returns the handler tree of the server.
func NewMux(status *Status, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", liveness)
	mux.HandleFunc("/healthz", liveness)
	if status != nil {
		mux.Handle("/status", status)
	}
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("http server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}
