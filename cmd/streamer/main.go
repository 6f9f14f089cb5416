// cmd/streamer keeps a DXLink feed session alive and fans normalized events
// out to the bus, the sqlite warehouse and the metrics counters.
//
// Usage:
//
//	TASTYTRADE_SESSION_TOKEN=... STREAM_SYMBOLS=SPY,QQQ go run ./cmd/streamer
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedsignal/config"
	"feedsignal/internal/logger"
	"feedsignal/internal/marketdata/bus"
	"feedsignal/internal/marketdata/dxlink"
	"feedsignal/internal/marketdata/supervisor"
	"feedsignal/internal/metrics"
	"feedsignal/internal/model"
	"feedsignal/internal/secret"
	redisstore "feedsignal/internal/store/redis"
	sqlitestore "feedsignal/internal/store/sqlite"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[streamer] config: %v\n", err)
		return 2
	}
	log := logger.Init("streamer", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting", "symbols", cfg.StreamSymbols, "bus", cfg.Bus, "secret_source", cfg.SecretSource)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Info("shutdown signal received", "signal", s.String())
		cancel()
	}()

	// ---- Metrics & status ----
	prom := metrics.New(prometheus.DefaultRegisterer)
	status := metrics.NewStatus("streamer")
	httpSrv := metrics.NewServer(cfg.HTTPAddr, status, promhttp.Handler())
	httpSrv.Start()

	// ---- Redis (bus and/or credential store) ----
	var rdb *goredis.Client
	if cfg.Bus == config.BusRedis || cfg.SecretSource == config.SecretRedis {
		rdb, err = redisstore.Connect(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Error("redis unavailable", "error", err)
			return 1
		}
		defer rdb.Close()
	}

	secrets, err := secretProvider(cfg, rdb)
	if err != nil {
		log.Error("secret provider", "error", err)
		return 2
	}

	// ---- Fan-out sinks ----
	fan := bus.New(cfg.SinkBuffer)
	fan.OnDrop = func(sink string, _ model.Event) {
		prom.FanoutDropsTotal.WithLabelValues(sink).Inc()
	}
	fan.OnError = func(sink string, err error) {
		prom.SinkErrors.WithLabelValues(sink).Inc()
	}

	var nc *nats.Conn
	switch cfg.Bus {
	case config.BusNATS:
		natsCfg := bus.NATSConfig{
			URL:           cfg.NATSURL,
			ClientName:    "feedsignal-streamer",
			SubjectPrefix: cfg.NATSSubjectPrefix,
			JetStream:     cfg.NATSJetStream,
			Stream:        cfg.NATSStream,
		}
		nc, err = bus.ConnectNATS(natsCfg)
		if err != nil {
			log.Error("nats connect failed", "url", cfg.NATSURL, "error", err)
			return 1
		}
		pub, err := bus.NewNATSPublisher(nc, natsCfg)
		if err != nil {
			log.Error("nats publisher", "error", err)
			nc.Close()
			return 1
		}
		fan.Attach("nats", pub)
	case config.BusRedis:
		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(_, to redisstore.BreakerState) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.BreakerOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
		}
		fan.Attach("redis", redisstore.NewPublisher(rdb, cb, cfg.RedisChannelPrefix))
	case config.BusNone:
		log.Warn("no bus configured, events are only counted and warehoused")
	}

	var warehouse *sqlitestore.Writer
	if cfg.WarehouseSQLitePath != "" {
		warehouse, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.WarehouseSQLitePath})
		if err != nil {
			log.Error("sqlite init failed", "path", cfg.WarehouseSQLitePath, "error", err)
			return 1
		}
		defer warehouse.Close()
		warehouse.OnFlush = func(_ int, took time.Duration, err error) {
			prom.WarehouseCommitDur.Observe(took.Seconds())
			if err != nil {
				prom.WarehouseBatchErrors.Inc()
			}
		}
		fan.Attach("warehouse", warehouse)
	}

	fan.Attach("metrics", model.SinkFunc(func(_ context.Context, ev model.Event) error {
		prom.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
		prom.LastEventUnix.Set(float64(ev.ReceivedAt.UnixNano()) / 1e9)
		status.MarkEvent(ev.ReceivedAt)
		return nil
	}))

	// Sinks outlive the supervisor so the fan-out can flush into them.
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()
	warehouseDone := make(chan struct{})
	go func() {
		defer close(warehouseDone)
		if warehouse != nil {
			warehouse.Run(sinkCtx)
		}
	}()
	fanDone := make(chan struct{})
	go func() {
		defer close(fanDone)
		fan.Run(ctx)
	}()

	status.StartDependencyChecker(ctx, rdb, warehouseHandle(warehouse), 10*time.Second)
	prom.StartSaturationReporter(ctx, 5*time.Second, func() []metrics.ChannelStat {
		stats := fan.ChannelStats()
		out := make([]metrics.ChannelStat, 0, len(stats))
		for _, s := range stats {
			out = append(out, metrics.ChannelStat{Name: "fanout_" + s.Name, Len: s.Len, Cap: s.Cap})
		}
		return out
	})

	// ---- Feed client + supervisor ----
	grants := dxlink.NewGrantClient(cfg.QuoteTokenURL, cfg.GrantTimeout.D())
	client := dxlink.NewClient(grants, dxlink.SessionConfig{
		Symbols:           cfg.StreamSymbols,
		Channel:           cfg.FeedChannel,
		KeepaliveInterval: cfg.KeepaliveInterval.D(),
		KeepaliveTimeout:  cfg.KeepaliveTimeout.D(),
		HandshakeTimeout:  cfg.HandshakeTimeout.D(),
		ReadTimeout:       cfg.ReadTimeout.D(),
		AggregationPeriod: cfg.AggregationPeriod,
	}, fan)
	client.Observe = func(s *dxlink.Session) {
		s.OnState = func(st dxlink.State) {
			prom.SessionState.Set(float64(st))
			status.SetSessionState(st.String())
		}
		s.OnFrame = prom.FramesTotal.Inc
		s.OnMalformed = func(error) { prom.MalformedFrames.Inc() }
		s.OnSinkError = func(model.Event, error) {
			prom.SinkErrors.WithLabelValues("fanout").Inc()
		}
	}

	sup := supervisor.New(secrets, client, cfg.ReconnectDelay.D())
	sup.OnStateChange = func(st supervisor.State) {
		prom.SupervisorState.Set(float64(st))
		status.SetSupervisorState(st.String())
		status.SetAttempts(sup.Attempts(), sup.Reconnects())
	}
	sup.OnReconnect = func(_ int64, err error) {
		prom.Reconnects.Inc()
		prom.AttemptErrors.WithLabelValues(attemptReason(err)).Inc()
		status.SetAttempts(sup.Attempts(), sup.Reconnects())
	}

	log.Info("pipeline ready", "http_addr", cfg.HTTPAddr, "reconnect_delay", cfg.ReconnectDelay.String())
	supErr := sup.Run(ctx)

	// ---- Shutdown ----
	cancel()
	<-fanDone
	sinkCancel()
	<-warehouseDone
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn("nats drain failed", "error", err)
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Stop(shutdownCtx)

	if supErr != nil {
		log.Error("streamer stopped", "error", supErr)
		return 1
	}
	log.Info("shutdown complete")
	return 0
}

func secretProvider(cfg *config.Config, rdb *goredis.Client) (model.SecretProvider, error) {
	switch cfg.SecretSource {
	case config.SecretEnv:
		key := config.SecretEnvKey(cfg.SessionSecretName)
		slog.Info("reading session credential from environment", "key", key)
		return secret.Env{Key: key}, nil
	case config.SecretFile:
		return secret.File{Path: cfg.SessionSecretFile}, nil
	case config.SecretRedis:
		return redisstore.NewSecretStore(rdb, cfg.SessionSecretName), nil
	}
	return nil, fmt.Errorf("unknown secret source %q", cfg.SecretSource)
}

func warehouseHandle(w *sqlitestore.Writer) *sql.DB {
	if w == nil {
		return nil
	}
	return w.DB()
}

// attemptReason labels why a session attempt ended.
func attemptReason(err error) string {
	switch {
	case err == nil:
		return "clean"
	case errors.Is(err, dxlink.ErrGrant):
		return "grant"
	case errors.Is(err, dxlink.ErrHandshake):
		return "handshake"
	case errors.Is(err, dxlink.ErrFatalControl):
		return "control"
	case errors.Is(err, dxlink.ErrPeerClosed):
		return "peer_closed"
	default:
		return "transport"
	}
}
