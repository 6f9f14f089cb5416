// cmd/signals consumes normalized events from the bus, runs the ATR breakout
// engine for the configured symbols and delivers the resulting signals.
//
// Usage:
//
//	SYMBOL=SPY ATR_PERIOD=14 MULTIPLIER=3 go run ./cmd/signals
package main

import (
	"context"
	"fmt"
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
	"feedsignal/internal/metrics"
	"feedsignal/internal/model"
	"feedsignal/internal/notification"
	redisstore "feedsignal/internal/store/redis"
	sqlitestore "feedsignal/internal/store/sqlite"
	"feedsignal/internal/strategy"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[signals] config: %v\n", err)
		return 2
	}
	log := logger.Init("signals", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting",
		"symbols", cfg.SignalSymbols,
		"atr_period", cfg.ATRPeriod,
		"multiplier", cfg.Multiplier,
		"bus", cfg.Bus,
	)
	if cfg.Bus == config.BusNone {
		log.Error("signals requires a bus (BUS=nats or BUS=redis)")
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Info("shutdown signal received", "signal", s.String())
		cancel()
	}()

	prom := metrics.New(prometheus.DefaultRegisterer)
	status := metrics.NewStatus("signals")
	httpSrv := metrics.NewServer(cfg.HTTPAddr, status, promhttp.Handler())
	httpSrv.Start()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Stop(shutdownCtx)
	}()

	// ---- Event source ----
	busCh := make(chan model.Event, cfg.SinkBuffer)
	onDrop := func(model.Event) { prom.ConsumerDrops.Inc() }

	var (
		source model.EventSource
		nc     *nats.Conn
		rdb    *goredis.Client
	)
	switch cfg.Bus {
	case config.BusNATS:
		nc, err = bus.ConnectNATS(bus.NATSConfig{URL: cfg.NATSURL, ClientName: "feedsignal-signals"})
		if err != nil {
			log.Error("nats connect failed", "url", cfg.NATSURL, "error", err)
			return 1
		}
		defer nc.Close()
		sub := bus.NewNATSSubscriber(nc, cfg.NATSSubjectPrefix, cfg.SignalSymbols)
		sub.OnDrop = onDrop
		source = sub
	case config.BusRedis:
		rdb, err = redisstore.Connect(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Error("redis unavailable", "error", err)
			return 1
		}
		defer rdb.Close()
		sub := redisstore.NewSubscriber(rdb, cfg.RedisChannelPrefix, cfg.SignalSymbols)
		sub.OnDrop = onDrop
		source = sub
	}

	// ---- Signal warehouse (optional) ----
	var warehouse *sqlitestore.Writer
	if cfg.WarehouseSQLitePath != "" {
		warehouse, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.WarehouseSQLitePath})
		if err != nil {
			log.Error("sqlite init failed", "path", cfg.WarehouseSQLitePath, "error", err)
			return 1
		}
		defer warehouse.Close()
		status.StartDependencyChecker(ctx, rdb, warehouse.DB(), 10*time.Second)
	} else {
		status.StartDependencyChecker(ctx, rdb, nil, 10*time.Second)
	}

	// ---- Engine ----
	engine := strategy.NewEngine(strategy.Config{
		Symbols:      cfg.SignalSymbols,
		Period:       cfg.ATRPeriod,
		Multiplier:   cfg.Multiplier,
		SignalBuffer: cfg.SignalQueue,
	})
	engine.OnDecision = func(d strategy.Decision) {
		prom.Decisions.WithLabelValues(d.Status.String()).Inc()
		if d.ATR > 0 {
			prom.ATR.WithLabelValues(d.Symbol).Set(d.ATR)
		}
	}
	engine.OnSignalDropped = func(model.Signal) { prom.SignalDrops.Inc() }

	engineCh := make(chan model.Event, cfg.SinkBuffer)
	go relay(ctx, busCh, engineCh, func(ev model.Event) {
		prom.ConsumedEvents.Inc()
		status.MarkEvent(ev.ReceivedAt)
	})
	go engine.Run(ctx, engineCh)

	// ---- Delivery ----
	notifiers := notification.Multi{notification.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	dispatcher := notification.NewDispatcher(notifiers, 10*time.Second)
	dispatcher.OnError = func(model.Signal, error) { prom.SignalFailures.Inc() }

	deliverCh := make(chan model.Signal, cfg.SignalQueue)
	teeDone := make(chan struct{})
	go func() {
		defer close(teeDone)
		defer close(deliverCh)
		for sig := range engine.Signals() {
			prom.SignalsTotal.WithLabelValues(sig.Symbol, string(sig.Action)).Inc()
			status.MarkSignal(string(sig.Action) + " " + sig.Symbol)
			if warehouse != nil {
				if err := warehouse.InsertSignal(sig); err != nil {
					log.Warn("signal not stored", "symbol", sig.Symbol, "error", err)
				}
			}
			select {
			case deliverCh <- sig:
			default:
				prom.SignalDrops.Inc()
				log.Warn("delivery queue full, dropping signal", "action", string(sig.Action), "symbol", sig.Symbol)
			}
		}
	}()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx, deliverCh)
	}()

	log.Info("consuming", "http_addr", cfg.HTTPAddr)
	code := 0
	if err := source.Consume(ctx, busCh); err != nil {
		log.Error("event source failed", "error", err)
		code = 1
	}
	cancel()
	<-teeDone
	<-dispatchDone
	log.Info("shutdown complete")
	return code
}

// relay moves events from in to out, calling seen for each one. It blocks on
// out so the source's own non-blocking hand-off is where drops happen.
func relay(ctx context.Context, in <-chan model.Event, out chan<- model.Event, seen func(model.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-in:
			seen(ev)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
