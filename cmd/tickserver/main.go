// cmd/tickserver is a local DXLink simulator for running the streamer
// without broker credentials. Point the streamer at it with:
//
//	QUOTE_TOKEN_URL=http://localhost:9001/api-quote-tokens TASTYTRADE_SESSION_TOKEN=dev go run ./cmd/streamer
//
// Config (env vars):
//
//	TICK_SERVER_ADDR: listen address (default: ":9001")
//	TICK_TOKEN: feed token issued and required on AUTH (default: "sim-token")
//	TICK_PRICES: comma-separated SYMBOL:PRICE seeds (default: "SPY:500,QQQ:430")
//	TICK_INTERVAL_MS: broadcast interval milliseconds (default: "100")
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"feedsignal/internal/logger"
	"feedsignal/internal/marketdata/feedsim"
)

func main() {
	log := logger.Init("tickserver", logger.ParseLevel(envOrDefault("LOG_LEVEL", "info")))

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	prices := parsePrices(envOrDefault("TICK_PRICES", "SPY:500,QQQ:430"))
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 100)) * time.Millisecond

	sim := feedsim.New(feedsim.Config{
		Token:    envOrDefault("TICK_TOKEN", "sim-token"),
		Interval: interval,
		Prices:   prices,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go sim.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", addr, "prices", prices, "interval", interval.String())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

// parsePrices parses "SYM:PRICE,SYM:PRICE". Malformed pairs are skipped.
func parsePrices(s string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		sym, price, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || sym == "" {
			continue
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(price), 64)
		if err != nil || p <= 0 {
			slog.Warn("ignoring price seed", "pair", part)
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = p
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
