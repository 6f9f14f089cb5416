// Package metrics exposes Prometheus metrics and the liveness/status HTTP
// endpoints of the streamer and signals processes.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Protocol session
	FramesTotal     prometheus.Counter
	MalformedFrames prometheus.Counter
	EventsTotal     *prometheus.CounterVec // labels: type
	SessionState    prometheus.Gauge
	LastEventUnix   prometheus.Gauge

	// Supervisor
	SupervisorState prometheus.Gauge
	Reconnects      prometheus.Counter
	AttemptErrors   *prometheus.CounterVec // labels: reason

	// Sinks
	SinkErrors           *prometheus.CounterVec // labels: sink
	FanoutDropsTotal     *prometheus.CounterVec // labels: sink
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name
	WarehouseCommitDur   prometheus.Histogram
	WarehouseBatchErrors prometheus.Counter

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// Indicator engine
	ConsumedEvents prometheus.Counter
	ConsumerDrops  prometheus.Counter
	Decisions      *prometheus.CounterVec // labels: status
	SignalsTotal   *prometheus.CounterVec // labels: symbol, action
	SignalDrops    prometheus.Counter
	SignalFailures prometheus.Counter
	ATR            *prometheus.GaugeVec // labels: symbol
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsignal_frames_total",
			Help: "Frames read from the feed connection",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsignal_malformed_frames_total",
			Help: "Frames discarded because they could not be decoded",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsignal_events_total",
			Help: "Normalized events forwarded to the sink, by event type",
		}, []string{"type"}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedsignal_session_state",
			Help: "Protocol session state (0=INIT .. 6=STREAMING, 7=CLOSED, 8=FAILED)",
		}),
		LastEventUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedsignal_last_event_timestamp_seconds",
			Help: "Ingestion time of the most recent event",
		}),

		SupervisorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedsignal_supervisor_state",
			Help: "Supervisor state (0=IDLE,1=FETCHING_CREDENTIAL,2=RUNNING,3=WAITING,4=STOPPED,5=FATAL)",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsignal_reconnects_total",
			Help: "Session attempts that ended and were rescheduled",
		}),
		AttemptErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsignal_attempt_errors_total",
			Help: "Session attempt terminations by reason",
		}, []string{"reason"}),

		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsignal_sink_errors_total",
			Help: "Events a sink failed to accept",
		}, []string{"sink"}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsignal_fanout_drops_total",
			Help: "Events dropped by the fan-out because a sink queue was full",
		}, []string{"sink"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedsignal_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),
		WarehouseCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsignal_warehouse_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		WarehouseBatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsignal_warehouse_batch_errors_total",
			Help: "SQLite batches that failed to commit",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedsignal_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsignal_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		ConsumedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsignal_consumed_events_total",
			Help: "Events received from the bus by the indicator engine",
		}),
		ConsumerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsignal_consumer_drops_total",
			Help: "Bus events dropped because the engine queue was full",
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsignal_decisions_total",
			Help: "Breakout rule evaluations by outcome",
		}, []string{"status"}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsignal_signals_total",
			Help: "Signals emitted",
		}, []string{"symbol", "action"}),
		SignalDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsignal_signal_drops_total",
			Help: "Signals dropped because the signal queue was full",
		}),
		SignalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsignal_signal_delivery_failures_total",
			Help: "Signals the notifier failed to deliver",
		}),
		ATR: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedsignal_atr",
			Help: "Current average true range per symbol",
		}, []string{"symbol"}),
	}

	reg.MustRegister(
		m.FramesTotal,
		m.MalformedFrames,
		m.EventsTotal,
		m.SessionState,
		m.LastEventUnix,
		m.SupervisorState,
		m.Reconnects,
		m.AttemptErrors,
		m.SinkErrors,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.WarehouseCommitDur,
		m.WarehouseBatchErrors,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.ConsumedEvents,
		m.ConsumerDrops,
		m.Decisions,
		m.SignalsTotal,
		m.SignalDrops,
		m.SignalFailures,
		m.ATR,
	)

	return m
}

// ChannelStat is the fill level of one named channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ReportSaturation sets the saturation gauge of each channel.
func (m *Metrics) ReportSaturation(stats []ChannelStat) {
	for _, s := range stats {
		if s.Cap == 0 {
			continue
		}
		m.ChannelSaturationPct.WithLabelValues(s.Name).Set(float64(s.Len) / float64(s.Cap) * 100)
	}
}

// StartSaturationReporter samples stats every interval until ctx is done.
func (m *Metrics) StartSaturationReporter(ctx context.Context, interval time.Duration, stats func() []ChannelStat) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ReportSaturation(stats())
			}
		}
	}()
}
