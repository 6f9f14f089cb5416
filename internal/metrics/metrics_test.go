package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestLiveness_AlwaysOK(t *testing.T) {
	status := NewStatus("streamer")
	status.SetSessionState("FAILED")
	mux := NewMux(status, nil)

	for _, path := range []string{"/", "/healthz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		if rec.Body.String() != `{"status":"ok"}` {
			t.Fatalf("%s: expected ok status body, got %q", path, rec.Body.String())
		}
	}
}

func TestStatus_Report(t *testing.T) {
	status := NewStatus("streamer")
	status.SetSupervisorState("RUNNING")
	status.SetSessionState("STREAMING")
	status.SetAttempts(3, 2)
	ts := time.Now().Add(-time.Second).UTC()
	status.MarkEvent(ts)
	status.MarkEvent(ts.Add(-time.Minute))
	status.MarkSignal("BUY SPY")

	rec := httptest.NewRecorder()
	NewMux(status, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var r StatusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if r.Service != "streamer" || r.SessionState != "STREAMING" || r.SupervisorState != "RUNNING" {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.Events != 2 || r.Attempts != 3 || r.Reconnects != 2 || r.Signals != 1 || r.LastSignal != "BUY SPY" {
		t.Fatalf("unexpected counters: %+v", r)
	}
	if r.LastEventTime != ts.Format(time.RFC3339Nano) {
		t.Fatalf("expected last event %s, got %s", ts.Format(time.RFC3339Nano), r.LastEventTime)
	}
	if r.RedisOK != nil || r.SQLiteOK != nil {
		t.Fatal("unchecked dependencies must be omitted")
	}
}

func TestMetrics_RegisterAndExpose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.FramesTotal.Add(3)
	m.EventsTotal.WithLabelValues("Trade").Inc()
	m.SignalsTotal.WithLabelValues("SPY", "BUY").Inc()

	rec := httptest.NewRecorder()
	NewMux(nil, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"feedsignal_frames_total 3",
		`feedsignal_events_total{type="Trade"} 1`,
		`feedsignal_signals_total{action="BUY",symbol="SPY"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestReportSaturation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ReportSaturation([]ChannelStat{{Name: "bus", Len: 25, Cap: 100}, {Name: "empty", Len: 0, Cap: 0}})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "feedsignal_channel_saturation_pct" {
			continue
		}
		if len(f.GetMetric()) != 1 {
			t.Fatalf("expected 1 series, got %d", len(f.GetMetric()))
		}
		if got := f.GetMetric()[0].GetGauge().GetValue(); got != 25 {
			t.Fatalf("expected 25, got %v", got)
		}
		return
	}
	t.Fatal("saturation gauge not gathered")
}
