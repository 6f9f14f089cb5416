// Package notification delivers signal alerts to external channels
// (log, webhook, Telegram).
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"feedsignal/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel    `json:"level"`
	Title   string        `json:"title"`
	Message string        `json:"message"`
	Signal  *model.Signal `json:"signal,omitempty"`
}

// SignalAlert builds the alert announcing sig.
func SignalAlert(sig model.Signal) Alert {
	return Alert{
		Level: AlertInfo,
		Title: fmt.Sprintf("%s %s", sig.Action, sig.Symbol),
		Message: fmt.Sprintf("price=%.4f atr=%.4f upper=%.4f lower=%.4f",
			sig.Price, sig.ATR, sig.Upper, sig.Lower),
		Signal: &sig,
	}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, alert Alert) error {
	slog.Info("alert", "level", string(alert.Level), "title", alert.Title, "message", alert.Message)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher forwards signals to a Notifier. A failed delivery is logged and
// the signal dropped.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration

	// Optional hooks
	OnSent  func(sig model.Signal)
	OnError func(sig model.Signal, err error)
}

// NewDispatcher creates a dispatcher with a per-alert timeout (default 10s).
func NewDispatcher(n Notifier, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: n, timeout: timeout}
}

// Run delivers signals until ctx is cancelled or signals is closed.
func (d *Dispatcher) Run(ctx context.Context, signals <-chan model.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			d.deliver(ctx, sig)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sig model.Signal) {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.notifier.Send(sctx, SignalAlert(sig)); err != nil {
		if d.OnError != nil {
			d.OnError(sig, err)
		}
		slog.Warn("signal delivery failed", "action", string(sig.Action), "symbol", sig.Symbol, "error", err)
		return
	}
	if d.OnSent != nil {
		d.OnSent(sig)
	}
}
