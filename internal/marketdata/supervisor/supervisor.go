// Package supervisor keeps a streaming session alive: fetch a credential,
// run one attempt to completion, wait a fixed delay, repeat until the
// context is cancelled or the credential is unusable.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"feedsignal/internal/logger"
	"feedsignal/internal/model"
)

// ErrFatalCredential reports a missing or empty credential. It is not
// retried: the process is misconfigured.
var ErrFatalCredential = errors.New("supervisor: credential unavailable")

// DefaultDelay is the fixed wait between attempts.
const DefaultDelay = 15 * time.Second

// AttemptRunner runs one connection attempt with credential until it ends.
// It must return promptly once ctx is cancelled.
type AttemptRunner interface {
	RunAttempt(ctx context.Context, credential string) error
}

// AttemptFunc adapts a function to AttemptRunner.
type AttemptFunc func(ctx context.Context, credential string) error

func (f AttemptFunc) RunAttempt(ctx context.Context, credential string) error { return f(ctx, credential) }

// State is the supervisor's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateFetchingCredential
	StateRunning
	StateWaiting
	StateStopped
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetchingCredential:
		return "FETCHING_CREDENTIAL"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateStopped:
		return "STOPPED"
	case StateFatal:
		return "FATAL"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Supervisor restarts attempts forever with a fixed delay.
type Supervisor struct {
	secrets model.SecretProvider
	runner  AttemptRunner
	delay   time.Duration
	wait    func(ctx context.Context, d time.Duration) error

	state      atomic.Int32
	attempts   atomic.Int64
	reconnects atomic.Int64

	// Optional hooks
	OnStateChange func(State)
	OnReconnect   func(attempt int64, err error)
}

// New creates a supervisor. A non-positive delay uses DefaultDelay.
func New(secrets model.SecretProvider, runner AttemptRunner, delay time.Duration) *Supervisor {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Supervisor{
		secrets: secrets,
		runner:  runner,
		delay:   delay,
		wait:    sleep,
	}
}

// State returns the current state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Attempts returns how many attempts have been started.
func (s *Supervisor) Attempts() int64 { return s.attempts.Load() }

// Reconnects returns how many times an attempt ended and a retry was scheduled.
func (s *Supervisor) Reconnects() int64 { return s.reconnects.Load() }

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	if s.OnStateChange != nil {
		s.OnStateChange(st)
	}
}

// Run blocks until ctx is cancelled (returns nil) or the credential is
// unusable (returns an error wrapping ErrFatalCredential).
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return s.stop()
		}

		s.setState(StateFetchingCredential)
		cred, err := s.secrets.Secret(ctx)
		if err != nil && ctx.Err() != nil {
			return s.stop()
		}
		if err == nil && strings.TrimSpace(cred) == "" {
			err = errors.New("empty value")
		}
		if err != nil {
			s.setState(StateFatal)
			slog.Error("supervisor: credential unavailable, giving up", "error", err)
			return fmt.Errorf("%w: %v", ErrFatalCredential, err)
		}

		attempt := s.attempts.Add(1)
		actx := logger.WithAttemptID(ctx, logger.NewAttemptID())
		log := slog.With(logger.Attrs(actx)...)

		s.setState(StateRunning)
		log.Info("session attempt starting", "attempt", attempt)
		err = s.runner.RunAttempt(actx, cred)
		if ctx.Err() != nil {
			return s.stop()
		}

		s.reconnects.Add(1)
		if s.OnReconnect != nil {
			s.OnReconnect(attempt, err)
		}
		log.Warn("session attempt ended, reconnecting", "attempt", attempt, "error", err, "delay", s.delay.String())

		s.setState(StateWaiting)
		if err := s.wait(ctx, s.delay); err != nil {
			return s.stop()
		}
	}
}

func (s *Supervisor) stop() error {
	s.setState(StateStopped)
	slog.Info("supervisor stopped")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
