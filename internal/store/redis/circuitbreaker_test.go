package redis

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, coolDown time.Duration) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(maxFailures, coolDown)
	cb.now = clk.now
	return cb, clk
}

var errFail = errors.New("fail")

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	for i := 0; i < 3; i++ {
		if err := cb.Do(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}
	called := false
	if err := cb.Do(func() error { called = true; return nil }); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
	if cb.Rejected() != 1 {
		t.Fatalf("expected 1 rejected call, got %d", cb.Rejected())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	_ = cb.Do(func() error { return errFail })
	_ = cb.Do(func() error { return nil })
	_ = cb.Do(func() error { return errFail })
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed, failures are not consecutive; got %v", cb.State())
	}
}

func TestCircuitBreaker_ProbeRecovers(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	_ = cb.Do(func() error { return errFail })
	clk.advance(time.Second)

	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to pass, got %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %v", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	_ = cb.Do(func() error { return errFail })
	clk.advance(time.Second)
	_ = cb.Do(func() error { return errFail })

	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after failed probe, got %v", cb.State())
	}
	clk.advance(500 * time.Millisecond)
	if err := cb.Do(func() error { return nil }); err != ErrCircuitOpen {
		t.Fatalf("expected cool-down restarted, got %v", err)
	}
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	_ = cb.Do(func() error { return errFail })
	clk.advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Do(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe
	if err := cb.Do(func() error { return nil }); err != ErrCircuitOpen {
		t.Fatalf("expected concurrent call rejected during probe, got %v", err)
	}
	close(release)
	wg.Wait()
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	cb, clk := newTestBreaker(1, time.Second)
	var got []BreakerState
	cb.OnStateChange = func(_, to BreakerState) { got = append(got, to) }

	_ = cb.Do(func() error { return errFail })
	clk.advance(time.Second)
	_ = cb.Do(func() error { return nil })

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
