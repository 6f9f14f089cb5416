// Package replay feeds recorded events back through the pipeline at a
// configurable speed for backtesting.
package replay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"feedsignal/internal/model"
)

// MaxGap caps the simulated wait between two consecutive events.
const MaxGap = 5 * time.Second

// ReadJSONLines decodes one event per line. Blank lines are ignored and
// undecodable lines are skipped and counted.
func ReadJSONLines(r io.Reader) (events []model.Event, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		ev, err := model.ParseEvent(b)
		if err != nil {
			skipped++
			slog.Debug("replay: skipping line", "line", line, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, skipped, fmt.Errorf("replay: read line %d: %w", line+1, err)
	}
	return events, skipped, nil
}

// Replayer emits events in ingestion order.
type Replayer struct {
	// Speed is the playback rate: 1 = real time, 10 = 10x, 0 = as fast as possible.
	Speed float64

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Replayer.
func New(speed float64) *Replayer {
	return &Replayer{Speed: speed, sleep: sleep}
}

// Run sends events to out ordered by ReceivedAt (stable for equal times),
// then closes out. Returns ctx.Err() if cancelled part-way.
func (r *Replayer) Run(ctx context.Context, events []model.Event, out chan<- model.Event) error {
	defer close(out)

	sorted := make([]model.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
	})

	slog.Info("replay starting", "events", len(sorted), "speed", r.Speed)

	var prevTS time.Time
	emitted := 0
	for _, ev := range sorted {
		if r.Speed > 0 && !prevTS.IsZero() {
			if gap := ev.ReceivedAt.Sub(prevTS); gap > 0 {
				scaled := time.Duration(float64(gap) / r.Speed)
				if scaled > MaxGap {
					scaled = MaxGap
				}
				if err := r.sleep(ctx, scaled); err != nil {
					slog.Info("replay cancelled", "emitted", emitted)
					return err
				}
			}
		}
		prevTS = ev.ReceivedAt

		select {
		case <-ctx.Done():
			slog.Info("replay cancelled", "emitted", emitted)
			return ctx.Err()
		case out <- ev:
			emitted++
		}
	}

	slog.Info("replay completed", "emitted", emitted)
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
