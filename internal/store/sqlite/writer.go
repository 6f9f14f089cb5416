// Package sqlite is the event warehouse: normalized feed events and emitted
// signals are appended to a local SQLite database for replay and analysis.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"feedsignal/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultBuffer     = 4096
)

// ErrBufferFull reports that the writer's queue is full and the event was dropped.
var ErrBufferFull = errors.New("sqlite: write buffer full")

// WriterConfig configures the warehouse writer.
type WriterConfig struct {
	DBPath     string // e.g. "data/events.db"
	Buffer     int    // queued events before Publish drops, default 4096
	BatchSize  int    // events per transaction, default 100
	FlushDelay time.Duration
}

// Writer is a single-goroutine SQLite writer with transaction batching. It
// implements model.EventSink; Run must be running for events to be stored.
type Writer struct {
	db         *sql.DB
	in         chan model.Event
	batchSize  int
	flushDelay time.Duration

	// OnFlush is called after each batch commit attempt.
	OnFlush func(n int, took time.Duration, err error)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig) (*Writer, error) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir %s: %w", dir, err)
		}
	}
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sqlite warehouse opened", "path", cfg.DBPath)
	return &Writer{
		db:         db,
		in:         make(chan model.Event, cfg.Buffer),
		batchSize:  cfg.BatchSize,
		flushDelay: cfg.FlushDelay,
	}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type    TEXT    NOT NULL,
			symbol        TEXT    NOT NULL,
			received_at   INTEGER NOT NULL,
			price         REAL,
			size          REAL,
			day_volume    REAL,
			bid_price     REAL,
			ask_price     REAL,
			bid_size      REAL,
			ask_size      REAL,
			open_interest REAL,
			day_open      REAL,
			day_high      REAL,
			day_low       REAL,
			prev_close    REAL,
			raw           TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_events_symbol_time ON events (symbol, received_at);

		CREATE TABLE IF NOT EXISTS signals (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy TEXT    NOT NULL,
			action   TEXT    NOT NULL,
			symbol   TEXT    NOT NULL,
			price    REAL    NOT NULL,
			atr      REAL    NOT NULL,
			upper    REAL    NOT NULL,
			lower    REAL    NOT NULL,
			ts       INTEGER NOT NULL
		);
	`)
	return err
}

// Publish implements model.EventSink by queueing ev without blocking.
func (w *Writer) Publish(_ context.Context, ev model.Event) error {
	select {
	case w.in <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

// Run inserts queued events in batched transactions, flushing every
// batchSize events or every flushDelay, whichever comes first. Blocks until
// ctx is cancelled; queued events are flushed before returning.
func (w *Writer) Run(ctx context.Context) {
	batch := make([]model.Event, 0, w.batchSize)
	timer := time.NewTimer(w.flushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		err := w.insertBatch(batch)
		took := time.Since(start)
		if err != nil {
			slog.Error("sqlite batch insert failed", "events", len(batch), "error", err)
		} else {
			slog.Debug("sqlite committed events", "events", len(batch), "took", took.String())
		}
		if w.OnFlush != nil {
			w.OnFlush(len(batch), took, err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-w.in:
					batch = append(batch, ev)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}

		case ev := <-w.in:
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				flush()
				timer.Reset(w.flushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(w.flushDelay)
		}
	}
}

func (w *Writer) insertBatch(events []model.Event) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO events (event_type, symbol, received_at, price, size, day_volume,
			bid_price, ask_price, bid_size, ask_size,
			open_interest, day_open, day_high, day_low, prev_close, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		var raw sql.NullString
		if len(e.Raw) > 0 {
			b, err := json.Marshal(e.Raw)
			if err == nil {
				raw = sql.NullString{String: string(b), Valid: true}
			}
		}
		_, err := stmt.Exec(string(e.Type), e.Symbol, e.ReceivedAt.UnixNano(),
			e.Price, e.Size, e.DayVolume,
			e.BidPrice, e.AskPrice, e.BidSize, e.AskSize,
			e.OpenInterest, e.DayOpenPrice, e.DayHighPrice, e.DayLowPrice, e.PrevDayClosePrice,
			raw)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// InsertSignal stores one emitted signal.
func (w *Writer) InsertSignal(sig model.Signal) error {
	_, err := w.db.Exec(`
		INSERT INTO signals (strategy, action, symbol, price, atr, upper, lower, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sig.Strategy, string(sig.Action), sig.Symbol, sig.Price, sig.ATR, sig.Upper, sig.Lower, sig.TS.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite insert signal: %w", err)
	}
	return nil
}

// Pending returns the number of queued, unwritten events.
func (w *Writer) Pending() int { return len(w.in) }

// Close closes the database. Call after Run has returned.
func (w *Writer) Close() error {
	return w.db.Close()
}
