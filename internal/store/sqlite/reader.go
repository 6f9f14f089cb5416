package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"feedsignal/internal/model"
)

// Reader provides read-only access to the warehouse for replay.
type Reader struct {
	db *sql.DB
}

// NewReader opens the warehouse for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Reader{db: db}, nil
}

// Events returns the stored events of symbol received after since, in
// insertion order. An empty symbol matches all symbols.
func (r *Reader) Events(ctx context.Context, symbol string, since time.Time) ([]model.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_type, symbol, received_at, price, size, day_volume,
			bid_price, ask_price, bid_size, ask_size,
			open_interest, day_open, day_high, day_low, prev_close, raw
		FROM events
		WHERE (? = '' OR symbol = ?) AND received_at > ?
		ORDER BY id ASC
	`, symbol, symbol, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e    model.Event
			typ  string
			ts   int64
			raw  sql.NullString
			nums [12]sql.NullFloat64
		)
		if err := rows.Scan(&typ, &e.Symbol, &ts,
			&nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &nums[5], &nums[6],
			&nums[7], &nums[8], &nums[9], &nums[10], &nums[11], &raw); err != nil {
			return nil, fmt.Errorf("sqlite scan events: %w", err)
		}
		e.Type = model.EventType(typ)
		e.ReceivedAt = time.Unix(0, ts).UTC()
		dst := []*float64{&e.Price, &e.Size, &e.DayVolume, &e.BidPrice, &e.AskPrice, &e.BidSize, &e.AskSize,
			&e.OpenInterest, &e.DayOpenPrice, &e.DayHighPrice, &e.DayLowPrice, &e.PrevDayClosePrice}
		for i, p := range dst {
			*p = nums[i].Float64
		}
		if raw.Valid {
			_ = json.Unmarshal([]byte(raw.String), &e.Raw)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Signals returns the stored signals of symbol in insertion order.
func (r *Reader) Signals(ctx context.Context, symbol string) ([]model.Signal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT strategy, action, symbol, price, atr, upper, lower, ts
		FROM signals
		WHERE (? = '' OR symbol = ?)
		ORDER BY id ASC
	`, symbol, symbol)
	if err != nil {
		return nil, fmt.Errorf("sqlite query signals: %w", err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var s model.Signal
		var action string
		var ts int64
		if err := rows.Scan(&s.Strategy, &action, &s.Symbol, &s.Price, &s.ATR, &s.Upper, &s.Lower, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan signals: %w", err)
		}
		s.Action = model.Action(action)
		s.TS = time.Unix(0, ts).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
