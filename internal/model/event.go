package model

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType is the feed's event type tag ("Trade", "Quote", "Summary", ...).
type EventType string

const (
	EventTrade   EventType = "Trade"
	EventQuote   EventType = "Quote"
	EventSummary EventType = "Summary"
)

// Known reports whether t is one of the types the session projects fields for.
func (t EventType) Known() bool {
	switch t {
	case EventTrade, EventQuote, EventSummary:
		return true
	}
	return false
}

// Event is a normalized feed event as forwarded to sinks.
//
// ReceivedAt is stamped by the session once, right after the frame that
// carried the event was decoded. Prices are float64 as delivered by the feed;
// values the feed reports as NaN are left at zero.
type Event struct {
	Type   EventType `json:"eventType"`
	Symbol string    `json:"eventSymbol"`

	// Trade
	Price     float64 `json:"price,omitempty"`
	Size      float64 `json:"size,omitempty"`
	DayVolume float64 `json:"dayVolume,omitempty"`

	// Quote
	BidPrice float64 `json:"bidPrice,omitempty"`
	AskPrice float64 `json:"askPrice,omitempty"`
	BidSize  float64 `json:"bidSize,omitempty"`
	AskSize  float64 `json:"askSize,omitempty"`

	// Summary
	OpenInterest      float64 `json:"openInterest,omitempty"`
	DayOpenPrice      float64 `json:"dayOpenPrice,omitempty"`
	DayHighPrice      float64 `json:"dayHighPrice,omitempty"`
	DayLowPrice       float64 `json:"dayLowPrice,omitempty"`
	PrevDayClosePrice float64 `json:"prevDayClosePrice,omitempty"`

	// Raw holds the fields of event types the session does not know about.
	Raw map[string]any `json:"raw,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// Key returns "type:symbol".
func (e *Event) Key() string {
	return string(e.Type) + ":" + e.Symbol
}

// HasPrice reports whether the event carries a usable trade price.
func (e *Event) HasPrice() bool {
	return e.Type == EventTrade && e.Price > 0
}

// JSON returns the JSON-encoded event (ignoring errors for hot-path usage).
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// MarshalJSON renders ReceivedAt as RFC 3339 UTC with nanosecond precision.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		alias
		ReceivedAt string `json:"received_at"`
	}{
		alias:      alias(e),
		ReceivedAt: e.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
}

// ParseEvent decodes an event published on the bus.
func ParseEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" || ev.Symbol == "" {
		return Event{}, errors.New("model: event without type or symbol")
	}
	return ev, nil
}
