package model

import (
	"encoding/json"
	"time"
)

// Action is a directional trading signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Position is the breakout rule's view of the market: flat, long or short.
type Position int

const (
	PositionFlat Position = iota
	PositionLong
	PositionShort
)

func (p Position) String() string {
	switch p {
	case PositionFlat:
		return "FLAT"
	case PositionLong:
		return "LONG"
	case PositionShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// Signal is emitted when the breakout rule changes position.
type Signal struct {
	Strategy string    `json:"strategy"`
	Action   Action    `json:"action"`
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	ATR      float64   `json:"atr"`
	Upper    float64   `json:"upper"`
	Lower    float64   `json:"lower"`
	Position Position  `json:"-"`
	TS       time.Time `json:"ts"` // ReceivedAt of the tick that produced it
}

// JSON returns the JSON-encoded signal.
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
