package dxlink

import (
	"fmt"

	"github.com/tidwall/gjson"

	"feedsignal/internal/model"
)

// Message types on the wire.
const (
	TypeSetup            = "SETUP"
	TypeAuth             = "AUTH"
	TypeAuthState        = "AUTH_STATE"
	TypeChannelRequest   = "CHANNEL_REQUEST"
	TypeChannelOpened    = "CHANNEL_OPENED"
	TypeChannelClosed    = "CHANNEL_CLOSED"
	TypeFeedSetup        = "FEED_SETUP"
	TypeFeedConfig       = "FEED_CONFIG"
	TypeFeedSubscription = "FEED_SUBSCRIPTION"
	TypeFeedData         = "FEED_DATA"
	TypeKeepalive        = "KEEPALIVE"
	TypeError            = "ERROR"
)

const (
	// ControlChannel carries SETUP, AUTH and KEEPALIVE.
	ControlChannel = 0

	ServiceFeed  = "FEED"
	ContractAuto = "AUTO"

	FormatCompact = "COMPACT"
	FormatFull    = "FULL"

	AuthStateAuthorized   = "AUTHORIZED"
	AuthStateUnauthorized = "UNAUTHORIZED"
)

// DefaultFields is the field projection requested for each event type.
// eventType and eventSymbol must stay first: COMPACT decoding relies on the
// declared order.
var DefaultFields = map[model.EventType][]string{
	model.EventTrade:   {"eventType", "eventSymbol", "price", "dayVolume", "size"},
	model.EventQuote:   {"eventType", "eventSymbol", "bidPrice", "askPrice", "bidSize", "askSize"},
	model.EventSummary: {"eventType", "eventSymbol", "openInterest", "dayOpenPrice", "dayHighPrice", "dayLowPrice", "prevDayClosePrice"},
}

type setupMsg struct {
	Type                   string `json:"type"`
	Channel                int    `json:"channel"`
	Version                string `json:"version"`
	KeepaliveTimeout       int    `json:"keepaliveTimeout"`
	AcceptKeepaliveTimeout int    `json:"acceptKeepaliveTimeout"`
}

type authMsg struct {
	Type    string `json:"type"`
	Channel int    `json:"channel"`
	Token   string `json:"token"`
}

type channelParams struct {
	Contract string `json:"contract"`
}

type channelRequestMsg struct {
	Type       string        `json:"type"`
	Channel    int           `json:"channel"`
	Service    string        `json:"service"`
	Parameters channelParams `json:"parameters"`
}

type feedSetupMsg struct {
	Type                    string              `json:"type"`
	Channel                 int                 `json:"channel"`
	AcceptAggregationPeriod float64             `json:"acceptAggregationPeriod"`
	AcceptDataFormat        string              `json:"acceptDataFormat"`
	AcceptEventFields       map[string][]string `json:"acceptEventFields"`
}

// Subscription is one {type, symbol} entry of FEED_SUBSCRIPTION.
type Subscription struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type feedSubscriptionMsg struct {
	Type    string         `json:"type"`
	Channel int            `json:"channel"`
	Reset   bool           `json:"reset"`
	Add     []Subscription `json:"add"`
}

type keepaliveMsg struct {
	Type    string `json:"type"`
	Channel int    `json:"channel"`
}

// header is the part of an inbound message the session dispatches on.
type header struct {
	Type    string
	Channel int
	State   string // AUTH_STATE
	Error   string // ERROR
	Message string // ERROR
	Data    gjson.Result
}

// parseHeader validates raw as a JSON object with a string "type".
func parseHeader(raw []byte) (header, error) {
	if !gjson.ValidBytes(raw) {
		return header{}, fmt.Errorf("invalid json")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return header{}, fmt.Errorf("message is not an object")
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return header{}, fmt.Errorf("missing message type")
	}
	return header{
		Type:    typ.Str,
		Channel: int(root.Get("channel").Int()),
		State:   root.Get("state").String(),
		Error:   root.Get("error").String(),
		Message: root.Get("message").String(),
		Data:    root.Get("data"),
	}, nil
}

// subscriptions expands symbols into one entry per projected event type.
func subscriptions(symbols []string, fields map[model.EventType][]string) []Subscription {
	types := eventTypes(fields)
	out := make([]Subscription, 0, len(symbols)*len(types))
	for _, sym := range symbols {
		for _, t := range types {
			out = append(out, Subscription{Type: string(t), Symbol: sym})
		}
	}
	return out
}

// eventTypes returns the projected types in a stable order: known types
// first (Trade, Quote, Summary), then the rest in map order.
func eventTypes(fields map[model.EventType][]string) []model.EventType {
	out := make([]model.EventType, 0, len(fields))
	for _, t := range []model.EventType{model.EventTrade, model.EventQuote, model.EventSummary} {
		if _, ok := fields[t]; ok {
			out = append(out, t)
		}
	}
	for t := range fields {
		if !t.Known() {
			out = append(out, t)
		}
	}
	return out
}

func fieldsByName(fields map[model.EventType][]string) map[string][]string {
	out := make(map[string][]string, len(fields))
	for t, f := range fields {
		out[string(t)] = f
	}
	return out
}
