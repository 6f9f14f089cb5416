package dxlink

import (
	"fmt"
	"math"
	"strconv"

	"github.com/tidwall/gjson"

	"feedsignal/internal/model"
)

// Decoder turns the data of a FEED_DATA message into normalized events.
//
// COMPACT data alternates an event type with a flat array of values:
//
//	["Trade", ["Trade","SPY",590.1,1200,5, "Trade","SPY",590.2,1300,1], "Quote", [...]]
//
// where each event's values follow the field order declared in FEED_SETUP.
// FULL data is an array of objects keyed by field name.
type Decoder struct {
	fields map[model.EventType][]string
}

// NewDecoder creates a decoder for the given field projection.
func NewDecoder(fields map[model.EventType][]string) *Decoder {
	return &Decoder{fields: fields}
}

// Decode decodes the data array. Any structural problem fails the whole frame.
// The returned events have no ReceivedAt yet.
func (d *Decoder) Decode(data gjson.Result) ([]model.Event, error) {
	if !data.IsArray() {
		return nil, fmt.Errorf("feed data is not an array")
	}
	items := data.Array()
	if len(items) == 0 {
		return nil, nil
	}
	if items[0].IsObject() {
		return d.decodeFull(items)
	}
	return d.decodeCompact(items)
}

func (d *Decoder) decodeCompact(items []gjson.Result) ([]model.Event, error) {
	if len(items)%2 != 0 {
		return nil, fmt.Errorf("compact data has odd length %d", len(items))
	}
	var events []model.Event
	for i := 0; i < len(items); i += 2 {
		if items[i].Type != gjson.String {
			return nil, fmt.Errorf("compact data: expected event type at %d", i)
		}
		typ := model.EventType(items[i].Str)
		fields, ok := d.fields[typ]
		if !ok || len(fields) == 0 {
			return nil, fmt.Errorf("compact data: no field projection for %q", typ)
		}
		if !items[i+1].IsArray() {
			return nil, fmt.Errorf("compact data: expected value array for %q", typ)
		}
		values := items[i+1].Array()
		if len(values)%len(fields) != 0 {
			return nil, fmt.Errorf("compact data: %d values for %q do not fit %d fields", len(values), typ, len(fields))
		}
		for off := 0; off < len(values); off += len(fields) {
			ev := model.Event{Type: typ}
			for j, name := range fields {
				setField(&ev, name, values[off+j])
			}
			if ev.Symbol == "" {
				return nil, fmt.Errorf("compact data: %q event without symbol", typ)
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func (d *Decoder) decodeFull(items []gjson.Result) ([]model.Event, error) {
	events := make([]model.Event, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, fmt.Errorf("full data: item %d is not an object", i)
		}
		typ := item.Get("eventType")
		if typ.Type != gjson.String || typ.Str == "" {
			return nil, fmt.Errorf("full data: item %d has no eventType", i)
		}
		ev := model.Event{Type: model.EventType(typ.Str)}
		item.ForEach(func(key, value gjson.Result) bool {
			setField(&ev, key.Str, value)
			return true
		})
		if ev.Symbol == "" {
			return nil, fmt.Errorf("full data: item %d has no eventSymbol", i)
		}
		events = append(events, ev)
	}
	return events, nil
}

// setField assigns one projected field. Fields the model has no slot for,
// and every field of unknown event types, go to Raw.
func setField(ev *model.Event, name string, v gjson.Result) {
	switch name {
	case "eventType":
		return
	case "eventSymbol":
		ev.Symbol = v.String()
		return
	}
	if !ev.Type.Known() {
		setRaw(ev, name, v)
		return
	}
	switch name {
	case "price":
		ev.Price = number(v)
	case "size":
		ev.Size = number(v)
	case "dayVolume":
		ev.DayVolume = number(v)
	case "bidPrice":
		ev.BidPrice = number(v)
	case "askPrice":
		ev.AskPrice = number(v)
	case "bidSize":
		ev.BidSize = number(v)
	case "askSize":
		ev.AskSize = number(v)
	case "openInterest":
		ev.OpenInterest = number(v)
	case "dayOpenPrice":
		ev.DayOpenPrice = number(v)
	case "dayHighPrice":
		ev.DayHighPrice = number(v)
	case "dayLowPrice":
		ev.DayLowPrice = number(v)
	case "prevDayClosePrice":
		ev.PrevDayClosePrice = number(v)
	default:
		setRaw(ev, name, v)
	}
}

func setRaw(ev *model.Event, name string, v gjson.Result) {
	if ev.Raw == nil {
		ev.Raw = make(map[string]any)
	}
	if v.Type == gjson.Number || v.Type == gjson.String {
		if f, ok := finite(v); ok {
			ev.Raw[name] = f
			return
		}
	}
	if v.Type == gjson.String {
		ev.Raw[name] = v.Str
		return
	}
	ev.Raw[name] = v.Value()
}

// number reads a numeric value; the feed sends "NaN" and "Infinity" as
// strings, which count as absent.
func number(v gjson.Result) float64 {
	f, _ := finite(v)
	return f
}

func finite(v gjson.Result) (float64, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Num
	case gjson.String:
		var err error
		if f, err = strconv.ParseFloat(v.Str, 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
