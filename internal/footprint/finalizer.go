package footprint

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is written as "v" on every emitted candle.
const SchemaVersion = 1

// Integrity error tags.
const (
	IntegrityVolMismatch   = "vol_mismatch"
	IntegrityDeltaMismatch = "delta_mismatch"
)

// TimeLayout renders bucket bounds as UTC ISO-8601 with milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Level is one rung of the finalized price ladder.
type Level struct {
	Price decimal.Decimal
	Bid   int64
	Ask   int64
}

// Total is the traded volume at the level.
func (l Level) Total() int64 { return l.Bid + l.Ask }

// Candle is a finalized, immutable footprint bar.
type Candle struct {
	Symbol         string
	Tick           decimal.Decimal
	BarMs          int64
	Start          int64 // epoch millis, inclusive
	End            int64 // epoch millis, exclusive
	Open           decimal.Decimal
	High           decimal.Decimal
	Low            decimal.Decimal
	Close          decimal.Decimal
	Volume         int64
	Delta          int64
	POC            decimal.Decimal
	Levels         []Level
	IntegrityError string
}

// Finalize closes a bucket into a candle: the profile becomes a ladder sorted by
// ascending price, the point of control is the level with the most volume (lowest
// price on ties), and the header totals are checked against the ladder. A mismatch
// tags the candle instead of rejecting it. Finalize does not modify b.
func Finalize(opts Options, b *Bucket) Candle {
	levels := make([]Level, 0, len(b.Profile))
	for _, lv := range b.Profile {
		levels = append(levels, Level{Price: lv.Price, Bid: lv.Bid, Ask: lv.Ask})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price.LessThan(levels[j].Price) })

	var (
		poc              decimal.Decimal
		maxVol           int64 = -1
		sumVol, sumDelta int64
	)
	for _, l := range levels {
		if l.Total() > maxVol {
			maxVol = l.Total()
			poc = l.Price
		}
		sumVol += l.Total()
		sumDelta += l.Ask - l.Bid
	}

	c := Candle{
		Symbol: opts.Symbol,
		Tick:   opts.Tick,
		BarMs:  opts.barMs(),
		Start:  b.Start,
		End:    b.Start + opts.barMs(),
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		Volume: b.Volume,
		Delta:  b.Delta,
		POC:    poc,
		Levels: levels,
	}
	switch {
	case sumVol != b.Volume:
		c.IntegrityError = IntegrityVolMismatch
	case sumDelta != b.Delta:
		c.IntegrityError = IntegrityDeltaMismatch
	}
	return c
}

// StartTime returns the bucket start as UTC time.
func (c Candle) StartTime() time.Time { return time.UnixMilli(c.Start).UTC() }

// EndTime returns the bucket end as UTC time.
func (c Candle) EndTime() time.Time { return time.UnixMilli(c.End).UTC() }

type ohlcJSON struct {
	O json.Number `json:"o"`
	H json.Number `json:"h"`
	L json.Number `json:"l"`
	C json.Number `json:"c"`
}

type candleJSON struct {
	V              int              `json:"v"`
	Symbol         string           `json:"symbol"`
	Tick           json.Number      `json:"tick"`
	BarMs          int64            `json:"bar_ms"`
	T0             string           `json:"t0"`
	T1             string           `json:"t1"`
	OHLC           ohlcJSON         `json:"ohlc"`
	Vol            int64            `json:"vol"`
	Delta          int64            `json:"delta"`
	POC            json.Number      `json:"poc"`
	Levels         [][3]json.Number `json:"levels"`
	IntegrityError string           `json:"integrity_error,omitempty"`
}

func num(d decimal.Decimal) json.Number { return json.Number(d.String()) }

func intNum(v int64) json.Number { return json.Number(strconv.FormatInt(v, 10)) }

// MarshalJSON writes the persisted record shape with plain JSON numbers.
func (c Candle) MarshalJSON() ([]byte, error) {
	levels := make([][3]json.Number, len(c.Levels))
	for i, l := range c.Levels {
		levels[i] = [3]json.Number{num(l.Price), intNum(l.Bid), intNum(l.Ask)}
	}
	return json.Marshal(candleJSON{
		V:      SchemaVersion,
		Symbol: c.Symbol,
		Tick:   num(c.Tick),
		BarMs:  c.BarMs,
		T0:     c.StartTime().Format(TimeLayout),
		T1:     c.EndTime().Format(TimeLayout),
		OHLC: ohlcJSON{
			O: num(c.Open),
			H: num(c.High),
			L: num(c.Low),
			C: num(c.Close),
		},
		Vol:            c.Volume,
		Delta:          c.Delta,
		POC:            num(c.POC),
		Levels:         levels,
		IntegrityError: c.IntegrityError,
	})
}

// EncodeNDJSON renders candles one JSON object per line.
func EncodeNDJSON(candles []Candle) ([]byte, error) {
	var out []byte
	for _, c := range candles {
		b, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		out = append(out, '\n')
	}
	return out, nil
}
