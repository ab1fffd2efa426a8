package footprint

import (
	"sort"

	"github.com/shopspring/decimal"

	"footprint-core/internal/tape"
)

// DefaultBarMs is the bucket width used when none is configured.
const DefaultBarMs int64 = 60_000

// Options describes the instrument and bar geometry of one aggregation stream.
type Options struct {
	Symbol string
	Tick   decimal.Decimal
	BarMs  int64
	// SnapToTick rounds profile keys to the nearest tick. Off by default: prices
	// are kept exactly as printed.
	SnapToTick bool
	Fallback   FallbackPolicy
}

func (o Options) barMs() int64 {
	if o.BarMs <= 0 {
		return DefaultBarMs
	}
	return o.BarMs
}

// LevelVolume is the bid/ask split at one price.
type LevelVolume struct {
	Price decimal.Decimal
	Bid   int64
	Ask   int64
}

// Bucket is the mutable state of one open candle.
type Bucket struct {
	Start  int64
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
	Delta  int64
	// Profile is keyed by the canonical decimal string of the price.
	Profile map[string]*LevelVolume

	openTs  int64
	closeTs int64
}

// BucketKeyFor floors ts to the start of its bucket.
func BucketKeyFor(tsMillis, durationMs int64) int64 {
	q := tsMillis / durationMs
	if tsMillis%durationMs != 0 && tsMillis < 0 {
		q--
	}
	return q * durationMs
}

// Counters summarise what an Accumulator has consumed.
type Counters struct {
	Quotes          int `json:"quotes"`
	Trades          int `json:"trades"`
	BuyTrades       int `json:"buy_trades"`
	SellTrades      int `json:"sell_trades"`
	SplitTrades     int `json:"split_trades"`
	FallbackApplied int `json:"fallback_applied"`
}

// Accumulator owns every open bucket of one stream plus its quote context.
// It is not safe for concurrent use; one job owns one accumulator.
type Accumulator struct {
	opts     Options
	quotes   *QuoteBook
	buckets  map[int64]*Bucket
	counters Counters
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator(opts Options) *Accumulator {
	return &Accumulator{
		opts:    opts,
		quotes:  NewQuoteBook(),
		buckets: make(map[int64]*Bucket),
	}
}

// Options returns the stream options.
func (a *Accumulator) Options() Options { return a.opts }

// Counters returns consumption counters so far.
func (a *Accumulator) Counters() Counters { return a.counters }

// Len returns the number of open buckets.
func (a *Accumulator) Len() int { return len(a.buckets) }

// Apply consumes one decoded event. Quotes move the quote context forward;
// trades are classified against the context as it stands at arrival.
func (a *Accumulator) Apply(ev tape.Event) {
	switch ev.Kind {
	case tape.KindQuote:
		a.quotes.Update(ev.Quote)
		a.counters.Quotes++
	case tape.KindTrade:
		t := ev.Trade
		bid, ask := a.quotes.Best(a.opts.Symbol)
		agg := Classify(t.Price, bid, ask, t.Hint, a.opts.Fallback)
		if usedFallback(t.Price, bid, ask, t.Hint) {
			a.counters.FallbackApplied++
		}
		a.ApplyTrade(t, agg)
	}
}

// ApplyTrade adds one classified trade to its bucket, creating the bucket on first touch.
// Trades with a non-positive volume are ignored.
func (a *Accumulator) ApplyTrade(t tape.Trade, agg Aggressor) {
	if t.Volume <= 0 {
		return
	}
	key := BucketKeyFor(t.TimestampMillis, a.opts.barMs())
	b, ok := a.buckets[key]
	if !ok {
		b = &Bucket{
			Start:   key,
			Open:    t.Price,
			High:    t.Price,
			Low:     t.Price,
			Close:   t.Price,
			Profile: make(map[string]*LevelVolume),
			openTs:  t.TimestampMillis,
			closeTs: t.TimestampMillis,
		}
		a.buckets[key] = b
	} else {
		if t.Price.GreaterThan(b.High) {
			b.High = t.Price
		}
		if t.Price.LessThan(b.Low) {
			b.Low = t.Price
		}
		// open/close follow timestamps; on a tie the first arrival stays open
		// and the last arrival becomes close
		if t.TimestampMillis < b.openTs {
			b.Open = t.Price
			b.openTs = t.TimestampMillis
		}
		if t.TimestampMillis >= b.closeTs {
			b.Close = t.Price
			b.closeTs = t.TimestampMillis
		}
	}

	price := a.levelPrice(t.Price)
	pk := price.String()
	lvl, ok := b.Profile[pk]
	if !ok {
		lvl = &LevelVolume{Price: price}
		b.Profile[pk] = lvl
	}

	b.Volume += t.Volume
	switch agg {
	case AggressorBuy:
		lvl.Ask += t.Volume
		b.Delta += t.Volume
		a.counters.BuyTrades++
	case AggressorSplit:
		ask := t.Volume / 2
		bid := t.Volume - ask
		lvl.Ask += ask
		lvl.Bid += bid
		b.Delta += ask - bid
		a.counters.SplitTrades++
	default:
		lvl.Bid += t.Volume
		b.Delta -= t.Volume
		a.counters.SellTrades++
	}
	a.counters.Trades++
}

func (a *Accumulator) levelPrice(p decimal.Decimal) decimal.Decimal {
	if !a.opts.SnapToTick || !a.opts.Tick.IsPositive() {
		return p
	}
	return p.Div(a.opts.Tick).Round(0).Mul(a.opts.Tick)
}

// Bucket returns the open bucket starting at start.
func (a *Accumulator) Bucket(start int64) (*Bucket, bool) {
	b, ok := a.buckets[start]
	return b, ok
}

// FinalizeAll closes every bucket and returns the candles ordered by start time.
// The accumulator is left untouched, so calling it again yields the same candles.
func (a *Accumulator) FinalizeAll() []Candle {
	starts := make([]int64, 0, len(a.buckets))
	for s := range a.buckets {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := make([]Candle, 0, len(starts))
	for _, s := range starts {
		out = append(out, Finalize(a.opts, a.buckets[s]))
	}
	return out
}
