// Package footprint aggregates classified trades into candles with a per-price
// bid/ask volume profile.
package footprint

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"footprint-core/internal/tape"
)

// Aggressor is the side that crossed the spread.
type Aggressor uint8

const (
	// AggressorSell hit the bid; volume goes to the bid column.
	AggressorSell Aggressor = iota
	// AggressorBuy lifted the ask; volume goes to the ask column.
	AggressorBuy
	// AggressorSplit could not be attributed and is shared between both columns.
	AggressorSplit
)

// IsBuy reports whether the trade counts as buyer-initiated.
func (a Aggressor) IsBuy() bool { return a == AggressorBuy }

func (a Aggressor) String() string {
	switch a {
	case AggressorBuy:
		return "buy"
	case AggressorSplit:
		return "split"
	default:
		return "sell"
	}
}

// FallbackPolicy decides trades that neither the quote nor a side hint can settle.
type FallbackPolicy uint8

const (
	// FallbackSell counts unattributable trades as sells. This is the historical
	// behaviour of the feed processors and biases delta downward on mid-spread prints.
	FallbackSell FallbackPolicy = iota
	FallbackBuy
	FallbackSplit
)

func (p FallbackPolicy) String() string {
	switch p {
	case FallbackBuy:
		return "buy"
	case FallbackSplit:
		return "split"
	default:
		return "sell"
	}
}

// ParseFallbackPolicy reads "sell", "buy" or "split"; empty means sell.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sell":
		return FallbackSell, nil
	case "buy":
		return FallbackBuy, nil
	case "split":
		return FallbackSplit, nil
	default:
		return FallbackSell, fmt.Errorf("unknown fallback side %q", s)
	}
}

// Classify decides the aggressor of a trade at price given the last known best
// bid and ask (zero when never seen). A price at or through the ask is a buy, at
// or through the bid a sell. Mid-spread prints, and prints without a usable quote,
// fall back to the feed's hint and then to policy.
func Classify(price, bid, ask decimal.Decimal, hint tape.SideHint, policy FallbackPolicy) Aggressor {
	if bid.IsPositive() && ask.IsPositive() {
		if price.GreaterThanOrEqual(ask) {
			return AggressorBuy
		}
		if price.LessThanOrEqual(bid) {
			return AggressorSell
		}
	}
	switch hint {
	case tape.HintBuy:
		return AggressorBuy
	case tape.HintSell:
		return AggressorSell
	}
	switch policy {
	case FallbackBuy:
		return AggressorBuy
	case FallbackSplit:
		return AggressorSplit
	default:
		return AggressorSell
	}
}

// usedFallback reports whether Classify had to rely on policy for these inputs.
func usedFallback(price, bid, ask decimal.Decimal, hint tape.SideHint) bool {
	if hint != tape.HintUnknown {
		return false
	}
	if bid.IsPositive() && ask.IsPositive() {
		return price.LessThan(ask) && price.GreaterThan(bid)
	}
	return true
}

// QuoteBook keeps the latest best bid/ask per symbol in arrival order.
// It belongs to a single aggregation stream.
type QuoteBook struct {
	quotes map[string]tape.Quote
}

// NewQuoteBook returns an empty book.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{quotes: make(map[string]tape.Quote)}
}

// Update overwrites the sides present in q. A zero side leaves the known value in place.
func (b *QuoteBook) Update(q tape.Quote) {
	cur := b.quotes[q.Symbol]
	cur.Symbol = q.Symbol
	if q.BestBid.IsPositive() {
		cur.BestBid = q.BestBid
	}
	if q.BestAsk.IsPositive() {
		cur.BestAsk = q.BestAsk
	}
	b.quotes[q.Symbol] = cur
}

// Best returns the latest bid and ask for symbol, zero when unknown.
func (b *QuoteBook) Best(symbol string) (bid, ask decimal.Decimal) {
	q := b.quotes[symbol]
	return q.BestBid, q.BestAsk
}
