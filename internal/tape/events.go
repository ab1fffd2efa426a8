// Package tape turns captured time-and-sales frames into typed quote and trade events.
package tape

import "github.com/shopspring/decimal"

// Kind discriminates decoded events.
type Kind uint8

const (
	KindQuote Kind = iota + 1
	KindTrade
)

func (k Kind) String() string {
	switch k {
	case KindQuote:
		return "quote"
	case KindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// SideHint is the aggressor side embedded in the feed, when it has one.
type SideHint uint8

const (
	HintUnknown SideHint = iota
	HintBuy
	HintSell
)

func (h SideHint) String() string {
	switch h {
	case HintBuy:
		return "buy"
	case HintSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Quote is a best bid/offer update. A zero side means the frame did not carry it.
type Quote struct {
	Symbol  string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
}

// Trade is one print from the trade log.
type Trade struct {
	TimestampMillis int64
	Price           decimal.Decimal
	Volume          int64
	Hint            SideHint
}

// Event is the single internal representation handed to the aggregation pipeline.
// Exactly one of Quote or Trade is meaningful, selected by Kind.
type Event struct {
	Kind  Kind
	Quote Quote
	Trade Trade
}

// QuoteEvent wraps q as an Event.
func QuoteEvent(q Quote) Event { return Event{Kind: KindQuote, Quote: q} }

// TradeEvent wraps t as an Event.
func TradeEvent(t Trade) Event { return Event{Kind: KindTrade, Trade: t} }
