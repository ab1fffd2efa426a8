package tape

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RecordSeparator joins SignalR sub-messages inside one captured frame.
const RecordSeparator = "\x1e"

const (
	DefaultQuoteTarget = "RealTimeSymbolQuote"
	DefaultTradeTarget = "RealTimeTradeLogWithSpeed"
)

// SignalR message types. Only invocations carry market data.
const (
	signalRInvocation = 1
)

var (
	errMissingField   = errors.New("missing required field")
	errNonPositiveVol = errors.New("volume must be positive")
	errFractionalVol  = errors.New("volume must be integral")
	errBadPrice       = errors.New("price must be positive")
)

// Options configures a Decoder for one instrument.
type Options struct {
	// Symbol is the canonical symbol stamped on decoded quotes.
	Symbol string
	// Aliases are the feed symbols accepted for quotes, the canonical one included
	// implicitly. An empty Symbol accepts every quote unchanged.
	Aliases     []string
	QuoteTarget string
	TradeTarget string
}

// LineStats counts what happened to one line.
type LineStats struct {
	ParseErrors   int
	SchemaErrors  int
	ControlFrames int
}

// Stats accumulates decoding outcomes over a stream.
type Stats struct {
	Lines         int `json:"lines"`
	ParseErrors   int `json:"parse_errors"`
	SchemaErrors  int `json:"schema_errors"`
	ControlFrames int `json:"control_frames"`
	Quotes        int `json:"quotes"`
	Trades        int `json:"trades"`
	Duplicates    int `json:"duplicates"`
}

// Add merges o into s.
func (s *Stats) Add(o Stats) {
	s.Lines += o.Lines
	s.ParseErrors += o.ParseErrors
	s.SchemaErrors += o.SchemaErrors
	s.ControlFrames += o.ControlFrames
	s.Quotes += o.Quotes
	s.Trades += o.Trades
	s.Duplicates += o.Duplicates
}

// Decoder parses captured lines. It holds no stream state and is safe for concurrent use.
type Decoder struct {
	symbol      string
	aliases     map[string]struct{}
	quoteTarget string
	tradeTarget string
}

// NewDecoder builds a decoder, filling default SignalR targets.
func NewDecoder(opts Options) *Decoder {
	d := &Decoder{
		symbol:      opts.Symbol,
		aliases:     make(map[string]struct{}, len(opts.Aliases)+1),
		quoteTarget: opts.QuoteTarget,
		tradeTarget: opts.TradeTarget,
	}
	if d.quoteTarget == "" {
		d.quoteTarget = DefaultQuoteTarget
	}
	if d.tradeTarget == "" {
		d.tradeTarget = DefaultTradeTarget
	}
	if opts.Symbol != "" {
		d.aliases[opts.Symbol] = struct{}{}
	}
	for _, a := range opts.Aliases {
		if a = strings.TrimSpace(a); a != "" {
			d.aliases[a] = struct{}{}
		}
	}
	return d
}

type envelope struct {
	Raw    *string `json:"raw"`
	Target string  `json:"target"`
}

type signalRMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target"`
	Arguments []json.RawMessage `json:"arguments"`
}

type quotePayload struct {
	Symbol  string          `json:"symbol"`
	BestBid decimal.Decimal `json:"bestBid"`
	BestAsk decimal.Decimal `json:"bestAsk"`
}

type tradePayload struct {
	Price     *decimal.Decimal `json:"price"`
	Volume    *decimal.Decimal `json:"volume"`
	Timestamp json.RawMessage  `json:"timestamp"`
	Type      json.RawMessage  `json:"type"`
}

// DecodeLine turns one physical line into zero or more events. Nothing in a line
// is fatal: malformed envelopes and sub-messages are counted as parse errors,
// unusable trades as schema errors.
func (d *Decoder) DecodeLine(line []byte) ([]Event, LineStats) {
	var st LineStats
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, st
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		st.ParseErrors++
		return nil, st
	}

	var payload string
	switch {
	case env.Raw != nil:
		payload = *env.Raw
	case env.Target != "":
		// bare SignalR message without the capture wrapper
		payload = string(line)
	default:
		st.ControlFrames++
		return nil, st
	}

	var events []Event
	for _, part := range strings.Split(payload, RecordSeparator) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		var msg signalRMessage
		if err := json.Unmarshal([]byte(part), &msg); err != nil {
			st.ParseErrors++
			continue
		}
		if msg.Target == "" || (msg.Type != 0 && msg.Type != signalRInvocation) {
			st.ControlFrames++
			continue
		}
		switch msg.Target {
		case d.quoteTarget:
			if q, ok, err := d.decodeQuote(msg.Arguments); err != nil {
				st.SchemaErrors++
			} else if ok {
				events = append(events, QuoteEvent(q))
			}
		case d.tradeTarget:
			trades, bad := d.decodeTrades(msg.Arguments)
			st.SchemaErrors += bad
			for _, t := range trades {
				events = append(events, TradeEvent(t))
			}
		}
	}
	return events, st
}

func (d *Decoder) decodeQuote(args []json.RawMessage) (Quote, bool, error) {
	if len(args) == 0 {
		return Quote{}, false, errMissingField
	}
	var p quotePayload
	if err := json.Unmarshal(args[0], &p); err != nil {
		return Quote{}, false, err
	}
	if p.BestBid.IsNegative() || p.BestAsk.IsNegative() {
		return Quote{}, false, fmt.Errorf("negative quote for %s", p.Symbol)
	}
	symbol := p.Symbol
	if d.symbol != "" {
		if _, tracked := d.aliases[p.Symbol]; !tracked {
			return Quote{}, false, nil
		}
		symbol = d.symbol
	}
	return Quote{Symbol: symbol, BestBid: p.BestBid, BestAsk: p.BestAsk}, true, nil
}

func (d *Decoder) decodeTrades(args []json.RawMessage) ([]Trade, int) {
	if len(args) < 2 {
		return nil, 1
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(args[1], &raws); err != nil {
		return nil, 1
	}
	trades := make([]Trade, 0, len(raws))
	bad := 0
	for _, raw := range raws {
		t, err := decodeTrade(raw)
		if err != nil {
			bad++
			continue
		}
		trades = append(trades, t)
	}
	return trades, bad
}

func decodeTrade(raw json.RawMessage) (Trade, error) {
	var p tradePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Trade{}, err
	}
	if p.Price == nil || p.Volume == nil || len(p.Timestamp) == 0 {
		return Trade{}, errMissingField
	}
	if !p.Price.IsPositive() {
		return Trade{}, errBadPrice
	}
	if !p.Volume.IsPositive() {
		return Trade{}, errNonPositiveVol
	}
	if !p.Volume.IsInteger() {
		return Trade{}, errFractionalVol
	}
	ts, err := ParseTimestamp(p.Timestamp)
	if err != nil {
		return Trade{}, err
	}
	return Trade{
		TimestampMillis: ts,
		Price:           *p.Price,
		Volume:          p.Volume.IntPart(),
		Hint:            parseHint(p.Type),
	}, nil
}

// parseHint maps the feed's tick type: 1 is a buy print, 2 a sell print.
func parseHint(raw json.RawMessage) SideHint {
	if len(raw) == 0 {
		return HintUnknown
	}
	s := strings.Trim(string(raw), `"`)
	switch strings.ToLower(s) {
	case "1", "buy", "b":
		return HintBuy
	case "2", "sell", "s":
		return HintSell
	default:
		return HintUnknown
	}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp converts an ISO-8601 string or an epoch number (seconds,
// millis, micros or nanos, told apart by magnitude) to epoch milliseconds.
// Zone-less ISO strings are read as UTC.
func ParseTimestamp(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, errMissingField
	}
	if s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return 0, fmt.Errorf("timestamp: %w", err)
		}
		s = strings.TrimSpace(unq)
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMilli(), nil
			}
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("timestamp %q: not ISO-8601 or epoch", s)
	}
	abs := math.Abs(f)
	switch {
	case abs >= 1e17:
		return int64(math.Round(f / 1e6)), nil
	case abs >= 1e14:
		return int64(math.Round(f / 1e3)), nil
	case abs >= 1e11:
		return int64(math.Round(f)), nil
	default:
		return int64(math.Round(f * 1e3)), nil
	}
}

// Scan streams newline-delimited records from r, handing each decoded event to fn.
// Decoding problems only show up in the returned Stats; an error is returned only
// for read failures, cancellation, or an error from fn.
func (d *Decoder) Scan(ctx context.Context, r io.Reader, fn func(Event) error) (Stats, error) {
	return d.ScanFiltered(ctx, r, nil, fn)
}

// LineFilter reports whether a raw line should be decoded.
type LineFilter func(line []byte) bool

// ScanFiltered is Scan with a filter applied to every non-empty line before
// decoding. Rejected lines are counted as duplicates.
func (d *Decoder) ScanFiltered(ctx context.Context, r io.Reader, keep LineFilter, fn func(Event) error) (Stats, error) {
	var st Stats
	br := bufio.NewReaderSize(r, 256*1024)
	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			if st.Lines%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return st, err
				}
			}
			st.Lines++
			if keep != nil && len(bytes.TrimSpace(line)) > 0 && !keep(line) {
				st.Duplicates++
				if readErr == io.EOF {
					return st, nil
				}
				if readErr != nil {
					return st, fmt.Errorf("read tape: %w", readErr)
				}
				continue
			}
			events, ls := d.DecodeLine(line)
			st.ParseErrors += ls.ParseErrors
			st.SchemaErrors += ls.SchemaErrors
			st.ControlFrames += ls.ControlFrames
			for _, ev := range events {
				switch ev.Kind {
				case KindQuote:
					st.Quotes++
				case KindTrade:
					st.Trades++
				}
				if err := fn(ev); err != nil {
					return st, err
				}
			}
		}
		if readErr == io.EOF {
			return st, nil
		}
		if readErr != nil {
			return st, fmt.Errorf("read tape: %w", readErr)
		}
	}
}
