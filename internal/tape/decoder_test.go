package tape

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqDecoder() *Decoder {
	return NewDecoder(Options{Symbol: "ENQ", Aliases: []string{"F.US.ENQ"}})
}

// wrap builds a captured line holding the given SignalR sub-messages.
func wrap(t *testing.T, msgs ...string) string {
	t.Helper()
	raw := strings.Join(msgs, RecordSeparator) + RecordSeparator
	b, err := json.Marshal(map[string]string{"raw": raw})
	require.NoError(t, err)
	return string(b)
}

func quoteMsg(symbol string, bid, ask float64) string {
	return fmt.Sprintf(`{"type":1,"target":"RealTimeSymbolQuote","arguments":[{"symbol":%q,"bestBid":%v,"bestAsk":%v}]}`, symbol, bid, ask)
}

func tradeMsg(trades ...string) string {
	return `{"type":1,"target":"RealTimeTradeLogWithSpeed","arguments":["F.US.ENQ",[` + strings.Join(trades, ",") + `]]}`
}

func TestDecodeLineQuoteAndTrades(t *testing.T) {
	d := enqDecoder()
	line := wrap(t,
		quoteMsg("F.US.ENQ", 4500.00, 4500.25),
		tradeMsg(
			`{"price":4500.25,"volume":3,"timestamp":"2025-12-19T13:00:01.000Z","type":1}`,
			`{"price":4500,"volume":2,"timestamp":"2025-12-19T13:00:02Z","type":2}`,
		),
	)

	events, st := d.DecodeLine([]byte(line))
	require.Len(t, events, 3)
	assert.Equal(t, LineStats{}, st)

	require.Equal(t, KindQuote, events[0].Kind)
	assert.Equal(t, "ENQ", events[0].Quote.Symbol, "alias is normalized to the canonical symbol")
	assert.True(t, events[0].Quote.BestBid.Equal(decimal.RequireFromString("4500")))
	assert.True(t, events[0].Quote.BestAsk.Equal(decimal.RequireFromString("4500.25")))

	require.Equal(t, KindTrade, events[1].Kind)
	tr := events[1].Trade
	assert.True(t, tr.Price.Equal(decimal.RequireFromString("4500.25")))
	assert.EqualValues(t, 3, tr.Volume)
	assert.Equal(t, HintBuy, tr.Hint)
	assert.Equal(t, time.Date(2025, 12, 19, 13, 0, 1, 0, time.UTC).UnixMilli(), tr.TimestampMillis)
	assert.Equal(t, HintSell, events[2].Trade.Hint)
}

func TestDecodeLineSkipsNoise(t *testing.T) {
	d := enqDecoder()

	cases := []struct {
		name string
		line string
		want LineStats
	}{
		{"empty", "   ", LineStats{}},
		{"not json", "{broken", LineStats{ParseErrors: 1}},
		{"no raw or target", `{"ts":123}`, LineStats{ControlFrames: 1}},
		{"handshake ack and ping", wrap(t, `{}`, `{"type":6}`), LineStats{ControlFrames: 2}},
		{"corrupt sub-message", wrap(t, `{"type":1,"target":`), LineStats{ParseErrors: 1}},
		{"trade batch not an array", wrap(t, `{"type":1,"target":"RealTimeTradeLogWithSpeed","arguments":["x",{}]}`), LineStats{SchemaErrors: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events, st := d.DecodeLine([]byte(tc.line))
			assert.Empty(t, events)
			assert.Equal(t, tc.want, st)
		})
	}
}

func TestDecodeLineRejectsBadTrades(t *testing.T) {
	d := enqDecoder()
	line := wrap(t, tradeMsg(
		`{"price":4500,"volume":0,"timestamp":1766149200000}`,
		`{"price":4500,"volume":-2,"timestamp":1766149200000}`,
		`{"price":4500,"volume":1.5,"timestamp":1766149200000}`,
		`{"volume":1,"timestamp":1766149200000}`,
		`{"price":4500,"volume":1}`,
		`{"price":4500,"volume":1,"timestamp":"yesterday"}`,
		`{"price":4500,"volume":4,"timestamp":1766149200000}`,
	))
	events, st := d.DecodeLine([]byte(line))
	require.Len(t, events, 1, "only the well-formed trade survives")
	assert.EqualValues(t, 4, events[0].Trade.Volume)
	assert.Equal(t, HintUnknown, events[0].Trade.Hint)
	assert.Equal(t, 6, st.SchemaErrors)
}

func TestDecodeLineIgnoresUntrackedQuotes(t *testing.T) {
	d := enqDecoder()
	events, st := d.DecodeLine([]byte(wrap(t, quoteMsg("F.US.EGC", 2000, 2000.1))))
	assert.Empty(t, events)
	assert.Equal(t, LineStats{}, st)
}

func TestDecodeLineBareMessage(t *testing.T) {
	d := enqDecoder()
	events, _ := d.DecodeLine([]byte(quoteMsg("ENQ", 1, 2)))
	require.Len(t, events, 1)
	assert.Equal(t, KindQuote, events[0].Kind)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 12, 19, 13, 0, 0, 500_000_000, time.UTC).UnixMilli()
	cases := map[string]string{
		"iso zulu":      `"2025-12-19T13:00:00.500Z"`,
		"iso offset":    `"2025-12-19T20:00:00.500+07:00"`,
		"iso no zone":   `"2025-12-19T13:00:00.5"`,
		"epoch millis":  fmt.Sprint(want),
		"epoch string":  fmt.Sprintf(`"%d"`, want),
		"epoch seconds": fmt.Sprintf("%d.5", want/1000),
		"epoch micros":  fmt.Sprint(want * 1000),
		"epoch nanos":   fmt.Sprintf("%d000000", want),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ParseTimestamp(json.RawMessage(raw))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	_, err := ParseTimestamp(json.RawMessage(`null`))
	assert.Error(t, err)
}

func TestScanCountsAndContinuesPastCorruptLine(t *testing.T) {
	d := enqDecoder()
	var b strings.Builder
	for i := 0; i < 10; i++ {
		if i == 4 {
			b.WriteString("{\"raw\": \"not closed\n")
			continue
		}
		b.WriteString(wrap(t, tradeMsg(fmt.Sprintf(`{"price":4500,"volume":1,"timestamp":%d}`, 1766149200000+int64(i)))))
		b.WriteString("\n")
	}

	var trades int
	st, err := d.Scan(context.Background(), strings.NewReader(b.String()), func(ev Event) error {
		if ev.Kind == KindTrade {
			trades++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 9, trades)
	assert.Equal(t, 10, st.Lines)
	assert.Equal(t, 1, st.ParseErrors)
	assert.Equal(t, 9, st.Trades)
}

func TestScanStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := enqDecoder().Scan(ctx, strings.NewReader("{}\n"), func(Event) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
