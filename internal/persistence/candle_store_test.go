package persistence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"footprint-core/internal/datalake"
	"footprint-core/internal/footprint"
	"footprint-core/pkg/db"
)

func newTestStore(t *testing.T) (*CandleStore, *BatchWriter) {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	bw := NewBatchWriter(database.DB, 10, time.Hour, zaptest.NewLogger(t))
	t.Cleanup(func() {
		bw.Close()
		database.Close()
	})
	return NewCandleStore(database, bw, zaptest.NewLogger(t)), bw
}

func testCandles(p datalake.Partition, n int) []footprint.Candle {
	out := make([]footprint.Candle, n)
	for i := range out {
		start := p.Start().UnixMilli() + int64(i)*60_000
		price := decimal.RequireFromString("4500.25")
		out[i] = footprint.Candle{
			Symbol: p.Symbol,
			Tick:   decimal.RequireFromString("0.25"),
			BarMs:  60_000,
			Start:  start,
			End:    start + 60_000,
			Open:   price, High: price, Low: price, Close: price,
			Volume: 1,
			Delta:  1,
			POC:    price,
			Levels: []footprint.Level{{Price: price, Ask: 1}},
		}
	}
	return out
}

func TestCandleStoreReplacesPartition(t *testing.T) {
	store, bw := newTestStore(t)
	ctx := context.Background()
	p, err := datalake.ParsePartition("ENQ", "2025/12/19/13")
	require.NoError(t, err)

	_, err = store.ReadCandles(ctx, p, "1m")
	assert.ErrorIs(t, err, datalake.ErrNotFound)

	key, err := store.Persist(ctx, p, "1m", testCandles(p, 3))
	require.NoError(t, err)
	assert.Equal(t, "sqlite:footprint_candles/ENQ/1m/2025/12/19/13", key)

	_, err = store.Persist(ctx, p, "1m", testCandles(p, 2))
	require.NoError(t, err)

	data, err := store.ReadCandles(ctx, p, "1m")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"t0":"2025-12-19T13:00:00.000Z"`)

	m := bw.GetMetrics()
	assert.EqualValues(t, 2, m.TotalBatches)
	assert.EqualValues(t, 7, m.TotalWrites)
	assert.Zero(t, m.TotalErrors)
}

func TestCandleStoreRecordsRuns(t *testing.T) {
	store, bw := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 12, 19, 14, 0, 5, 0, time.UTC)

	store.RecordRun(db.AggregationRun{
		ID: "run-1", Symbol: "ENQ", Timeframe: "1m", PartitionKey: "2025/12/19/13",
		Status: db.RunStatusSucceeded, CandlesGenerated: 60, StartedAt: now, FinishedAt: now,
	})
	assert.Equal(t, 1, bw.Pending())

	runs, err := store.ListRuns(ctx, "ENQ", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, 0, bw.Pending())
}

func TestCandleStoreSanity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	p, err := datalake.ParsePartition("ENQ", "2025/12/19/13")
	require.NoError(t, err)

	payload := `{"checked_at":"2025-12-19T15:00:00Z","summary":{"total":60,"invalid":2,"gapped":7}}`
	require.NoError(t, store.WriteSanity(ctx, p, "1m", []byte(payload)))

	got, err := store.db.GetReconciliationReport(ctx, "ENQ", "1m", "2025/12/19/13")
	require.NoError(t, err)
	assert.Equal(t, 60, got.Total)
	assert.Equal(t, 2, got.Invalid)
	assert.Equal(t, 7, got.Gapped)
	assert.Equal(t, payload, got.Payload)

	assert.Error(t, store.WriteSanity(ctx, p, "1m", []byte("nope")))
}

func TestBatchWriterRollsBackFailedBatch(t *testing.T) {
	store, bw := newTestStore(t)
	ctx := context.Background()
	p, err := datalake.ParsePartition("ENQ", "2025/12/19/13")
	require.NoError(t, err)
	_, err = store.Persist(ctx, p, "1m", testCandles(p, 1))
	require.NoError(t, err)

	err = bw.Commit(ctx, []WriteOp{
		{Table: "footprint_candles", Query: db.DeleteCandlesByPartitionSQL, Args: []any{"ENQ", "1m", p.Path()}},
		{Table: "missing", Query: "INSERT INTO missing VALUES (1)"},
	})
	require.Error(t, err)

	data, err := store.ReadCandles(ctx, p, "1m")
	require.NoError(t, err, "the delete must have been rolled back")
	assert.NotEmpty(t, data)
	assert.EqualValues(t, 1, bw.GetMetrics().TotalErrors)
}
