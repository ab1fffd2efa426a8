package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"footprint-core/internal/datalake"
)

type memStore struct {
	candles map[string][]byte
	sanity  map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{candles: map[string][]byte{}, sanity: map[string][]byte{}}
}

func (m *memStore) ReadCandles(_ context.Context, p datalake.Partition, tf string) ([]byte, error) {
	b, ok := m.candles[p.Key()+"/"+tf]
	if !ok {
		return nil, fmt.Errorf("read: %w", datalake.ErrNotFound)
	}
	return b, nil
}

func (m *memStore) WriteSanity(_ context.Context, p datalake.Partition, tf string, payload []byte) error {
	m.sanity[p.Key()+"/"+tf] = payload
	return nil
}

const (
	goodCandle   = `{"v":1,"symbol":"ENQ","tick":0.25,"bar_ms":60000,"t0":"2025-12-19T13:00:00.000Z","t1":"2025-12-19T13:01:00.000Z","ohlc":{"o":4500.25,"h":4500.25,"l":4500,"c":4500.25},"vol":6,"delta":2,"poc":4500.25,"levels":[[4500,2,0],[4500.25,0,4]]}`
	gappedCandle = `{"symbol":"ENQ","tick":0.25,"t0":"2025-12-19T13:01:00.000Z","vol":3,"delta":1,"levels":[[4500,1,0],[4501,0,2]]}`
	taggedCandle = `{"symbol":"ENQ","tick":0.25,"t0":"2025-12-19T13:02:00.000Z","vol":5,"delta":0,"levels":[[4500,2,2]],"integrity_error":"vol_mismatch"}`
)

func newTestVerifier(t *testing.T, store *memStore, opts Options) *Verifier {
	return NewVerifier(store, store, opts, zaptest.NewLogger(t))
}

func TestLevelShapes(t *testing.T) {
	var arr, obj Level
	require.NoError(t, json.Unmarshal([]byte(`[4500.25, 3, 4]`), &arr))
	require.NoError(t, json.Unmarshal([]byte(`{"p": 4500.25, "bv": 3, "av": 4, "d": 1}`), &obj))

	assert.True(t, arr.Price.Equal(obj.Price))
	assert.True(t, arr.Bid.Equal(obj.Bid))
	assert.True(t, arr.Ask.Equal(obj.Ask))
	assert.Nil(t, arr.Delta)
	require.NotNil(t, obj.Delta)
	assert.True(t, obj.Delta.Equal(decimal.NewFromInt(1)))

	var bad Level
	assert.Error(t, json.Unmarshal([]byte(`[1, 2]`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`"x"`), &bad))
}

func TestParseRecordAcceptsArrays(t *testing.T) {
	cs, err := ParseRecord([]byte("[" + goodCandle + "," + gappedCandle + "]"))
	require.NoError(t, err)
	assert.Len(t, cs, 2)

	cs, err = ParseRecord([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestCheckCandle(t *testing.T) {
	v := newTestVerifier(t, newMemStore(), Options{})

	cases := []struct {
		name     string
		record   string
		valid    bool
		gaps     int
		contains string
	}{
		{"consistent", goodCandle, true, 0, ""},
		{"gap is not invalid", gappedCandle, true, 1, ""},
		{"reported tag surfaced", taggedCandle, false, 0, "reported: vol_mismatch"},
		{"volume mismatch", `{"tick":0.25,"vol":7,"delta":2,"levels":[[4500,2,0],[4500.25,0,4]]}`, false, 0, "volume mismatch"},
		{"delta mismatch", `{"tick":0.25,"vol":6,"delta":-2,"levels":[[4500,2,0],[4500.25,0,4]]}`, false, 0, "delta mismatch"},
		{"float noise tolerated", `{"tick":0.25,"vol":6.00001,"delta":1.99999,"levels":[[4500,2,0],[4500.25,0,4]]}`, true, 0, ""},
		{"tick noise tolerated", `{"tick":0.25,"vol":2,"delta":2,"levels":[[4500,0,1],[4500.255,0,1]]}`, true, 0, ""},
		{"legacy object levels", `{"tick":0.25,"vol":6,"delta":2,"levels":[{"p":4500,"bv":2,"av":0,"d":-2},{"p":4500.25,"bv":0,"av":4,"d":4}]}`, true, 0, ""},
		{"legacy level delta wrong", `{"tick":0.25,"vol":6,"delta":2,"levels":[{"p":4500,"bv":2,"av":0,"d":2},{"p":4500.25,"bv":0,"av":4,"d":4}]}`, false, 0, "level 4500 delta mismatch"},
		{"missing tick uses default", `{"vol":2,"delta":2,"levels":[[1,0,1],[1.25,0,1]]}`, true, 0, ""},
		{"duplicate level", `{"tick":0.25,"vol":2,"delta":2,"levels":[[1,0,1],[1,0,1]]}`, false, 1, "not strictly ascending"},
		{"single level", `{"tick":0.25,"vol":1,"delta":1,"levels":[[1,0,1]]}`, true, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cs, err := ParseRecord([]byte(tc.record))
			require.NoError(t, err)
			require.Len(t, cs, 1)
			res := v.CheckCandle(cs[0])
			assert.Equal(t, tc.valid, res.Valid(), "problems: %v", res.Problems)
			assert.Equal(t, tc.gaps, res.Gaps)
			if tc.contains != "" {
				assert.Contains(t, strings.Join(res.Problems, "; "), tc.contains)
			}
		})
	}
}

func TestVerifySummary(t *testing.T) {
	v := newTestVerifier(t, newMemStore(), Options{})
	data := strings.Join([]string{goodCandle, gappedCandle, "{not json", "", taggedCandle}, "\n")

	rep := v.Verify([]byte(data), "2025/12/19/13")
	assert.Equal(t, "ENQ", rep.Symbol)
	assert.Equal(t, Summary{
		Total:          4,
		Valid:          2,
		Invalid:        2,
		Unparsable:     1,
		Continuous:     2,
		Gapped:         1,
		Gaps:           1,
		ReportedErrors: 1,
	}, rep.Summary)
	assert.False(t, rep.OK())
	require.Len(t, rep.Issues, 3)
	assert.Equal(t, 3, rep.Issues[1].Line)
	assert.Equal(t, "2025/12/19/13", rep.Issues[0].Partition)
}

func TestVerifyPartitionWritesSanityReport(t *testing.T) {
	store := newMemStore()
	p, err := datalake.ParsePartition("ENQ", "2025/12/19/13")
	require.NoError(t, err)
	store.candles[p.Key()+"/1m"] = []byte(goodCandle + "\n")

	v := newTestVerifier(t, store, Options{WriteSanity: true})
	rep, err := v.VerifyPartition(context.Background(), p, "1m")
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, 1, rep.Summary.Valid)
	assert.Equal(t, "1m", rep.Timeframe)

	raw, ok := store.sanity[p.Key()+"/1m"]
	require.True(t, ok)
	var stored Report
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, rep.Summary, stored.Summary)
}

func TestVerifyRangeCountsEmptyPartitions(t *testing.T) {
	store := newMemStore()
	p, err := datalake.ParsePartition("ENQ", "2025/12/19/13")
	require.NoError(t, err)
	store.candles[p.Key()+"/1m"] = []byte(goodCandle + "\n" + taggedCandle + "\n")

	v := newTestVerifier(t, store, Options{})
	rep, err := v.VerifyRange(context.Background(), []datalake.Partition{p, p.Next()}, "1m")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Summary.Partitions)
	assert.Equal(t, 1, rep.Summary.EmptyPartitions)
	assert.Equal(t, 2, rep.Summary.Total)
	assert.Equal(t, 1, rep.Summary.Invalid)
	assert.Empty(t, store.sanity, "sanity reports are opt-in")
}

func TestVerifierDoesNotMutateStore(t *testing.T) {
	store := newMemStore()
	p, err := datalake.ParsePartition("ENQ", "2025/12/19/14")
	require.NoError(t, err)
	original := []byte(taggedCandle + "\n")
	store.candles[p.Key()+"/1m"] = append([]byte(nil), original...)

	_, err = newTestVerifier(t, store, Options{WriteSanity: true}).VerifyPartition(context.Background(), p, "1m")
	require.NoError(t, err)
	assert.Equal(t, original, store.candles[p.Key()+"/1m"])
}
