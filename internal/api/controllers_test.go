package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"footprint-core/internal/datalake"
	"footprint-core/internal/engine"
	"footprint-core/internal/events"
	"footprint-core/internal/instrument"
	"footprint-core/internal/monitor"
	"footprint-core/internal/reconciliation"
	"footprint-core/pkg/db"
)

type fakeEngine struct {
	lastSymbol string
	lastTF     string
	lastHour   time.Time
	lastFrom   time.Time
	lastTo     time.Time
	aggErr     error
	backErr    error
	stored     map[string][]byte
	runs       []db.AggregationRun
	lastLimit  int
}

func (f *fakeEngine) Aggregate(_ context.Context, symbol, tf string, hour time.Time) (engine.Summary, error) {
	f.lastSymbol, f.lastTF, f.lastHour = symbol, tf, hour
	if f.aggErr != nil {
		return engine.Summary{}, f.aggErr
	}
	return engine.Summary{JobID: "job-1", Symbol: symbol, Timeframe: "1m", Partition: hour.Format("2006/01/02/15"), CandlesGenerated: 3}, nil
}

func (f *fakeEngine) Backfill(_ context.Context, symbol, tf string, from, to time.Time) ([]engine.Summary, error) {
	f.lastSymbol, f.lastFrom, f.lastTo = symbol, from, to
	if errors.Is(f.backErr, engine.ErrInvalidRange) {
		return nil, f.backErr
	}
	return []engine.Summary{{JobID: "a"}, {JobID: "b"}}, f.backErr
}

func (f *fakeEngine) Candles(_ context.Context, symbol, tf string, p datalake.Partition) ([]byte, error) {
	if symbol == "EGC" {
		return nil, fmt.Errorf("%w: EGC", instrument.ErrUnknownSymbol)
	}
	if tf == "7m" {
		return nil, fmt.Errorf("instrument ENQ: %w \"7m\": must divide one hour", instrument.ErrInvalidTimeframe)
	}
	data, ok := f.stored[symbol+"/"+tf+"/"+p.Path()]
	if !ok {
		return nil, fmt.Errorf("read: %w", datalake.ErrNotFound)
	}
	return data, nil
}

func (f *fakeEngine) Verify(_ context.Context, symbol, tf string, p datalake.Partition) (reconciliation.Report, error) {
	return reconciliation.Report{Symbol: symbol, Timeframe: tf, Summary: reconciliation.Summary{Partitions: 1, Total: 2, Valid: 1, Invalid: 1}}, nil
}

func (f *fakeEngine) ListRuns(_ context.Context, symbol string, limit int) ([]db.AggregationRun, error) {
	f.lastSymbol, f.lastLimit = symbol, limit
	return f.runs, nil
}

func (f *fakeEngine) Status(context.Context) *engine.SystemStatus {
	return &engine.SystemStatus{Version: "test", Symbols: []string{"ENQ"}}
}

func newTestServer(t *testing.T, eng *fakeEngine) (*Server, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bus := events.NewBus()
	s := NewServer(eng, bus, monitor.NewMetrics(), Options{RateLimitRPS: 1000, RateLimitBurst: 1000}, zaptest.NewLogger(t))
	s.now = func() time.Time { return time.Date(2025, 12, 19, 14, 20, 0, 0, time.UTC) }
	return s, bus
}

func do(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestHealthAndRequestID(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestGetFootprint(t *testing.T) {
	eng := &fakeEngine{stored: map[string][]byte{"ENQ/1m/2025/12/19/13": []byte("{\"vol\":6}\n")}}
	s, _ := newTestServer(t, eng)

	rec := do(t, s, http.MethodGet, "/api/footprint/ENQ/1m/2025/12/19/13", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, "{\"vol\":6}\n", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/footprint/ENQ/1m/2025/12/19/14", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = do(t, s, http.MethodGet, "/api/footprint/EGC/1m/2025/12/19/13", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_SYMBOL", errorCode(t, rec))

	rec = do(t, s, http.MethodGet, "/api/footprint/ENQ/7m/2025/12/19/13", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TIMEFRAME", errorCode(t, rec))

	rec = do(t, s, http.MethodGet, "/api/footprint/ENQ/1m/2025/13/19/13", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARTITION", errorCode(t, rec))
}

func TestVerifyEndpointRecordsMetrics(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{})

	rec := do(t, s, http.MethodGet, "/api/verify/ENQ/1m/2025/12/19/13", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep reconciliation.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, 1, rep.Summary.Invalid)

	metrics := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Contains(t, metrics.Body.String(), `footprint_reconciliation_candles_total{result="invalid",symbol="ENQ"} 1`)
}

func TestAggregateDefaultsToPreviousHour(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(t, eng)

	rec := do(t, s, http.MethodPost, "/api/aggregate?symbol=ENQ", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2025, 12, 19, 13, 0, 0, 0, time.UTC), eng.lastHour)

	var sum engine.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 3, sum.CandlesGenerated)

	rec = do(t, s, http.MethodPost, "/api/aggregate?symbol=ENQ&date=2025-12-18&hour=7&tf=5m", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2025, 12, 18, 7, 0, 0, 0, time.UTC), eng.lastHour)
	assert.Equal(t, "5m", eng.lastTF)
}

func TestAggregateValidation(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(t, eng)

	for _, target := range []string{
		"/api/aggregate",
		"/api/aggregate?symbol=ENQ&hour=24&date=2025-12-18",
		"/api/aggregate?symbol=ENQ&date=2025-12-18",
		"/api/aggregate?symbol=ENQ&hour=3",
		"/api/aggregate?symbol=ENQ&date=18/12/2025&hour=3",
	} {
		rec := do(t, s, http.MethodPost, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	eng.aggErr = fmt.Errorf("resolve ENQ: %w", fmt.Errorf("instrument ENQ: %w \"2h\"", instrument.ErrInvalidTimeframe))
	rec := do(t, s, http.MethodPost, "/api/aggregate?symbol=ENQ&tf=2h", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TIMEFRAME", errorCode(t, rec))

	eng.aggErr = &engine.PersistError{Err: errors.New("disk full")}
	rec = do(t, s, http.MethodPost, "/api/aggregate?symbol=ENQ", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "PERSIST_FAILED", errorCode(t, rec))
}

func TestBackfill(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(t, eng)

	body := []byte(`{"symbol":"ENQ","from":"2025-12-19T10:00:00Z","to":"2025-12-19T11:00:00Z"}`)
	rec := do(t, s, http.MethodPost, "/api/backfill", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp backfillResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Summaries, 2)
	assert.Zero(t, resp.Failed)
	assert.Equal(t, time.Date(2025, 12, 19, 11, 0, 0, 0, time.UTC), eng.lastTo.UTC())

	eng.backErr = errors.Join(errors.New("a failed"), errors.New("b failed"))
	rec = do(t, s, http.MethodPost, "/api/backfill", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Failed)
	assert.Contains(t, resp.Error, "b failed")

	eng.backErr = fmt.Errorf("%w: too long", engine.ErrInvalidRange)
	rec = do(t, s, http.MethodPost, "/api/backfill", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_RANGE", errorCode(t, rec))

	rec = do(t, s, http.MethodPost, "/api/backfill", []byte(`{"symbol":"ENQ"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRunsNormalizesLimit(t *testing.T) {
	eng := &fakeEngine{runs: []db.AggregationRun{{ID: "r1", Symbol: "ENQ"}}}
	s, _ := newTestServer(t, eng)

	rec := do(t, s, http.MethodGet, "/api/runs?symbol=ENQ&limit=10000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, eng.lastLimit)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	do(t, s, http.MethodGet, "/api/runs", nil)
	assert.Equal(t, 50, eng.lastLimit)
	assert.Empty(t, eng.lastSymbol)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewServer(&fakeEngine{}, nil, nil, Options{RateLimitRPS: 0.001, RateLimitBurst: 2}, zaptest.NewLogger(t))

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code)
	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
}

func TestWebsocketStreamsJobEvents(t *testing.T) {
	s, bus := newTestServer(t, &fakeEngine{})
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler subscribes after the upgrade; keep publishing until a message arrives.
	got := make(chan wsMessage, 1)
	go func() {
		var msg struct {
			Event events.Event     `json:"event"`
			Data  events.JobReport `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err == nil {
			got <- wsMessage{Event: msg.Event, Data: msg.Data}
		}
	}()
	require.Eventually(t, func() bool {
		bus.Publish(events.EventJobCompleted, events.JobReport{JobID: "j1", Symbol: "ENQ"})
		select {
		case msg := <-got:
			assert.Equal(t, events.EventJobCompleted, msg.Event)
			assert.Equal(t, "j1", msg.Data.(events.JobReport).JobID)
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}
