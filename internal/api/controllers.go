package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"footprint-core/internal/datalake"
	"footprint-core/internal/engine"
	"footprint-core/internal/instrument"
)

type aggregateQuery struct {
	Symbol    string `form:"symbol" binding:"required,min=1"`
	Timeframe string `form:"tf"`
	Date      string `form:"date"`
	Hour      *int   `form:"hour" binding:"omitempty,min=0,max=23"`
}

type backfillRequest struct {
	Symbol    string    `json:"symbol" binding:"required,min=1"`
	Timeframe string    `json:"timeframe"`
	From      time.Time `json:"from" binding:"required"`
	To        time.Time `json:"to" binding:"required"`
}

type backfillResponse struct {
	Summaries []engine.Summary `json:"summaries"`
	Failed    int              `json:"failed"`
	Error     string           `json:"error,omitempty"`
}

type listRunsQuery struct {
	Symbol string `form:"symbol"`
	Limit  int    `form:"limit"`
}

func (q *listRunsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine failures onto HTTP statuses.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	var perr *engine.PersistError
	switch {
	case errors.Is(err, instrument.ErrUnknownSymbol):
		respondError(c, http.StatusNotFound, "UNKNOWN_SYMBOL", err.Error())
	case errors.Is(err, datalake.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, engine.ErrInvalidRange):
		respondError(c, http.StatusBadRequest, "INVALID_RANGE", err.Error())
	case errors.Is(err, instrument.ErrInvalidTimeframe):
		respondError(c, http.StatusBadRequest, "INVALID_TIMEFRAME", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, "TIMEOUT", "request took too long to process")
	case errors.As(err, &perr):
		s.Logger.Error("persist failed", zap.String("request_id", c.GetString("RequestID")), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "PERSIST_FAILED", err.Error())
	default:
		s.Logger.Error("engine error", zap.String("request_id", c.GetString("RequestID")), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
	}
}

func partitionParam(c *gin.Context) (datalake.Partition, bool) {
	p, err := datalake.PartitionFromParts(c.Param("symbol"), c.Param("y"), c.Param("m"), c.Param("d"), c.Param("h"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PARTITION", err.Error())
		return datalake.Partition{}, false
	}
	return p, true
}

func (s *Server) getFootprint(c *gin.Context) {
	p, ok := partitionParam(c)
	if !ok {
		return
	}
	data, err := s.Engine.Candles(c.Request.Context(), c.Param("symbol"), c.Param("tf"), p)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/x-ndjson", data)
}

func (s *Server) verifyPartition(c *gin.Context) {
	p, ok := partitionParam(c)
	if !ok {
		return
	}
	rep, err := s.Engine.Verify(c.Request.Context(), c.Param("symbol"), c.Param("tf"), p)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.ObserveVerification(rep)
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) listRuns(c *gin.Context) {
	var q listRunsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	runs, err := s.Engine.ListRuns(c.Request.Context(), q.Symbol, q.Limit)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// aggregateHour picks the partition hour of an aggregate request. Without a
// date the previous full UTC hour is used.
func (s *Server) aggregateHour(q aggregateQuery) (time.Time, error) {
	if q.Date == "" {
		if q.Hour != nil {
			return time.Time{}, fmt.Errorf("hour requires date")
		}
		return s.now().UTC().Truncate(time.Hour).Add(-time.Hour), nil
	}
	day, err := time.Parse("2006-01-02", q.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", q.Date)
	}
	if q.Hour == nil {
		return time.Time{}, fmt.Errorf("date requires hour")
	}
	return day.Add(time.Duration(*q.Hour) * time.Hour), nil
}

func (s *Server) aggregate(c *gin.Context) {
	var q aggregateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "symbol is required; hour must be 0-23")
		return
	}
	hour, err := s.aggregateHour(q)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	sum, err := s.Engine.Aggregate(c.Request.Context(), q.Symbol, q.Timeframe, hour)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) backfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	sums, err := s.Engine.Backfill(c.Request.Context(), req.Symbol, req.Timeframe, req.From, req.To)
	if err != nil && sums == nil {
		s.respondEngineError(c, err)
		return
	}
	resp := backfillResponse{Summaries: sums}
	if err != nil {
		resp.Error = err.Error()
		resp.Failed = 1
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			resp.Failed = len(joined.Unwrap())
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status(c.Request.Context()))
}
