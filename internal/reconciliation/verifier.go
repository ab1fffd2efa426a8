// Package reconciliation re-checks persisted footprint candles independently of
// the aggregation path that produced them.
package reconciliation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"footprint-core/internal/datalake"
	"footprint-core/pkg/logger"
)

var (
	// DefaultSumTolerance absorbs float noise in recomputed volume and delta.
	DefaultSumTolerance = decimal.RequireFromString("0.0001")
	// DefaultTickTolerance is the allowed deviation of a ladder step from one tick.
	DefaultTickTolerance = decimal.RequireFromString("0.01")
	// DefaultTick is assumed for records that do not declare a tick.
	DefaultTick = decimal.RequireFromString("0.25")
)

// Reader loads the stored candles of a partition. Implementations return an error
// wrapping datalake.ErrNotFound when nothing is stored.
type Reader interface {
	ReadCandles(ctx context.Context, p datalake.Partition, timeframe string) ([]byte, error)
}

// SanityWriter persists a partition's report.
type SanityWriter interface {
	WriteSanity(ctx context.Context, p datalake.Partition, timeframe string, payload []byte) error
}

// Options tunes the verifier tolerances.
type Options struct {
	SumTolerance  decimal.Decimal
	TickTolerance decimal.Decimal
	DefaultTick   decimal.Decimal
	// WriteSanity stores each partition report through the SanityWriter.
	WriteSanity bool
}

func (o Options) withDefaults() Options {
	if !o.SumTolerance.IsPositive() {
		o.SumTolerance = DefaultSumTolerance
	}
	if !o.TickTolerance.IsPositive() {
		o.TickTolerance = DefaultTickTolerance
	}
	if !o.DefaultTick.IsPositive() {
		o.DefaultTick = DefaultTick
	}
	return o
}

// Summary counts what a verification pass saw. Unparsable records count as
// checked and invalid, and are not part of the ladder counts.
type Summary struct {
	Partitions      int `json:"partitions"`
	EmptyPartitions int `json:"empty_partitions"`
	Total           int `json:"total"`
	Valid           int `json:"valid"`
	Invalid         int `json:"invalid"`
	Unparsable      int `json:"unparsable"`
	Continuous      int `json:"continuous"`
	Gapped          int `json:"gapped"`
	Gaps            int `json:"gaps"`
	ReportedErrors  int `json:"reported_errors"`
}

// Add folds o into s.
func (s *Summary) Add(o Summary) {
	s.Partitions += o.Partitions
	s.EmptyPartitions += o.EmptyPartitions
	s.Total += o.Total
	s.Valid += o.Valid
	s.Invalid += o.Invalid
	s.Unparsable += o.Unparsable
	s.Continuous += o.Continuous
	s.Gapped += o.Gapped
	s.Gaps += o.Gaps
	s.ReportedErrors += o.ReportedErrors
}

// Issue lists the problems found on one candle.
type Issue struct {
	Partition string   `json:"partition,omitempty"`
	T0        string   `json:"t0,omitempty"`
	Line      int      `json:"line"`
	Problems  []string `json:"problems"`
	Gaps      int      `json:"gaps,omitempty"`
}

// Report is the outcome of verifying one or more partitions.
type Report struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	CheckedAt time.Time `json:"checked_at"`
	Summary   Summary   `json:"summary"`
	Issues    []Issue   `json:"issues"`
}

// OK reports whether every checked candle is valid.
func (r Report) OK() bool { return r.Summary.Invalid == 0 }

// Merge appends another report's findings.
func (r *Report) Merge(o Report) {
	r.Summary.Add(o.Summary)
	r.Issues = append(r.Issues, o.Issues...)
}

// CandleResult is the verdict on a single candle.
type CandleResult struct {
	Problems []string
	Gaps     int
}

// Valid reports whether no problem was found. Gaps alone do not invalidate.
func (c CandleResult) Valid() bool { return len(c.Problems) == 0 }

// Verifier checks stored candles. It never writes to the candle store.
type Verifier struct {
	reader Reader
	sanity SanityWriter
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewVerifier creates a verifier over reader. sanity may be nil.
func NewVerifier(reader Reader, sanity SanityWriter, opts Options, log *zap.Logger) *Verifier {
	return &Verifier{
		reader: reader,
		sanity: sanity,
		opts:   opts.withDefaults(),
		logger: logger.OrNop(log).Named("verifier"),
		now:    time.Now,
	}
}

// CheckCandle recomputes volume and delta from the ladder and checks its spacing.
func (v *Verifier) CheckCandle(c StoredCandle) CandleResult {
	return checkCandle(c, v.opts)
}

func checkCandle(c StoredCandle, opts Options) CandleResult {
	var res CandleResult
	if c.IntegrityError != "" {
		res.Problems = append(res.Problems, "reported: "+c.IntegrityError)
	}

	sumBid, sumAsk := decimal.Zero, decimal.Zero
	for i, l := range c.Levels {
		sumBid = sumBid.Add(l.Bid)
		sumAsk = sumAsk.Add(l.Ask)
		if l.Delta != nil {
			calc := l.Ask.Sub(l.Bid)
			if calc.Sub(*l.Delta).Abs().GreaterThan(opts.SumTolerance) {
				res.Problems = append(res.Problems, fmt.Sprintf("level %s delta mismatch (calc %s vs rec %s)", l.Price, calc, l.Delta))
			}
		}
		if i > 0 && !c.Levels[i-1].Price.LessThan(l.Price) {
			res.Problems = append(res.Problems, fmt.Sprintf("ladder not strictly ascending at %s", l.Price))
		}
	}

	vol := sumBid.Add(sumAsk)
	delta := sumAsk.Sub(sumBid)
	if vol.Sub(c.Vol).Abs().GreaterThan(opts.SumTolerance) {
		res.Problems = append(res.Problems, fmt.Sprintf("volume mismatch (levels %s vs header %s)", vol, c.Vol))
	}
	if delta.Sub(c.Delta).Abs().GreaterThan(opts.SumTolerance) {
		res.Problems = append(res.Problems, fmt.Sprintf("delta mismatch (levels %s vs header %s)", delta, c.Delta))
	}

	res.Gaps = ladderGaps(c, opts)
	return res
}

// ladderGaps counts adjacent levels whose spacing differs from one tick.
func ladderGaps(c StoredCandle, opts Options) int {
	if len(c.Levels) < 2 {
		return 0
	}
	tick := c.Tick
	if !tick.IsPositive() {
		tick = opts.DefaultTick
	}
	gaps := 0
	for i := 0; i+1 < len(c.Levels); i++ {
		step := c.Levels[i+1].Price.Sub(c.Levels[i].Price).Abs()
		if step.Sub(tick).Abs().GreaterThan(opts.TickTolerance) {
			gaps++
		}
	}
	return gaps
}

// Verify checks NDJSON content. partition labels the issues and may be empty.
func (v *Verifier) Verify(data []byte, partition string) Report {
	rep := Report{CheckedAt: v.now().UTC(), Issues: []Issue{}}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		candles, err := ParseRecord(line)
		if err != nil {
			rep.Summary.Total++
			rep.Summary.Invalid++
			rep.Summary.Unparsable++
			rep.Issues = append(rep.Issues, Issue{
				Partition: partition,
				Line:      lineNo,
				Problems:  []string{"unparsable: " + err.Error()},
			})
			continue
		}
		for _, c := range candles {
			if rep.Symbol == "" {
				rep.Symbol = c.Symbol
			}
			rep.Summary.Total++
			if c.IntegrityError != "" {
				rep.Summary.ReportedErrors++
			}
			res := checkCandle(c, v.opts)
			if res.Valid() {
				rep.Summary.Valid++
			} else {
				rep.Summary.Invalid++
			}
			if res.Gaps == 0 {
				rep.Summary.Continuous++
			} else {
				rep.Summary.Gapped++
				rep.Summary.Gaps += res.Gaps
			}
			if !res.Valid() || res.Gaps > 0 {
				rep.Issues = append(rep.Issues, Issue{
					Partition: partition,
					T0:        c.T0,
					Line:      lineNo,
					Problems:  res.Problems,
					Gaps:      res.Gaps,
				})
			}
		}
	}
	if err := sc.Err(); err != nil {
		rep.Summary.Unparsable++
		rep.Summary.Invalid++
		rep.Issues = append(rep.Issues, Issue{Partition: partition, Line: lineNo + 1, Problems: []string{"read: " + err.Error()}})
	}
	return rep
}

// VerifyPartition reads and checks one stored partition. A partition with no
// stored output yields an empty report counted under EmptyPartitions.
func (v *Verifier) VerifyPartition(ctx context.Context, p datalake.Partition, timeframe string) (Report, error) {
	data, err := v.reader.ReadCandles(ctx, p, timeframe)
	if errors.Is(err, datalake.ErrNotFound) {
		v.logger.Info("no stored candles", zap.String("partition", p.Key()), zap.String("timeframe", timeframe))
		return Report{
			Symbol:    p.Symbol,
			Timeframe: timeframe,
			CheckedAt: v.now().UTC(),
			Summary:   Summary{Partitions: 1, EmptyPartitions: 1},
			Issues:    []Issue{},
		}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("read %s: %w", p.Key(), err)
	}

	rep := v.Verify(data, p.Path())
	rep.Symbol = p.Symbol
	rep.Timeframe = timeframe
	rep.Summary.Partitions = 1

	v.logger.Info("partition verified",
		zap.String("partition", p.Key()),
		zap.String("timeframe", timeframe),
		zap.Int("total", rep.Summary.Total),
		zap.Int("invalid", rep.Summary.Invalid),
		zap.Int("gapped", rep.Summary.Gapped),
	)

	if v.opts.WriteSanity && v.sanity != nil {
		payload, err := json.Marshal(rep)
		if err != nil {
			return rep, fmt.Errorf("encode sanity report: %w", err)
		}
		if err := v.sanity.WriteSanity(ctx, p, timeframe, payload); err != nil {
			return rep, fmt.Errorf("write sanity report %s: %w", p.Key(), err)
		}
	}
	return rep, nil
}

// VerifyRange verifies consecutive partitions and merges their reports.
func (v *Verifier) VerifyRange(ctx context.Context, partitions []datalake.Partition, timeframe string) (Report, error) {
	total := Report{Timeframe: timeframe, CheckedAt: v.now().UTC(), Issues: []Issue{}}
	for _, p := range partitions {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if total.Symbol == "" {
			total.Symbol = p.Symbol
		}
		rep, err := v.VerifyPartition(ctx, p, timeframe)
		if err != nil {
			return total, err
		}
		total.Merge(rep)
	}
	return total, nil
}
