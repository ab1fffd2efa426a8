// Package instrument resolves symbols to their aggregation and decoding settings.
package instrument

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"footprint-core/internal/footprint"
	"footprint-core/internal/tape"
	"footprint-core/pkg/cache"
	"footprint-core/pkg/config"
	"footprint-core/pkg/logger"
)

var (
	// ErrUnknownSymbol is returned for symbols that no instrument or alias matches.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrInvalidTimeframe is returned for bar widths that cannot tile an hour.
	ErrInvalidTimeframe = errors.New("invalid timeframe")
)

const hourMs = int64(time.Hour / time.Millisecond)

// Spec is the resolved configuration of one instrument.
type Spec struct {
	Symbol    string
	Timeframe string
	Footprint footprint.Options
	Tape      tape.Options
}

// Loader returns the current instrument definitions.
type Loader func() ([]config.Instrument, error)

// FileLoader reads path on every call and falls back to the built-in defaults
// when the file does not exist.
func FileLoader(path string) Loader {
	return func() ([]config.Instrument, error) {
		if path == "" {
			return config.DefaultInstruments(), nil
		}
		insts, err := config.LoadInstruments(path)
		if errors.Is(err, fs.ErrNotExist) {
			return config.DefaultInstruments(), nil
		}
		return insts, err
	}
}

// StaticLoader always returns insts.
func StaticLoader(insts []config.Instrument) Loader {
	return func() ([]config.Instrument, error) { return insts, nil }
}

// Registry resolves symbols through a TTL cache so that edits to the
// instruments file are picked up without a restart.
type Registry struct {
	load   Loader
	cache  *cache.TTLCache[Spec]
	logger *zap.Logger
}

// NewRegistry creates a registry. A nil clock uses the system clock.
func NewRegistry(load Loader, ttl time.Duration, clock cache.Clock, log *zap.Logger) *Registry {
	return &Registry{
		load:   load,
		cache:  cache.NewTTLCache[Spec](ttl, clock),
		logger: logger.OrNop(log).Named("instruments"),
	}
}

// Resolve returns the spec of symbol, matching canonical symbols and aliases
// case-insensitively.
func (r *Registry) Resolve(symbol string) (Spec, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return Spec{}, fmt.Errorf("%w: empty symbol", ErrUnknownSymbol)
	}
	return r.cache.GetOrLoad(key, func() (Spec, error) {
		insts, err := r.load()
		if err != nil {
			return Spec{}, fmt.Errorf("load instruments: %w", err)
		}
		for _, inst := range insts {
			if matches(inst, key) {
				spec, err := BuildSpec(inst)
				if err != nil {
					return Spec{}, err
				}
				r.logger.Debug("instrument resolved", zap.String("symbol", symbol), zap.String("canonical", spec.Symbol))
				return spec, nil
			}
		}
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	})
}

// Symbols lists the canonical symbols currently configured.
func (r *Registry) Symbols() ([]string, error) {
	insts, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(insts))
	for _, inst := range insts {
		out = append(out, strings.ToUpper(inst.Symbol))
	}
	return out, nil
}

// Invalidate drops cached lookups.
func (r *Registry) Invalidate() {
	r.cache.Clear()
}

func matches(inst config.Instrument, key string) bool {
	if strings.EqualFold(inst.Symbol, key) {
		return true
	}
	for _, a := range inst.Aliases {
		if strings.EqualFold(a, key) {
			return true
		}
	}
	return false
}

// BuildSpec validates an instrument entry and derives its runtime options.
func BuildSpec(inst config.Instrument) (Spec, error) {
	symbol := strings.ToUpper(strings.TrimSpace(inst.Symbol))
	tick, err := decimal.NewFromString(strings.TrimSpace(inst.Tick))
	if err != nil || !tick.IsPositive() {
		return Spec{}, fmt.Errorf("instrument %s: invalid tick %q", symbol, inst.Tick)
	}
	policy, err := footprint.ParseFallbackPolicy(inst.FallbackSide)
	if err != nil {
		return Spec{}, fmt.Errorf("instrument %s: %w", symbol, err)
	}

	barMs := inst.BarMs
	tf := strings.TrimSpace(inst.Timeframe)
	switch {
	case barMs <= 0 && tf == "":
		barMs = footprint.DefaultBarMs
	case barMs <= 0:
		if barMs, err = parseBarMs(tf); err != nil {
			return Spec{}, fmt.Errorf("instrument %s: %w", symbol, err)
		}
	default:
		if err := checkBarMs(barMs); err != nil {
			return Spec{}, fmt.Errorf("instrument %s: %w", symbol, err)
		}
	}
	if tf == "" {
		tf = TimeframeLabel(barMs)
	}

	aliases := make([]string, 0, len(inst.Aliases))
	for _, a := range inst.Aliases {
		if a = strings.TrimSpace(a); a != "" {
			aliases = append(aliases, a)
		}
	}

	return Spec{
		Symbol:    symbol,
		Timeframe: tf,
		Footprint: footprint.Options{
			Symbol:     symbol,
			Tick:       tick,
			BarMs:      barMs,
			SnapToTick: inst.SnapToTick,
			Fallback:   policy,
		},
		Tape: tape.Options{
			Symbol:      symbol,
			Aliases:     aliases,
			QuoteTarget: inst.QuoteTarget,
			TradeTarget: inst.TradeTarget,
		},
	}, nil
}

// TimeframeLabel renders a bar width the way output paths name it ("1m", "15s", "1h").
func TimeframeLabel(barMs int64) string {
	switch {
	case barMs%3_600_000 == 0:
		return fmt.Sprintf("%dh", barMs/3_600_000)
	case barMs%60_000 == 0:
		return fmt.Sprintf("%dm", barMs/60_000)
	case barMs%1_000 == 0:
		return fmt.Sprintf("%ds", barMs/1_000)
	default:
		return fmt.Sprintf("%dms", barMs)
	}
}

// WithTimeframe returns a copy of s aggregating into bars of tf ("5m", "15s").
// An empty tf or the instrument's own timeframe returns s unchanged.
func (s Spec) WithTimeframe(tf string) (Spec, error) {
	tf = strings.TrimSpace(tf)
	if tf == "" || tf == s.Timeframe {
		return s, nil
	}
	barMs, err := parseBarMs(tf)
	if err != nil {
		return Spec{}, fmt.Errorf("instrument %s: %w", s.Symbol, err)
	}
	s.Footprint.BarMs = barMs
	s.Timeframe = TimeframeLabel(barMs)
	return s, nil
}

func parseBarMs(tf string) (int64, error) {
	d, err := time.ParseDuration(tf)
	if err != nil || d < time.Millisecond {
		return 0, fmt.Errorf("%w %q", ErrInvalidTimeframe, tf)
	}
	barMs := d.Milliseconds()
	if hourMs%barMs != 0 {
		return 0, fmt.Errorf("%w %q: must divide one hour", ErrInvalidTimeframe, tf)
	}
	return barMs, nil
}

// checkBarMs rejects widths that do not divide an hour, so no bucket spans two
// hourly partitions.
func checkBarMs(barMs int64) error {
	if barMs <= 0 || hourMs%barMs != 0 {
		return fmt.Errorf("%w: bar of %dms must divide one hour", ErrInvalidTimeframe, barMs)
	}
	return nil
}
