package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Instrument is one instrument entry in the instruments YAML file.
type Instrument struct {
	Symbol       string   `yaml:"symbol"`
	Aliases      []string `yaml:"aliases"`
	Tick         string   `yaml:"tick"`
	BarMs        int64    `yaml:"bar_ms"`
	Timeframe    string   `yaml:"timeframe"`
	SnapToTick   bool     `yaml:"snap_to_tick"`
	FallbackSide string   `yaml:"fallback_side"` // sell | buy | split
	QuoteTarget  string   `yaml:"quote_target"`
	TradeTarget  string   `yaml:"trade_target"`
}

// InstrumentFile represents the top-level YAML structure.
type InstrumentFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// DefaultInstruments is used when no instruments file exists.
func DefaultInstruments() []Instrument {
	return []Instrument{{
		Symbol:       "ENQ",
		Aliases:      []string{"F.US.ENQ"},
		Tick:         "0.25",
		BarMs:        60000,
		Timeframe:    "1m",
		FallbackSide: "sell",
		QuoteTarget:  "RealTimeSymbolQuote",
		TradeTarget:  "RealTimeTradeLogWithSpeed",
	}}
}

// LoadInstruments reads instrument definitions from a YAML file.
func LoadInstruments(path string) ([]Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseInstruments(data)
}

// ParseInstruments decodes instrument definitions from YAML bytes.
func ParseInstruments(data []byte) ([]Instrument, error) {
	var file InstrumentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}
	for i, inst := range file.Instruments {
		if inst.Symbol == "" {
			return nil, fmt.Errorf("instrument #%d: symbol is required", i)
		}
	}
	return file.Instruments, nil
}
