package reconciliation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Level is a stored ladder rung as read back from persisted output. Both the
// compact [price, bid, ask] form and the legacy {p, bv, av, d} object are accepted.
type Level struct {
	Price decimal.Decimal
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	// Delta is the per-level delta recorded by the legacy object form, if any.
	Delta *decimal.Decimal
}

type levelObject struct {
	P  decimal.Decimal  `json:"p"`
	BV decimal.Decimal  `json:"bv"`
	AV decimal.Decimal  `json:"av"`
	D  *decimal.Decimal `json:"d"`
}

// UnmarshalJSON normalizes both level shapes.
func (l *Level) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("empty level")
	}
	switch b[0] {
	case '[':
		var arr []decimal.Decimal
		if err := json.Unmarshal(b, &arr); err != nil {
			return fmt.Errorf("level array: %w", err)
		}
		if len(arr) < 3 {
			return fmt.Errorf("level array has %d elements, want 3", len(arr))
		}
		*l = Level{Price: arr[0], Bid: arr[1], Ask: arr[2]}
	case '{':
		var obj levelObject
		if err := json.Unmarshal(b, &obj); err != nil {
			return fmt.Errorf("level object: %w", err)
		}
		*l = Level{Price: obj.P, Bid: obj.BV, Ask: obj.AV, Delta: obj.D}
	default:
		return fmt.Errorf("unsupported level %s", b)
	}
	return nil
}

// StoredCandle is the read model of one persisted candle. Numeric fields are
// decimals so that records written by other producers with float volumes still decode.
type StoredCandle struct {
	Version        int             `json:"v"`
	Symbol         string          `json:"symbol"`
	Tick           decimal.Decimal `json:"tick"`
	BarMs          int64           `json:"bar_ms"`
	T0             string          `json:"t0"`
	T1             string          `json:"t1"`
	Vol            decimal.Decimal `json:"vol"`
	Delta          decimal.Decimal `json:"delta"`
	POC            decimal.Decimal `json:"poc"`
	Levels         []Level         `json:"levels"`
	IntegrityError string          `json:"integrity_error,omitempty"`
}

// ParseRecord decodes one stored line, which holds either a single candle or a
// JSON array of candles.
func ParseRecord(line []byte) ([]StoredCandle, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	if line[0] == '[' {
		var cs []StoredCandle
		if err := json.Unmarshal(line, &cs); err != nil {
			return nil, err
		}
		return cs, nil
	}
	var c StoredCandle
	if err := json.Unmarshal(line, &c); err != nil {
		return nil, err
	}
	return []StoredCandle{c}, nil
}
