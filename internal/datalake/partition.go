// Package datalake maps aggregation partitions onto the on-disk layout of raw
// tape captures and footprint output.
package datalake

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a partition has no stored object.
var ErrNotFound = errors.New("datalake: not found")

// Partition is one UTC hour of one symbol.
type Partition struct {
	Symbol string
	Hour   time.Time
}

// NewPartition truncates t to its UTC hour.
func NewPartition(symbol string, t time.Time) Partition {
	return Partition{Symbol: symbol, Hour: t.UTC().Truncate(time.Hour)}
}

// ParsePartition reads "YYYY/MM/DD/HH".
func ParsePartition(symbol, s string) (Partition, error) {
	t, err := time.ParseInLocation("2006/01/02/15", strings.Trim(s, "/"), time.UTC)
	if err != nil {
		return Partition{}, fmt.Errorf("parse partition %q: %w", s, err)
	}
	return NewPartition(symbol, t), nil
}

// PartitionFromParts builds a partition from URL-style path segments.
func PartitionFromParts(symbol, y, m, d, h string) (Partition, error) {
	return ParsePartition(symbol, strings.Join([]string{y, m, d, h}, "/"))
}

var hourLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02T15", "2006/01/02/15", "2006-01-02"}

// ParseHour reads a command-line hour such as "2025-12-19T13", "2025/12/19/13"
// or an RFC 3339 timestamp, interpreting zone-less values as UTC.
func ParseHour(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range hourLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC().Truncate(time.Hour), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse hour %q: want YYYY-MM-DDTHH or RFC 3339", s)
}

func (p Partition) Year() int      { return p.Hour.Year() }
func (p Partition) Month() int     { return int(p.Hour.Month()) }
func (p Partition) Day() int       { return p.Hour.Day() }
func (p Partition) HourOfDay() int { return p.Hour.Hour() }

// Path renders "YYYY/MM/DD/HH".
func (p Partition) Path() string {
	return p.Hour.Format("2006/01/02/15")
}

// Key renders "SYM/YYYY/MM/DD/HH", the identity used in logs and audit rows.
func (p Partition) Key() string {
	return p.Symbol + "/" + p.Path()
}

func (p Partition) String() string { return p.Key() }

// Start is the inclusive lower bound of the partition.
func (p Partition) Start() time.Time { return p.Hour }

// End is the exclusive upper bound of the partition.
func (p Partition) End() time.Time { return p.Hour.Add(time.Hour) }

// Next returns the following hour.
func (p Partition) Next() Partition {
	return Partition{Symbol: p.Symbol, Hour: p.Hour.Add(time.Hour)}
}

// Contains reports whether ts (epoch millis) falls inside the partition.
func (p Partition) Contains(tsMillis int64) bool {
	return tsMillis >= p.Start().UnixMilli() && tsMillis < p.End().UnixMilli()
}
