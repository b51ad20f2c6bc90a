package models

import (
	"encoding/json"
	"time"
)

// Condition flags a window whose gain met the threshold.
type Condition string

const (
	ConditionA Condition = "A" // 1 day
	ConditionB Condition = "B" // 2 days
	ConditionC Condition = "C" // 3 days
)

// GainSet holds fractional returns over one three-bar window.
type GainSet struct {
	Gain1D float64 `json:"gain_1d"`
	Gain2D float64 `json:"gain_2d"`
	Gain3D float64 `json:"gain_3d"`
}

// ResultItem is a symbol that satisfied at least one condition
type ResultItem struct {
	Symbol     string      `json:"symbol"`
	Gain1D     float64     `json:"gain_1d"`
	Gain2D     float64     `json:"gain_2d"`
	Gain3D     float64     `json:"gain_3d"`
	Conditions []Condition `json:"conditions"`
}

// ResultBundle is the output of a single analysis run
type ResultBundle struct {
	RunID           string       `json:"run_id"`
	Results         []ResultItem `json:"results"`
	StartTime       time.Time    `json:"start_time"`
	EndTime         time.Time    `json:"end_time"`
	DurationSeconds float64      `json:"duration_seconds"`
	ScannedSymbols  int          `json:"scanned_symbols"`
	SkippedSymbols  int          `json:"skipped_symbols"`
	Error           string       `json:"error,omitempty"`
}

// Failed reports whether the run ended with an error.
func (b *ResultBundle) Failed() bool {
	return b.Error != ""
}

// Symbols returns the result symbols in result order.
func (b *ResultBundle) Symbols() []string {
	out := make([]string, 0, len(b.Results))
	for _, r := range b.Results {
		out = append(out, r.Symbol)
	}
	return out
}

// HistoryRecord is a persisted bundle plus the settings it ran with
type HistoryRecord struct {
	ID     int64           `json:"id"`
	Bundle ResultBundle    `json:"bundle"`
	Config json.RawMessage `json:"config"`
}

// HistorySummary is the listing view of a HistoryRecord
type HistorySummary struct {
	ID              int64     `json:"id"`
	EndTime         time.Time `json:"end_time"`
	SymbolCount     int       `json:"symbol_count"`
	DurationSeconds float64   `json:"duration_seconds"`
	Error           string    `json:"error,omitempty"`
}

// Summary builds the listing view of the record.
func (r *HistoryRecord) Summary() HistorySummary {
	return HistorySummary{
		ID:              r.ID,
		EndTime:         r.Bundle.EndTime,
		SymbolCount:     len(r.Bundle.Results),
		DurationSeconds: r.Bundle.DurationSeconds,
		Error:           r.Bundle.Error,
	}
}
