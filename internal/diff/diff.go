// Package diff compares consecutive scan results and decides which
// notifications a new result warrants.
package diff

import (
	"sort"

	"gainscan/models"
)

// Diff is the symbol-level comparison of two result lists. Symbol slices are
// sorted.
type Diff struct {
	New        []string `json:"new"`
	Removed    []string `json:"removed"`
	Common     []string `json:"common"`
	HasChanges bool     `json:"has_changes"`
}

// Compare classifies symbols as new, removed or common between two results.
func Compare(previous, current []models.ResultItem) Diff {
	prev := symbolSet(previous)
	curr := symbolSet(current)

	d := Diff{New: []string{}, Removed: []string{}, Common: []string{}}
	for s := range curr {
		if _, ok := prev[s]; ok {
			d.Common = append(d.Common, s)
		} else {
			d.New = append(d.New, s)
		}
	}
	for s := range prev {
		if _, ok := curr[s]; !ok {
			d.Removed = append(d.Removed, s)
		}
	}
	sort.Strings(d.New)
	sort.Strings(d.Removed)
	sort.Strings(d.Common)
	d.HasChanges = len(d.New) > 0 || len(d.Removed) > 0
	return d
}

func symbolSet(items []models.ResultItem) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it.Symbol] = struct{}{}
	}
	return set
}

// Completion is the kind of completion notification a run should produce.
type Completion int

const (
	// CompletionNone suppresses the completion notification.
	CompletionNone Completion = iota
	// CompletionCleared reports that matches dropped to zero.
	CompletionCleared
	// CompletionNormal reports the current matches.
	CompletionNormal
)

func (c Completion) String() string {
	switch c {
	case CompletionCleared:
		return "cleared"
	case CompletionNormal:
		return "normal"
	default:
		return "none"
	}
}

// Classify maps the previous and current match counts to a completion kind.
// A missing previous run counts as zero.
func Classify(lastCount, currentCount int) Completion {
	switch {
	case currentCount > 0:
		return CompletionNormal
	case lastCount > 0:
		return CompletionCleared
	default:
		return CompletionNone
	}
}

// Plan is the full notification decision for one finished run.
type Plan struct {
	Completion Completion
	LastCount  int
	Current    int
	Change     bool
	Diff       Diff
}

// Decide builds the plan for current given the last persisted results.
// hasPrevious is false when no earlier run was recorded. A change notification
// needs an earlier run with matches and a non-empty current result.
func Decide(previous []models.ResultItem, hasPrevious bool, current []models.ResultItem) Plan {
	last := 0
	if hasPrevious {
		last = len(previous)
	}
	p := Plan{
		Completion: Classify(last, len(current)),
		LastCount:  last,
		Current:    len(current),
	}
	if hasPrevious && last > 0 && len(current) > 0 {
		p.Diff = Compare(previous, current)
		p.Change = p.Diff.HasChanges
	}
	return p
}
