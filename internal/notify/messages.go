package notify

import (
	"fmt"
	"strconv"
	"strings"

	"gainscan/config"
	"gainscan/models"
)

const (
	previewSize    = 3
	errorBodyLimit = 100
)

// Message is a composed notification.
type Message struct {
	Title string
	Body  string
}

// Messages renders notification text from the configured templates.
type Messages struct {
	completeTitle string
	completeBody  string
}

func NewMessages(cfg config.NotifyConfig) Messages {
	m := Messages{completeTitle: cfg.CompleteTitle, completeBody: cfg.CompleteBody}
	if m.completeTitle == "" {
		m.completeTitle = "Analysis complete"
	}
	if m.completeBody == "" {
		m.completeBody = "Found {count} matching contracts"
	}
	return m
}

// Completion reports the match count followed by a preview of the first
// results.
func (m Messages) Completion(results []models.ResultItem) Message {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(m.completeBody, "{count}", strconv.Itoa(len(results))))

	if len(results) > 0 {
		b.WriteString("\n\nTop 3:")
		for i, r := range results {
			if i == previewSize {
				break
			}
			fmt.Fprintf(&b, "\n%d. %s\n   %s", i+1, r.Symbol, formatGains(r))
		}
	}
	return Message{Title: m.completeTitle, Body: b.String()}
}

// Cleared reports that the previous matches are gone.
func (m Messages) Cleared(lastCount int) Message {
	return Message{
		Title: "Matches cleared",
		Body:  fmt.Sprintf("Matching contracts dropped from %d to 0", lastCount),
	}
}

// Change lists additions and removals; new symbols carry their gains.
func (m Messages) Change(newSymbols, removed []string, current []models.ResultItem) Message {
	var parts []string
	if len(newSymbols) > 0 {
		parts = append(parts, fmt.Sprintf("+%d new", len(newSymbols)))
	}
	if len(removed) > 0 {
		parts = append(parts, fmt.Sprintf("-%d removed", len(removed)))
	}

	var b strings.Builder
	b.WriteString(strings.Join(parts, ", "))

	bySymbol := make(map[string]models.ResultItem, len(current))
	for _, r := range current {
		bySymbol[r.Symbol] = r
	}
	for _, s := range newSymbols {
		if r, ok := bySymbol[s]; ok {
			fmt.Fprintf(&b, "\n+ %s  %s", s, formatGains(r))
		}
	}
	if len(removed) > 0 {
		fmt.Fprintf(&b, "\n- %s", strings.Join(removed, ", "))
	}
	return Message{Title: "Changes detected", Body: b.String()}
}

// Error reports a failed run with the message cut to 100 characters.
func (m Messages) Error(errText string) Message {
	runes := []rune(errText)
	if len(runes) > errorBodyLimit {
		runes = runes[:errorBodyLimit]
	}
	return Message{Title: "Analysis failed", Body: string(runes)}
}

func formatGains(r models.ResultItem) string {
	return fmt.Sprintf("1d: %+.2f%% | 2d: %+.2f%% | 3d: %+.2f%%", r.Gain1D*100, r.Gain2D*100, r.Gain3D*100)
}
