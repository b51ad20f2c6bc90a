// Package liquidity narrows the active universe to symbols with enough 24h
// quote volume.
package liquidity

import (
	"context"
	"sort"
	"time"

	"gainscan/internal/retry"
	"gainscan/logger"
	"gainscan/models"
)

const (
	OrderSnapshot = "snapshot"
	OrderVolume   = "volume"
)

// DefaultPolicy is applied to the 24h ticker fetch.
var DefaultPolicy = retry.Fixed(3, 5*time.Second)

// TickerSource returns one full 24h ticker snapshot.
type TickerSource interface {
	Tickers(ctx context.Context) ([]models.Ticker, error)
}

type Filter struct {
	source TickerSource
	policy retry.Policy
	order  string
	log    *logger.Log
}

func NewFilter(source TickerSource, order string, log *logger.Log) *Filter {
	if log == nil {
		log = logger.GetLogger()
	}
	if order == "" {
		order = OrderSnapshot
	}
	return &Filter{
		source: source,
		policy: DefaultPolicy,
		order:  order,
		log:    log,
	}
}

// WithPolicy replaces the ticker retry policy.
func (f *Filter) WithPolicy(p retry.Policy) *Filter {
	f.policy = p
	return f
}

// LiquidSymbols keeps the active symbols whose quote volume reaches threshold.
// When the ticker snapshot cannot be fetched it falls back to the first
// maxSymbols active symbols without any liquidity check.
func (f *Filter) LiquidSymbols(ctx context.Context, active []string, threshold float64, maxSymbols int) []string {
	log := f.log.WithComponent("liquidity_filter")
	if len(active) == 0 {
		log.Info("no active symbols, skipping liquidity filter")
		return []string{}
	}

	var tickers []models.Ticker
	err := retry.Do(ctx, f.policy, func(ctx context.Context) error {
		var err error
		tickers, err = f.source.Tickers(ctx)
		return err
	}, func(attempt int, err error) {
		log.WithError(err).WithFields(logger.Fields{
			"attempt":      attempt,
			"max_attempts": f.policy.MaxAttempts,
		}).Warn("24h ticker fetch failed, retrying")
	})
	if err != nil {
		fallback := active
		if maxSymbols > 0 && len(fallback) > maxSymbols {
			fallback = fallback[:maxSymbols]
		}
		log.WithError(err).WithFields(logger.Fields{
			"symbols": len(fallback),
		}).Warn("all ticker attempts failed, skipping liquidity filter")
		return append([]string(nil), fallback...)
	}

	allowed := make(map[string]struct{}, len(active))
	for _, s := range active {
		allowed[s] = struct{}{}
	}

	liquid := make([]models.Ticker, 0, len(active))
	for _, t := range tickers {
		if _, ok := allowed[t.Symbol]; !ok {
			continue
		}
		if t.QuoteVolume >= threshold {
			liquid = append(liquid, t)
			delete(allowed, t.Symbol)
		}
	}

	if f.order == OrderVolume {
		sort.SliceStable(liquid, func(i, j int) bool {
			return liquid[i].QuoteVolume > liquid[j].QuoteVolume
		})
	}

	out := make([]string, len(liquid))
	for i, t := range liquid {
		out[i] = t.Symbol
	}

	log.WithFields(logger.Fields{
		"active":    len(active),
		"liquid":    len(out),
		"threshold": threshold,
		"order":     f.order,
	}).Info("liquidity filter applied")
	return out
}
