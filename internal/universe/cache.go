// Package universe maintains the cached set of tradable perpetual symbols.
package universe

import (
	"context"
	"errors"
	"sort"
	"time"

	"gainscan/internal/retry"
	"gainscan/logger"
	"gainscan/models"
)

// DefaultFetchPolicy backs off between exchange info attempts.
var DefaultFetchPolicy = retry.Backoff(3, time.Second)

// InstrumentSource lists every instrument on the exchange.
type InstrumentSource interface {
	Instruments(ctx context.Context) ([]models.Instrument, error)
}

// Cache serves the active symbol set, refreshing it from the source when the
// persisted entry has expired.
type Cache struct {
	source InstrumentSource
	store  EntryStore
	policy retry.Policy
	now    func() time.Time
	log    *logger.Log
}

func NewCache(source InstrumentSource, store EntryStore, log *logger.Log) *Cache {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Cache{
		source: source,
		store:  store,
		policy: DefaultFetchPolicy,
		now:    time.Now,
		log:    log,
	}
}

// WithPolicy replaces the exchange info retry policy.
func (c *Cache) WithPolicy(p retry.Policy) *Cache {
	c.policy = p
	return c
}

// ActiveSymbols returns the sorted set of trading perpetual symbols. It never
// fails: when nothing usable is available the result is empty.
func (c *Cache) ActiveSymbols(ctx context.Context, expiry time.Duration) []string {
	log := c.log.WithComponent("instrument_cache")
	now := c.now()

	entry, err := c.store.Load(ctx)
	haveEntry := err == nil
	switch {
	case haveEntry && entry.Fresh(now, expiry):
		log.WithFields(logger.Fields{
			"symbols": len(entry.Symbols),
			"age":     now.Sub(time.Unix(entry.Timestamp, 0)).Round(time.Second).String(),
		}).Info("loaded active symbols from cache")
		return normalize(entry.Symbols)
	case haveEntry:
		log.Info("cache entry expired, refreshing exchange info")
	case errors.Is(err, ErrNoEntry):
		log.Info("no cache entry, fetching exchange info")
	default:
		log.WithError(err).Warn("cache entry unreadable, fetching exchange info")
	}

	var instruments []models.Instrument
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		instruments, err = c.source.Instruments(ctx)
		return err
	}, func(attempt int, err error) {
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("exchange info fetch failed, retrying")
	})
	if err != nil {
		if haveEntry {
			log.WithError(err).WithFields(logger.Fields{
				"symbols": len(entry.Symbols),
			}).Warn("exchange info fetch failed, using stale cache")
			return normalize(entry.Symbols)
		}
		log.WithError(err).Warn("exchange info fetch failed and no cache available")
		return []string{}
	}

	symbols := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		if inst.Tradable() {
			symbols = append(symbols, inst.Symbol)
		}
	}
	symbols = normalize(symbols)

	if err := c.store.Save(ctx, models.CacheEntry{Timestamp: now.Unix(), Symbols: symbols}); err != nil {
		log.WithError(err).Warn("failed to persist cache entry")
	}
	log.WithFields(logger.Fields{"symbols": len(symbols)}).Info("cached active perpetual contracts")
	return symbols
}

func normalize(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
