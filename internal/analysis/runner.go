// Package analysis runs one scan of the futures market: universe, liquidity
// filter, per-symbol gains.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gainscan/config"
	"gainscan/internal/gain"
	"gainscan/internal/retry"
	"gainscan/logger"
	"gainscan/models"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	OrderNone       = "none"
	OrderConditions = "conditions"

	// NoPercent marks a progress message that is not tied to scan progress.
	NoPercent = -1
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("analysis run already in progress")

// DefaultBarPolicy is applied to every per-symbol kline fetch.
var DefaultBarPolicy = retry.Fixed(2, 500*time.Millisecond)

// ProgressFunc receives progress narration. percent is NoPercent for stage
// messages; eta is zero until at least one symbol has been processed.
type ProgressFunc func(message string, percent int, eta time.Duration)

// Universe returns the active symbol set.
type Universe interface {
	ActiveSymbols(ctx context.Context, expiry time.Duration) []string
}

// Liquidity narrows the active set to liquid symbols.
type Liquidity interface {
	LiquidSymbols(ctx context.Context, active []string, threshold float64, maxSymbols int) []string
}

// BarSource fetches daily bars, oldest first.
type BarSource interface {
	DailyBars(ctx context.Context, symbol string, count int) ([]models.PriceBar, error)
}

// SettingsSource exposes the current runtime settings.
type SettingsSource interface {
	Snapshot() config.Settings
}

type Runner struct {
	universe  Universe
	liquidity Liquidity
	bars      BarSource
	settings  SettingsSource
	engine    config.EngineConfig
	barPolicy retry.Policy
	progress  ProgressFunc
	guard     sync.Mutex
	log       *logger.Log
}

func NewRunner(u Universe, l Liquidity, b BarSource, s SettingsSource, engine config.EngineConfig, log *logger.Log) *Runner {
	if log == nil {
		log = logger.GetLogger()
	}
	if engine.MaxConcurrency < 1 {
		engine.MaxConcurrency = 1
	}
	return &Runner{
		universe:  u,
		liquidity: l,
		bars:      b,
		settings:  s,
		engine:    engine,
		barPolicy: DefaultBarPolicy,
		log:       log,
	}
}

// SetProgress installs the progress callback. It must be called before Run.
func (r *Runner) SetProgress(fn ProgressFunc) {
	r.progress = fn
}

// WithBarPolicy replaces the per-symbol retry policy.
func (r *Runner) WithBarPolicy(p retry.Policy) *Runner {
	r.barPolicy = p
	return r
}

// Run performs one complete scan with a snapshot of the current settings.
// Failures inside the scan are reported via the bundle's Error field; the only
// returned error is ErrRunInProgress.
func (r *Runner) Run(ctx context.Context) (*models.ResultBundle, error) {
	return r.RunWith(ctx, r.settings.Snapshot())
}

// RunWith is Run with a caller-supplied settings snapshot.
func (r *Runner) RunWith(ctx context.Context, settings config.Settings) (*models.ResultBundle, error) {
	if !r.guard.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.guard.Unlock()

	return r.run(ctx, settings), nil
}

func (r *Runner) run(ctx context.Context, settings config.Settings) (bundle *models.ResultBundle) {
	start := time.Now()
	bundle = &models.ResultBundle{
		RunID:     uuid.NewString(),
		Results:   []models.ResultItem{},
		StartTime: start.UTC(),
	}
	log := r.log.WithComponent("analysis").WithFields(logger.Fields{"run_id": bundle.RunID})

	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(logger.Fields{"panic": fmt.Sprint(rec)}).Error("analysis run panicked")
			bundle.Results = []models.ResultItem{}
			bundle.Error = fmt.Sprintf("analysis panic: %v", rec)
		}
		end := time.Now()
		bundle.EndTime = end.UTC()
		bundle.DurationSeconds = end.Sub(start).Seconds()
		log.WithFields(logger.Fields{
			"results":  len(bundle.Results),
			"scanned":  bundle.ScannedSymbols,
			"skipped":  bundle.SkippedSymbols,
			"duration": bundle.DurationSeconds,
			"error":    bundle.Error,
		}).Info("analysis run finished")
	}()

	r.report("fetching active contracts", NoPercent, 0)
	active := r.universe.ActiveSymbols(ctx, settings.CacheExpiry())
	if len(active) == 0 {
		log.Warn("no active contracts, skipping run")
		r.report("no active contracts, skipping", NoPercent, 0)
		return bundle
	}

	r.report("filtering by 24h quote volume", NoPercent, 0)
	candidates := r.liquidity.LiquidSymbols(ctx, active, settings.LiquidityThresholdUSDT, settings.MaxAnalyzeSymbols)
	if len(candidates) == 0 {
		log.Warn("no liquid contracts, skipping run")
		r.report("no liquid contracts, skipping", NoPercent, 0)
		return bundle
	}

	if len(candidates) > settings.MaxAnalyzeSymbols {
		log.WithFields(logger.Fields{
			"candidates": len(candidates),
			"max":        settings.MaxAnalyzeSymbols,
		}).Info("truncating candidate list")
		r.report(fmt.Sprintf("analyzing only the first %d liquid contracts", settings.MaxAnalyzeSymbols), NoPercent, 0)
		candidates = candidates[:settings.MaxAnalyzeSymbols]
	}

	log.WithFields(logger.Fields{
		"candidates":         len(candidates),
		"min_change_percent": settings.MinChangePercent,
		"workers":            r.engine.MaxConcurrency,
	}).Info("starting gain scan")
	r.report(fmt.Sprintf("scanning %d contracts", len(candidates)), 0, 0)

	scan := r.scan(ctx, candidates, settings)
	bundle.ScannedSymbols = scan.processed
	bundle.SkippedSymbols = scan.skipped
	bundle.Results = scan.results

	switch {
	case scan.fault != nil:
		bundle.Results = []models.ResultItem{}
		bundle.Error = scan.fault.Error()
	case ctx.Err() != nil:
		bundle.Error = fmt.Sprintf("analysis cancelled: %v", ctx.Err())
	}

	if r.engine.ResultOrder == OrderConditions {
		SortByConditions(bundle.Results)
	}
	return bundle
}

type scanOutcome struct {
	results   []models.ResultItem
	processed int
	skipped   int
	fault     error
}

// scan evaluates candidates with up to MaxConcurrency workers sharing one
// request limiter. Results keep candidate order.
func (r *Runner) scan(ctx context.Context, candidates []string, settings config.Settings) scanOutcome {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if d := settings.RequestDelay(); d > 0 {
		limiter = rate.NewLimiter(rate.Every(d), 1)
	}

	var (
		mu        sync.Mutex
		slots     = make([]*models.ResultItem, len(candidates))
		out       scanOutcome
		total     = len(candidates)
		scanStart = time.Now()
		jobs      = make(chan int)
		wg        sync.WaitGroup
	)
	minFraction := settings.MinFraction()

	workers := r.engine.MaxConcurrency
	if workers > total {
		workers = total
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				res := r.evaluate(ctx, limiter, candidates[idx], minFraction)
				if res.cancelled {
					continue
				}

				mu.Lock()
				if res.err != nil && out.fault == nil {
					out.fault = res.err
				}
				out.processed++
				if res.skipped {
					out.skipped++
				}
				slots[idx] = res.item
				done := out.processed
				mu.Unlock()

				elapsed := time.Since(scanStart)
				eta := time.Duration(float64(elapsed) / float64(done) * float64(total-done))
				r.report(fmt.Sprintf("analyzed %s (%d/%d)", candidates[idx], done, total), done*100/total, eta)
			}
		}()
	}

feed:
	for idx := range candidates {
		mu.Lock()
		faulted := out.fault != nil
		mu.Unlock()
		if faulted {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case jobs <- idx:
		}
	}
	close(jobs)
	wg.Wait()

	for _, s := range slots {
		if s != nil {
			out.results = append(out.results, *s)
		}
	}
	if out.results == nil {
		out.results = []models.ResultItem{}
	}
	return out
}

type evaluation struct {
	item      *models.ResultItem
	skipped   bool
	cancelled bool
	err       error
}

// evaluate fetches one symbol's bars and scores them. A symbol whose bars
// cannot be fetched, or that has fewer than three, is skipped; one that meets
// no condition is simply left out.
func (r *Runner) evaluate(ctx context.Context, limiter *rate.Limiter, symbol string, minFraction float64) (res evaluation) {
	defer func() {
		if rec := recover(); rec != nil {
			res = evaluation{err: fmt.Errorf("analysis panic on %s: %v", symbol, rec)}
		}
	}()

	log := r.log.WithComponent("analysis").WithFields(logger.Fields{"symbol": symbol})

	if err := limiter.Wait(ctx); err != nil {
		return evaluation{cancelled: true}
	}

	var bars []models.PriceBar
	fetchErr := retry.Do(ctx, r.barPolicy, func(ctx context.Context) error {
		var err error
		bars, err = r.bars.DailyBars(ctx, symbol, models.GainWindowBars)
		return err
	}, func(attempt int, err error) {
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Debug("kline fetch failed, retrying")
	})
	if fetchErr != nil {
		log.WithError(fetchErr).Warn("skipping symbol, kline fetch failed")
		return evaluation{skipped: true}
	}
	if len(bars) < models.GainWindowBars {
		log.WithFields(logger.Fields{"bars": len(bars)}).Info("skipping symbol, not enough daily bars")
		return evaluation{skipped: true}
	}

	if item, ok := gain.Evaluate(symbol, bars, minFraction); ok {
		return evaluation{item: &item}
	}
	return evaluation{}
}

func (r *Runner) report(message string, percent int, eta time.Duration) {
	if r.progress != nil {
		r.progress(message, percent, eta)
	}
}

// SortByConditions orders items by number of met conditions, then by 3 day
// gain, both descending.
func SortByConditions(items []models.ResultItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if len(items[i].Conditions) != len(items[j].Conditions) {
			return len(items[i].Conditions) > len(items[j].Conditions)
		}
		return items[i].Gain3D > items[j].Gain3D
	})
}
