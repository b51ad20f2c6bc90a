// Package scheduler owns the background scan loop and the post-run pipeline:
// persistence, diffing and notifications.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gainscan/config"
	"gainscan/internal/analysis"
	"gainscan/internal/diff"
	"gainscan/internal/history"
	"gainscan/internal/metrics"
	"gainscan/internal/notify"
	"gainscan/logger"
	"gainscan/models"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Runner executes one analysis run.
type Runner interface {
	RunWith(ctx context.Context, settings config.Settings) (*models.ResultBundle, error)
}

// Notifier delivers a message on every configured channel and reports how
// many accepted it.
type Notifier interface {
	Send(ctx context.Context, title, body string) int
}

// Archiver copies persisted bundles to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, historyID int64, bundle *models.ResultBundle) (string, error)
}

// Scheduler runs the analysis on an interval. Start and Stop are safe to call
// repeatedly; RunNow shares the same single-flight guard as the loop.
type Scheduler struct {
	runner    Runner
	history   history.Store
	notifier  Notifier
	messages  notify.Messages
	archiver  Archiver
	settings  analysis.SettingsSource
	engine    config.EngineConfig
	keepCount int
	log       *logger.Log

	// intervalUnit scales schedule_interval_seconds.
	intervalUnit time.Duration
	now          func() time.Time

	cycle sync.Mutex

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	manualCtx    context.Context
	manualCancel context.CancelFunc
	// manualWG tracks Trigger runs of the current manualCtx generation.
	manualWG *sync.WaitGroup
	status   Status
}

// Options carries the optional collaborators.
type Options struct {
	Archiver  Archiver
	KeepCount int
}

func New(runner Runner, store history.Store, notifier Notifier, messages notify.Messages, settings analysis.SettingsSource, engine config.EngineConfig, opts Options, log *logger.Log) *Scheduler {
	if log == nil {
		log = logger.GetLogger()
	}
	if engine.HeartbeatInterval <= 0 {
		engine.HeartbeatInterval = 5 * time.Minute
	}
	if engine.SleepSlice <= 0 || engine.SleepSlice > 10*time.Second {
		engine.SleepSlice = 10 * time.Second
	}
	if engine.StopTimeout <= 0 {
		engine.StopTimeout = 5 * time.Second
	}
	if opts.KeepCount <= 0 {
		opts.KeepCount = 100
	}

	manualCtx, manualCancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:       runner,
		history:      store,
		notifier:     notifier,
		messages:     messages,
		archiver:     opts.Archiver,
		settings:     settings,
		engine:       engine,
		keepCount:    opts.KeepCount,
		log:          log,
		intervalUnit: time.Second,
		now:          time.Now,
		manualCtx:    manualCtx,
		manualCancel: manualCancel,
		manualWG:     &sync.WaitGroup{},
	}
}

// Start launches the loop. It returns ErrAlreadyRunning when the loop is
// already active.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status.Running = true

	go s.loop(loopCtx, s.done)

	s.log.WithComponent("scheduler").Info("scheduler started")
	return nil
}

// Stop cancels the loop and any manual run, then waits up to the stop timeout
// for them to exit. It reports whether everything exited in time.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	wasRunning := s.running
	s.running = false
	s.cancel = nil
	s.done = nil
	s.status.Running = false
	manualCancel, manualWG := s.manualCancel, s.manualWG
	s.manualCtx, s.manualCancel = context.WithCancel(context.Background())
	s.manualWG = &sync.WaitGroup{}
	s.mu.Unlock()

	manualCancel()
	if cancel != nil {
		cancel()
	}

	finished := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		manualWG.Wait()
		close(finished)
	}()

	log := s.log.WithComponent("scheduler")
	select {
	case <-finished:
		if wasRunning {
			log.Info("scheduler stopped")
		}
		return true
	case <-time.After(s.engine.StopTimeout):
		log.WithFields(logger.Fields{"timeout": s.engine.StopTimeout.String()}).Warn("scheduler did not stop within timeout")
		return false
	}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow runs one cycle synchronously. It returns analysis.ErrRunInProgress
// when another run holds the guard.
func (s *Scheduler) RunNow(ctx context.Context) (*models.ResultBundle, error) {
	if !s.cycle.TryLock() {
		return nil, analysis.ErrRunInProgress
	}
	defer s.cycle.Unlock()
	return s.execute(ctx, TriggerManual)
}

// Trigger starts one manual cycle in the background. The guard is checked
// before returning so callers learn about a busy scheduler immediately.
func (s *Scheduler) Trigger() error {
	if !s.cycle.TryLock() {
		return analysis.ErrRunInProgress
	}
	s.mu.Lock()
	ctx, wg := s.manualCtx, s.manualWG
	wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer wg.Done()
		defer s.cycle.Unlock()
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithComponent("scheduler").WithFields(logger.Fields{"panic": fmt.Sprint(rec)}).Error("manual run panicked")
			}
		}()
		s.execute(ctx, TriggerManual)
	}()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	log := s.log.WithComponent("scheduler")
	lastHeartbeat := s.now()

	for ctx.Err() == nil {
		settings := s.settings.Snapshot()
		s.maybeHeartbeat(&lastHeartbeat, settings)

		s.runCycle(ctx, settings)

		if !s.sleep(ctx, s.interval(settings), &lastHeartbeat) {
			break
		}
	}
	log.Info("scheduler loop exited")
}

// runCycle isolates one loop iteration so a fault never ends the loop.
func (s *Scheduler) runCycle(ctx context.Context, settings config.Settings) {
	log := s.log.WithComponent("scheduler")
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(logger.Fields{"panic": fmt.Sprint(rec)}).Error("scheduler cycle failed")
		}
	}()

	if !settings.ScheduleEnabled {
		log.Debug("schedule disabled, skipping cycle")
		return
	}
	if !s.cycle.TryLock() {
		log.Info("run already in progress, skipping scheduled cycle")
		return
	}
	defer s.cycle.Unlock()

	log.Info("scheduled analysis starting")
	if _, err := s.execute(ctx, TriggerSchedule); err != nil {
		log.WithError(err).Warn("scheduled analysis did not complete")
		return
	}
	log.Info("scheduled analysis finished")
}

func (s *Scheduler) interval(settings config.Settings) time.Duration {
	return time.Duration(settings.ScheduleIntervalSeconds) * s.intervalUnit
}

// sleep waits d in slices no longer than the configured sleep slice so that
// cancellation is noticed promptly. It reports false when ctx ended.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration, lastHeartbeat *time.Time) bool {
	deadline := s.now().Add(d)
	s.mu.Lock()
	s.status.NextRunAt = deadline.UTC()
	s.mu.Unlock()

	for {
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return ctx.Err() == nil
		}
		if remaining > s.engine.SleepSlice {
			remaining = s.engine.SleepSlice
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.WithComponent("scheduler").Info("stop signal received")
			return false
		case <-timer.C:
		}
		s.maybeHeartbeat(lastHeartbeat, s.settings.Snapshot())
	}
}

func (s *Scheduler) maybeHeartbeat(last *time.Time, settings config.Settings) {
	now := s.now()
	if now.Sub(*last) < s.engine.HeartbeatInterval {
		return
	}
	*last = now

	st := s.Status()
	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"schedule_enabled": settings.ScheduleEnabled,
		"interval_seconds": settings.ScheduleIntervalSeconds,
		"next_run":         st.NextRunAt,
		"last_run":         st.LastRunAt,
	}).Info("heartbeat")
}

// execute runs the analysis and the post-run pipeline. The caller holds the
// cycle guard.
func (s *Scheduler) execute(ctx context.Context, trigger string) (*models.ResultBundle, error) {
	settings := s.settings.Snapshot()
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{"trigger": trigger})

	s.setInProgress(true)
	defer s.setInProgress(false)

	bundle, err := s.runner.RunWith(ctx, settings)
	if err != nil {
		return nil, err
	}
	s.recordStatus(bundle)
	metrics.RecordRun(ctx, s.log, bundle, trigger)

	log = log.WithFields(logger.Fields{"run_id": bundle.RunID})

	if bundle.Failed() {
		if ctx.Err() != nil {
			log.WithFields(logger.Fields{"error": bundle.Error}).Info("analysis cancelled, results discarded")
			return bundle, ctx.Err()
		}
		log.WithFields(logger.Fields{"error": bundle.Error}).Error("analysis failed")
		if settings.NotifyOnComplete {
			s.send(ctx, "error", s.messages.Error(bundle.Error))
		}
		return bundle, fmt.Errorf("analysis failed: %s", bundle.Error)
	}

	log.WithFields(logger.Fields{"results": len(bundle.Results)}).Info("analysis complete")

	var (
		previous    []models.ResultItem
		hasPrevious bool
	)
	latest, err := s.history.Latest(ctx)
	switch {
	case err == nil:
		previous, hasPrevious = latest.Bundle.Results, true
	case errors.Is(err, history.ErrNotFound):
	default:
		log.WithError(err).Warn("failed to load previous result, treating as first run")
	}

	if id, err := s.history.Append(ctx, bundle, settings); err != nil {
		log.WithError(err).Error("failed to persist analysis result")
	} else {
		log.WithFields(logger.Fields{"history_id": id}).Info("analysis result persisted")
		if removed, err := s.history.Prune(ctx, s.keepCount); err != nil {
			log.WithError(err).Warn("failed to prune history")
		} else if removed > 0 {
			log.WithFields(logger.Fields{"removed": removed, "keep": s.keepCount}).Info("history pruned")
		}
		if s.archiver != nil {
			if _, err := s.archiver.Archive(ctx, id, bundle); err != nil {
				log.WithError(err).Warn("failed to archive analysis result")
			}
		}
	}

	plan := diff.Decide(previous, hasPrevious, bundle.Results)
	s.dispatch(ctx, log, settings, plan, bundle)
	return bundle, nil
}

func (s *Scheduler) dispatch(ctx context.Context, log *logger.Entry, settings config.Settings, plan diff.Plan, bundle *models.ResultBundle) {
	log = log.WithFields(logger.Fields{
		"last_count":    plan.LastCount,
		"current_count": plan.Current,
		"completion":    plan.Completion.String(),
	})

	switch {
	case plan.Completion == diff.CompletionNone:
		log.Info("no matches, completion notification suppressed")
	case !settings.NotifyOnComplete:
		log.Debug("completion notifications disabled")
	case plan.Completion == diff.CompletionCleared:
		log.Info("matches dropped to zero, sending notification")
		s.send(ctx, "cleared", s.messages.Cleared(plan.LastCount))
	default:
		s.send(ctx, "complete", s.messages.Completion(bundle.Results))
	}

	if plan.Change && settings.NotifyOnChange {
		log.WithFields(logger.Fields{
			"new":     len(plan.Diff.New),
			"removed": len(plan.Diff.Removed),
		}).Info("result set changed, sending notification")
		s.send(ctx, "change", s.messages.Change(plan.Diff.New, plan.Diff.Removed, bundle.Results))
	}
}

func (s *Scheduler) send(ctx context.Context, kind string, msg notify.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.WithComponent("scheduler").WithFields(logger.Fields{
				"kind":  kind,
				"panic": fmt.Sprint(rec),
			}).Warn("notification dispatch failed")
		}
	}()
	delivered := s.notifier.Send(ctx, msg.Title, msg.Body)
	metrics.RecordNotifications(ctx, s.log, kind, delivered)
}
