package scheduler

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"gainscan/config"
	"gainscan/internal/analysis"
	"gainscan/internal/history"
	"gainscan/internal/notify"
	"gainscan/logger"
	"gainscan/models"
)

type scriptedRunner struct {
	mu      sync.Mutex
	bundles []*models.ResultBundle
	calls   int
	panics  int
	block   chan struct{}
	entered chan struct{}
	times   []time.Time
}

func (r *scriptedRunner) RunWith(ctx context.Context, _ config.Settings) (*models.ResultBundle, error) {
	r.mu.Lock()
	r.calls++
	r.times = append(r.times, time.Now())
	n := r.calls
	block, entered := r.block, r.entered
	r.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &models.ResultBundle{RunID: "cancelled", Results: []models.ResultItem{}, Error: "analysis cancelled: " + ctx.Err().Error()}, nil
		}
	}
	if n <= r.panics {
		panic("runner exploded")
	}

	idx := n - r.panics - 1
	if idx >= len(r.bundles) {
		idx = len(r.bundles) - 1
	}
	return r.bundles[idx], nil
}

func (r *scriptedRunner) Times() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func (r *scriptedRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
	bodies []string
}

func (n *recordingNotifier) Send(_ context.Context, title, body string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	n.bodies = append(n.bodies, body)
	return 1
}

func (n *recordingNotifier) reset() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.titles
	n.titles, n.bodies = nil, nil
	return out
}

type recordingArchiver struct {
	ids []int64
}

func (a *recordingArchiver) Archive(_ context.Context, id int64, _ *models.ResultBundle) (string, error) {
	a.ids = append(a.ids, id)
	return "key", nil
}

func bundle(id string, symbols ...string) *models.ResultBundle {
	b := &models.ResultBundle{RunID: id, Results: []models.ResultItem{}, EndTime: time.Now().UTC()}
	for _, s := range symbols {
		b.Results = append(b.Results, models.ResultItem{
			Symbol:     s,
			Gain1D:     25,
			Conditions: []models.Condition{models.ConditionA},
		})
	}
	return b
}

func quietLog() *logger.Log {
	log := logger.Logger()
	log.SetOutput(io.Discard)
	return log
}

func testEngine() config.EngineConfig {
	return config.EngineConfig{
		HeartbeatInterval: time.Hour,
		StopTimeout:       time.Second,
		SleepSlice:        5 * time.Millisecond,
	}
}

func buildScheduler(t *testing.T, runner Runner, settings config.Settings, engine config.EngineConfig, opts Options, log *logger.Log) (*Scheduler, *recordingNotifier, history.Store) {
	t.Helper()
	store, err := history.OpenFileStore("")
	if err != nil {
		t.Fatal(err)
	}
	n := &recordingNotifier{}
	s := New(runner, store, n, notify.NewMessages(config.Default().Notify), config.NewStore(settings), engine, opts, log)
	s.intervalUnit = time.Millisecond
	return s, n, store
}

func newTestScheduler(t *testing.T, runner Runner, settings config.Settings, opts Options) (*Scheduler, *recordingNotifier, history.Store) {
	t.Helper()
	return buildScheduler(t, runner, settings, testEngine(), opts, quietLog())
}

// hookedLog discards output but keeps entries for inspection.
func hookedLog() (*logger.Log, *logtest.Hook) {
	log := quietLog()
	return log, logtest.NewLocal(log.Logger)
}

func countMessages(hook *logtest.Hook, message string) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if e.Message == message {
			n++
		}
	}
	return n
}

func notifySettings() config.Settings {
	s := config.DefaultSettings()
	s.NotifyOnComplete = true
	s.NotifyOnChange = true
	s.ScheduleEnabled = true
	s.ScheduleIntervalSeconds = 10
	return s
}

func TestRunNowNotificationSequence(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{bundles: []*models.ResultBundle{
		bundle("r1", "AUSDT", "BUSDT"),
		bundle("r2", "BUSDT", "CUSDT"),
		bundle("r3"),
		bundle("r4"),
	}}
	archiver := &recordingArchiver{}
	s, n, store := newTestScheduler(t, runner, notifySettings(), Options{Archiver: archiver})

	if _, err := s.RunNow(ctx); err != nil {
		t.Fatal(err)
	}
	got := n.reset()
	if len(got) != 1 || strings.Contains(got[0], "Changes") {
		t.Fatalf("first run should send only a completion notification, got %v", got)
	}

	if _, err := s.RunNow(ctx); err != nil {
		t.Fatal(err)
	}
	got = n.reset()
	if len(got) != 2 || got[1] != "Changes detected" {
		t.Fatalf("second run should send completion and change, got %v", got)
	}

	if _, err := s.RunNow(ctx); err != nil {
		t.Fatal(err)
	}
	got = n.reset()
	if len(got) != 1 || got[0] != "Matches cleared" {
		t.Fatalf("third run should report cleared matches, got %v", got)
	}

	if _, err := s.RunNow(ctx); err != nil {
		t.Fatal(err)
	}
	if got = n.reset(); len(got) != 0 {
		t.Fatalf("zero after zero should stay silent, got %v", got)
	}

	list, err := store.List(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 persisted runs, got %d", len(list))
	}
	if len(archiver.ids) != 4 {
		t.Fatalf("expected every persisted run archived, got %v", archiver.ids)
	}

	st := s.Status()
	if st.LastRunID != "r4" || st.LastResultCount != 0 || st.RunInProgress {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRunNowHonoursNotificationFlags(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{bundles: []*models.ResultBundle{
		bundle("r1", "AUSDT"),
		bundle("r2", "BUSDT"),
	}}
	settings := config.DefaultSettings()
	settings.NotifyOnComplete = false
	settings.NotifyOnChange = true
	s, n, _ := newTestScheduler(t, runner, settings, Options{})

	s.RunNow(ctx)
	if got := n.reset(); len(got) != 0 {
		t.Fatalf("completion disabled, got %v", got)
	}
	s.RunNow(ctx)
	if got := n.reset(); len(got) != 1 || got[0] != "Changes detected" {
		t.Fatalf("expected change notification only, got %v", got)
	}
}

func TestRunNowFailedBundleNotPersisted(t *testing.T) {
	ctx := context.Background()
	failed := bundle("bad")
	failed.Error = "exchange unreachable"
	runner := &scriptedRunner{bundles: []*models.ResultBundle{failed}}
	s, n, store := newTestScheduler(t, runner, notifySettings(), Options{})

	b, err := s.RunNow(ctx)
	if err == nil || b == nil || b.Error == "" {
		t.Fatalf("expected failed bundle and error, got %v %v", b, err)
	}
	if got := n.reset(); len(got) != 1 || got[0] != "Analysis failed" {
		t.Fatalf("expected error notification, got %v", got)
	}
	if _, err := store.Latest(ctx); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("failed run should not be persisted, got %v", err)
	}
}

func TestTriggerSingleFlight(t *testing.T) {
	runner := &scriptedRunner{
		bundles: []*models.ResultBundle{bundle("r1", "AUSDT")},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	s, _, _ := newTestScheduler(t, runner, notifySettings(), Options{})

	if err := s.Trigger(); err != nil {
		t.Fatal(err)
	}
	<-runner.entered

	if err := s.Trigger(); !errors.Is(err, analysis.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if _, err := s.RunNow(context.Background()); !errors.Is(err, analysis.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress from RunNow, got %v", err)
	}
	if !s.Status().RunInProgress {
		t.Fatal("status should report a run in progress")
	}

	close(runner.block)
	if !s.Stop() {
		t.Fatal("stop should wait for the manual run")
	}
	if runner.Calls() != 1 {
		t.Fatalf("expected one run, got %d", runner.Calls())
	}
}

func TestStartStop(t *testing.T) {
	runner := &scriptedRunner{bundles: []*models.ResultBundle{bundle("r", "AUSDT")}}
	s, _, _ := newTestScheduler(t, runner, notifySettings(), Options{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if !s.Running() {
		t.Fatal("expected running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runner.Calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runner.Calls() < 2 {
		t.Fatalf("expected repeated cycles, got %d", runner.Calls())
	}

	if !s.Stop() {
		t.Fatal("stop timed out")
	}
	if s.Running() {
		t.Fatal("expected stopped")
	}
	if !s.Stop() {
		t.Fatal("second stop should be a no-op")
	}

	calls := runner.Calls()
	time.Sleep(30 * time.Millisecond)
	if runner.Calls() != calls {
		t.Fatal("loop kept running after stop")
	}
}

func TestLoopSurvivesPanics(t *testing.T) {
	runner := &scriptedRunner{
		bundles: []*models.ResultBundle{bundle("r", "AUSDT")},
		panics:  2,
	}
	s, _, store := newTestScheduler(t, runner, notifySettings(), Options{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Latest(context.Background()); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("loop did not recover from runner panics")
}

func TestScheduleDisabledSkipsRuns(t *testing.T) {
	runner := &scriptedRunner{bundles: []*models.ResultBundle{bundle("r", "AUSDT")}}
	settings := notifySettings()
	settings.ScheduleEnabled = false
	s, _, _ := newTestScheduler(t, runner, settings, Options{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	if !s.Stop() {
		t.Fatal("stop timed out")
	}
	if runner.Calls() != 0 {
		t.Fatalf("disabled schedule should not run, got %d calls", runner.Calls())
	}
}

func TestStopCancelsBlockedRun(t *testing.T) {
	runner := &scriptedRunner{
		bundles: []*models.ResultBundle{bundle("r", "AUSDT")},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	s, n, store := newTestScheduler(t, runner, notifySettings(), Options{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-runner.entered
	if !s.Stop() {
		t.Fatal("stop timed out")
	}
	if got := n.reset(); len(got) != 0 {
		t.Fatalf("cancelled run should not notify, got %v", got)
	}
	if _, err := store.Latest(context.Background()); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("cancelled run should not be persisted, got %v", err)
	}
}

func TestHeartbeatWhileScheduleDisabled(t *testing.T) {
	runner := &scriptedRunner{bundles: []*models.ResultBundle{bundle("r", "AUSDT")}}
	settings := notifySettings()
	settings.ScheduleEnabled = false
	engine := testEngine()
	engine.HeartbeatInterval = 20 * time.Millisecond
	log, hook := hookedLog()
	s, _, _ := buildScheduler(t, runner, settings, engine, Options{}, log)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for countMessages(hook, "heartbeat") < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Stop() {
		t.Fatal("stop timed out")
	}

	if got := countMessages(hook, "heartbeat"); got < 3 {
		t.Fatalf("expected repeated heartbeats, got %d", got)
	}
	if runner.Calls() != 0 {
		t.Fatalf("disabled schedule should not run, got %d calls", runner.Calls())
	}
	for _, e := range hook.AllEntries() {
		if e.Message == "heartbeat" && e.Data["schedule_enabled"] != false {
			t.Fatalf("heartbeat should report the schedule state: %v", e.Data)
		}
	}
}

func TestFailedRunWaitsFullInterval(t *testing.T) {
	failed := bundle("bad")
	failed.Error = "exchange unreachable"
	runner := &scriptedRunner{bundles: []*models.ResultBundle{failed}}
	settings := notifySettings()
	settings.ScheduleIntervalSeconds = 10
	s, n, _ := newTestScheduler(t, runner, settings, Options{})
	s.intervalUnit = 10 * time.Millisecond
	interval := 100 * time.Millisecond

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for runner.Calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Stop() {
		t.Fatal("stop timed out")
	}

	times := runner.Times()
	if len(times) < 3 {
		t.Fatalf("expected the loop to keep retrying, got %d runs", len(times))
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < interval {
			t.Fatalf("run %d started %v after the failure, want at least %v", i+1, gap, interval)
		}
	}
	for _, title := range n.reset() {
		if title != "Analysis failed" {
			t.Fatalf("unexpected notification %q", title)
		}
	}
}

func TestStopInterruptsLongInterval(t *testing.T) {
	runner := &scriptedRunner{bundles: []*models.ResultBundle{bundle("r", "AUSDT")}}
	engine := testEngine()
	engine.SleepSlice = 50 * time.Millisecond
	s, _, _ := buildScheduler(t, runner, notifySettings(), engine, Options{}, quietLog())
	s.intervalUnit = time.Hour

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for runner.Calls() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if next := s.Status().NextRunAt; time.Until(next) < time.Hour {
		t.Fatalf("expected the next run hours away, got %v", next)
	}

	started := time.Now()
	if !s.Stop() {
		t.Fatal("stop timed out")
	}
	if took := time.Since(started); took > engine.SleepSlice {
		t.Fatalf("stop took %v, want within one sleep slice (%v)", took, engine.SleepSlice)
	}
	if runner.Calls() != 1 {
		t.Fatalf("expected a single run, got %d", runner.Calls())
	}
}

func TestStopTriggerRace(t *testing.T) {
	runner := &scriptedRunner{bundles: []*models.ResultBundle{bundle("r", "AUSDT")}}
	s, _, _ := newTestScheduler(t, runner, notifySettings(), Options{})

	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
		go func() {
			defer wg.Done()
			s.Trigger()
		}()
		wg.Wait()
	}
	if !s.Stop() {
		t.Fatal("final stop should drain every manual run")
	}
	if s.Status().RunInProgress {
		t.Fatal("no run should be in progress after stop")
	}
}
