package metrics

import (
	"context"

	"gainscan/logger"
	"gainscan/models"
)

const runComponent = "scheduler"

// RecordRun emits the standard metrics for one finished run. trigger is
// "schedule" or "manual".
func RecordRun(ctx context.Context, log *logger.Log, bundle *models.ResultBundle, trigger string) {
	fields := logger.Fields{"trigger": trigger, "unit": "count"}

	EmitMetric(ctx, log, runComponent, "run_duration", bundle.DurationSeconds, TypeGauge, logger.Fields{"trigger": trigger, "unit": "seconds"})
	EmitMetric(ctx, log, runComponent, "run_results", float64(len(bundle.Results)), TypeGauge, fields)
	EmitMetric(ctx, log, runComponent, "run_scanned_symbols", float64(bundle.ScannedSymbols), TypeGauge, fields)
	EmitMetric(ctx, log, runComponent, "run_skipped_symbols", float64(bundle.SkippedSymbols), TypeGauge, fields)
	if bundle.Failed() {
		EmitMetric(ctx, log, runComponent, "run_failures", 1, TypeCounter, fields)
	}
}

// RecordNotifications emits how many channels accepted a notification.
func RecordNotifications(ctx context.Context, log *logger.Log, kind string, delivered int) {
	EmitMetric(ctx, log, "notify", "notifications_delivered", float64(delivered), TypeCounter, logger.Fields{
		"kind": kind,
		"unit": "count",
	})
}
