// Package watchdog periodically re-applies the last-known Configuration so
// spontaneous Bluetooth disconnects heal without phone intervention. It
// schedules its reconciliation job on a cron expression rather than a bare
// ticker, the same way the scheduler package drives other periodic
// Bluetooth work.
package watchdog

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/speakerhub/orchestrator/internal/models"
)

// Applier is the subset of the orchestrator facade the watchdog needs.
type Applier interface {
	ApplyConfiguration(ctx context.Context, cfg models.Configuration) (*models.Result, error)
	LastConfiguration() (models.Configuration, bool)
}

// Watchdog schedules reconciliation of the last-applied Configuration.
type Watchdog struct {
	applier Applier
	cron    *cron.Cron
}

// New creates a Watchdog that re-applies Applier's LastConfiguration on the
// given cron spec (e.g. "@every 1m").
func New(applier Applier, spec string) (*Watchdog, error) {
	w := &Watchdog{applier: applier, cron: cron.New()}
	if _, err := w.cron.AddFunc(spec, w.reconcile); err != nil {
		return nil, err
	}
	return w, nil
}

// Start begins the cron ticker. It does not block.
func (w *Watchdog) Start() {
	w.cron.Start()
	slog.Info("watchdog: reconciliation scheduler started")
}

// Stop halts the cron ticker and waits for any running job to finish.
func (w *Watchdog) Stop(ctx context.Context) {
	stopCtx := w.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	slog.Info("watchdog: reconciliation scheduler stopped")
}

func (w *Watchdog) reconcile() {
	cfg, ok := w.applier.LastConfiguration()
	if !ok {
		return
	}

	slog.Debug("watchdog: reconciling configuration", "configId", cfg.ConfigID)
	result, err := w.applier.ApplyConfiguration(context.Background(), cfg)
	if err != nil {
		slog.Warn("watchdog: reconciliation apply failed", "configId", cfg.ConfigID, "err", err)
		return
	}
	if result.AudioDegraded() {
		slog.Warn("watchdog: reconciliation left audio degraded", "configId", cfg.ConfigID)
	}
}
