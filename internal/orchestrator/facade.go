// Package orchestrator exposes the single facade the BLE control channel
// calls into: applyConfiguration and disconnectConfiguration. It owns the
// process-wide serialization the rest of the design relies on — only one
// Bluetooth operation sequence may be in flight at a time.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/speakerhub/orchestrator/internal/audio"
	"github.com/speakerhub/orchestrator/internal/bluetooth"
	"github.com/speakerhub/orchestrator/internal/config"
	"github.com/speakerhub/orchestrator/internal/executor"
	"github.com/speakerhub/orchestrator/internal/inventory"
	"github.com/speakerhub/orchestrator/internal/models"
	"github.com/speakerhub/orchestrator/internal/planner"
)

// applyPaceInterval bounds how often a BLE-originated applyConfiguration can
// actually start executing, independent of how fast the BLE layer calls in.
const applyPaceInterval = 500 * time.Millisecond

// Facade is the single entry point into the connection orchestrator.
type Facade struct {
	bt       bluetooth.Adapter
	audioAdp audio.Adapter
	ex       *executor.Executor
	cfg      config.Store

	applyLimiter *rate.Limiter

	mu         sync.Mutex
	lastConfig *models.Configuration
	lastResult *models.Result
}

// New creates a Facade. settings supplies the executor's timing knobs; cfg
// supplies the reserved controller MAC and deny-list.
func New(bt bluetooth.Adapter, audioAdp audio.Adapter, settings executor.Settings, cfg config.Store) *Facade {
	return &Facade{
		bt:           bt,
		audioAdp:     audioAdp,
		ex:           executor.New(bt, audioAdp, settings),
		cfg:          cfg,
		applyLimiter: rate.NewLimiter(rate.Every(applyPaceInterval), 1),
	}
}

// ApplyConfiguration builds a fresh inventory Snapshot, plans a Gameplan
// against it, executes that Gameplan, and returns the resulting Result. It
// serializes against any concurrent Apply/Disconnect call and paces
// back-to-back BLE-originated calls.
func (f *Facade) ApplyConfiguration(ctx context.Context, cfg models.Configuration) (*models.Result, error) {
	if len(cfg.Targets) == 0 {
		return nil, models.ErrConfig("configuration has no speakers")
	}
	if cfg.ConfigID == "" {
		cfg.ConfigID = uuid.New().String()
	}
	if cfg.ConfigName == "" {
		cfg.ConfigName = "config-" + cfg.ConfigID
	}

	if err := f.applyLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	slog.Info("orchestrator: applying configuration", "configId", cfg.ConfigID, "targets", len(cfg.Targets))

	settings, err := f.cfg.Load()
	if err != nil {
		return nil, models.ErrFatal("loading settings: " + err.Error())
	}

	snap, err := inventory.BuildSnapshot(ctx, f.bt)
	if err != nil {
		return nil, models.ErrFatal("building inventory snapshot: " + err.Error())
	}

	pool := inventory.AudioPool(snap.Controllers, settings.ReservedController)
	pool = excludeDenied(pool, settings.ControllerDenyList)
	if len(pool) == 0 {
		return nil, models.ErrNoControllers("no audio-eligible controllers available")
	}

	plan := planner.Plan(cfg.Targets, snap, pool)

	targets := make([]models.Target, len(cfg.Targets))
	copy(targets, cfg.Targets)
	if settings.DefaultLatencyMs > 0 {
		for i := range targets {
			if targets[i].LatencyMs == nil {
				latency := settings.DefaultLatencyMs
				targets[i].LatencyMs = &latency
			}
		}
	}

	result, execErr := f.ex.Execute(ctx, targets, plan)
	if result != nil {
		result.ConfigID = cfg.ConfigID
	}

	f.lastConfig = &cfg
	f.lastResult = result

	if execErr != nil {
		slog.Warn("orchestrator: apply completed with a degraded result", "configId", cfg.ConfigID, "err", execErr)
	} else {
		slog.Info("orchestrator: apply complete", "configId", cfg.ConfigID)
	}

	return result, execErr
}

// DisconnectConfiguration walks every controller, disconnects each member of
// cfg, and unloads the loopbacks and null sink the executor owns for those
// targets.
func (f *Facade) DisconnectConfiguration(ctx context.Context, cfg models.Configuration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	macs := make([]string, len(cfg.Targets))
	for i, t := range cfg.Targets {
		macs[i] = strings.ToUpper(t.MAC)
	}

	slog.Info("orchestrator: disconnecting configuration", "configId", cfg.ConfigID, "targets", len(macs))
	if err := f.ex.Teardown(ctx, macs); err != nil {
		return models.ErrFatal("tearing down configuration: " + err.Error())
	}

	if f.lastConfig != nil && f.lastConfig.ConfigID == cfg.ConfigID {
		f.lastConfig = nil
	}
	return nil
}

// SetVolume pokes a speaker's volume directly, without a full
// snapshot/plan/execute cycle — trivial once the loopback registry exists.
// It is serialized against Apply/Disconnect like every other facade entry
// point.
func (f *Facade) SetVolume(ctx context.Context, mac string, volumePct int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	mac = strings.ToUpper(mac)
	slog.Info("orchestrator: setting volume", "mac", mac, "volume", volumePct)
	if err := f.ex.SetVolume(ctx, mac, volumePct); err != nil {
		return models.ErrFatal("setting volume: " + err.Error())
	}
	return nil
}

// SetLatency pokes a speaker's loopback latency by unloading and reloading
// its owning module — this briefly drops audio for that speaker, since
// there is no way to change a loaded module's arguments in place.
func (f *Facade) SetLatency(ctx context.Context, mac string, latencyMs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	mac = strings.ToUpper(mac)
	slog.Info("orchestrator: setting latency", "mac", mac, "latencyMs", latencyMs)
	if err := f.ex.SetLatency(ctx, mac, latencyMs); err != nil {
		return models.ErrFatal("setting latency: " + err.Error())
	}
	return nil
}

// LastConfiguration returns the most recently applied Configuration, used by
// the watchdog to know what to reconcile against. The second return value is
// false if no configuration is currently applied.
func (f *Facade) LastConfiguration() (models.Configuration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastConfig == nil {
		return models.Configuration{}, false
	}
	return *f.lastConfig, true
}

// State returns the most recent apply Result, or an empty Result if no
// configuration has been applied yet — used by the local debug surface.
func (f *Facade) State() models.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastResult == nil {
		return models.Result{Entries: map[string]models.ResultEntry{}}
	}
	return *f.lastResult
}

func excludeDenied(pool []models.Controller, denyList []string) []models.Controller {
	if len(denyList) == 0 {
		return pool
	}
	denied := make(map[string]bool, len(denyList))
	for _, mac := range denyList {
		denied[strings.ToUpper(mac)] = true
	}
	out := make([]models.Controller, 0, len(pool))
	for _, c := range pool {
		if !denied[strings.ToUpper(c.MAC)] {
			out = append(out, c)
		}
	}
	return out
}
