// Package executor drives a Gameplan's side effects: Bluetooth
// pair/trust/connect/disconnect in fixed phases, followed by audio topology
// reconciliation. It polls deviceInfo for convergence rather than trusting
// command return codes, and never lets one target's failure block another's.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/speakerhub/orchestrator/internal/audio"
	"github.com/speakerhub/orchestrator/internal/bluetooth"
	"github.com/speakerhub/orchestrator/internal/models"
)

// scanPaceInterval bounds how often this executor toggles scan on/off. One
// limiter is shared by all controllers. Real BlueZ adapters misbehave under
// rapid scan churn, so every Scan call waits on this limiter first.
const scanPaceInterval = 200 * time.Millisecond

// Executor applies Gameplans through a Bluetooth and an audio Adapter. The
// virtual sink and loopback module ids it loads outlive a single Execute
// call — they are owned by this struct until a Teardown, since the audio
// topology persists across apply calls rather than being rebuilt each time.
type Executor struct {
	bt       bluetooth.Adapter
	audioAdp audio.Adapter
	settings Settings

	scanLimiter *rate.Limiter

	mu         sync.Mutex
	nullSinkID *int
	loopbacks  map[string]int // sinkName -> owned module id
}

// New creates an Executor over the given adapters.
func New(bt bluetooth.Adapter, audioAdp audio.Adapter, settings Settings) *Executor {
	return &Executor{
		bt:          bt,
		audioAdp:    audioAdp,
		settings:    settings,
		scanLimiter: rate.NewLimiter(rate.Every(scanPaceInterval), 1),
		loopbacks:   make(map[string]int),
	}
}

// pacedScan waits for the scan rate limiter before toggling scan, so a
// sequence of pair/connect retries across targets can't hammer the
// controller with back-to-back scan on/off calls.
func (e *Executor) pacedScan(ctx context.Context, controllerMAC string, on bool) error {
	if err := e.scanLimiter.Wait(ctx); err != nil {
		return err
	}
	return e.bt.Scan(ctx, controllerMAC, on)
}

// targetState tracks one target's progress through
// NEW -> DISCONNECTING -> (SKIP|CONNECT_EXISTING|PAIR) -> ... -> CONNECTED|SKIPPED|FAILED.
type targetState struct {
	entry     models.GameplanEntry
	target    models.Target
	connected bool
	status    models.Status
	reason    string
}

// Execute runs Phase A (disconnect stale attachments), Phase B (per-target
// pair/connect), and Phase C (audio topology reconcile) in that strict
// order, and returns the accumulated Result. targets must be in the same
// order the plan was built from — Phase B is linearized in that order, one
// target fully processed before the next begins.
func (e *Executor) Execute(ctx context.Context, targets []models.Target, plan models.Gameplan) (*models.Result, error) {
	states := make([]*targetState, 0, len(targets))
	byMAC := make(map[string]*targetState, len(targets))
	for _, t := range targets {
		mac := strings.ToUpper(t.MAC)
		entry, ok := plan[mac]
		if !ok {
			continue
		}
		st := &targetState{entry: entry, target: t}
		states = append(states, st)
		byMAC[mac] = st
	}

	e.phaseA(ctx, states)
	e.phaseB(ctx, states)
	audioErr := e.phaseC(ctx, states)

	result := &models.Result{
		Entries:   make(map[string]models.ResultEntry, len(states)),
		Loopbacks: make(map[string]int),
	}
	e.mu.Lock()
	result.VirtualSink = models.VirtualSinkInfo{Present: e.nullSinkID != nil, ModuleID: e.nullSinkID}
	for name, id := range e.loopbacks {
		result.Loopbacks[name] = id
	}
	e.mu.Unlock()

	for _, st := range states {
		result.Entries[st.entry.TargetMAC] = models.ResultEntry{
			Name:                  st.target.Name,
			Action:                st.entry.Action,
			RecommendedController: st.entry.RecommendedController,
			Disconnect:            st.entry.Disconnect,
			Status:                st.status,
			Reason:                st.reason,
		}
	}

	return result, audioErr
}

// phaseA breaks stale attachments. Failures are logged and non-fatal.
func (e *Executor) phaseA(ctx context.Context, states []*targetState) {
	for _, st := range states {
		for _, ctrl := range st.entry.Disconnect {
			if err := e.bt.Select(ctx, ctrl); err != nil {
				slog.Warn("executor: select failed during disconnect phase", "controller", ctrl, "err", err)
			}
			if err := e.bt.Disconnect(ctx, ctrl, st.entry.TargetMAC); err != nil {
				slog.Warn("executor: disconnect failed (non-fatal)", "controller", ctrl, "mac", st.entry.TargetMAC, "err", err)
			}
			sleepCtx(ctx, e.settings.DisconnectSettle)
		}
	}
}

// phaseB drives per-target pair/trust/connect in Gameplan order.
func (e *Executor) phaseB(ctx context.Context, states []*targetState) {
	for _, st := range states {
		switch st.entry.Action {
		case models.ActionNoAction:
			slog.Info("executor: target already connected, no action", "mac", st.entry.TargetMAC, "controller", st.entry.RecommendedController)
			st.connected = true
			st.status = models.StatusSkipped

		case models.ActionConnectExistingPair:
			e.connectExistingPair(ctx, st)

		case models.ActionPairAndConnect:
			e.pairAndConnect(ctx, st)

		case models.ActionNoFreeController:
			st.status = models.StatusNoController
			st.reason = "no free controller available for this target"

		default:
			st.status = models.StatusFailed
			st.reason = fmt.Sprintf("unknown action %q", st.entry.Action)
		}
	}
}

func (e *Executor) connectExistingPair(ctx context.Context, st *targetState) {
	rec := st.entry.RecommendedController
	mac := st.entry.TargetMAC

	if err := e.bt.Select(ctx, rec); err != nil {
		st.status, st.reason = models.StatusFailed, fmt.Sprintf("select %s: %v", rec, err)
		return
	}
	_ = e.pacedScan(ctx, rec, true)
	sleepCtx(ctx, e.settings.ScanSettleShort)
	_ = e.pacedScan(ctx, rec, false)

	if err := e.bt.Connect(ctx, rec, mac); err != nil {
		st.status, st.reason = models.StatusFailed, fmt.Sprintf("connect: %v", err)
		return
	}

	if !e.verifyConnected(ctx, rec, mac) {
		st.status, st.reason = models.StatusFailed, "connect did not converge"
		return
	}
	st.connected = true
	st.status = models.StatusConnected
}

func (e *Executor) pairAndConnect(ctx context.Context, st *targetState) {
	rec := st.entry.RecommendedController
	mac := st.entry.TargetMAC

	if err := e.bt.Select(ctx, rec); err != nil {
		st.status, st.reason = models.StatusFailed, fmt.Sprintf("select %s: %v", rec, err)
		return
	}
	_ = e.pacedScan(ctx, rec, true)
	defer func() { _ = e.pacedScan(ctx, rec, false) }()
	sleepCtx(ctx, e.settings.PairScanWait)

	if err := e.bt.Pair(ctx, rec, mac); err != nil {
		st.status, st.reason = models.StatusFailed, fmt.Sprintf("pair: %v", err)
		return
	}

	info, err := e.bt.DeviceInfo(ctx, mac)
	if err != nil || !info.Paired {
		ok, err := e.bt.WaitForFlag(ctx, mac, bluetooth.FlagPaired, e.settings.PairTimeout)
		if err != nil {
			st.status, st.reason = models.StatusFailed, fmt.Sprintf("waitForFlag(paired): %v", err)
			return
		}
		if !ok {
			st.status, st.reason = models.StatusFailed, "pairing timeout"
			return
		}
	}

	if err := e.bt.Trust(ctx, rec, mac); err != nil {
		st.status, st.reason = models.StatusFailed, fmt.Sprintf("trust: %v", err)
		return
	}
	ok, err := e.bt.WaitForFlag(ctx, mac, bluetooth.FlagTrusted, e.settings.TrustTimeout)
	if err != nil {
		st.status, st.reason = models.StatusFailed, fmt.Sprintf("waitForFlag(trusted): %v", err)
		return
	}
	if !ok {
		st.status, st.reason = models.StatusFailed, "trust timeout"
		return
	}

	if err := e.bt.Connect(ctx, rec, mac); err != nil {
		st.status, st.reason = models.StatusFailed, fmt.Sprintf("connect: %v", err)
		return
	}
	sleepCtx(ctx, e.settings.PostConnectWait)

	if !e.verifyConnected(ctx, rec, mac) {
		st.status, st.reason = models.StatusFailed, "connect did not converge"
		return
	}
	st.connected = true
	st.status = models.StatusConnected
}

// verifyConnected checks listDevices(rec, connected) for mac as the final
// verify-presence step — ground truth over command return codes.
func (e *Executor) verifyConnected(ctx context.Context, rec, mac string) bool {
	devices, err := e.bt.ListDevices(ctx, rec, bluetooth.FilterConnected)
	if err != nil {
		return false
	}
	for _, d := range devices {
		if strings.EqualFold(d.MAC, mac) {
			return true
		}
	}
	return false
}

// phaseC reconciles the audio topology. It returns a non-nil error only when
// the audio server itself is unreachable — individual loopback failures are
// reported per-target via audioDegraded, not as a returned error.
func (e *Executor) phaseC(ctx context.Context, states []*targetState) error {
	if err := e.audioAdp.EnsureRunning(ctx, audio.DefaultEnsureRunningTimeout); err != nil {
		slog.Warn("executor: audio server unreachable, aborting topology reconcile", "err", err)
		for _, st := range states {
			if st.connected {
				st.status = models.StatusAudioDegraded
				st.reason = "audio server unavailable"
			}
		}
		return models.ErrAudioUnavailable("audio server did not become ready: " + err.Error())
	}

	e.mu.Lock()
	if e.nullSinkID == nil {
		id, err := e.audioAdp.LoadNullSink(ctx, audio.NullSinkName)
		if err != nil {
			e.mu.Unlock()
			slog.Error("executor: failed to load null sink", "err", err)
		} else {
			e.nullSinkID = &id
			e.mu.Unlock()
		}
	} else {
		e.mu.Unlock()
	}

	loaded := make(map[int]bool)
	if modules, err := e.audioAdp.ListModules(ctx); err == nil {
		for _, m := range modules {
			loaded[m.ID] = true
		}
	}

	for _, st := range states {
		if !st.connected || st.entry.RecommendedController == "" {
			continue
		}
		if st.target.EffectiveRole() != models.TargetRoleSink {
			continue
		}
		sinkName := audio.SinkNameForMAC(st.entry.TargetMAC)
		e.mu.Lock()
		ownedID, owned := e.loopbacks[sinkName]
		e.mu.Unlock()
		if owned && loaded[ownedID] {
			continue
		}
		latency := e.settings.DefaultLatencyMs
		if st.target.LatencyMs != nil {
			latency = *st.target.LatencyMs
		}

		id, err := e.audioAdp.LoadLoopback(ctx, audio.NullSinkName+".monitor", sinkName, latency)
		if err != nil {
			slog.Warn("executor: loopback load failed after retries", "sink", sinkName, "err", err)
			st.status = models.StatusAudioDegraded
			st.reason = "loopback load failed: " + err.Error()
			continue
		}
		e.mu.Lock()
		e.loopbacks[sinkName] = id
		e.mu.Unlock()
	}

	sinks, err := e.audioAdp.ListSinks(ctx)
	if err == nil {
		for _, s := range sinks {
			if err := e.audioAdp.UnsuspendSink(ctx, s.Name); err != nil {
				slog.Debug("executor: unsuspend sink failed", "sink", s.Name, "err", err)
			}
		}
	}

	if err := e.audioAdp.UnloadAllMatching(ctx, func(m audio.ModuleInfo) bool {
		return m.Name == "module-suspend-on-idle"
	}); err != nil {
		slog.Debug("executor: unload idle-suspend modules failed", "err", err)
	}

	return nil
}

// Teardown disconnects every member of targetMACs from every controller and
// unloads the loopbacks this executor owns for those members, implementing
// disconnectConfiguration's side effects. The null sink is unloaded too once
// no owned loopback remains; loopbacks owned for MACs outside targetMACs, and
// the null sink they feed from, are left loaded.
func (e *Executor) Teardown(ctx context.Context, targetMACs []string) error {
	controllers, err := e.bt.ListControllers(ctx)
	if err != nil {
		return err
	}
	for _, ctrl := range controllers {
		for _, mac := range targetMACs {
			if err := e.bt.Select(ctx, ctrl.MAC); err != nil {
				slog.Debug("executor: teardown select failed", "controller", ctrl.MAC, "err", err)
			}
			if err := e.bt.Disconnect(ctx, ctrl.MAC, mac); err != nil {
				slog.Debug("executor: teardown disconnect failed (non-fatal)", "controller", ctrl.MAC, "mac", mac, "err", err)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, mac := range targetMACs {
		sinkName := audio.SinkNameForMAC(mac)
		if id, ok := e.loopbacks[sinkName]; ok {
			if err := e.audioAdp.UnloadModule(ctx, id); err != nil {
				slog.Warn("executor: teardown unload loopback failed", "sink", sinkName, "err", err)
			}
			delete(e.loopbacks, sinkName)
		}
	}
	if e.nullSinkID != nil && len(e.loopbacks) == 0 {
		if err := e.audioAdp.UnloadModule(ctx, *e.nullSinkID); err != nil {
			slog.Warn("executor: teardown unload null sink failed", "err", err)
		}
		e.nullSinkID = nil
	}
	return nil
}

// SetVolume pokes mac's sink volume directly through the audio adapter —
// a plain property set, no module reload needed.
func (e *Executor) SetVolume(ctx context.Context, mac string, volumePct int) error {
	sinkName := audio.SinkNameForMAC(mac)
	return e.audioAdp.SetSinkVolume(ctx, sinkName, volumePct)
}

// SetLatency changes mac's loopback latency by unloading and reloading the
// owning module at the new value — this briefly drops audio for that
// speaker, since there is no way to change a loaded module's arguments in
// place. It fails if this executor does not currently own a loopback for
// mac.
func (e *Executor) SetLatency(ctx context.Context, mac string, latencyMs int) error {
	sinkName := audio.SinkNameForMAC(mac)

	e.mu.Lock()
	oldID, ok := e.loopbacks[sinkName]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("setLatency: no loopback owned for %s", sinkName)
	}

	if err := e.audioAdp.UnloadModule(ctx, oldID); err != nil {
		slog.Warn("executor: setLatency unload of old loopback failed", "sink", sinkName, "err", err)
	}

	newID, err := e.audioAdp.LoadLoopback(ctx, audio.NullSinkName+".monitor", sinkName, latencyMs)
	if err != nil {
		e.mu.Lock()
		delete(e.loopbacks, sinkName)
		e.mu.Unlock()
		return fmt.Errorf("setLatency: reload loopback for %s: %w", sinkName, err)
	}

	e.mu.Lock()
	e.loopbacks[sinkName] = newID
	e.mu.Unlock()
	return nil
}

// sleepCtx sleeps for d or returns early if ctx is cancelled — every fixed
// sleep in the executor is a cooperative convergence wait, not a blocking
// delay, so cancellation must be able to cut it short.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
