package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/speakerhub/orchestrator/internal/audio"
	"github.com/speakerhub/orchestrator/internal/bluetooth"
	"github.com/speakerhub/orchestrator/internal/executor"
	"github.com/speakerhub/orchestrator/internal/inventory"
	"github.com/speakerhub/orchestrator/internal/models"
	"github.com/speakerhub/orchestrator/internal/planner"
)

// fastSettings shrinks every executor sleep to near-zero so tests don't block
// on real-world pacing, mirroring the bluetooth package's pollInterval test
// seam.
func fastSettings() executor.Settings {
	return executor.Settings{
		DisconnectSettle: time.Millisecond,
		ScanSettleShort:  time.Millisecond,
		PairScanWait:     time.Millisecond,
		PostConnectWait:  time.Millisecond,
		PairTimeout:      bluetooth.DefaultWaitTimeout,
		TrustTimeout:     bluetooth.DefaultWaitTimeout,
		DefaultLatencyMs: 100,
	}
}

func buildAndPlan(t *testing.T, bt bluetooth.Adapter, reserved string, targets []models.Target) (models.Gameplan, error) {
	t.Helper()
	snap, err := inventory.BuildSnapshot(context.Background(), bt)
	if err != nil {
		return nil, err
	}
	pool := inventory.AudioPool(snap.Controllers, reserved)
	return planner.Plan(targets, snap, pool), nil
}

// Scenario 5 (§8): a device that never reaches paired must fail with a
// timeout reason, not hang the whole apply.
func TestExecutePairingTimeoutFailsTarget(t *testing.T) {
	bt := bluetooth.NewMock(
		models.Controller{MAC: "R0", Role: models.RoleReservedBLE},
		models.Controller{MAC: "R1", Role: models.RoleAudio},
	)
	bt.NeverPairs = map[string]bool{"A": true}
	aud := audio.NewMock()

	targets := []models.Target{{MAC: "A", Name: "Kitchen"}}
	plan, err := buildAndPlan(t, bt, "R0", targets)
	if err != nil {
		t.Fatalf("buildAndPlan: %v", err)
	}

	settings := fastSettings()
	settings.PairTimeout = 5 * time.Millisecond
	ex := executor.New(bt, aud, settings)

	// The Bluetooth adapter's own convergence poll ticks every couple of
	// seconds regardless of this test's shortened PairTimeout, so give the
	// whole call comfortable headroom above that cadence.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := ex.Execute(ctx, targets, plan)
	if err != nil {
		t.Fatalf("Execute returned unexpected error: %v", err)
	}

	entry := result.Entries["A"]
	if entry.Status != models.StatusFailed {
		t.Fatalf("expected StatusFailed, got %v (reason=%q)", entry.Status, entry.Reason)
	}
}

// Scenario 6 (§8): the audio daemon is down. Bluetooth connects fine but the
// result must report audioDegraded, not silently succeed.
func TestExecuteAudioDownReportsAudioDegraded(t *testing.T) {
	bt := bluetooth.NewMock(
		models.Controller{MAC: "R0", Role: models.RoleReservedBLE},
		models.Controller{MAC: "R1", Role: models.RoleAudio},
	)
	aud := audio.NewMock()
	aud.SetResponsive(false)

	targets := []models.Target{{MAC: "A", Name: "Kitchen"}}
	plan, err := buildAndPlan(t, bt, "R0", targets)
	if err != nil {
		t.Fatalf("buildAndPlan: %v", err)
	}

	ex := executor.New(bt, aud, fastSettings())
	result, err := ex.Execute(context.Background(), targets, plan)
	if err == nil {
		t.Fatal("expected an AudioUnavailable error when the audio daemon is unresponsive")
	}

	entry := result.Entries["A"]
	if entry.Status != models.StatusAudioDegraded {
		t.Fatalf("expected StatusAudioDegraded, got %v", entry.Status)
	}
}

// Full happy path: PairAndConnect target ends connected with a loopback and
// the null sink loaded.
func TestExecutePairAndConnectHappyPath(t *testing.T) {
	bt := bluetooth.NewMock(
		models.Controller{MAC: "R0", Role: models.RoleReservedBLE},
		models.Controller{MAC: "R1", Role: models.RoleAudio},
	)
	aud := audio.NewMock()
	// The audio daemon auto-discovers the A2DP sink once bluez exposes it;
	// the mock needs that discovery simulated explicitly.
	aud.AddSink(audio.SinkNameForMAC("A"))

	targets := []models.Target{{MAC: "A", Name: "Kitchen"}}
	plan, err := buildAndPlan(t, bt, "R0", targets)
	if err != nil {
		t.Fatalf("buildAndPlan: %v", err)
	}
	if plan["A"].Action != models.ActionPairAndConnect {
		t.Fatalf("expected PairAndConnect, got %v", plan["A"].Action)
	}

	ex := executor.New(bt, aud, fastSettings())
	result, err := ex.Execute(context.Background(), targets, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	entry := result.Entries["A"]
	if entry.Status != models.StatusConnected {
		t.Fatalf("expected StatusConnected, got %v (reason=%q)", entry.Status, entry.Reason)
	}
	if !result.VirtualSink.Present {
		t.Fatal("expected virtual sink to be present after a successful apply")
	}
	sinkName := audio.SinkNameForMAC("A")
	if _, ok := result.Loopbacks[sinkName]; !ok {
		t.Fatalf("expected a loopback for %s, got %v", sinkName, result.Loopbacks)
	}
}

// A target already connected on its recommended controller takes no
// Bluetooth action and must be reported as skipped, distinct from a target
// that was freshly paired and connected this run.
func TestExecuteNoActionReportsStatusSkipped(t *testing.T) {
	bt := bluetooth.NewMock(
		models.Controller{MAC: "R0", Role: models.RoleReservedBLE},
		models.Controller{MAC: "R1", Role: models.RoleAudio},
	)
	bt.Seed("R1", "A", true, true, true)
	aud := audio.NewMock()
	aud.AddSink(audio.SinkNameForMAC("A"))

	targets := []models.Target{{MAC: "A", Name: "Kitchen"}}
	plan, err := buildAndPlan(t, bt, "R0", targets)
	if err != nil {
		t.Fatalf("buildAndPlan: %v", err)
	}
	if plan["A"].Action != models.ActionNoAction {
		t.Fatalf("expected NoAction, got %v", plan["A"].Action)
	}

	ex := executor.New(bt, aud, fastSettings())
	result, err := ex.Execute(context.Background(), targets, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	entry := result.Entries["A"]
	if entry.Status != models.StatusSkipped {
		t.Fatalf("expected StatusSkipped, got %v (reason=%q)", entry.Status, entry.Reason)
	}
}

// Round-trip property (§8): tearing down a configuration releases the
// loopback and, once no loopbacks remain, the null sink too.
func TestTeardownReleasesOwnedModules(t *testing.T) {
	bt := bluetooth.NewMock(
		models.Controller{MAC: "R0", Role: models.RoleReservedBLE},
		models.Controller{MAC: "R1", Role: models.RoleAudio},
	)
	aud := audio.NewMock()
	aud.AddSink(audio.SinkNameForMAC("A"))

	targets := []models.Target{{MAC: "A", Name: "Kitchen"}}
	plan, err := buildAndPlan(t, bt, "R0", targets)
	if err != nil {
		t.Fatalf("buildAndPlan: %v", err)
	}

	ex := executor.New(bt, aud, fastSettings())
	if _, err := ex.Execute(context.Background(), targets, plan); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := ex.Teardown(context.Background(), []string{"A"}); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	modules, err := aud.ListModules(context.Background())
	if err != nil {
		t.Fatalf("ListModules: %v", err)
	}
	for _, m := range modules {
		if m.Name == "module-null-sink" || m.Name == "module-loopback" {
			t.Fatalf("expected teardown to unload owned modules, found %v still loaded", m)
		}
	}
}

// SetVolume pokes the sink volume directly, with no module reload (§10.1).
func TestSetVolumePokesSinkDirectly(t *testing.T) {
	aud := audio.NewMock()
	ex := executor.New(bluetooth.NewMock(), aud, fastSettings())

	if err := ex.SetVolume(context.Background(), "A", 42); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	got, ok := aud.Volume(audio.SinkNameForMAC("A"))
	if !ok || got != 42 {
		t.Fatalf("expected volume 42 recorded for sink, got %d (ok=%v)", got, ok)
	}
}

// SetLatency reloads the owning loopback at the new latency, keeping the
// module id registry consistent (§10.1).
func TestSetLatencyReloadsOwningLoopback(t *testing.T) {
	bt := bluetooth.NewMock(
		models.Controller{MAC: "R0", Role: models.RoleReservedBLE},
		models.Controller{MAC: "R1", Role: models.RoleAudio},
	)
	aud := audio.NewMock()
	aud.AddSink(audio.SinkNameForMAC("A"))

	targets := []models.Target{{MAC: "A", Name: "Kitchen"}}
	plan, err := buildAndPlan(t, bt, "R0", targets)
	if err != nil {
		t.Fatalf("buildAndPlan: %v", err)
	}

	ex := executor.New(bt, aud, fastSettings())
	result, err := ex.Execute(context.Background(), targets, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sinkName := audio.SinkNameForMAC("A")
	oldID := result.Loopbacks[sinkName]

	if err := ex.SetLatency(context.Background(), "A", 250); err != nil {
		t.Fatalf("SetLatency: %v", err)
	}

	modules, err := aud.ListModules(context.Background())
	if err != nil {
		t.Fatalf("ListModules: %v", err)
	}
	found := false
	for _, m := range modules {
		if m.Name == "module-loopback" && m.ID != oldID {
			found = true
		}
		if m.ID == oldID && m.Name == "module-loopback" {
			t.Fatalf("expected old loopback module %d to be unloaded", oldID)
		}
	}
	if !found {
		t.Fatal("expected a new loopback module to be loaded at the updated latency")
	}
}

// SetLatency fails cleanly when this executor owns no loopback for the mac.
func TestSetLatencyFailsWithoutExistingLoopback(t *testing.T) {
	aud := audio.NewMock()
	ex := executor.New(bluetooth.NewMock(), aud, fastSettings())

	if err := ex.SetLatency(context.Background(), "A", 250); err == nil {
		t.Fatal("expected an error when no loopback is owned for the target")
	}
}
