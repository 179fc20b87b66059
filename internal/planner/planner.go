// Package planner implements the Gameplan algorithm (C4): a pure function
// from a target set and an inventory snapshot to a per-speaker decision. It
// has no side effects and performs no I/O — every Bluetooth/audio operation
// lives in the executor.
package planner

import (
	"strings"

	"github.com/speakerhub/orchestrator/internal/inventory"
	"github.com/speakerhub/orchestrator/internal/models"
)

// Plan computes a Gameplan for targets against snap, restricted to the
// controller pool (which must already exclude the reserved BLE controller;
// callers typically pass inventory.AudioPool(snap.Controllers, reservedMAC)).
//
// The algorithm is deterministic and greedy, one target at a time in the
// order targets are given: it prefers reusing an existing connected
// attachment, then an existing paired attachment, then falls back to a fresh
// pair-and-connect, and never assigns the same controller to two targets.
// This is intentionally not globally optimal — minimizing re-pair churn per
// target takes priority over a perfect assignment across all targets.
func Plan(targets []models.Target, snap *inventory.Snapshot, pool []models.Controller) models.Gameplan {
	plan := make(models.Gameplan, len(targets))
	assigned := make(map[string]bool, len(pool))

	for _, t := range targets {
		mac := strings.ToUpper(t.MAC)
		connectedOn := snap.ConnectedOn(mac, pool)
		pairedOn := snap.PairedOn(mac, pool)

		freeConnected := subtractAssigned(connectedOn, assigned)
		freePaired := subtractAssigned(pairedOn, assigned)

		entry := models.GameplanEntry{
			TargetMAC:   mac,
			TargetName:  t.Name,
			Role:        t.EffectiveRole(),
			PairedOn:    pairedOn,
			ConnectedOn: connectedOn,
		}

		switch {
		case len(freeConnected) > 0:
			entry.RecommendedController = freeConnected[0]
			entry.Action = models.ActionNoAction
		case len(freePaired) > 0:
			entry.RecommendedController = freePaired[0]
			entry.Action = models.ActionConnectExistingPair
		default:
			if ctrl, ok := firstUnassigned(pool, assigned); ok {
				entry.RecommendedController = ctrl
				entry.Action = models.ActionPairAndConnect
			} else {
				entry.Action = models.ActionNoFreeController
			}
		}

		if entry.RecommendedController != "" {
			assigned[entry.RecommendedController] = true
		}

		entry.Disconnect = subtractOne(connectedOn, entry.RecommendedController)

		plan[mac] = entry
	}

	return plan
}

func subtractAssigned(macs []string, assigned map[string]bool) []string {
	var out []string
	for _, m := range macs {
		if !assigned[m] {
			out = append(out, m)
		}
	}
	return out
}

func firstUnassigned(pool []models.Controller, assigned map[string]bool) (string, bool) {
	for _, c := range pool {
		if !assigned[c.MAC] {
			return c.MAC, true
		}
	}
	return "", false
}

func subtractOne(macs []string, exclude string) []string {
	var out []string
	for _, m := range macs {
		if m != exclude {
			out = append(out, m)
		}
	}
	return out
}
