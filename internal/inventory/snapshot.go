// Package inventory builds the short-lived immutable world view (C3) the
// planner reasons over: every controller, and the paired/connected
// attachments of every device observed on each.
package inventory

import (
	"context"
	"strings"

	"github.com/speakerhub/orchestrator/internal/bluetooth"
	"github.com/speakerhub/orchestrator/internal/models"
)

// AttachKey identifies a (controller, device) pair.
type AttachKey struct {
	ControllerMAC string
	DeviceMAC     string
}

// Snapshot is the immutable result of one inventory build. It is never
// mutated after BuildSnapshot returns.
type Snapshot struct {
	Controllers []models.Controller
	Attachments map[AttachKey]models.Attachment
}

// PairedOn returns the controllers (restricted to pool) where mac is paired.
func (s *Snapshot) PairedOn(mac string, pool []models.Controller) []string {
	return s.controllersWhere(mac, pool, func(a models.Attachment) bool { return a.Paired })
}

// ConnectedOn returns the controllers (restricted to pool) where mac is connected.
func (s *Snapshot) ConnectedOn(mac string, pool []models.Controller) []string {
	return s.controllersWhere(mac, pool, func(a models.Attachment) bool { return a.Connected })
}

func (s *Snapshot) controllersWhere(mac string, pool []models.Controller, pred func(models.Attachment) bool) []string {
	var out []string
	for _, ctrl := range pool {
		if a, ok := s.Attachments[AttachKey{ControllerMAC: ctrl.MAC, DeviceMAC: mac}]; ok && pred(a) {
			out = append(out, ctrl.MAC)
		}
	}
	return out
}

// BuildSnapshot calls listControllers and then, for each controller,
// listDevices(paired) and listDevices(connected). It is taken once per apply
// call; there is no incremental updating.
func BuildSnapshot(ctx context.Context, bt bluetooth.Adapter) (*Snapshot, error) {
	controllers, err := bt.ListControllers(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Controllers: controllers,
		Attachments: make(map[AttachKey]models.Attachment),
	}

	for _, ctrl := range controllers {
		paired, err := bt.ListDevices(ctx, ctrl.MAC, bluetooth.FilterPaired)
		if err != nil {
			return nil, err
		}
		for _, d := range paired {
			key := AttachKey{ControllerMAC: ctrl.MAC, DeviceMAC: strings.ToUpper(d.MAC)}
			a := snap.Attachments[key]
			a.Paired = true
			a.Name = d.Name
			snap.Attachments[key] = a
		}

		connected, err := bt.ListDevices(ctx, ctrl.MAC, bluetooth.FilterConnected)
		if err != nil {
			return nil, err
		}
		for _, d := range connected {
			key := AttachKey{ControllerMAC: ctrl.MAC, DeviceMAC: strings.ToUpper(d.MAC)}
			a := snap.Attachments[key]
			a.Connected = true
			a.Name = d.Name
			snap.Attachments[key] = a
		}
	}

	return snap, nil
}

// AudioPool returns controllers excluding the reserved BLE controller: the
// one whose MAC matches reservedMAC (case-insensitively) and any controller
// whose Role is reserved_ble.
func AudioPool(controllers []models.Controller, reservedMAC string) []models.Controller {
	var out []models.Controller
	for _, c := range controllers {
		if strings.EqualFold(c.MAC, reservedMAC) || c.Role == models.RoleReservedBLE {
			continue
		}
		out = append(out, c)
	}
	return out
}
