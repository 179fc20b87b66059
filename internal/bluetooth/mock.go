package bluetooth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/speakerhub/orchestrator/internal/models"
)

// Mock is a thread-safe in-memory Adapter for tests and -mock mode,
// mirroring hardware.Mock's shape: deterministic, fully introspectable, and
// configurable to simulate failures.
type Mock struct {
	mu          sync.Mutex
	controllers []models.Controller
	// attachments[controllerMAC][deviceMAC] = *state
	attachments map[string]map[string]*mockAttachment
	names       map[string]string // deviceMAC -> friendly name

	// FailPair/FailConnect, when set, make the named device fail that verb.
	FailPair    map[string]bool
	FailConnect map[string]bool
	// NeverPairs, when set, makes waitForFlag(paired) always time out for
	// that device — used to test the pairing-timeout scenario.
	NeverPairs map[string]bool
}

type mockAttachment struct {
	paired    bool
	trusted   bool
	connected bool
}

// NewMock creates a Mock with the given controllers pre-registered.
func NewMock(controllers ...models.Controller) *Mock {
	return &Mock{
		controllers: controllers,
		attachments: make(map[string]map[string]*mockAttachment),
		names:       make(map[string]string),
	}
}

// Seed pre-populates an attachment, e.g. to simulate "already connected on
// the wrong radio" scenarios.
func (m *Mock) Seed(controllerMAC, deviceMAC string, paired, trusted, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(controllerMAC, deviceMAC)
	a := m.attachments[controllerMAC][deviceMAC]
	a.paired, a.trusted, a.connected = paired, trusted, connected
}

func (m *Mock) ensure(controllerMAC, deviceMAC string) {
	if m.attachments[controllerMAC] == nil {
		m.attachments[controllerMAC] = make(map[string]*mockAttachment)
	}
	if m.attachments[controllerMAC][deviceMAC] == nil {
		m.attachments[controllerMAC][deviceMAC] = &mockAttachment{}
	}
}

func (m *Mock) ListControllers(_ context.Context) ([]models.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Controller, len(m.controllers))
	copy(out, m.controllers)
	return out, nil
}

func (m *Mock) ListDevices(_ context.Context, controllerMAC string, filter Filter) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Device
	for mac, a := range m.attachments[controllerMAC] {
		switch filter {
		case FilterPaired:
			if !a.paired {
				continue
			}
		case FilterConnected:
			if !a.connected {
				continue
			}
		}
		out = append(out, models.Device{MAC: mac, Name: m.names[mac]})
	}
	return out, nil
}

func (m *Mock) DeviceInfo(_ context.Context, mac string) (DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ctrl, devs := range m.attachments {
		if a, ok := devs[mac]; ok {
			_ = ctrl
			return DeviceInfo{MAC: mac, Name: m.names[mac], Paired: a.paired, Trusted: a.trusted, Connected: a.connected}, nil
		}
	}
	return DeviceInfo{}, &Error{Kind: KindNotFound, Op: "DeviceInfo", Err: fmt.Errorf("device %s not found", mac)}
}

func (m *Mock) Select(_ context.Context, _ string) error { return nil }
func (m *Mock) Scan(_ context.Context, _ string, _ bool) error { return nil }

func (m *Mock) Pair(_ context.Context, controllerMAC, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPair[mac] {
		return &Error{Kind: KindTransportErr, Op: "Pair", Err: fmt.Errorf("pairing rejected")}
	}
	m.ensure(controllerMAC, mac)
	if !m.NeverPairs[mac] {
		m.attachments[controllerMAC][mac].paired = true
	}
	return nil
}

func (m *Mock) Trust(_ context.Context, controllerMAC, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(controllerMAC, mac)
	m.attachments[controllerMAC][mac].trusted = true
	return nil
}

func (m *Mock) Connect(_ context.Context, controllerMAC, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailConnect[mac] {
		return &Error{Kind: KindTransportErr, Op: "Connect", Err: fmt.Errorf("connect rejected")}
	}
	m.ensure(controllerMAC, mac)
	m.attachments[controllerMAC][mac].connected = true
	return nil
}

func (m *Mock) Disconnect(_ context.Context, controllerMAC, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attachments[controllerMAC][mac]; ok {
		a.connected = false
	}
	return nil
}

func (m *Mock) Remove(_ context.Context, controllerMAC, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attachments[controllerMAC], mac)
	return nil
}

func (m *Mock) WaitForFlag(ctx context.Context, mac string, flag Flag, timeout time.Duration) (bool, error) {
	return waitForFlagPoll(ctx, timeout, func(ctx context.Context) (bool, error) {
		info, err := m.DeviceInfo(ctx, mac)
		if err != nil {
			return false, nil
		}
		switch flag {
		case FlagPaired:
			return info.Paired, nil
		case FlagTrusted:
			return info.Trusted, nil
		case FlagConnected:
			return info.Connected, nil
		}
		return false, nil
	})
}

var _ Adapter = (*Mock)(nil)
