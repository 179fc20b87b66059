package audio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory Adapter for tests and -mock mode.
type Mock struct {
	mu           sync.Mutex
	nextID       int
	sinks        map[string]*SinkInfo
	modules      map[int]ModuleInfo
	volumes      map[string]int // sinkName -> last volume percentage set
	responsive   bool
	failLoopback int // number of upcoming LoadLoopback calls to fail before succeeding
}

// NewMock creates a Mock whose Ping succeeds immediately.
func NewMock() *Mock {
	return &Mock{
		nextID:     1,
		sinks:      make(map[string]*SinkInfo),
		modules:    make(map[int]ModuleInfo),
		volumes:    make(map[string]int),
		responsive: true,
	}
}

// SetResponsive controls what Ping/EnsureRunning report, simulating an
// unreachable audio server.
func (m *Mock) SetResponsive(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responsive = ok
}

// AddSink registers a sink as if the audio server had discovered a newly
// connected A2DP device.
func (m *Mock) AddSink(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[name] = &SinkInfo{Name: name, State: "SUSPENDED"}
}

// FailNextLoopbacks makes the next n loopback load attempts fail. Like
// PactlClient, each LoadLoopback call makes up to LoopbackMaxRetries
// attempts, so a call fails only once that many attempts have failed — used
// to test the audio-degraded-after-retries path.
func (m *Mock) FailNextLoopbacks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLoopback = n
}

func (m *Mock) LoadNullSink(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, mod := range m.modules {
		if mod.Name == "module-null-sink" && mod.ArgStr == "sink_name="+name {
			return id, nil
		}
	}
	id := m.nextID
	m.nextID++
	m.modules[id] = ModuleInfo{ID: id, Name: "module-null-sink", ArgStr: "sink_name=" + name}
	m.sinks[name] = &SinkInfo{Name: name, State: "RUNNING"}
	return id, nil
}

func (m *Mock) LoadLoopback(_ context.Context, sourceMonitor, sinkName string, latencyMs int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sinks[sinkName]; !ok {
		return 0, fmt.Errorf("loadLoopback: sink %s not present", sinkName)
	}
	for attempt := 1; attempt <= LoopbackMaxRetries && m.failLoopback > 0; attempt++ {
		m.failLoopback--
		if attempt == LoopbackMaxRetries {
			return 0, fmt.Errorf("loadLoopback: simulated failure after %d attempts", LoopbackMaxRetries)
		}
	}
	id := m.nextID
	m.nextID++
	m.modules[id] = ModuleInfo{
		ID:     id,
		Name:   "module-loopback",
		ArgStr: fmt.Sprintf("source=%s sink=%s latency_msec=%d", sourceMonitor, sinkName, latencyMs),
	}
	return id, nil
}

func (m *Mock) UnloadModule(_ context.Context, moduleID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.modules, moduleID)
	return nil
}

func (m *Mock) ListSinks(_ context.Context) ([]SinkInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SinkInfo
	for _, s := range m.sinks {
		out = append(out, *s)
	}
	return out, nil
}

func (m *Mock) ListModules(_ context.Context) ([]ModuleInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ModuleInfo
	for _, mod := range m.modules {
		out = append(out, mod)
	}
	return out, nil
}

func (m *Mock) SetSinkVolume(_ context.Context, name string, volumePct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[name] = volumePct
	return nil
}

// Volume returns the last volume percentage set for name, for test
// assertions; 0, false if never set.
func (m *Mock) Volume(name string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[name]
	return v, ok
}

func (m *Mock) UnsuspendSink(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sinks[name]; ok {
		s.State = "RUNNING"
	}
	return nil
}

func (m *Mock) UnloadAllMatching(ctx context.Context, predicate func(ModuleInfo) bool) error {
	m.mu.Lock()
	var toRemove []int
	for id, mod := range m.modules {
		if predicate(mod) {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.Unlock()
	for _, id := range toRemove {
		_ = m.UnloadModule(ctx, id)
	}
	return nil
}

func (m *Mock) Ping(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responsive
}

func (m *Mock) EnsureRunning(ctx context.Context, timeout time.Duration) error {
	if m.Ping(ctx) {
		return nil
	}
	return fmt.Errorf("audio server not responsive")
}

var _ Adapter = (*Mock)(nil)
