package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PactlClient drives the audio daemon's control plane via the `pactl`
// binary, using the same short-lived-subprocess idiom as the streams
// package's other audio helper binaries (findBinary + exec.Command, no
// interactive session kept open).
type PactlClient struct {
	binary string
}

// NewPactlClient resolves the pactl binary the same way findBinary does:
// PATH first, falling back to the bare name so exec surfaces a clear error.
func NewPactlClient() *PactlClient {
	bin := "pactl"
	if p, err := exec.LookPath("pactl"); err == nil {
		bin = p
	}
	return &PactlClient{binary: bin}
}

func (c *PactlClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}

// LoadNullSink loads module-null-sink under the given name, idempotent via
// ListModules.
func (c *PactlClient) LoadNullSink(ctx context.Context, name string) (int, error) {
	modules, err := c.ListModules(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range modules {
		if m.Name == "module-null-sink" && strings.Contains(m.ArgStr, "sink_name="+name) {
			return m.ID, nil
		}
	}
	out, err := c.run(ctx, "load-module", "module-null-sink", "sink_name="+name)
	if err != nil {
		return 0, fmt.Errorf("load-module module-null-sink: %w: %s", err, out)
	}
	id, perr := strconv.Atoi(out)
	if perr != nil {
		return 0, fmt.Errorf("load-module module-null-sink: non-numeric result %q", out)
	}
	return id, nil
}

// LoadLoopback loads module-loopback with up to LoopbackMaxRetries attempts,
// LoopbackRetryDelay apart.
func (c *PactlClient) LoadLoopback(ctx context.Context, sourceMonitor, sinkName string, latencyMs int) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= LoopbackMaxRetries; attempt++ {
		out, err := c.run(ctx, "load-module", "module-loopback",
			"source="+sourceMonitor,
			"sink="+sinkName,
			"latency_msec="+strconv.Itoa(latencyMs),
		)
		if err == nil {
			if id, perr := strconv.Atoi(out); perr == nil {
				return id, nil
			}
			lastErr = fmt.Errorf("non-numeric result %q", out)
		} else {
			lastErr = fmt.Errorf("%w: %s", err, out)
		}
		slog.Warn("audio: loadLoopback attempt failed", "attempt", attempt, "sink", sinkName, "err", lastErr)
		if attempt < LoopbackMaxRetries {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(LoopbackRetryDelay):
			}
		}
	}
	return 0, fmt.Errorf("loadLoopback: exhausted %d attempts: %w", LoopbackMaxRetries, lastErr)
}

// UnloadModule unloads a module by id.
func (c *PactlClient) UnloadModule(ctx context.Context, moduleID int) error {
	out, err := c.run(ctx, "unload-module", strconv.Itoa(moduleID))
	if err != nil {
		return fmt.Errorf("unload-module %d: %w: %s", moduleID, err, out)
	}
	return nil
}

// ListSinks parses `pactl list short sinks`:
// <id>\t<name>\t<driver>\t<format>\t<state>
func (c *PactlClient) ListSinks(ctx context.Context) ([]SinkInfo, error) {
	out, err := c.run(ctx, "list", "short", "sinks")
	if err != nil {
		return nil, fmt.Errorf("list short sinks: %w: %s", err, out)
	}
	var sinks []SinkInfo
	for _, line := range splitNonEmptyLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		sinks = append(sinks, SinkInfo{Name: fields[1], State: fields[4]})
	}
	return sinks, nil
}

// ListModules parses `pactl list short modules`: <id>\t<name>\t<argument-string>
func (c *PactlClient) ListModules(ctx context.Context) ([]ModuleInfo, error) {
	out, err := c.run(ctx, "list", "short", "modules")
	if err != nil {
		return nil, fmt.Errorf("list short modules: %w: %s", err, out)
	}
	var modules []ModuleInfo
	for _, line := range splitNonEmptyLines(out) {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		argStr := ""
		if len(fields) == 3 {
			argStr = fields[2]
		}
		modules = append(modules, ModuleInfo{ID: id, Name: fields[1], ArgStr: argStr})
	}
	return modules, nil
}

// SetSinkVolume sets name's volume to volumePct (0-100) via `pactl
// set-sink-volume`, a direct property set with no module reload.
func (c *PactlClient) SetSinkVolume(ctx context.Context, name string, volumePct int) error {
	if volumePct < 0 {
		volumePct = 0
	}
	if volumePct > 100 {
		volumePct = 100
	}
	out, err := c.run(ctx, "set-sink-volume", name, strconv.Itoa(volumePct)+"%")
	if err != nil {
		return fmt.Errorf("set-sink-volume %s %d%%: %w: %s", name, volumePct, err, out)
	}
	return nil
}

// UnsuspendSink resumes a suspended sink.
func (c *PactlClient) UnsuspendSink(ctx context.Context, name string) error {
	out, err := c.run(ctx, "suspend-sink", name, "0")
	if err != nil {
		return fmt.Errorf("suspend-sink %s 0: %w: %s", name, err, out)
	}
	return nil
}

// UnloadAllMatching unloads every module for which predicate returns true.
func (c *PactlClient) UnloadAllMatching(ctx context.Context, predicate func(ModuleInfo) bool) error {
	modules, err := c.ListModules(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, m := range modules {
		if !predicate(m) {
			continue
		}
		if err := c.UnloadModule(ctx, m.ID); err != nil {
			slog.Warn("audio: unload matching module failed", "id", m.ID, "name", m.Name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// pingTimeout bounds a single Ping so a hung pactl cannot stall EnsureRunning.
const pingTimeout = 2 * time.Second

// Ping returns true iff `pactl info` succeeds within pingTimeout (or before
// the call's context ends, if that is sooner).
func (c *PactlClient) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	_, err := c.run(ctx, "info")
	return err == nil
}

// EnsureRunning polls Ping every 2s until it succeeds or timeout expires.
func (c *PactlClient) EnsureRunning(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultEnsureRunningTimeout
	}
	deadline := time.Now().Add(timeout)
	if c.Ping(ctx) {
		return nil
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.Ping(ctx) {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("audio server not responsive after %s", timeout)
			}
		}
	}
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

var _ Adapter = (*PactlClient)(nil)
