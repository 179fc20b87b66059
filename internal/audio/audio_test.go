package audio_test

import (
	"context"
	"testing"

	"github.com/speakerhub/orchestrator/internal/audio"
)

func TestSinkNameForMAC(t *testing.T) {
	got := audio.SinkNameForMAC("AA:BB:CC:DD:EE:FF")
	want := "bluez_sink.AA_BB_CC_DD_EE_FF.a2dp_sink"
	if got != want {
		t.Fatalf("SinkNameForMAC = %q, want %q", got, want)
	}
}

func TestMockLoadLoopbackRequiresSinkPresent(t *testing.T) {
	m := audio.NewMock()
	ctx := context.Background()

	if _, err := m.LoadLoopback(ctx, "virtual_out.monitor", "bluez_sink.AA.a2dp_sink", 100); err == nil {
		t.Fatal("expected error when loopback target sink has not been observed yet")
	}

	m.AddSink("bluez_sink.AA.a2dp_sink")
	id, err := m.LoadLoopback(ctx, "virtual_out.monitor", "bluez_sink.AA.a2dp_sink", 100)
	if err != nil {
		t.Fatalf("LoadLoopback: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero module id")
	}
}

func TestMockLoadLoopbackExhaustsRetries(t *testing.T) {
	m := audio.NewMock()
	ctx := context.Background()
	m.AddSink("bluez_sink.AA.a2dp_sink")
	m.FailNextLoopbacks(audio.LoopbackMaxRetries)

	if _, err := m.LoadLoopback(ctx, "virtual_out.monitor", "bluez_sink.AA.a2dp_sink", 100); err == nil {
		t.Fatal("expected failure after exhausting simulated retries")
	}
}

func TestMockLoadNullSinkIdempotent(t *testing.T) {
	m := audio.NewMock()
	ctx := context.Background()

	id1, err := m.LoadNullSink(ctx, audio.NullSinkName)
	if err != nil {
		t.Fatalf("LoadNullSink: %v", err)
	}
	id2, err := m.LoadNullSink(ctx, audio.NullSinkName)
	if err != nil {
		t.Fatalf("LoadNullSink (again): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected idempotent module id, got %d then %d", id1, id2)
	}
}

func TestMockUnloadAllMatching(t *testing.T) {
	m := audio.NewMock()
	ctx := context.Background()
	if _, err := m.LoadNullSink(ctx, audio.NullSinkName); err != nil {
		t.Fatalf("LoadNullSink: %v", err)
	}

	if err := m.UnloadAllMatching(ctx, func(mod audio.ModuleInfo) bool {
		return mod.Name == "module-null-sink"
	}); err != nil {
		t.Fatalf("UnloadAllMatching: %v", err)
	}

	modules, err := m.ListModules(ctx)
	if err != nil {
		t.Fatalf("ListModules: %v", err)
	}
	if len(modules) != 0 {
		t.Fatalf("expected no modules remaining, got %d", len(modules))
	}
}
