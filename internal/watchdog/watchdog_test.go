package watchdog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/speakerhub/orchestrator/internal/models"
	"github.com/speakerhub/orchestrator/internal/watchdog"
)

type fakeApplier struct {
	mu       sync.Mutex
	cfg      models.Configuration
	hasCfg   bool
	applyCnt int
}

func (f *fakeApplier) ApplyConfiguration(_ context.Context, cfg models.Configuration) (*models.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCnt++
	return &models.Result{ConfigID: cfg.ConfigID, Entries: map[string]models.ResultEntry{}}, nil
}

func (f *fakeApplier) LastConfiguration() (models.Configuration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg, f.hasCfg
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyCnt
}

func TestWatchdogSkipsReconcileWithNoLastConfiguration(t *testing.T) {
	applier := &fakeApplier{}
	// cron rounds @every delays below one second up to one second, so the
	// job fires at most once a second; wait long enough for it to fire.
	w, err := watchdog.New(applier, "@every 1s")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop(context.Background())

	time.Sleep(1500 * time.Millisecond)
	if applier.count() != 0 {
		t.Fatalf("expected no reconcile calls without a last configuration, got %d", applier.count())
	}
}

func TestWatchdogReconcilesLastConfiguration(t *testing.T) {
	applier := &fakeApplier{
		cfg:    models.Configuration{ConfigID: "cfg-1", Targets: []models.Target{{MAC: "A"}}},
		hasCfg: true,
	}
	w, err := watchdog.New(applier, "@every 1s")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop(context.Background())

	time.Sleep(1500 * time.Millisecond)
	if applier.count() == 0 {
		t.Fatal("expected at least one reconcile call")
	}
}
