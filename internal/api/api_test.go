package api_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/speakerhub/orchestrator/internal/api"
	"github.com/speakerhub/orchestrator/internal/audio"
	"github.com/speakerhub/orchestrator/internal/bluetooth"
	"github.com/speakerhub/orchestrator/internal/config"
	"github.com/speakerhub/orchestrator/internal/events"
	"github.com/speakerhub/orchestrator/internal/executor"
	"github.com/speakerhub/orchestrator/internal/models"
	"github.com/speakerhub/orchestrator/internal/orchestrator"
)

// newTestServer spins up a full router with mock Bluetooth/audio adapters,
// returning the event bus too so tests can assert on published Results.
func newTestServer(t *testing.T) (*httptest.Server, *events.Bus) {
	t.Helper()

	bt := bluetooth.NewMock(
		models.Controller{MAC: "R0", Role: models.RoleReservedBLE},
		models.Controller{MAC: "R1", Role: models.RoleAudio},
	)
	aud := audio.NewMock()
	aud.AddSink(audio.SinkNameForMAC("A"))
	cfgStore := config.NewMemStore(config.Settings{ReservedController: "R0", DefaultLatencyMs: 100})

	settings := executor.DefaultSettings()
	settings.DisconnectSettle, settings.ScanSettleShort = 0, 0
	settings.PairScanWait, settings.PostConnectWait = 0, 0

	facade := orchestrator.New(bt, aud, settings, cfgStore)
	bus := events.NewBus()

	router := api.NewRouter(facade, bus)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, bus
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestApplyThenState(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/api/apply", `{"speakers":[{"mac":"A","name":"Kitchen"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp2 := do(t, srv, http.MethodGet, "/api/state", "")
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}
}

func TestApplyRejectsEmptySpeakers(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/api/apply", `{"speakers":[]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// A successful apply must publish its Result to subscribers, not just leave
// them hanging on the initial state snapshot.
func TestApplyPublishesResultToSubscribers(t *testing.T) {
	srv, bus := newTestServer(t)
	ch := bus.Subscribe("sub1")
	defer bus.Unsubscribe("sub1")

	resp := do(t, srv, http.MethodPost, "/api/apply", `{"speakers":[{"mac":"A","name":"Kitchen"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	select {
	case result := <-ch:
		if result.Entries["A"].Status != models.StatusConnected {
			t.Fatalf("expected published result to show A connected, got %+v", result.Entries["A"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for apply to publish a Result")
	}
}

func TestSetVolumeAndSetLatencyEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/api/apply", `{"speakers":[{"mac":"A","name":"Kitchen"}]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from apply, got %d", resp.StatusCode)
	}

	volResp := do(t, srv, http.MethodPost, "/api/volume", `{"mac":"A","volume":60}`)
	defer volResp.Body.Close()
	if volResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from set volume, got %d", volResp.StatusCode)
	}

	latResp := do(t, srv, http.MethodPost, "/api/latency", `{"mac":"A","latencyMs":200}`)
	defer latResp.Body.Close()
	if latResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from set latency, got %d", latResp.StatusCode)
	}
}
