// Package api implements the local HTTP debug/operational surface for the
// connection orchestrator. The phone-facing contract is BLE, driven by a
// separate control channel; this surface exists for local diagnostics and
// manual testing only.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/speakerhub/orchestrator/internal/models"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctrl   Controller
	events EventBus
}

// Controller is the interface the handlers use to reach the orchestrator.
type Controller interface {
	ApplyConfiguration(ctx context.Context, cfg models.Configuration) (*models.Result, error)
	DisconnectConfiguration(ctx context.Context, cfg models.Configuration) error
	SetVolume(ctx context.Context, mac string, volumePct int) error
	SetLatency(ctx context.Context, mac string, latencyMs int) error
	State() models.Result
}

// EventBus is the interface for publishing and subscribing to Result updates.
type EventBus interface {
	Publish(result models.Result)
	Subscribe(id string) <-chan models.Result
	Unsubscribe(id string)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if appErr, ok := err.(*models.AppError); ok {
		w.WriteHeader(appErr.Status)
		_ = json.NewEncoder(w).Encode(appErr)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(models.ErrFatal(err.Error()))
}

func decodeConfiguration(r *http.Request) (models.Configuration, error) {
	var cfg models.Configuration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		return models.Configuration{}, models.ErrConfig("invalid configuration payload: " + err.Error())
	}
	return cfg, nil
}

// speakerSetting is the body of the volume/latency poke endpoints.
type speakerSetting struct {
	MAC       string `json:"mac"`
	Volume    *int   `json:"volume,omitempty"`
	LatencyMs *int   `json:"latencyMs,omitempty"`
}

func decodeSpeakerSetting(r *http.Request) (speakerSetting, error) {
	var s speakerSetting
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		return speakerSetting{}, models.ErrConfig("invalid speaker setting payload: " + err.Error())
	}
	if s.MAC == "" {
		return speakerSetting{}, models.ErrConfig("speaker setting requires a mac")
	}
	return s, nil
}
