package api

import (
	"net/http"

	"github.com/speakerhub/orchestrator/internal/models"
)

func (h *Handlers) applyConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfiguration(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.ctrl.ApplyConfiguration(r.Context(), cfg)
	if err != nil && result == nil {
		writeError(w, err)
		return
	}
	if result != nil {
		h.events.Publish(*result)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) disconnectConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfiguration(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.ctrl.DisconnectConfiguration(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	h.events.Publish(h.ctrl.State())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) setVolume(w http.ResponseWriter, r *http.Request) {
	s, err := decodeSpeakerSetting(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.Volume == nil {
		writeError(w, models.ErrConfig("volume setting requires a volume"))
		return
	}
	if err := h.ctrl.SetVolume(r.Context(), s.MAC, *s.Volume); err != nil {
		writeError(w, err)
		return
	}
	h.events.Publish(h.ctrl.State())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) setLatency(w http.ResponseWriter, r *http.Request) {
	s, err := decodeSpeakerSetting(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.LatencyMs == nil {
		writeError(w, models.ErrConfig("latency setting requires a latencyMs"))
		return
	}
	if err := h.ctrl.SetLatency(r.Context(), s.MAC, *s.LatencyMs); err != nil {
		writeError(w, err)
		return
	}
	h.events.Publish(h.ctrl.State())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.State())
}
