package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dahshury/WinSTT/internal/capture"
	"github.com/dahshury/WinSTT/internal/coordinator"
	"github.com/dahshury/WinSTT/internal/engine"
	"github.com/dahshury/WinSTT/internal/session"
)

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := capture.Devices()
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err)
		return
	}
	r.writeJSON(w, map[string]any{"devices": devices})
}

func (r *Runtime) handleModels(w http.ResponseWriter, req *http.Request) {
	models, err := r.store.Cached(req.Context())
	if err != nil {
		r.writeError(w, http.StatusInternalServerError, err)
		return
	}
	r.writeJSON(w, map[string]any{
		"format": r.store.Format(),
		"models": models,
	})
}

type statusResponse struct {
	Model   string            `json:"model"`
	Engine  engine.StatusInfo `json:"engine"`
	Session session.Snapshot  `json:"session"`
	Queue   coordinator.Stats `json:"queue"`
	Bus     bool              `json:"bus_connected"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, statusResponse{
		Model:   r.descriptor.Key(),
		Engine:  r.engine.Status(),
		Session: r.controller.Snapshot(),
		Queue:   r.coord.Stats(),
		Bus:     r.busClient.Healthy(),
	})
}

func (r *Runtime) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func (r *Runtime) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
