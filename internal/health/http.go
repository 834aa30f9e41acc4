package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Handler serves the probe endpoints. /healthz returns the full snapshot,
// /healthz/ready and /healthz/live are the load-balancer probes.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /healthz/ready", h.handleReady)
	mux.HandleFunc("GET /healthz/live", h.handleLive)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.manager.Snapshot(r.Context())

	status := http.StatusOK
	if snap.Status == StatusUnhealthy || snap.Status == StatusUnknown {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, snap)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := h.manager.Ready(r.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]any{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	live := h.manager.Live(r.Context())
	status := http.StatusOK
	if !live {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]any{
		"live":      live,
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode health response", zap.Error(err))
	}
}
