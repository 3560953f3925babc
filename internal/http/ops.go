package http

import (
	"log/slog"
	"net/http"

	"github.com/bookline/concierge/internal/recovery"
	"github.com/bookline/concierge/internal/store"
)

// OpsHandler exposes operational endpoints: lock inspection, manual
// orphan sweeps and a liveness probe.
type OpsHandler struct {
	locks   store.LockStore
	sweeper *recovery.Sweeper
}

func NewOpsHandler(locks store.LockStore, sweeper *recovery.Sweeper) *OpsHandler {
	return &OpsHandler{locks: locks, sweeper: sweeper}
}

func (h *OpsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /ops/locks", h.handleLocks)
	mux.HandleFunc("POST /ops/sweep", h.handleSweep)
}

func (h *OpsHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *OpsHandler) handleLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.locks.List(r.Context())
	if err != nil {
		slog.Error("ops: failed to list locks", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list locks"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(locks),
		"locks": locks,
	})
}

func (h *OpsHandler) handleSweep(w http.ResponseWriter, r *http.Request) {
	recovered, err := h.sweeper.SweepOrphans(r.Context())
	if err != nil {
		slog.Error("ops: orphan sweep failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sweep failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recovered": len(recovered),
		"customers": recovered,
	})
}
