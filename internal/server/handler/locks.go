package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// LockStats is the capability LocksHandler needs from the URL Lock Service.
type LockStats interface {
	Stats(ctx context.Context) (map[string]int, error)
}

// LocksHandler exposes GET /internal/locks/stats, the Go equivalent of
// url_lock_service.get_processing_stats, for operators watching lock
// contention during a scan.
type LocksHandler struct {
	locks  LockStats
	logger *slog.Logger
}

func NewLocksHandler(locks LockStats, logger *slog.Logger) *LocksHandler {
	return &LocksHandler{locks: locks, logger: logger}
}

func (h *LocksHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.locks.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to load lock stats", "error", err)
		http.Error(w, "failed to load lock stats", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
