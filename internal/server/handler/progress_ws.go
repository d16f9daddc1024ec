package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// WSHub is the capability ProgressWSHandler needs from internal/progress.Hub.
type WSHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, scanID int64) error
}

// ProgressWSHandler upgrades GET /ws/scans/{id} to a websocket that streams
// that scan's progress broadcasts until the client disconnects.
type ProgressWSHandler struct {
	hub    WSHub
	logger *slog.Logger
}

func NewProgressWSHandler(hub WSHub, logger *slog.Logger) *ProgressWSHandler {
	return &ProgressWSHandler{hub: hub, logger: logger}
}

func (h *ProgressWSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	scanID, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		http.Error(w, "invalid scan id", http.StatusBadRequest)
		return
	}
	if err := h.hub.ServeWS(w, r, scanID); err != nil {
		h.logger.Warn("websocket session ended with error", "scan_id", scanID, "error", err)
	}
}
