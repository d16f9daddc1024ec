// Package handler implements the HTTP handlers behind internal/server's
// router: the operational surface for triggering scans without going
// through a message producer, and for inspecting lock state.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/sevigo/docbias-scanner/internal/core"
	"github.com/sevigo/docbias-scanner/internal/orchestrator"
	"github.com/sevigo/docbias-scanner/internal/queue"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// Publisher is the narrow queue capability ScansHandler needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// ScansHandler exposes POST /internal/scans: create a Scan row and publish
// its scan_tasks trigger directly, for local testing and manual re-runs
// without standing up an external producer.
type ScansHandler struct {
	store  storage.Store
	pub    Publisher
	logger *slog.Logger
}

func NewScansHandler(store storage.Store, pub Publisher, logger *slog.Logger) *ScansHandler {
	return &ScansHandler{store: store, pub: pub, logger: logger}
}

type triggerScanRequest struct {
	URL         string `json:"url"`
	ForceRescan bool   `json:"force_rescan"`
	Source      string `json:"source"`
}

func (h *ScansHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "github"
	}

	scan := &core.Scan{URL: req.URL, Status: core.ScanInProgress, StartedAt: time.Now().UTC()}
	if err := h.store.CreateScan(r.Context(), scan); err != nil {
		h.logger.Error("failed to create scan", "url", req.URL, "error", err)
		http.Error(w, "failed to create scan", http.StatusInternalServerError)
		return
	}

	msg := orchestrator.ScanTaskMessage{URL: req.URL, ScanID: scan.ID, Source: req.Source, ForceRescan: req.ForceRescan}
	if err := h.pub.Publish(r.Context(), queue.ScanTasksQueue, msg); err != nil {
		h.logger.Error("failed to enqueue scan task", "scan_id", scan.ID, "error", err)
		http.Error(w, "failed to enqueue scan task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(scan)
}
