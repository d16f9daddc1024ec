// Package orchestrator implements the scan_tasks consumer: the component
// that turns one trigger message into a running scan by invoking the
// Discovery Engine and recording how many files it queued.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sevigo/docbias-scanner/internal/core"
	"github.com/sevigo/docbias-scanner/internal/discovery"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// ScanTaskMessage is the payload carried on the scan_tasks queue, per spec
// §6: a trigger naming the repository and whether to ignore the baseline.
type ScanTaskMessage struct {
	URL         string `json:"url"`
	ScanID      int64  `json:"scan_id"`
	Source      string `json:"source"`
	ForceRescan bool   `json:"force_rescan"`
}

const discoveryPhase = "discovery"

// Orchestrator consumes scan_tasks and runs one repository's discovery
// pass, handing everything downstream (per-file work) off to the queues
// the Discovery Engine itself publishes to.
type Orchestrator struct {
	store    storage.Store
	engine   *discovery.Engine
	reporter core.ProgressReporter
	logger   *slog.Logger
}

func NewOrchestrator(store storage.Store, engine *discovery.Engine, reporter core.ProgressReporter, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{store: store, engine: engine, reporter: reporter, logger: logger}
}

// Handle runs one scan_tasks delivery to completion. It never returns an
// error for domain-level outcomes (no-op repos, discovery failures) —
// those are recorded on the Scan itself; a returned error means the
// message should be retried by the queue fabric.
func (o *Orchestrator) Handle(ctx context.Context, body []byte) error {
	var msg ScanTaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("unmarshal scan task: %w", err)
	}

	scan, err := o.store.GetScan(ctx, msg.ScanID)
	if err != nil {
		return fmt.Errorf("load scan %d: %w", msg.ScanID, err)
	}
	if scan.IsCancelled() {
		o.logger.Info("scan cancelled before discovery started", "scan_id", msg.ScanID)
		return nil
	}

	if err := o.reporter.StartPhase(ctx, msg.ScanID, discoveryPhase, map[string]any{"url": msg.URL, "force_rescan": msg.ForceRescan}); err != nil {
		return fmt.Errorf("start discovery phase: %w", err)
	}

	queued, err := o.engine.Discover(ctx, msg.URL, msg.ScanID, msg.ForceRescan)
	if err != nil {
		o.logger.Error("discovery failed", "scan_id", msg.ScanID, "url", msg.URL, "error", err)
		_ = o.reporter.ReportError(ctx, msg.ScanID, err.Error(), map[string]any{"phase": discoveryPhase})
		return o.closeWithStatus(ctx, msg.ScanID, core.ScanError)
	}

	if queued == 0 {
		return o.handleNoFilesDiscovered(ctx, msg)
	}

	scan, err = o.store.GetScan(ctx, msg.ScanID)
	if err != nil {
		return fmt.Errorf("reload scan %d: %w", msg.ScanID, err)
	}
	scan.TotalFilesQueued = queued
	if err := o.store.UpdateScan(ctx, scan); err != nil {
		return fmt.Errorf("record files queued for scan %d: %w", msg.ScanID, err)
	}
	if err := o.reporter.CompletePhase(ctx, msg.ScanID, discoveryPhase, map[string]any{"files_queued": queued}); err != nil {
		o.logger.Warn("failed to record discovery completion", "scan_id", msg.ScanID, "error", err)
	}

	o.logger.Info("discovery complete, files queued for processing", "scan_id", msg.ScanID, "queued", queued)
	return nil
}

// handleNoFilesDiscovered implements the two boundary behaviors spec §8
// requires when HEAD already matches the baseline: a routine rescan closes
// quietly as a no-op, but a forced rescan that still finds nothing is
// treated as a discovery failure.
func (o *Orchestrator) handleNoFilesDiscovered(ctx context.Context, msg ScanTaskMessage) error {
	if msg.ForceRescan {
		o.logger.Warn("forced rescan discovered no files", "scan_id", msg.ScanID, "url", msg.URL)
		_ = o.reporter.ReportError(ctx, msg.ScanID, "No files discovered", map[string]any{"phase": discoveryPhase, "force_rescan": true})
		return o.closeWithStatus(ctx, msg.ScanID, core.ScanError)
	}

	if err := o.reporter.CompletePhase(ctx, msg.ScanID, discoveryPhase, map[string]any{"reason": "no_changes_detected", "files_queued": 0}); err != nil {
		o.logger.Warn("failed to record no-op discovery completion", "scan_id", msg.ScanID, "error", err)
	}
	o.logger.Info("repository unchanged since baseline, closing scan", "scan_id", msg.ScanID)
	return o.closeWithStatus(ctx, msg.ScanID, core.ScanCompleted)
}

// closeWithStatus finalizes a scan outside the normal per-file
// CheckAndFinalize path, for the two terminal outcomes (no_changes_detected,
// discovery error) that never queue a single file and so never satisfy the
// finalization predicate's total_files_queued > 0 gate.
func (o *Orchestrator) closeWithStatus(ctx context.Context, scanID int64, status core.ScanStatus) error {
	scan, err := o.store.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("reload scan %d: %w", scanID, err)
	}
	now := time.Now().UTC()
	scan.Status = status
	scan.FinishedAt = &now
	if err := o.store.UpdateScan(ctx, scan); err != nil {
		return fmt.Errorf("close scan %d as %s: %w", scanID, status, err)
	}
	return nil
}
