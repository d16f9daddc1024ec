package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sevigo/docbias-scanner/internal/core"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// discoveryPhases are the phases during which a growing items_total is
// always trusted, matching update_phase_progress's special-cased phase list
// for the Discovery Engine (which only ever learns about more pages, never
// fewer, as it walks the tree).
var discoveryPhases = map[string]bool{
	"crawling":        true,
	"discovery":       true,
	"discovering":     true,
	"file_discovery":  true,
}

// Tracker implements core.ProgressReporter against Store-persisted Scan
// rows, mirroring ProgressTracker's database-only phase bookkeeping. phase
// start times live in memory only (per-process, per scan+phase), exactly
// like ProgressTracker.phase_start_times — an ETA reset on process restart
// is an accepted trade-off the original makes too.
type Tracker struct {
	store   storage.Store
	hub     *Hub
	metrics *Metrics
	log     *slog.Logger

	mu         sync.Mutex
	phaseStart map[int64]map[string]time.Time
}

func NewTracker(store storage.Store, hub *Hub, metrics *Metrics, log *slog.Logger) *Tracker {
	return &Tracker{
		store:      store,
		hub:        hub,
		metrics:    metrics,
		log:        log,
		phaseStart: make(map[int64]map[string]time.Time),
	}
}

func (t *Tracker) StartPhase(ctx context.Context, scanID int64, phase string, details map[string]any) error {
	t.log.Info("starting phase", "scan_id", scanID, "phase", phase)

	scan, err := t.store.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("start phase: %w", err)
	}

	now := time.Now().UTC()
	if scan.PhaseTimestamps == nil {
		scan.PhaseTimestamps = map[string]core.PhaseTimestamps{}
	}
	if scan.PhaseProgress == nil {
		scan.PhaseProgress = map[string]core.PhaseProgress{}
	}
	scan.CurrentPhase = phase
	scan.PhaseTimestamps[phase] = core.PhaseTimestamps{Started: now}
	scan.PhaseProgress[phase] = core.PhaseProgress{Started: true, Details: details}

	t.mu.Lock()
	if t.phaseStart[scanID] == nil {
		t.phaseStart[scanID] = map[string]time.Time{}
	}
	t.phaseStart[scanID][phase] = now
	t.mu.Unlock()

	if err := t.store.UpdateScan(ctx, scan); err != nil {
		return fmt.Errorf("start phase: %w", err)
	}
	t.broadcast(scan)
	return nil
}

func (t *Tracker) UpdatePhaseProgress(ctx context.Context, scanID int64, itemsProcessed int, itemsTotal *int, currentItem string, details map[string]any) error {
	scan, err := t.store.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("update phase progress: %w", err)
	}
	phase := scan.CurrentPhase
	if phase == "" {
		return nil
	}

	progress, ok := scan.PhaseProgress[phase]
	if !ok {
		progress = core.PhaseProgress{}
	}
	progress.ItemsProcessed = itemsProcessed

	if itemsTotal != nil {
		progress.ItemsTotal = *itemsTotal
		if scan.TotalPagesFound == 0 || *itemsTotal > scan.TotalPagesFound || discoveryPhases[phase] {
			scan.TotalPagesFound = *itemsTotal
		}
	}
	if progress.ItemsTotal > 0 {
		progress.ProgressPercentage = float64(itemsProcessed) / float64(progress.ItemsTotal) * 100
	}
	if currentItem != "" {
		progress.CurrentItem = currentItem
		scan.CurrentPageURL = currentItem
	}
	if len(details) > 0 {
		if progress.Details == nil {
			progress.Details = map[string]any{}
		}
		for k, v := range details {
			progress.Details[k] = v
		}
	}
	if scan.PhaseProgress == nil {
		scan.PhaseProgress = map[string]core.PhaseProgress{}
	}
	scan.PhaseProgress[phase] = progress
	scan.PagesProcessed = itemsProcessed

	t.updateETA(scan, phase, itemsProcessed, progress.ItemsTotal)

	if err := t.store.UpdateScan(ctx, scan); err != nil {
		return fmt.Errorf("update phase progress: %w", err)
	}
	t.broadcast(scan)
	return nil
}

func (t *Tracker) CompletePhase(ctx context.Context, scanID int64, phase string, summary map[string]any) error {
	t.log.Info("completing phase", "scan_id", scanID, "phase", phase)

	scan, err := t.store.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("complete phase: %w", err)
	}

	now := time.Now().UTC()
	if ts, ok := scan.PhaseTimestamps[phase]; ok {
		ts.Finished = &now
		scan.PhaseTimestamps[phase] = ts
		t.metrics.ObservePhaseDuration(scanID, phase, now.Sub(ts.Started).Seconds())
	}
	if p, ok := scan.PhaseProgress[phase]; ok {
		p.Completed = true
		p.ProgressPercentage = 100
		if summary != nil {
			p.Summary = summary
		}
		scan.PhaseProgress[phase] = p
	}

	if err := t.store.UpdateScan(ctx, scan); err != nil {
		return fmt.Errorf("complete phase: %w", err)
	}
	t.broadcast(scan)
	return nil
}

func (t *Tracker) ReportError(ctx context.Context, scanID int64, message string, details map[string]any) error {
	t.log.Error("scan error", "scan_id", scanID, "error", message)

	scan, err := t.store.GetScan(ctx, scanID)
	if err != nil {
		return fmt.Errorf("report error: %w", err)
	}
	scan.ErrorLog = append(scan.ErrorLog, core.ErrorLogEntry{
		Timestamp:   time.Now().UTC(),
		Message:     message,
		Phase:       scan.CurrentPhase,
		CurrentItem: scan.CurrentPageURL,
		Details:     details,
	})
	if err := t.store.UpdateScan(ctx, scan); err != nil {
		return fmt.Errorf("report error: %w", err)
	}
	t.broadcast(scan)
	return nil
}

// updateETA extrapolates a completion time from the phase's processing rate
// so far, the Go equivalent of ProgressTracker._update_eta.
func (t *Tracker) updateETA(scan *core.Scan, phase string, itemsProcessed, itemsTotal int) {
	if itemsTotal == 0 || itemsProcessed == 0 {
		return
	}

	t.mu.Lock()
	start, ok := t.phaseStart[scan.ID][phase]
	t.mu.Unlock()
	if !ok {
		return
	}

	elapsed := time.Since(start)
	if elapsed <= 0 {
		return
	}
	rate := float64(itemsProcessed) / elapsed.Seconds()
	if rate <= 0 {
		return
	}

	remaining := itemsTotal - itemsProcessed
	remainingSeconds := float64(remaining) / rate
	eta := time.Now().UTC().Add(time.Duration(remainingSeconds * float64(time.Second)))
	scan.EstimatedCompletion = &eta

	if scan.PerformanceMetrics == nil {
		scan.PerformanceMetrics = map[string]core.PerformanceMetrics{}
	}
	scan.PerformanceMetrics[phase] = core.PerformanceMetrics{
		ProcessingRate: rate,
		ElapsedSeconds: elapsed.Seconds(),
		ItemsPerSecond: rate,
	}
}

func (t *Tracker) broadcast(scan *core.Scan) {
	if t.hub == nil {
		return
	}
	t.hub.Broadcast(scan.ID, scan)
}
