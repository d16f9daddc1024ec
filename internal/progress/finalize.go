package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sevigo/docbias-scanner/internal/core"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// Finalizer checks whether a scan has finished and, if so, computes its
// final counters and rolls the day's bias snapshots forward. It is the Go
// equivalent of ScanCompletionService, invoked after every document worker
// finishes a page rather than on a polling timer.
type Finalizer struct {
	store storage.Store
	log   *slog.Logger
}

func NewFinalizer(store storage.Store, log *slog.Logger) *Finalizer {
	return &Finalizer{store: store, log: log}
}

// CheckAndFinalize finalizes scanID if every discovered file has been
// processed and no page is still waiting on LLM scoring, mirroring
// check_and_finalize's two-condition gate exactly.
func (f *Finalizer) CheckAndFinalize(ctx context.Context, scanID int64) (bool, error) {
	scan, err := f.store.GetScan(ctx, scanID)
	if err != nil {
		return false, fmt.Errorf("check and finalize: %w", err)
	}
	if scan.Status == core.ScanCompleted {
		return false, nil
	}
	if scan.TotalFilesQueued == 0 || scan.TotalFilesCompleted < scan.TotalFilesQueued {
		return false, nil
	}

	pending, err := f.store.CountPendingLLM(ctx, scanID)
	if err != nil {
		return false, fmt.Errorf("check and finalize: %w", err)
	}
	if pending > 0 {
		f.log.Debug("scan still has pages pending llm scoring", "scan_id", scanID, "pending", pending)
		return false, nil
	}

	return true, f.finalize(ctx, scan)
}

func (f *Finalizer) finalize(ctx context.Context, scan *core.Scan) error {
	biased, flagged, err := f.store.FinalizationCounters(ctx, scan.ID)
	if err != nil {
		return fmt.Errorf("finalize scan %d: %w", scan.ID, err)
	}

	now := time.Now().UTC()
	scan.Status = core.ScanCompleted
	scan.FinishedAt = &now
	scan.BiasedPagesCount = biased
	scan.FlaggedSnippetsCount = flagged
	if scan.WorkingCommitSHA != "" {
		scan.LastCommitSHA = scan.WorkingCommitSHA
	}

	if err := f.store.UpdateScan(ctx, scan); err != nil {
		return fmt.Errorf("finalize scan %d: %w", scan.ID, err)
	}
	f.log.Info("scan finalized", "scan_id", scan.ID, "biased_pages", biased, "flagged_snippets", flagged)

	overall, docsets, err := NewSnapshotService(f.store).CalculateAndSaveToday(ctx)
	if err != nil {
		f.log.Error("failed to update bias snapshots after scan completion", "scan_id", scan.ID, "error", err)
		return nil
	}
	if overall != nil {
		f.log.Info("updated bias snapshot", "bias_percentage", overall.BiasPercentage,
			"biased_pages", overall.BiasedPages, "total_pages", overall.TotalPages, "docsets", len(docsets))
	} else {
		f.log.Warn("no data available to compute bias snapshot after scan completion", "scan_id", scan.ID)
	}
	return nil
}
