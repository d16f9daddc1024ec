package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sevigo/docbias-scanner/internal/core"
	"github.com/sevigo/docbias-scanner/internal/history"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// completeBaselineMaxAge is the freshness window within which a prior
// completed scan's HEAD commit is trusted as an incremental-diff baseline.
const completeBaselineMaxAge = 7 * 24 * time.Hour

// partialBaselineLookback bounds how far back file_processing_history is
// mined to reconstruct a recovery baseline.
const partialBaselineLookback = 30 * 24 * time.Hour

// partialBaselineCorpusSize approximates this corpus's total markdown file
// count, used only to turn a raw processed-file count into a coverage ratio.
const partialBaselineCorpusSize = 13500

// partialBaselineMinCoverage is the minimum coverage ratio required before a
// partial baseline is considered usable over a full rescan.
const partialBaselineMinCoverage = 0.1

// Baseline describes the strategy the Discovery Engine should use to decide
// what to (re)process for a scan.
type Baseline struct {
	Type      core.BaselineType
	CommitSHA string
	ScanID    int64
	FileMap   map[string]string // file_path -> github_sha, only set for BaselinePartial
	Coverage  float64
	Reason    string
}

// BaselineManager selects the optimal baseline for incremental scanning.
type BaselineManager struct {
	store   storage.Store
	history *history.Service
	logger  *slog.Logger
}

func NewBaselineManager(store storage.Store, history *history.Service, logger *slog.Logger) *BaselineManager {
	return &BaselineManager{store: store, history: history, logger: logger}
}

// Optimal returns the best available baseline for repoURL: a fresh complete
// scan if one exists within completeBaselineMaxAge, else a partial baseline
// reconstructed from recent file_processing_history if its coverage clears
// partialBaselineMinCoverage, else BaselineNone.
func (m *BaselineManager) Optimal(ctx context.Context, repoURL string) (Baseline, error) {
	complete, err := m.lastCompleteBaseline(ctx, repoURL)
	if err != nil {
		m.logger.Error("get last complete scan", "url", repoURL, "error", err)
	}
	if complete != nil {
		return *complete, nil
	}

	partial, err := m.partialBaseline(ctx)
	if err != nil {
		m.logger.Error("analyze partial scans", "url", repoURL, "error", err)
		return Baseline{Type: core.BaselineNone, Reason: "error analyzing partial scans"}, nil
	}
	if partial != nil {
		return *partial, nil
	}

	return Baseline{Type: core.BaselineNone, Reason: "no suitable baseline found"}, nil
}

func (m *BaselineManager) lastCompleteBaseline(ctx context.Context, repoURL string) (*Baseline, error) {
	scan, err := m.store.LastCompleteScan(ctx, repoURL)
	if err != nil {
		return nil, fmt.Errorf("last complete scan: %w", err)
	}
	if scan == nil || scan.FinishedAt == nil {
		return nil, nil
	}
	age := time.Since(*scan.FinishedAt)
	if age >= completeBaselineMaxAge {
		return nil, nil
	}
	return &Baseline{
		Type:      core.BaselineComplete,
		CommitSHA: scan.LastCommitSHA,
		ScanID:    scan.ID,
		Reason:    fmt.Sprintf("last complete scan from %s", scan.FinishedAt.Format(time.RFC3339)),
	}, nil
}

func (m *BaselineManager) partialBaseline(ctx context.Context) (*Baseline, error) {
	fileMap, err := m.history.PartialBaseline(ctx, partialBaselineLookback)
	if err != nil {
		return nil, fmt.Errorf("reconstruct partial baseline: %w", err)
	}
	if len(fileMap) == 0 {
		return nil, nil
	}

	coverage := float64(len(fileMap)) / float64(partialBaselineCorpusSize)
	if coverage > 1.0 {
		coverage = 1.0
	}
	if coverage < partialBaselineMinCoverage {
		return nil, nil
	}

	return &Baseline{
		Type:     core.BaselinePartial,
		FileMap:  fileMap,
		Coverage: coverage,
		Reason: fmt.Sprintf("partial baseline from processing history, %d files, %.1f%% coverage",
			len(fileMap), coverage*100),
	}, nil
}
