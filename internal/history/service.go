// Package history implements the Processing History component (C3): the
// append-only audit trail of per-file processing attempts that the
// Discovery Engine's partial-baseline strategy reconstructs its state from.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sevigo/docbias-scanner/internal/core"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// Service records and queries file-level processing history.
type Service struct {
	store  storage.Store
	logger *slog.Logger
}

func NewService(store storage.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// RecordAttempt records the outcome of a single file-processing attempt.
// Re-recording the same (filePath, githubSHA, scanID) updates the existing
// row in place, matching the ON CONFLICT upsert semantics of the table.
func (s *Service) RecordAttempt(ctx context.Context, h *core.FileProcessingHistory) error {
	if h.ProcessedAt.IsZero() {
		h.ProcessedAt = time.Now().UTC()
	}
	if err := s.store.RecordFileProcessing(ctx, h); err != nil {
		return fmt.Errorf("record file processing attempt for %s: %w", h.FilePath, err)
	}
	s.logger.Debug("recorded file processing attempt",
		"file_path", h.FilePath, "result", h.ProcessingResult, "scan_id", h.ScanID)
	return nil
}

// PartialBaseline reconstructs the (file_path -> github_sha) map of the
// most recently successfully processed version of every file seen since the
// given cutoff, the input the Discovery Engine's partial strategy diffs
// against the current repository tree.
func (s *Service) PartialBaseline(ctx context.Context, since time.Duration) (map[string]string, error) {
	cutoff := time.Now().UTC().Add(-since)
	baseline, err := s.store.PartialBaseline(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reconstruct partial baseline: %w", err)
	}
	s.logger.Info("reconstructed partial baseline", "file_count", len(baseline), "since", cutoff)
	return baseline, nil
}
