// Package lock implements the URL Lock Service (C2): a Postgres-backed
// mutual-exclusion guard ensuring at most one worker processes a given
// (url, content_hash) at a time, across every concurrently running scan.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sevigo/docbias-scanner/internal/core"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// Service guards URL processing against duplicate concurrent work.
type Service struct {
	store       storage.Store
	logger      *slog.Logger
	lockTimeout time.Duration
	workerID    string
}

// NewService builds a lock Service with a freshly generated worker ID,
// hostname plus an 8-char random suffix, matching the original's
// socket.gethostname()-uuid4 scheme.
func NewService(store storage.Store, logger *slog.Logger, lockTimeout time.Duration) *Service {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return &Service{
		store:       store,
		logger:      logger,
		lockTimeout: lockTimeout,
		workerID:    fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
	}
}

// WorkerID identifies this process across acquired locks and audit rows.
func (s *Service) WorkerID() string {
	return s.workerID
}

// Acquire attempts to take the processing lock for (url, contentHash) under
// scanID. It first sweeps expired locks, then checks for a conflicting
// active lock (same or other scan), then checks whether this exact content
// was already processed (a completed lock, or a recent processed Page),
// and only then inserts the new lock row. A unique-constraint violation on
// insert (lost race) degrades to a normal rejection rather than an error.
func (s *Service) Acquire(ctx context.Context, url, contentHash string, scanID int64) (bool, string, error) {
	if _, err := s.store.ExpireStaleLocks(ctx, time.Now().UTC()); err != nil {
		s.logger.Error("cleanup expired locks", "error", err)
	}

	existing, err := s.store.FindProcessingLock(ctx, url, contentHash)
	if err != nil {
		return false, "", fmt.Errorf("check existing lock for %s: %w", url, err)
	}
	if existing != nil {
		if existing.ScanID == scanID {
			s.logger.Info("url already locked by same scan", "url", url, "scan_id", scanID)
			return false, fmt.Sprintf("already processing in scan %d", scanID), nil
		}
		s.logger.Info("url already locked by other scan", "url", url, "scan_id", existing.ScanID)
		return false, fmt.Sprintf("already processing in scan %d", existing.ScanID), nil
	}

	shouldProcess, err := s.shouldReprocess(ctx, url, contentHash)
	if err != nil {
		// When in doubt, allow processing, matching the original's fail-open rule.
		s.logger.Error("check reprocess eligibility", "url", url, "error", err)
		shouldProcess = true
	}
	if !shouldProcess {
		s.logger.Info("url content unchanged, skipping", "url", url)
		return false, "content unchanged since last processing", nil
	}

	acquired, err := s.store.AcquireLock(ctx, url, contentHash, scanID, s.workerID, s.lockTimeout)
	if err != nil {
		return false, "", fmt.Errorf("acquire lock for %s: %w", url, err)
	}
	if !acquired {
		s.logger.Warn("lost race acquiring lock", "url", url, "scan_id", scanID)
		return false, "lock already exists (race condition)", nil
	}

	s.logger.Info("acquired processing lock", "url", url, "scan_id", scanID, "worker_id", s.workerID)
	return true, "", nil
}

// Release marks the active lock held by scanID for (url, contentHash) as
// completed or failed. Returns storage.ErrNotFound if no active lock matched.
func (s *Service) Release(ctx context.Context, url, contentHash string, scanID int64, success bool) error {
	if err := s.store.ReleaseLock(ctx, url, contentHash, scanID, success); err != nil {
		return fmt.Errorf("release lock for %s: %w", url, err)
	}
	s.logger.Info("released processing lock", "url", url, "scan_id", scanID, "success", success)
	return nil
}

// IsLocked reports whether (url, contentHash) currently has an active lock,
// and if so which scan holds it, after sweeping expired locks.
func (s *Service) IsLocked(ctx context.Context, url, contentHash string) (bool, int64, error) {
	if _, err := s.store.ExpireStaleLocks(ctx, time.Now().UTC()); err != nil {
		s.logger.Error("cleanup expired locks", "error", err)
	}
	lock, err := s.store.FindProcessingLock(ctx, url, contentHash)
	if err != nil {
		return false, 0, fmt.Errorf("check lock for %s: %w", url, err)
	}
	if lock == nil {
		return false, 0, nil
	}
	return true, lock.ScanID, nil
}

// shouldReprocess returns false when the exact (url, contentHash) pair was
// already processed to completion, either via a completed lock row or a
// recently-processed Page, matching _should_reprocess_url.
func (s *Service) shouldReprocess(ctx context.Context, url, contentHash string) (bool, error) {
	completed, err := s.store.FindCompletedLock(ctx, url, contentHash)
	if err != nil {
		return false, fmt.Errorf("find completed lock: %w", err)
	}
	if completed != nil {
		s.logger.Info("url with same content already processed successfully", "url", url)
		return false, nil
	}

	recent, err := s.store.FindRecentProcessedPage(ctx, url, contentHash)
	if err != nil {
		return false, fmt.Errorf("find recent processed page: %w", err)
	}
	if recent != nil {
		s.logger.Info("url with same content recently processed", "url", url, "scan_id", recent.ScanID)
		return false, nil
	}
	return true, nil
}

// Stats returns processing-lock counters for the /internal/locks/stats
// endpoint, after sweeping expired locks.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	if _, err := s.store.ExpireStaleLocks(ctx, time.Now().UTC()); err != nil {
		s.logger.Error("cleanup expired locks", "error", err)
	}
	stats, err := s.store.LockStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get processing stats: %w", err)
	}
	return stats, nil
}

var _ core.LockHolder = (*Service)(nil)
