// Package storage implements Postgres persistence for the scan pipeline's
// core tables: Scan, Page, Snippet, ProcessingUrl, FileProcessingHistory,
// BiasSnapshot and BiasSnapshotByDocset.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sevigo/docbias-scanner/internal/core"
)

// ErrNotFound is returned when a requested record is not found in the database.
var ErrNotFound = errors.New("record not found")

// postgresUniqueViolation is the pq error code for a unique-constraint
// violation, used by the lock service to detect lost-race acquisitions.
const postgresUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, the signal the URL Lock Service treats as a lost race.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == postgresUniqueViolation
	}
	return false
}

// jsonColumn adapts an arbitrary JSON-able value to database/sql, mirroring
// the teacher's json.RawMessage scan-state columns but generalized to any
// Go value via encoding/json.
type jsonColumn struct {
	dest any
}

func (j jsonColumn) Value() (driver.Value, error) {
	if j.dest == nil {
		return nil, nil
	}
	b, err := json.Marshal(j.dest)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanJSON(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// scanRow is the database row shape for Scan, with JSON-valued columns read
// as raw bytes and decoded into core.Scan's structured fields.
type scanRow struct {
	ID         int64      `db:"id"`
	URL        string     `db:"url"`
	Status     string     `db:"status"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`

	CurrentPhase      string `db:"current_phase"`
	CurrentPageURL    string `db:"current_page_url"`
	TotalPagesFound   int    `db:"total_pages_found"`
	PagesProcessed    int    `db:"pages_processed"`
	SnippetsProcessed int    `db:"snippets_processed"`

	PhaseProgress       []byte     `db:"phase_progress"`
	PhaseTimestamps     []byte     `db:"phase_timestamps"`
	PerformanceMetrics  []byte     `db:"performance_metrics"`
	ErrorLog            []byte     `db:"error_log"`
	EstimatedCompletion *time.Time `db:"estimated_completion"`

	CancellationRequested   bool       `db:"cancellation_requested"`
	CancellationRequestedAt *time.Time `db:"cancellation_requested_at"`
	CancellationReason      string     `db:"cancellation_reason"`

	WorkingCommitSHA string `db:"working_commit_sha"`
	LastCommitSHA    string `db:"last_commit_sha"`
	BaselineType     string `db:"baseline_type"`

	TotalFilesDiscovered int `db:"total_files_discovered"`
	TotalFilesQueued     int `db:"total_files_queued"`
	TotalFilesCompleted  int `db:"total_files_completed"`

	BiasedPagesCount     int `db:"biased_pages_count"`
	FlaggedSnippetsCount int `db:"flagged_snippets_count"`
}

func (r *scanRow) toCore() (*core.Scan, error) {
	s := &core.Scan{
		ID:                      r.ID,
		URL:                     r.URL,
		Status:                  core.ScanStatus(r.Status),
		StartedAt:               r.StartedAt,
		FinishedAt:              r.FinishedAt,
		CurrentPhase:            r.CurrentPhase,
		CurrentPageURL:          r.CurrentPageURL,
		TotalPagesFound:         r.TotalPagesFound,
		PagesProcessed:          r.PagesProcessed,
		SnippetsProcessed:       r.SnippetsProcessed,
		EstimatedCompletion:     r.EstimatedCompletion,
		CancellationRequested:   r.CancellationRequested,
		CancellationRequestedAt: r.CancellationRequestedAt,
		CancellationReason:      r.CancellationReason,
		WorkingCommitSHA:        r.WorkingCommitSHA,
		LastCommitSHA:           r.LastCommitSHA,
		BaselineType:            core.BaselineType(r.BaselineType),
		TotalFilesDiscovered:    r.TotalFilesDiscovered,
		TotalFilesQueued:        r.TotalFilesQueued,
		TotalFilesCompleted:     r.TotalFilesCompleted,
		BiasedPagesCount:        r.BiasedPagesCount,
		FlaggedSnippetsCount:    r.FlaggedSnippetsCount,
	}
	if err := scanJSON(r.PhaseProgress, &s.PhaseProgress); err != nil {
		return nil, fmt.Errorf("decode phase_progress: %w", err)
	}
	if err := scanJSON(r.PhaseTimestamps, &s.PhaseTimestamps); err != nil {
		return nil, fmt.Errorf("decode phase_timestamps: %w", err)
	}
	if err := scanJSON(r.PerformanceMetrics, &s.PerformanceMetrics); err != nil {
		return nil, fmt.Errorf("decode performance_metrics: %w", err)
	}
	if err := scanJSON(r.ErrorLog, &s.ErrorLog); err != nil {
		return nil, fmt.Errorf("decode error_log: %w", err)
	}
	return s, nil
}

// pageRow mirrors Page, with mcp_holistic stored as a JSON column.
type pageRow struct {
	ID              int64      `db:"id"`
	ScanID          int64      `db:"scan_id"`
	URL             string     `db:"url"`
	Status          string     `db:"status"`
	ProcessingState string     `db:"processing_state"`
	ContentHash     string     `db:"content_hash"`
	GithubSHA       string     `db:"github_sha"`
	LastModified    *time.Time `db:"last_modified"`
	LastScannedAt   *time.Time `db:"last_scanned_at"`

	ProcessingStartedAt *time.Time `db:"processing_started_at"`
	ProcessingWorkerID  string     `db:"processing_worker_id"`
	ProcessingExpiresAt *time.Time `db:"processing_expires_at"`

	RetryCount  int        `db:"retry_count"`
	LastErrorAt *time.Time `db:"last_error_at"`

	McpHolistic []byte `db:"mcp_holistic"`
}

func (r *pageRow) toCore() (*core.Page, error) {
	p := &core.Page{
		ID:                  r.ID,
		ScanID:              r.ScanID,
		URL:                 r.URL,
		Status:              core.PageStatus(r.Status),
		ProcessingState:     core.PageStatus(r.ProcessingState),
		ContentHash:         r.ContentHash,
		GithubSHA:           r.GithubSHA,
		LastModified:        r.LastModified,
		LastScannedAt:       r.LastScannedAt,
		ProcessingStartedAt: r.ProcessingStartedAt,
		ProcessingWorkerID:  r.ProcessingWorkerID,
		ProcessingExpiresAt: r.ProcessingExpiresAt,
		RetryCount:          r.RetryCount,
		LastErrorAt:         r.LastErrorAt,
	}
	if len(r.McpHolistic) > 0 {
		var h core.HolisticResult
		if err := json.Unmarshal(r.McpHolistic, &h); err != nil {
			return nil, fmt.Errorf("decode mcp_holistic: %w", err)
		}
		p.McpHolistic = &h
	}
	return p, nil
}

// Store defines all database operations the scan pipeline needs.
//
//go:generate mockgen -destination=../../mocks/mock_store.go -package=mocks github.com/sevigo/docbias-scanner/internal/storage Store
type Store interface {
	CreateScan(ctx context.Context, s *core.Scan) error
	GetScan(ctx context.Context, id int64) (*core.Scan, error)
	UpdateScan(ctx context.Context, s *core.Scan) error
	LastCompleteScan(ctx context.Context, url string) (*core.Scan, error)
	IncrementFilesCompleted(ctx context.Context, scanID int64) (int, error)

	UpsertPage(ctx context.Context, p *core.Page) error
	GetPage(ctx context.Context, scanID int64, url string) (*core.Page, error)
	GetPageByID(ctx context.Context, id int64) (*core.Page, error)
	CountPendingLLM(ctx context.Context, scanID int64) (int, error)
	CountPagesByStatus(ctx context.Context, scanID int64, status core.PageStatus) (int, error)
	FinalizationCounters(ctx context.Context, scanID int64) (biasedPages, flaggedSnippets int, err error)

	InsertSnippet(ctx context.Context, sn *core.Snippet) error
	GetSnippet(ctx context.Context, id int64) (*core.Snippet, error)
	UpdateSnippetScore(ctx context.Context, snippetID int64, llmScore map[string]any) error

	AcquireLock(ctx context.Context, url, contentHash string, scanID int64, workerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, url, contentHash string, scanID int64, success bool) error
	ExpireStaleLocks(ctx context.Context, now time.Time) (int, error)
	FindProcessingLock(ctx context.Context, url, contentHash string) (*core.ProcessingUrl, error)
	FindCompletedLock(ctx context.Context, url, contentHash string) (*core.ProcessingUrl, error)
	FindRecentProcessedPage(ctx context.Context, url, contentHash string) (*core.Page, error)
	LockStats(ctx context.Context) (map[string]int, error)

	RecordFileProcessing(ctx context.Context, h *core.FileProcessingHistory) error
	PartialBaseline(ctx context.Context, since time.Time) (map[string]string, error)

	UpsertBiasSnapshot(ctx context.Context, snap *core.BiasSnapshot) error
	UpsertBiasSnapshotByDocset(ctx context.Context, snap *core.BiasSnapshotByDocset) error
	LatestPagesAsOf(ctx context.Context, cutoff time.Time) ([]*core.Page, error)
}

type postgresStore struct {
	db *sqlx.DB
}

// NewStore creates a new Store backed by the given *sqlx.DB.
func NewStore(db *sqlx.DB) Store {
	return &postgresStore{db: db}
}

func (s *postgresStore) CreateScan(ctx context.Context, sc *core.Scan) error {
	row, err := fromCoreScan(sc)
	if err != nil {
		return fmt.Errorf("encode scan: %w", err)
	}
	query := `
		INSERT INTO scans (url, status, started_at, current_phase, working_commit_sha, baseline_type,
			phase_progress, phase_timestamps, performance_metrics, error_log)
		VALUES (:url, :status, :started_at, :current_phase, :working_commit_sha, :baseline_type,
			:phase_progress, :phase_timestamps, :performance_metrics, :error_log)
		RETURNING id`
	stmt, err := s.db.PrepareNamedContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare create scan: %w", err)
	}
	defer stmt.Close()
	return stmt.QueryRowxContext(ctx, row).Scan(&sc.ID)
}

func (s *postgresStore) GetScan(ctx context.Context, id int64) (*core.Scan, error) {
	var row scanRow
	query := `SELECT * FROM scans WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get scan %d: %w", id, err)
	}
	return row.toCore()
}

func (s *postgresStore) UpdateScan(ctx context.Context, sc *core.Scan) error {
	row, err := fromCoreScan(sc)
	if err != nil {
		return fmt.Errorf("encode scan: %w", err)
	}
	query := `
		UPDATE scans SET
			status = :status, finished_at = :finished_at,
			current_phase = :current_phase, current_page_url = :current_page_url,
			total_pages_found = :total_pages_found, pages_processed = :pages_processed,
			snippets_processed = :snippets_processed,
			phase_progress = :phase_progress, phase_timestamps = :phase_timestamps,
			performance_metrics = :performance_metrics, error_log = :error_log,
			estimated_completion = :estimated_completion,
			cancellation_requested = :cancellation_requested,
			cancellation_requested_at = :cancellation_requested_at,
			cancellation_reason = :cancellation_reason,
			working_commit_sha = :working_commit_sha, last_commit_sha = :last_commit_sha,
			baseline_type = :baseline_type,
			total_files_discovered = :total_files_discovered,
			total_files_queued = :total_files_queued,
			total_files_completed = :total_files_completed,
			biased_pages_count = :biased_pages_count,
			flagged_snippets_count = :flagged_snippets_count
		WHERE id = :id`
	_, err = s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("update scan %d: %w", sc.ID, err)
	}
	return nil
}

// IncrementFilesCompleted atomically bumps total_files_completed by one and
// returns the new value, so concurrent document/changed-files workers closing
// out different pages of the same scan never lose an update to a
// read-modify-write race.
func (s *postgresStore) IncrementFilesCompleted(ctx context.Context, scanID int64) (int, error) {
	var completed int
	query := `UPDATE scans SET total_files_completed = total_files_completed + 1 WHERE id = $1 RETURNING total_files_completed`
	if err := s.db.GetContext(ctx, &completed, query, scanID); err != nil {
		return 0, fmt.Errorf("increment files completed for scan %d: %w", scanID, err)
	}
	return completed, nil
}

func fromCoreScan(sc *core.Scan) (*scanRow, error) {
	row := &scanRow{
		ID: sc.ID, URL: sc.URL, Status: string(sc.Status), StartedAt: sc.StartedAt,
		FinishedAt: sc.FinishedAt, CurrentPhase: sc.CurrentPhase, CurrentPageURL: sc.CurrentPageURL,
		TotalPagesFound: sc.TotalPagesFound, PagesProcessed: sc.PagesProcessed,
		SnippetsProcessed: sc.SnippetsProcessed, EstimatedCompletion: sc.EstimatedCompletion,
		CancellationRequested: sc.CancellationRequested, CancellationRequestedAt: sc.CancellationRequestedAt,
		CancellationReason: sc.CancellationReason, WorkingCommitSHA: sc.WorkingCommitSHA,
		LastCommitSHA: sc.LastCommitSHA, BaselineType: string(sc.BaselineType),
		TotalFilesDiscovered: sc.TotalFilesDiscovered, TotalFilesQueued: sc.TotalFilesQueued,
		TotalFilesCompleted: sc.TotalFilesCompleted, BiasedPagesCount: sc.BiasedPagesCount,
		FlaggedSnippetsCount: sc.FlaggedSnippetsCount,
	}
	var err error
	if row.PhaseProgress, err = json.Marshal(sc.PhaseProgress); err != nil {
		return nil, err
	}
	if row.PhaseTimestamps, err = json.Marshal(sc.PhaseTimestamps); err != nil {
		return nil, err
	}
	if row.PerformanceMetrics, err = json.Marshal(sc.PerformanceMetrics); err != nil {
		return nil, err
	}
	if row.ErrorLog, err = json.Marshal(sc.ErrorLog); err != nil {
		return nil, err
	}
	return row, nil
}

// LastCompleteScan returns the most recently finished completed scan for a
// repository URL that recorded a last_commit_sha, the seed for the
// complete-baseline incremental discovery strategy.
func (s *postgresStore) LastCompleteScan(ctx context.Context, url string) (*core.Scan, error) {
	var row scanRow
	query := `
		SELECT * FROM scans
		WHERE url = $1 AND status = 'completed' AND last_commit_sha != ''
		ORDER BY finished_at DESC LIMIT 1`
	if err := s.db.GetContext(ctx, &row, query, url); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last complete scan for %s: %w", url, err)
	}
	return row.toCore()
}

func (s *postgresStore) UpsertPage(ctx context.Context, p *core.Page) error {
	p.ProcessingState = p.Status
	var holistic []byte
	if p.McpHolistic != nil {
		b, err := json.Marshal(p.McpHolistic)
		if err != nil {
			return fmt.Errorf("encode mcp_holistic: %w", err)
		}
		holistic = b
	}
	query := `
		INSERT INTO pages (scan_id, url, status, processing_state, content_hash, github_sha,
			last_modified, last_scanned_at, processing_started_at, processing_worker_id,
			processing_expires_at, retry_count, last_error_at, mcp_holistic)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (scan_id, url) DO UPDATE SET
			status = EXCLUDED.status, processing_state = EXCLUDED.processing_state,
			content_hash = EXCLUDED.content_hash, github_sha = EXCLUDED.github_sha,
			last_modified = EXCLUDED.last_modified, last_scanned_at = EXCLUDED.last_scanned_at,
			processing_started_at = EXCLUDED.processing_started_at,
			processing_worker_id = EXCLUDED.processing_worker_id,
			processing_expires_at = EXCLUDED.processing_expires_at,
			retry_count = EXCLUDED.retry_count, last_error_at = EXCLUDED.last_error_at,
			mcp_holistic = EXCLUDED.mcp_holistic
		RETURNING id`
	return s.db.QueryRowContext(ctx, query,
		p.ScanID, p.URL, p.Status, p.ProcessingState, p.ContentHash, p.GithubSHA,
		p.LastModified, p.LastScannedAt, p.ProcessingStartedAt, p.ProcessingWorkerID,
		p.ProcessingExpiresAt, p.RetryCount, p.LastErrorAt, holistic,
	).Scan(&p.ID)
}

func (s *postgresStore) GetPage(ctx context.Context, scanID int64, url string) (*core.Page, error) {
	var row pageRow
	query := `SELECT * FROM pages WHERE scan_id = $1 AND url = $2`
	if err := s.db.GetContext(ctx, &row, query, scanID, url); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get page %s in scan %d: %w", url, scanID, err)
	}
	return row.toCore()
}

func (s *postgresStore) GetPageByID(ctx context.Context, id int64) (*core.Page, error) {
	var row pageRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM pages WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get page %d: %w", id, err)
	}
	return row.toCore()
}

func (s *postgresStore) CountPendingLLM(ctx context.Context, scanID int64) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM pages WHERE scan_id = $1 AND mcp_holistic->>'review_method' = 'llm_pending'`
	if err := s.db.GetContext(ctx, &n, query, scanID); err != nil {
		return 0, fmt.Errorf("count pending llm for scan %d: %w", scanID, err)
	}
	return n, nil
}

// CountPagesByStatus counts pages of a scan in a given status, used to
// drive progress updates.
func (s *postgresStore) CountPagesByStatus(ctx context.Context, scanID int64, status core.PageStatus) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM pages WHERE scan_id = $1 AND status = $2`
	if err := s.db.GetContext(ctx, &n, query, scanID, status); err != nil {
		return 0, fmt.Errorf("count pages by status for scan %d: %w", scanID, err)
	}
	return n, nil
}

// FinalizationCounters computes biased_pages_count (severity-dominates rule)
// and flagged_snippets_count (snippets with a non-null llm_score) for a
// completed scan, matching the SQL computed at finalization.
func (s *postgresStore) FinalizationCounters(ctx context.Context, scanID int64) (int, int, error) {
	var biased int
	biasedQuery := `
		SELECT COUNT(*) FROM pages
		WHERE scan_id = $1 AND mcp_holistic IS NOT NULL AND (
			(mcp_holistic->>'severity' IS NOT NULL AND lower(mcp_holistic->>'severity') != 'none')
			OR (mcp_holistic->>'severity' IS NULL AND jsonb_array_length(COALESCE(mcp_holistic->'bias_types', '[]')) > 0)
		)`
	if err := s.db.GetContext(ctx, &biased, biasedQuery, scanID); err != nil {
		return 0, 0, fmt.Errorf("count biased pages for scan %d: %w", scanID, err)
	}

	var flagged int
	flaggedQuery := `
		SELECT COUNT(*) FROM snippets sn
		JOIN pages p ON p.id = sn.page_id
		WHERE p.scan_id = $1 AND sn.llm_score IS NOT NULL`
	if err := s.db.GetContext(ctx, &flagged, flaggedQuery, scanID); err != nil {
		return 0, 0, fmt.Errorf("count flagged snippets for scan %d: %w", scanID, err)
	}
	return biased, flagged, nil
}

func (s *postgresStore) InsertSnippet(ctx context.Context, sn *core.Snippet) error {
	var score []byte
	if sn.LLMScore != nil {
		b, err := json.Marshal(sn.LLMScore)
		if err != nil {
			return fmt.Errorf("encode llm_score: %w", err)
		}
		score = b
	}
	query := `INSERT INTO snippets (page_id, context, code, llm_score) VALUES ($1,$2,$3,$4) RETURNING id`
	return s.db.QueryRowContext(ctx, query, sn.PageID, sn.Context, sn.Code, score).Scan(&sn.ID)
}

func (s *postgresStore) GetSnippet(ctx context.Context, id int64) (*core.Snippet, error) {
	var sn core.Snippet
	var score []byte
	query := `SELECT id, page_id, context, code, llm_score FROM snippets WHERE id = $1`
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&sn.ID, &sn.PageID, &sn.Context, &sn.Code, &score); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get snippet %d: %w", id, err)
	}
	if len(score) > 0 {
		if err := json.Unmarshal(score, &sn.LLMScore); err != nil {
			return nil, fmt.Errorf("decode llm_score for snippet %d: %w", id, err)
		}
	}
	return &sn, nil
}

func (s *postgresStore) UpdateSnippetScore(ctx context.Context, snippetID int64, llmScore map[string]any) error {
	b, err := json.Marshal(llmScore)
	if err != nil {
		return fmt.Errorf("encode llm_score: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE snippets SET llm_score = $1 WHERE id = $2`, b, snippetID)
	if err != nil {
		return fmt.Errorf("update snippet %d score: %w", snippetID, err)
	}
	return nil
}

func (s *postgresStore) AcquireLock(ctx context.Context, url, contentHash string, scanID int64, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO processing_urls (url, content_hash, scan_id, worker_id, started_at, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,'processing')`
	_, err := s.db.ExecContext(ctx, query, url, contentHash, scanID, workerID, now, now.Add(ttl))
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock for %s: %w", url, err)
	}
	return true, nil
}

func (s *postgresStore) ReleaseLock(ctx context.Context, url, contentHash string, scanID int64, success bool) error {
	status := core.LockCompleted
	if !success {
		status = core.LockFailed
	}
	query := `
		UPDATE processing_urls SET status = $1
		WHERE url = $2 AND content_hash = $3 AND scan_id = $4 AND status = 'processing'`
	res, err := s.db.ExecContext(ctx, query, status, url, contentHash, scanID)
	if err != nil {
		return fmt.Errorf("release lock for %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ExpireStaleLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_urls SET status = 'expired' WHERE status = 'processing' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *postgresStore) FindProcessingLock(ctx context.Context, url, contentHash string) (*core.ProcessingUrl, error) {
	return s.findLock(ctx, url, contentHash, core.LockProcessing)
}

func (s *postgresStore) FindCompletedLock(ctx context.Context, url, contentHash string) (*core.ProcessingUrl, error) {
	return s.findLock(ctx, url, contentHash, core.LockCompleted)
}

func (s *postgresStore) findLock(ctx context.Context, url, contentHash string, status core.LockStatus) (*core.ProcessingUrl, error) {
	var row core.ProcessingUrl
	query := `SELECT * FROM processing_urls WHERE url = $1 AND content_hash = $2 AND status = $3 LIMIT 1`
	if err := s.db.GetContext(ctx, &row, query, url, contentHash, status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find lock for %s: %w", url, err)
	}
	return &row, nil
}

func (s *postgresStore) FindRecentProcessedPage(ctx context.Context, url, contentHash string) (*core.Page, error) {
	var row pageRow
	query := `
		SELECT * FROM pages WHERE url = $1 AND content_hash = $2 AND status = 'processed'
		ORDER BY last_scanned_at DESC LIMIT 1`
	if err := s.db.GetContext(ctx, &row, query, url, contentHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find recent processed page for %s: %w", url, err)
	}
	return row.toCore()
}

func (s *postgresStore) LockStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM processing_urls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("lock stats: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			slog.Error("close lock stats rows", "error", cerr)
		}
	}()
	stats := map[string]int{"total_locks": 0, "active_processing": 0, "completed": 0, "failed": 0, "expired": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats["total_locks"] += count
		switch status {
		case string(core.LockProcessing):
			stats["active_processing"] = count
		case string(core.LockCompleted):
			stats["completed"] = count
		case string(core.LockFailed):
			stats["failed"] = count
		case string(core.LockExpired):
			stats["expired"] = count
		}
	}
	return stats, rows.Err()
}

func (s *postgresStore) RecordFileProcessing(ctx context.Context, h *core.FileProcessingHistory) error {
	query := `
		INSERT INTO file_processing_history
			(file_path, github_sha, scan_id, processed_at, processing_result, worker_id,
			 commit_sha, duration_ms, snippets_found, bias_detected, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (file_path, github_sha, scan_id) DO UPDATE SET
			processed_at = EXCLUDED.processed_at, processing_result = EXCLUDED.processing_result,
			worker_id = EXCLUDED.worker_id, duration_ms = EXCLUDED.duration_ms,
			snippets_found = EXCLUDED.snippets_found, bias_detected = EXCLUDED.bias_detected,
			error_message = EXCLUDED.error_message`
	_, err := s.db.ExecContext(ctx, query,
		h.FilePath, h.GithubSHA, h.ScanID, h.ProcessedAt, h.ProcessingResult, h.WorkerID,
		h.CommitSHA, h.DurationMs, h.SnippetsFound, h.BiasDetected, h.ErrorMessage)
	if err != nil {
		return fmt.Errorf("record file processing for %s: %w", h.FilePath, err)
	}
	return nil
}

// PartialBaseline reconstructs the latest successfully-processed
// (file_path -> github_sha) map across recent scans, the source for the
// Discovery Engine's partial-baseline strategy.
func (s *postgresStore) PartialBaseline(ctx context.Context, since time.Time) (map[string]string, error) {
	query := `
		SELECT DISTINCT ON (file_path) file_path, github_sha
		FROM file_processing_history
		WHERE processing_result = 'processed' AND processed_at >= $1
		ORDER BY file_path, processed_at DESC`
	rows, err := s.db.QueryxContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("partial baseline: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			slog.Error("close partial baseline rows", "error", cerr)
		}
	}()
	out := make(map[string]string)
	for rows.Next() {
		var path, sha string
		if err := rows.Scan(&path, &sha); err != nil {
			return nil, err
		}
		out[path] = sha
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertBiasSnapshot(ctx context.Context, snap *core.BiasSnapshot) error {
	query := `
		INSERT INTO bias_snapshots (date, total_pages, biased_pages, bias_percentage)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (date) DO UPDATE SET
			total_pages = EXCLUDED.total_pages, biased_pages = EXCLUDED.biased_pages,
			bias_percentage = EXCLUDED.bias_percentage`
	_, err := s.db.ExecContext(ctx, query, snap.Date, snap.TotalPages, snap.BiasedPages, snap.BiasPercentage)
	if err != nil {
		return fmt.Errorf("upsert bias snapshot for %s: %w", snap.Date, err)
	}
	return nil
}

func (s *postgresStore) UpsertBiasSnapshotByDocset(ctx context.Context, snap *core.BiasSnapshotByDocset) error {
	query := `
		INSERT INTO bias_snapshots_by_docset (date, doc_set, total_pages, biased_pages, bias_percentage)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (date, doc_set) DO UPDATE SET
			total_pages = EXCLUDED.total_pages, biased_pages = EXCLUDED.biased_pages,
			bias_percentage = EXCLUDED.bias_percentage`
	_, err := s.db.ExecContext(ctx, query, snap.Date, snap.DocSet, snap.TotalPages, snap.BiasedPages, snap.BiasPercentage)
	if err != nil {
		return fmt.Errorf("upsert bias snapshot for %s/%s: %w", snap.Date, snap.DocSet, err)
	}
	return nil
}

// LatestPagesAsOf returns, for every URL that appears in a completed scan
// started at or before cutoff, the page row belonging to that URL's most recent such
// scan — the same "latest scan per URL" join BiasSnapshotService computes
// before rolling up bias percentages.
func (s *postgresStore) LatestPagesAsOf(ctx context.Context, cutoff time.Time) ([]*core.Page, error) {
	query := `
		SELECT p.* FROM pages p
		JOIN scans sc ON sc.id = p.scan_id
		JOIN (
			SELECT p2.url, MAX(sc2.started_at) AS latest_started_at
			FROM pages p2
			JOIN scans sc2 ON sc2.id = p2.scan_id
			WHERE sc2.status = $1 AND sc2.started_at <= $2
			GROUP BY p2.url
		) latest ON latest.url = p.url AND latest.latest_started_at = sc.started_at
		WHERE sc.status = $1`
	var rows []pageRow
	if err := s.db.SelectContext(ctx, &rows, query, core.ScanCompleted, cutoff); err != nil {
		return nil, fmt.Errorf("latest pages as of %s: %w", cutoff, err)
	}
	pages := make([]*core.Page, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toCore()
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}
