package core

import "time"

// LockStatus is the state of a ProcessingUrl row.
type LockStatus string

const (
	LockProcessing LockStatus = "processing"
	LockCompleted  LockStatus = "completed"
	LockFailed     LockStatus = "failed"
	LockExpired    LockStatus = "expired"
)

// ProcessingUrl is the cross-scan lock row guarding at-most-one concurrent
// build per (URL, content hash). Rows are never deleted; they become the
// audit trail consulted by FileProcessingHistory-style lookups.
type ProcessingUrl struct {
	ID          int64      `db:"id"`
	URL         string     `db:"url"`
	ContentHash string     `db:"content_hash"`
	ScanID      int64      `db:"scan_id"`
	WorkerID    string     `db:"worker_id"`
	StartedAt   time.Time  `db:"started_at"`
	ExpiresAt   time.Time  `db:"expires_at"`
	Status      LockStatus `db:"status"`
}

// FileProcessingResult is the outcome enum recorded in FileProcessingHistory.
type FileProcessingResult string

const (
	FileProcessingProcessing FileProcessingResult = "processing"
	FileProcessingProcessed  FileProcessingResult = "processed"
	FileProcessingQueued     FileProcessingResult = "queued"
	FileProcessingSkipped    FileProcessingResult = "skipped"
	FileProcessingFailed     FileProcessingResult = "failed"
)

// FileProcessingHistory is an append-only audit log entry of a per-file
// processing attempt; it is also the reconstruction source for partial
// baselines. Unique key: (file_path, github_sha, scan_id).
type FileProcessingHistory struct {
	ID              int64                 `db:"id"`
	FilePath        string                `db:"file_path"`
	GithubSHA       string                `db:"github_sha"`
	ScanID          int64                 `db:"scan_id"`
	ProcessedAt     time.Time             `db:"processed_at"`
	ProcessingResult FileProcessingResult `db:"processing_result"`
	WorkerID        string                `db:"worker_id"`
	CommitSHA       string                `db:"commit_sha"`
	DurationMs      int64                 `db:"duration_ms"`
	SnippetsFound   int                   `db:"snippets_found"`
	BiasDetected    bool                  `db:"bias_detected"`
	ErrorMessage    string                `db:"error_message"`
}

// BiasSnapshot is an immutable per-date rollup across all completed scans.
type BiasSnapshot struct {
	Date            time.Time `db:"date"`
	TotalPages      int       `db:"total_pages"`
	BiasedPages     int       `db:"biased_pages"`
	BiasPercentage  float64   `db:"bias_percentage"`
}

// BiasSnapshotByDocset is the docset-scoped variant of BiasSnapshot.
type BiasSnapshotByDocset struct {
	Date           time.Time `db:"date"`
	DocSet         string    `db:"doc_set"`
	TotalPages     int       `db:"total_pages"`
	BiasedPages    int       `db:"biased_pages"`
	BiasPercentage float64   `db:"bias_percentage"`
}
