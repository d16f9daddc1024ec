package core

import "time"

// ScanStatus is the lifecycle state of a Scan.
type ScanStatus string

const (
	ScanInProgress ScanStatus = "in_progress"
	ScanProcessing ScanStatus = "processing"
	ScanCompleted  ScanStatus = "completed"
	ScanError      ScanStatus = "error"
	ScanCancelled  ScanStatus = "cancelled"
)

// BaselineType names the strategy the Discovery Engine used to decide what
// to (re)process for a scan.
type BaselineType string

const (
	BaselineComplete BaselineType = "complete"
	BaselinePartial  BaselineType = "partial"
	BaselineNone     BaselineType = "none"
)

// PhaseProgress is one entry of Scan.PhaseProgress, keyed by phase name.
type PhaseProgress struct {
	Started            bool           `json:"started"`
	Completed          bool           `json:"completed"`
	ProgressPercentage float64        `json:"progress_percentage"`
	ItemsProcessed     int            `json:"items_processed"`
	ItemsTotal         int            `json:"items_total"`
	CurrentItem        string         `json:"current_item,omitempty"`
	Details            map[string]any `json:"details,omitempty"`
	Summary            map[string]any `json:"summary,omitempty"`
}

// PhaseTimestamps is one entry of Scan.PhaseTimestamps.
type PhaseTimestamps struct {
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
}

// PerformanceMetrics is one entry of Scan.PerformanceMetrics.
type PerformanceMetrics struct {
	ProcessingRate  float64 `json:"processing_rate"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	ItemsPerSecond  float64 `json:"items_per_second"`
}

// ErrorLogEntry is one append-only record in Scan.ErrorLog.
type ErrorLogEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	Phase       string         `json:"phase,omitempty"`
	Message     string         `json:"message"`
	CurrentItem string         `json:"current_item,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Scan represents one discovery+processing pass over a repository.
type Scan struct {
	ID         int64      `db:"id" json:"id"`
	URL        string     `db:"url" json:"url"`
	Status     ScanStatus `db:"status" json:"status"`
	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`

	CurrentPhase      string `db:"current_phase" json:"current_phase,omitempty"`
	CurrentPageURL    string `db:"current_page_url" json:"current_page_url,omitempty"`
	TotalPagesFound   int    `db:"total_pages_found" json:"total_pages_found"`
	PagesProcessed    int    `db:"pages_processed" json:"pages_processed"`
	SnippetsProcessed int    `db:"snippets_processed" json:"snippets_processed"`

	PhaseProgress       map[string]PhaseProgress      `db:"phase_progress" json:"phase_progress,omitempty"`
	PhaseTimestamps     map[string]PhaseTimestamps     `db:"phase_timestamps" json:"phase_timestamps,omitempty"`
	PerformanceMetrics  map[string]PerformanceMetrics  `db:"performance_metrics" json:"performance_metrics,omitempty"`
	ErrorLog            []ErrorLogEntry                `db:"error_log" json:"error_log,omitempty"`
	EstimatedCompletion *time.Time                     `db:"estimated_completion" json:"estimated_completion,omitempty"`

	CancellationRequested   bool       `db:"cancellation_requested" json:"cancellation_requested"`
	CancellationRequestedAt *time.Time `db:"cancellation_requested_at" json:"cancellation_requested_at,omitempty"`
	CancellationReason      string     `db:"cancellation_reason" json:"cancellation_reason,omitempty"`

	WorkingCommitSHA string       `db:"working_commit_sha" json:"working_commit_sha,omitempty"`
	LastCommitSHA    string       `db:"last_commit_sha" json:"last_commit_sha,omitempty"`
	BaselineType     BaselineType `db:"baseline_type" json:"baseline_type,omitempty"`

	TotalFilesDiscovered int `db:"total_files_discovered" json:"total_files_discovered"`
	TotalFilesQueued     int `db:"total_files_queued" json:"total_files_queued"`
	TotalFilesCompleted  int `db:"total_files_completed" json:"total_files_completed"`

	BiasedPagesCount     int `db:"biased_pages_count" json:"biased_pages_count"`
	FlaggedSnippetsCount int `db:"flagged_snippets_count" json:"flagged_snippets_count"`
}

// IsCancelled reports whether this scan must be abandoned by any worker
// that observes it, per the cancellation semantics in the concurrency model.
func (s *Scan) IsCancelled() bool {
	return s.CancellationRequested
}
