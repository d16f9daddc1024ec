package core

import "fmt"

// ConfigError marks a missing or invalid environment/config value discovered
// at startup. Fatal; callers must not retry.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Msg)
}

// TransportSystem names which external dependency a TransportError came from.
type TransportSystem string

const (
	TransportGitHub TransportSystem = "github"
	TransportLLM    TransportSystem = "llm"
	TransportQueue  TransportSystem = "queue"
	TransportDB     TransportSystem = "db"
)

// TransportError wraps a transient failure talking to an external system.
// Callers retry with backoff.
type TransportError struct {
	System TransportSystem
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error: %v", e.System, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError is a TransportError special case carrying the server's
// advertised reset time; callers retry no sooner than ResetAt.
type RateLimitError struct {
	System  TransportSystem
	ResetAt int64 // unix seconds
	Err     error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited until %d: %v", e.System, e.ResetAt, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// LockConflict is expected control flow, never logged as an error: another
// scan (or the same scan) already holds the lock, or the content is
// unchanged since last processing.
type LockConflict struct {
	Reason string
}

func (e *LockConflict) Error() string { return e.Reason }

// ValidationError marks a malformed task message. Callers nack without
// requeue (poison-message protection).
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Msg)
}

// ScanErr is unrecoverable at the scan level: the caller must write an
// error_log entry, set the scan's status to error, and release any locks
// it holds. Named ScanErr (not ScanError) to avoid colliding with the
// ScanError status/phase constant naming used elsewhere.
type ScanErr struct {
	ScanID int64
	Phase  string
	Err    error
}

func (e *ScanErr) Error() string {
	return fmt.Sprintf("scan %d phase %s: %v", e.ScanID, e.Phase, e.Err)
}

func (e *ScanErr) Unwrap() error { return e.Err }

// InvalidURL is returned by GitHub Access's URL parser.
type InvalidURL struct {
	URL string
}

func (e *InvalidURL) Error() string { return fmt.Sprintf("invalid github url: %q", e.URL) }
