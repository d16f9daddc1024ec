package core

import "context"

// QueueConsumer is implemented by anything that drains one of the durable
// work queues under prefetch=1 semantics: pull one message, process it,
// then ack or nack before the next pull.
type QueueConsumer interface {
	Consume(ctx context.Context, handle func(ctx context.Context, body []byte) error) error
}

// LockHolder is the capability surface the Scoring Pipeline needs from the
// URL Lock Service, kept small and explicit rather than exposing the whole
// service.
type LockHolder interface {
	Acquire(ctx context.Context, url, contentHash string, scanID int64) (ok bool, reason string, err error)
	Release(ctx context.Context, url, contentHash string, scanID int64, success bool) error
	IsLocked(ctx context.Context, url, contentHash string) (locked bool, byScanID int64, err error)
	WorkerID() string
}

// ProgressReporter is the capability surface the Discovery Engine and
// Scoring Pipeline use to mutate and broadcast scan progress, without
// depending on the websocket transport directly.
type ProgressReporter interface {
	StartPhase(ctx context.Context, scanID int64, phase string, details map[string]any) error
	UpdatePhaseProgress(ctx context.Context, scanID int64, itemsProcessed int, itemsTotal *int, currentItem string, details map[string]any) error
	CompletePhase(ctx context.Context, scanID int64, phase string, summary map[string]any) error
	ReportError(ctx context.Context, scanID int64, message string, details map[string]any) error
}
