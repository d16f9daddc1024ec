package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/sevigo/docbias-scanner/internal/core"
	"github.com/sevigo/docbias-scanner/internal/discovery"
	"github.com/sevigo/docbias-scanner/internal/github"
	"github.com/sevigo/docbias-scanner/internal/progress"
	"github.com/sevigo/docbias-scanner/internal/queue"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// processingLockTTL bounds how long a document worker may hold a page in
// the "processing" state before it's considered abandoned.
const processingLockTTL = 30 * time.Minute

// DocTask is the payload carried on the doc_processing queue.
type DocTask struct {
	PageID int64  `json:"page_id"`
	ScanID int64  `json:"scan_id"`
	URL    string `json:"url"`
}

// Publisher is the narrow queue capability the scoring workers need: publish
// one JSON-encodable value onto a named durable queue. queue.Fabric
// satisfies this directly.
type Publisher interface {
	Publish(ctx context.Context, queue string, v any) error
}

// DocumentWorker turns a discovered file into stored snippets plus a
// heuristic bias verdict, deferring the slow holistic call to the
// llm_scoring queue, grounded on DocumentWorker.process_document_task.
type DocumentWorker struct {
	store     storage.Store
	locks     core.LockHolder
	progress  core.ProgressReporter
	github    github.Client
	client    *Client
	queue     Publisher
	finalizer *progress.Finalizer
	logger    *slog.Logger
}

func NewDocumentWorker(store storage.Store, locks core.LockHolder, progressReporter core.ProgressReporter, ghClient github.Client, client *Client, pub Publisher, finalizer *progress.Finalizer, logger *slog.Logger) *DocumentWorker {
	return &DocumentWorker{
		store: store, locks: locks, progress: progressReporter, github: ghClient,
		client: client, queue: pub, finalizer: finalizer, logger: logger,
	}
}

// Handle processes one doc_processing message. A returned error causes the
// caller's queue.Fabric to nack-and-requeue the delivery.
func (w *DocumentWorker) Handle(ctx context.Context, body []byte) error {
	var task DocTask
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("unmarshal doc task: %w", err)
	}

	scan, err := w.store.GetScan(ctx, task.ScanID)
	if err != nil {
		return fmt.Errorf("load scan %d: %w", task.ScanID, err)
	}
	if scan.IsCancelled() {
		w.logger.Info("scan cancelled, skipping document", "scan_id", task.ScanID, "url", task.URL)
		return nil
	}

	page, err := w.store.GetPageByID(ctx, task.PageID)
	if err != nil {
		return fmt.Errorf("load page %d: %w", task.PageID, err)
	}
	if page.Status == core.PageProcessed {
		w.logger.Info("page already processed", "url", task.URL)
		return nil
	}

	now := time.Now()
	expires := now.Add(processingLockTTL)
	page.Status = core.PageProcessing
	page.ProcessingStartedAt = &now
	page.ProcessingWorkerID = w.locks.WorkerID()
	page.ProcessingExpiresAt = &expires
	if err := w.store.UpsertPage(ctx, page); err != nil {
		return fmt.Errorf("mark page processing: %w", err)
	}

	if procErr := w.process(ctx, page); procErr != nil {
		w.logger.Error("document processing failed", "url", task.URL, "error", procErr)
		page.Status = core.PageError
		lastErr := time.Now()
		page.LastErrorAt = &lastErr
		page.ClearProcessingFields()
		_ = w.store.UpsertPage(ctx, page)
		_ = w.locks.Release(ctx, task.URL, page.ContentHash, task.ScanID, false)
		w.completeFile(ctx, task.ScanID)
		return nil
	}

	page.Status = core.PageProcessed
	page.ClearProcessingFields()
	if err := w.store.UpsertPage(ctx, page); err != nil {
		return fmt.Errorf("mark page processed: %w", err)
	}
	if err := w.locks.Release(ctx, task.URL, page.ContentHash, task.ScanID, true); err != nil {
		w.logger.Warn("failed to release lock", "url", task.URL, "error", err)
	}
	w.completeFile(ctx, task.ScanID)

	processed, err := w.store.CountPagesByStatus(ctx, task.ScanID, core.PageProcessed)
	if err != nil {
		w.logger.Warn("failed to count processed pages", "scan_id", task.ScanID, "error", err)
		return nil
	}
	var details map[string]any
	if page.IsBiased() {
		details = map[string]any{"biased": true, "severity": string(page.McpHolistic.Severity)}
	}
	_ = w.progress.UpdatePhaseProgress(ctx, task.ScanID, processed, nil, task.URL, details)
	return nil
}

// completeFile bumps the scan's completed-file counter and re-checks the
// finalization predicate, the step every terminal outcome of a queued file
// must perform per the changed-files/document worker handoff (spec §4.5
// step 8, §4.7).
func (w *DocumentWorker) completeFile(ctx context.Context, scanID int64) {
	if _, err := w.store.IncrementFilesCompleted(ctx, scanID); err != nil {
		w.logger.Error("failed to increment completed file counter", "scan_id", scanID, "error", err)
		return
	}
	if _, err := w.finalizer.CheckAndFinalize(ctx, scanID); err != nil {
		w.logger.Error("finalization check failed", "scan_id", scanID, "error", err)
	}
}

func (w *DocumentWorker) process(ctx context.Context, page *core.Page) error {
	ref, err := github.ParseURL(page.URL)
	if err != nil {
		return fmt.Errorf("parse page url: %w", err)
	}
	content, err := w.github.FileContent(ctx, ref.Owner, ref.Repo, ref.Path, ref.Branch)
	if err != nil {
		return fmt.Errorf("fetch file content: %w", err)
	}
	markdown := string(content)

	snippets, err := ExtractSnippets(markdown)
	if err != nil {
		return fmt.Errorf("extract snippets: %w", err)
	}
	for _, sn := range snippets {
		sn.PageID = page.ID
		if err := w.store.InsertSnippet(ctx, sn); err != nil {
			return fmt.Errorf("insert snippet: %w", err)
		}
	}
	if len(snippets) > 0 {
		w.scoreSnippets(ctx, snippets, page.URL)
	}

	return w.deferHolisticScoring(ctx, page, markdown)
}

// deferHolisticScoring publishes the page body to llm_scoring and stamps a
// pending placeholder rather than blocking this worker on the external
// service's 60-second holistic call, per spec §4.5 step 7.
func (w *DocumentWorker) deferHolisticScoring(ctx context.Context, page *core.Page, markdown string) error {
	task := LLMScoringTask{ScanID: page.ScanID, PageID: page.ID, PageURL: page.URL, PageContent: markdown}
	if err := w.queue.Publish(ctx, queue.LLMScoringQueue, task); err != nil {
		return fmt.Errorf("enqueue holistic scoring for %s: %w", page.URL, err)
	}
	page.McpHolistic = &core.HolisticResult{ReviewMethod: core.ReviewMethodPending}
	return nil
}

func (w *DocumentWorker) scoreSnippets(ctx context.Context, snippets []*core.Snippet, url string) {
	var flagged []*core.Snippet
	for _, sn := range snippets {
		if IsWindowsBiased(sn, url) {
			flagged = append(flagged, sn)
		}
	}
	if len(flagged) == 0 {
		flagged = snippets
	}
	scoreSnippets(ctx, w.client, w.store, flagged, w.logger)
}

// decodeHolistic pulls the fields the pipeline understands out of the
// scoring service's response with gjson (the schema is owned by that
// service, not this repo) and stamps a fetched_at marker via sjson before
// keeping the whole body as Extra for forward compatibility.
func decodeHolistic(raw []byte) (*core.HolisticResult, error) {
	stamped, err := sjson.SetBytes(raw, "fetched_at", time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("stamp holistic response: %w", err)
	}

	var extra map[string]any
	if err := json.Unmarshal(stamped, &extra); err != nil {
		return nil, fmt.Errorf("decode holistic response: %w", err)
	}

	parsed := gjson.ParseBytes(stamped)
	h := &core.HolisticResult{
		Extra:        extra,
		Severity:     core.Severity(parsed.Get("severity").String()),
		Summary:      parsed.Get("summary").String(),
		ReviewMethod: core.ReviewMethodLLM,
	}
	for _, t := range parsed.Get("bias_types").Array() {
		h.BiasTypes = append(h.BiasTypes, t.String())
	}
	return h, nil
}

// ChangedFilesWorker turns a discovered file path into a locked, stored
// Page and hands it off to the document processing queue.
type ChangedFilesWorker struct {
	store     storage.Store
	locks     core.LockHolder
	github    github.Client
	pub       Publisher
	finalizer *progress.Finalizer
	logger    *slog.Logger
}

func NewChangedFilesWorker(store storage.Store, locks core.LockHolder, ghClient github.Client, pub Publisher, finalizer *progress.Finalizer, logger *slog.Logger) *ChangedFilesWorker {
	return &ChangedFilesWorker{store: store, locks: locks, github: ghClient, pub: pub, finalizer: finalizer, logger: logger}
}

func (w *ChangedFilesWorker) Handle(ctx context.Context, body []byte) error {
	var msg discovery.ChangedFileMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("unmarshal changed file message: %w", err)
	}

	scan, err := w.store.GetScan(ctx, msg.ScanID)
	if err != nil {
		return fmt.Errorf("load scan %d: %w", msg.ScanID, err)
	}
	if scan.IsCancelled() {
		w.logger.Info("scan cancelled, skipping changed file", "scan_id", msg.ScanID, "path", msg.Path)
		return nil
	}
	ref, err := github.ParseURL(scan.URL)
	if err != nil {
		return fmt.Errorf("parse scan url %s: %w", scan.URL, err)
	}
	url := fmt.Sprintf("https://github.com/%s/%s/tree/%s/%s", ref.Owner, ref.Repo, msg.CommitSHA, msg.Path)

	content, err := w.github.FileContent(ctx, ref.Owner, ref.Repo, msg.Path, msg.CommitSHA)
	if err != nil {
		return fmt.Errorf("fetch content for %s: %w", msg.Path, err)
	}
	hash := ContentHash(string(content))

	ok, reason, err := w.locks.Acquire(ctx, url, hash, msg.ScanID)
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", url, err)
	}
	if !ok {
		w.logger.Info("skipping locked/unchanged url", "url", url, "reason", reason)
		page := &core.Page{ScanID: msg.ScanID, URL: url, Status: core.PageSkippedLocked, ContentHash: hash, GithubSHA: msg.SHA}
		if err := w.store.UpsertPage(ctx, page); err != nil {
			w.logger.Warn("failed to record skipped page", "url", url, "error", err)
		}
		w.completeFile(ctx, msg.ScanID)
		return nil
	}

	page := &core.Page{
		ScanID:        msg.ScanID,
		URL:           url,
		Status:        core.PageQueued,
		ContentHash:   hash,
		GithubSHA:     msg.SHA,
		LastScannedAt: timePtr(time.Now()),
	}
	if err := w.store.UpsertPage(ctx, page); err != nil {
		_ = w.locks.Release(ctx, url, hash, msg.ScanID, false)
		return fmt.Errorf("upsert page %s: %w", url, err)
	}

	task := DocTask{PageID: page.ID, ScanID: msg.ScanID, URL: url}
	if err := w.pub.Publish(ctx, queue.DocProcessingQueue, task); err != nil {
		_ = w.locks.Release(ctx, url, hash, msg.ScanID, false)
		return fmt.Errorf("enqueue doc task for %s: %w", url, err)
	}
	return nil
}

// completeFile bumps the completed-file counter for files whose lifecycle
// ends in this worker (skipped rather than handed to doc_processing), so
// they aren't silently excluded from the finalization predicate's count.
func (w *ChangedFilesWorker) completeFile(ctx context.Context, scanID int64) {
	if _, err := w.store.IncrementFilesCompleted(ctx, scanID); err != nil {
		w.logger.Error("failed to increment completed file counter", "scan_id", scanID, "error", err)
		return
	}
	if _, err := w.finalizer.CheckAndFinalize(ctx, scanID); err != nil {
		w.logger.Error("finalization check failed", "scan_id", scanID, "error", err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// LLMScoringTask is the payload carried on the llm_scoring queue: a
// deferred holistic-scoring request for one page, per spec §6.
type LLMScoringTask struct {
	ScanID      int64  `json:"scan_id"`
	PageID      int64  `json:"page_id"`
	PageURL     string `json:"page_url"`
	PageContent string `json:"page_content"`
}

// LLMScoringWorker drains the llm_scoring queue, calling the scoring
// service's holistic endpoint for the page and resolving the
// "llm_pending" placeholder DocumentWorker left behind.
type LLMScoringWorker struct {
	store     storage.Store
	client    *Client
	finalizer *progress.Finalizer
	logger    *slog.Logger
}

func NewLLMScoringWorker(store storage.Store, client *Client, finalizer *progress.Finalizer, logger *slog.Logger) *LLMScoringWorker {
	return &LLMScoringWorker{store: store, client: client, finalizer: finalizer, logger: logger}
}

func (w *LLMScoringWorker) Handle(ctx context.Context, body []byte) error {
	var task LLMScoringTask
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("unmarshal llm scoring task: %w", err)
	}

	scan, err := w.store.GetScan(ctx, task.ScanID)
	if err != nil {
		return fmt.Errorf("load scan %d: %w", task.ScanID, err)
	}
	if scan.IsCancelled() {
		w.logger.Info("scan cancelled, skipping holistic scoring", "scan_id", task.ScanID, "page_id", task.PageID)
		return nil
	}

	page, err := w.store.GetPageByID(ctx, task.PageID)
	if err != nil {
		return fmt.Errorf("load page %d: %w", task.PageID, err)
	}

	raw, err := w.client.ScorePage(ctx, task.PageContent, task.PageURL)
	if err != nil {
		w.logger.Warn("holistic scoring failed", "url", task.PageURL, "error", err)
		page.McpHolistic = &core.HolisticResult{ReviewMethod: core.ReviewMethodLLMError}
	} else {
		result, decodeErr := decodeHolistic(raw)
		if decodeErr != nil {
			w.logger.Warn("malformed holistic scoring response", "url", task.PageURL, "error", decodeErr)
			result = &core.HolisticResult{ReviewMethod: core.ReviewMethodLLMError}
		}
		page.McpHolistic = result
	}

	if err := w.store.UpsertPage(ctx, page); err != nil {
		return fmt.Errorf("save holistic result for page %d: %w", task.PageID, err)
	}

	if _, err := w.finalizer.CheckAndFinalize(ctx, task.ScanID); err != nil {
		w.logger.Error("finalization check failed", "scan_id", task.ScanID, "error", err)
	}
	return nil
}

// scoreSnippets sends flagged snippets through batch LLM scoring, falling
// back to the heuristic score per-snippet on any batch failure, matching
// _apply_batch_scoring's "falling back to heuristic scoring" behavior.
func scoreSnippets(ctx context.Context, client *Client, store storage.Store, flagged []*core.Snippet, logger *slog.Logger) {
	items := make([]SnippetScoreItem, len(flagged))
	for i, sn := range flagged {
		items[i] = SnippetScoreItem{ID: int(sn.ID), Code: sn.Code, Context: sn.Context}
	}

	results, err := client.ScoreSnippetBatch(ctx, items)
	if err != nil {
		logger.Warn("batch snippet scoring failed, using heuristic fallback", "error", err)
		for _, sn := range flagged {
			sn.LLMScore = HeuristicScore(sn)
			_ = store.UpdateSnippetScore(ctx, sn.ID, sn.LLMScore)
		}
		return
	}
	for _, sn := range flagged {
		score, ok := results[int(sn.ID)]
		if !ok {
			score = HeuristicScore(sn)
		}
		sn.LLMScore = score
		_ = store.UpdateSnippetScore(ctx, sn.ID, score)
	}
}
