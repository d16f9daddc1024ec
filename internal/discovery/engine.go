// Package discovery implements the Discovery Engine (C5): GitHub-API-driven
// change detection that decides, per scan, which files need (re)processing
// and publishes them onto the changed_files queue.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sevigo/docbias-scanner/internal/core"
	"github.com/sevigo/docbias-scanner/internal/github"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// ChangedFileMessage is the payload published onto the changed_files queue.
type ChangedFileMessage struct {
	ScanID     int64  `json:"scan_id"`
	Path       string `json:"path"`
	SHA        string `json:"sha"`
	ChangeType string `json:"change_type"`
	CommitSHA  string `json:"commit_sha"`
}

// Publisher is the capability the Discovery Engine needs from the Queue
// Fabric: enqueue one or many changed_files messages.
type Publisher interface {
	PublishChangedFile(ctx context.Context, msg ChangedFileMessage) error
	PublishChangedFilesBatch(ctx context.Context, msgs []ChangedFileMessage) error
}

var excludedPathSubstrings = []string{
	"/media/", "/.github/", "/node_modules/", "/archive/", "/deprecated/",
}

func isExcludedPath(path string) bool {
	lower := strings.ToLower(path)
	for _, pattern := range excludedPathSubstrings {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// discoveryBatchSize bounds the number of changed_files messages published
// together from the initial (full tree walk) discovery strategy.
const discoveryBatchSize = 100

// Engine runs the discovery strategies (initial, incremental, recovery)
// selected by a BaselineManager and publishes the resulting work.
type Engine struct {
	client       github.Client
	publicClient github.Client // optional public-mirror fallback, may be nil
	publicMirror string
	store        storage.Store
	baselines    *BaselineManager
	publisher    Publisher
	logger       *slog.Logger
}

// NewEngine builds a discovery Engine. publicClient/publicMirror may be left
// zero-valued/empty when no public-mirror fallback is configured.
func NewEngine(client, publicClient github.Client, publicMirror string, store storage.Store, baselines *BaselineManager, publisher Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		client:       client,
		publicClient: publicClient,
		publicMirror: publicMirror,
		store:        store,
		baselines:    baselines,
		publisher:    publisher,
		logger:       logger,
	}
}

// Discover is the Discovery Engine's entry point: it resolves a baseline for
// repoURL, dispatches to the matching strategy, and falls back to the
// configured public mirror if the private repo returns 404.
func (e *Engine) Discover(ctx context.Context, repoURL string, scanID int64, forceFullScan bool) (int, error) {
	start := time.Now()
	ref, err := github.ParseURL(repoURL)
	if err != nil {
		return 0, fmt.Errorf("parse repo url %s: %w", repoURL, err)
	}

	queued, notFound, err := e.tryDiscover(ctx, e.client, ref, repoURL, scanID, forceFullScan)
	if err != nil {
		return 0, err
	}
	if notFound && e.publicClient != nil && e.publicMirror != "" {
		e.logger.Info("private repo not accessible, trying public mirror", "mirror", e.publicMirror)
		mirrorRef, err := github.ParseURL(e.publicMirror)
		if err != nil {
			return 0, fmt.Errorf("parse public mirror url: %w", err)
		}
		queued, _, err = e.tryDiscover(ctx, e.publicClient, mirrorRef, repoURL, scanID, forceFullScan)
		if err != nil {
			return 0, err
		}
	}
	e.logger.Info("discovery completed", "files_queued", queued, "duration", time.Since(start))
	return queued, nil
}

func (e *Engine) tryDiscover(ctx context.Context, client github.Client, ref github.RepoRef, repoURL string, scanID int64, forceFullScan bool) (int, bool, error) {
	baseline := Baseline{Type: core.BaselineNone, Reason: "forced full scan"}
	if !forceFullScan {
		var err error
		baseline, err = e.baselines.Optimal(ctx, repoURL)
		if err != nil {
			return 0, false, fmt.Errorf("select baseline: %w", err)
		}
	}
	e.logger.Info("using baseline", "type", baseline.Type, "reason", baseline.Reason)

	headSHA, notFound, err := client.HeadCommit(ctx, ref.Owner, ref.Repo, ref.Branch)
	if err != nil {
		return 0, false, fmt.Errorf("get head commit for %s/%s: %w", ref.Owner, ref.Repo, err)
	}
	if notFound {
		return 0, true, nil
	}

	var queued int
	switch baseline.Type {
	case core.BaselineComplete:
		queued, err = e.incremental(ctx, client, ref, scanID, headSHA, baseline)
	case core.BaselinePartial:
		queued, err = e.recovery(ctx, client, ref, scanID, headSHA, baseline)
	default:
		queued, err = e.initial(ctx, client, ref, scanID, headSHA)
	}
	return queued, false, err
}

func (e *Engine) updateScanCommit(ctx context.Context, scanID int64, commitSHA string, baselineType core.BaselineType) {
	scan, err := e.store.GetScan(ctx, scanID)
	if err != nil {
		e.logger.Error("load scan for commit update", "scan_id", scanID, "error", err)
		return
	}
	scan.WorkingCommitSHA = commitSHA
	scan.BaselineType = baselineType
	if err := e.store.UpdateScan(ctx, scan); err != nil {
		e.logger.Error("update scan commit", "scan_id", scanID, "error", err)
	}
}

// incremental uses the GitHub Compare API for a single-call diff against a
// trusted prior commit.
func (e *Engine) incremental(ctx context.Context, client github.Client, ref github.RepoRef, scanID int64, headSHA string, baseline Baseline) (int, error) {
	e.updateScanCommit(ctx, scanID, headSHA, core.BaselineComplete)

	if headSHA == baseline.CommitSHA {
		e.logger.Info("repository up to date", "commit", headSHA)
		return 0, nil
	}

	cmp, err := client.CompareCommits(ctx, ref.Owner, ref.Repo, baseline.CommitSHA, headSHA)
	if err != nil {
		return 0, fmt.Errorf("compare commits %s..%s: %w", baseline.CommitSHA, headSHA, err)
	}
	e.logger.Info("changed files found", "count", len(cmp.Files), "base", baseline.CommitSHA, "head", headSHA)

	var msgs []ChangedFileMessage
	for _, f := range cmp.Files {
		if !shouldProcessChange(f) {
			continue
		}
		msgs = append(msgs, ChangedFileMessage{
			ScanID: scanID, Path: f.Filename, SHA: f.SHA,
			ChangeType: string(f.Status), CommitSHA: headSHA,
		})
	}
	for _, msg := range msgs {
		if err := e.publisher.PublishChangedFile(ctx, msg); err != nil {
			return 0, fmt.Errorf("publish changed file %s: %w", msg.Path, err)
		}
	}
	return len(msgs), nil
}

func shouldProcessChange(f github.FileChange) bool {
	if !strings.HasSuffix(f.Filename, ".md") {
		return false
	}
	if f.Status == github.ChangeRemoved {
		return false
	}
	return !isExcludedPath(f.Filename)
}

// initial walks the entire repository tree via the GitHub Trees API,
// batching published messages for efficiency.
func (e *Engine) initial(ctx context.Context, client github.Client, ref github.RepoRef, scanID int64, headSHA string) (int, error) {
	e.updateScanCommit(ctx, scanID, headSHA, core.BaselineNone)

	tree, err := client.Tree(ctx, ref.Owner, ref.Repo, headSHA, ref.Path, true)
	if err != nil {
		return 0, fmt.Errorf("get tree for %s/%s@%s: %w", ref.Owner, ref.Repo, headSHA, err)
	}

	var mdEntries []github.TreeEntry
	for _, entry := range tree.Entries {
		if entry.Type == github.TreeEntryBlob && strings.HasSuffix(entry.Path, ".md") {
			mdEntries = append(mdEntries, entry)
		}
	}
	e.logger.Info("markdown files found", "count", len(mdEntries))

	queued := 0
	for i := 0; i < len(mdEntries); i += discoveryBatchSize {
		end := i + discoveryBatchSize
		if end > len(mdEntries) {
			end = len(mdEntries)
		}
		var batch []ChangedFileMessage
		for _, entry := range mdEntries[i:end] {
			if !shouldProcessPath(entry.Path) {
				continue
			}
			fullPath := fullRepoPath(ref.Path, entry.Path)
			batch = append(batch, ChangedFileMessage{
				ScanID: scanID, Path: fullPath, SHA: entry.SHA,
				ChangeType: "added", CommitSHA: headSHA,
			})
		}
		if len(batch) == 0 {
			continue
		}
		if err := e.publisher.PublishChangedFilesBatch(ctx, batch); err != nil {
			return queued, fmt.Errorf("publish changed files batch: %w", err)
		}
		queued += len(batch)
	}
	return queued, nil
}

// recovery diffs the current tree against a partial baseline reconstructed
// from file_processing_history, publishing only files whose sha changed or
// that are new.
func (e *Engine) recovery(ctx context.Context, client github.Client, ref github.RepoRef, scanID int64, headSHA string, baseline Baseline) (int, error) {
	e.updateScanCommit(ctx, scanID, headSHA, core.BaselinePartial)
	e.logger.Info("recovery discovery", "coverage", baseline.Coverage, "baseline_files", len(baseline.FileMap))

	tree, err := client.Tree(ctx, ref.Owner, ref.Repo, headSHA, ref.Path, true)
	if err != nil {
		return 0, fmt.Errorf("get tree for %s/%s@%s: %w", ref.Owner, ref.Repo, headSHA, err)
	}

	queued, changed, added, skipped := 0, 0, 0, 0
	for _, entry := range tree.Entries {
		if entry.Type != github.TreeEntryBlob || !strings.HasSuffix(entry.Path, ".md") {
			continue
		}
		if !shouldProcessPath(entry.Path) {
			continue
		}
		fullPath := fullRepoPath(ref.Path, entry.Path)
		baselineSHA, inBaseline := baseline.FileMap[fullPath]
		if baselineSHA == entry.SHA {
			skipped++
			continue
		}

		changeType := "added"
		if inBaseline {
			changeType = "modified"
			changed++
		} else {
			added++
		}

		msg := ChangedFileMessage{ScanID: scanID, Path: fullPath, SHA: entry.SHA, ChangeType: changeType, CommitSHA: headSHA}
		if err := e.publisher.PublishChangedFile(ctx, msg); err != nil {
			return queued, fmt.Errorf("publish changed file %s: %w", fullPath, err)
		}
		queued++
	}

	e.logger.Info("recovery discovery complete", "queued", queued, "new", added, "changed", changed, "skipped", skipped)
	return queued, nil
}

func shouldProcessPath(path string) bool {
	if isExcludedPath(path) {
		return false
	}
	return !core.IsWindowsFocusedPath(path)
}

func fullRepoPath(scopePath, treePath string) string {
	if scopePath == "" || strings.HasPrefix(treePath, scopePath) {
		return treePath
	}
	return strings.TrimRight(scopePath, "/") + "/" + treePath
}
