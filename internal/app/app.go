// Package app wires together the scan pipeline's components: GitHub access,
// the URL lock service, processing history, the discovery engine, the
// queue fabric, the scoring workers, progress tracking, and the HTTP
// server, then exposes them as a set of roles cmd/server can run
// selectively for horizontal scale-per-component (spec §5).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sevigo/docbias-scanner/internal/config"
	"github.com/sevigo/docbias-scanner/internal/db"
	"github.com/sevigo/docbias-scanner/internal/discovery"
	"github.com/sevigo/docbias-scanner/internal/github"
	"github.com/sevigo/docbias-scanner/internal/history"
	"github.com/sevigo/docbias-scanner/internal/lock"
	"github.com/sevigo/docbias-scanner/internal/orchestrator"
	"github.com/sevigo/docbias-scanner/internal/progress"
	"github.com/sevigo/docbias-scanner/internal/queue"
	"github.com/sevigo/docbias-scanner/internal/scoring"
	"github.com/sevigo/docbias-scanner/internal/server"
	"github.com/sevigo/docbias-scanner/internal/server/handler"
	"github.com/sevigo/docbias-scanner/internal/storage"
)

// Role names recognized by the ROLES environment variable. A process may
// run any subset so an operator can dedicate whole instances to, say,
// llm_scoring consumers without also serving HTTP traffic.
const (
	RoleServer        = "server"
	RoleOrchestrator  = "orchestrator"
	RoleChangedFiles  = "changed_files"
	RoleDocProcessing = "doc_processing"
	RoleLLMScoring    = "llm_scoring"
)

var allRoles = []string{RoleServer, RoleOrchestrator, RoleChangedFiles, RoleDocProcessing, RoleLLMScoring}

// App holds every constructed component plus the set of roles this process
// instance should run.
type App struct {
	logger *slog.Logger
	cfg    *config.Config
	roles  map[string]bool

	dbCleanup func()
	fabric    *queue.Fabric
	httpSrv   *server.Server

	orchestrator  *orchestrator.Orchestrator
	changedFiles  *scoring.ChangedFilesWorker
	docProcessing *scoring.DocumentWorker
	llmScoring    *scoring.LLMScoringWorker

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewApp constructs every component the scan pipeline needs and selects
// which roles this process instance runs, from the ROLES environment
// variable (comma-separated; defaults to every role when unset).
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, func(), error) {
	logger.Info("initializing docbias-scanner", "roles", rolesEnv())

	dbConn, dbCleanup, err := db.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, func() {}, err
	}
	store := storage.NewStore(dbConn.DB)

	ghClient, err := buildGitHubClient(ctx, cfg, logger)
	if err != nil {
		dbCleanup()
		return nil, func() {}, err
	}
	publicClient := buildPublicMirrorClient(ctx, cfg, logger)

	lockTimeout := time.Duration(cfg.Worker.LockTimeoutMinutes) * time.Minute
	lockSvc := lock.NewService(store, logger, lockTimeout)
	historySvc := history.NewService(store, logger)
	baselineMgr := discovery.NewBaselineManager(store, historySvc, logger)

	fabric := queue.NewFabric(cfg.Queue.AMQPURL(), logger)
	if err := fabric.Connect(ctx); err != nil {
		dbCleanup()
		return nil, func() {}, fmt.Errorf("connect to queue fabric: %w", err)
	}
	changedFilesPublisher := queue.NewChangedFilesPublisher(fabric)

	engine := discovery.NewEngine(ghClient, publicClient, cfg.GitHub.PublicMirror, store, baselineMgr, changedFilesPublisher, logger)

	hub := progress.NewHub(logger)
	metrics := progress.NewMetrics(nil)
	tracker := progress.NewTracker(store, hub, metrics, logger)
	finalizer := progress.NewFinalizer(store, logger)

	scoringClient := scoring.NewClient(cfg.LLM)

	orch := orchestrator.NewOrchestrator(store, engine, tracker, logger)
	changedFilesWorker := scoring.NewChangedFilesWorker(store, lockSvc, ghClient, fabric, finalizer, logger)
	docWorker := scoring.NewDocumentWorker(store, lockSvc, tracker, ghClient, scoringClient, fabric, finalizer, logger)
	llmWorker := scoring.NewLLMScoringWorker(store, scoringClient, finalizer, logger)

	deps := server.Deps{
		Scans: handler.NewScansHandler(store, fabric, logger),
		Locks: handler.NewLocksHandler(lockSvc, logger),
		WS:    handler.NewProgressWSHandler(hub, logger),
	}
	httpSrv := server.NewServer(ctx, cfg, deps, logger)

	a := &App{
		logger:        logger,
		cfg:           cfg,
		roles:         parseRoles(rolesEnv()),
		dbCleanup:     dbCleanup,
		fabric:        fabric,
		httpSrv:       httpSrv,
		orchestrator:  orch,
		changedFiles:  changedFilesWorker,
		docProcessing: docWorker,
		llmScoring:    llmWorker,
	}

	cleanup := func() {
		if err := fabric.Close(); err != nil {
			logger.Warn("error closing queue fabric", "error", err)
		}
		dbCleanup()
	}
	return a, cleanup, nil
}

func rolesEnv() string {
	if v := os.Getenv("ROLES"); v != "" {
		return v
	}
	return strings.Join(allRoles, ",")
}

func parseRoles(v string) map[string]bool {
	roles := make(map[string]bool)
	for _, r := range strings.Split(v, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			roles[r] = true
		}
	}
	return roles
}

func buildGitHubClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (github.Client, error) {
	if cfg.GitHub.AppID != 0 {
		client, _, err := github.CreateInstallationClient(ctx, cfg, cfg.GitHub.InstallationID, logger)
		if err != nil {
			return nil, fmt.Errorf("create github app installation client: %w", err)
		}
		return client, nil
	}
	if cfg.GitHub.Token == "" {
		return nil, errors.New("either GITHUB_APP_ID or GITHUB_TOKEN must be set")
	}
	return github.NewPATClient(ctx, cfg.GitHub.Token, logger), nil
}

// buildPublicMirrorClient returns a second client scoped to the public
// mirror fallback (spec §4.4's private-repo-not-accessible path), or nil
// when no mirror is configured.
func buildPublicMirrorClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) github.Client {
	if cfg.GitHub.PublicMirror == "" || cfg.GitHub.Token == "" {
		return nil
	}
	return github.NewPATClient(ctx, cfg.GitHub.Token, logger)
}

// Start launches every role this instance was configured for and blocks
// until the first one fails or ctx is cancelled.
func (a *App) Start() error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	a.group = group

	if a.roles[RoleServer] {
		group.Go(func() error { return a.httpSrv.Start() })
	}
	if a.roles[RoleOrchestrator] {
		group.Go(func() error { return a.fabric.Consume(groupCtx, queue.ScanTasksQueue, a.orchestrator.Handle) })
	}
	if a.roles[RoleChangedFiles] {
		group.Go(func() error { return a.fabric.Consume(groupCtx, queue.ChangedFilesQueue, a.changedFiles.Handle) })
	}
	if a.roles[RoleDocProcessing] {
		group.Go(func() error { return a.fabric.Consume(groupCtx, queue.DocProcessingQueue, a.docProcessing.Handle) })
	}
	if a.roles[RoleLLMScoring] {
		group.Go(func() error { return a.fabric.Consume(groupCtx, queue.LLMScoringQueue, a.llmScoring.Handle) })
	}

	a.logger.Info("docbias-scanner started", "roles", a.roles)
	return group.Wait()
}

// Stop gracefully shuts down every running role.
func (a *App) Stop() error {
	a.logger.Info("shutting down docbias-scanner")

	var shutdownErr error
	if a.roles[RoleServer] {
		if err := a.httpSrv.Stop(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		if err := a.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	return shutdownErr
}
