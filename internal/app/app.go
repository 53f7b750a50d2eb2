// Package app wires configuration into a running siteaudit service:
// stores, fetchers, the crawl engine, the job queue, the schedule
// poller, and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rankwell/siteaudit/internal/api"
	"github.com/rankwell/siteaudit/internal/audit"
	"github.com/rankwell/siteaudit/internal/clock/system"
	"github.com/rankwell/siteaudit/internal/config"
	"github.com/rankwell/siteaudit/internal/engine"
	headlessfetcher "github.com/rankwell/siteaudit/internal/fetcher/headless"
	staticfetcher "github.com/rankwell/siteaudit/internal/fetcher/static"
	"github.com/rankwell/siteaudit/internal/frontier"
	"github.com/rankwell/siteaudit/internal/id/uuid"
	"github.com/rankwell/siteaudit/internal/jobs"
	"github.com/rankwell/siteaudit/internal/logging"
	"github.com/rankwell/siteaudit/internal/progress"
	progresssinks "github.com/rankwell/siteaudit/internal/progress/sinks"
	memorypublisher "github.com/rankwell/siteaudit/internal/publisher/memory"
	gcppublisher "github.com/rankwell/siteaudit/internal/publisher/pubsub"
	"github.com/rankwell/siteaudit/internal/ratelimit"
	"github.com/rankwell/siteaudit/internal/report"
	"github.com/rankwell/siteaudit/internal/scheduler"
	gcsstorage "github.com/rankwell/siteaudit/internal/storage/gcs"
	localstorage "github.com/rankwell/siteaudit/internal/storage/local"
	memorystorage "github.com/rankwell/siteaudit/internal/storage/memory"
	memorystore "github.com/rankwell/siteaudit/internal/store/memory"
	pgstore "github.com/rankwell/siteaudit/internal/store/postgres"
)

// defaultCompletedTopic names the completion-event topic when none is
// configured; the in-memory publisher still records events under it.
const defaultCompletedTopic = "audit-completed"

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	apiServer *api.Server
	eng       *engine.Engine
	queue     *jobs.Queue
	poller    *scheduler.Poller
	store     audit.Store
	schedules audit.ScheduleStore
	clock     audit.Clock
	ids       audit.IDGenerator
	bridge    *jobProgressEmitter

	progressHub   *progress.Hub
	pgStore       *pgstore.Store
	storageClient *storage.Client
	pubPublisher  *gcppublisher.Publisher
	headless      *headlessfetcher.Fetcher
}

// Build creates the application's dependencies from configuration.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		clock:    system.New(),
		ids:      uuid.New(),
	}
	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	pinger, err := a.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress()
	if err != nil {
		return nil, err
	}

	a.queue = jobs.New(jobs.Config{
		Concurrency:   cfg.Jobs.Concurrency,
		Retention:     time.Duration(cfg.Jobs.RetentionMinutes) * time.Minute,
		SweepInterval: time.Duration(cfg.Jobs.SweepIntervalMinutes) * time.Minute,
		Logger:        logger.Named("jobs"),
	}, a.clock, a.ids)
	a.bridge = newJobProgressEmitter(emitter, a.queue)

	static, headless := a.setupFetchers()
	seeds := frontier.NewSeedDiscoverer(nil, cfg.Crawl.UserAgent, logger.Named("sitemap"))
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	})
	reports, err := report.NewGenerator()
	if err != nil {
		return nil, fmt.Errorf("report generator init failed: %w", err)
	}

	topic := cfg.PubSub.Topic
	if topic == "" {
		topic = defaultCompletedTopic
	}
	a.eng = engine.New(
		a.store,
		blobs,
		publisher,
		static,
		headless,
		seeds,
		limiter,
		reports,
		a.bridge,
		a.clock,
		a.ids,
		engine.Config{
			CompletedTopic:   topic,
			ReportPrefix:     cfg.Storage.ReportPrefix,
			ScreenshotPrefix: cfg.Storage.ScreenshotPrefix,
		},
		logger.Named("engine"),
	)
	a.registerJobHandlers()

	if cfg.Scheduler.Enabled {
		a.poller = scheduler.New(
			a.store,
			a.schedules,
			a.queue,
			a.clock,
			a.ids,
			scheduler.Config{
				Interval: time.Duration(cfg.Scheduler.IntervalMinutes) * time.Minute,
				RunHour:  cfg.Scheduler.RunHour,
			},
			logger.Named("scheduler"),
		)
	}

	a.apiServer = api.NewServer(
		a.store,
		a.schedules,
		a.queue,
		a.eng,
		pinger,
		a.registry,
		a.clock,
		a.ids,
		api.Config{
			RequestTimeout: cfg.RequestTimeout(),
			APIKey:         cfg.Server.APIKey,
			RunHour:        cfg.Scheduler.RunHour,
			CrawlDefaults:  cfg.CrawlDefaults(),
		},
		logger,
	)

	return a, nil
}

// Run starts the queue, the poller, and the HTTP server, then blocks
// until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("job queue started", zap.Int("concurrency", a.cfg.Jobs.Concurrency))
		a.queue.Run(ctx)
	}()

	if a.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("schedule poller started",
				zap.Int("interval_minutes", a.cfg.Scheduler.IntervalMinutes),
				zap.Int("run_hour", a.cfg.Scheduler.RunHour),
			)
			a.poller.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

// RunOnce executes a single audit synchronously, bypassing the queue.
// The CLI uses it for one-shot crawls.
func (a *App) RunOnce(ctx context.Context, siteURL string, opts audit.CrawlOptions) (audit.Audit, error) {
	canonical, err := audit.CanonicalURL(strings.TrimSpace(siteURL))
	if err != nil {
		return audit.Audit{}, fmt.Errorf("invalid site URL: %w", err)
	}
	opts.Normalize(a.cfg.CrawlDefaults())
	if err := opts.Validate(); err != nil {
		return audit.Audit{}, err
	}

	id, err := a.ids.NewID()
	if err != nil {
		return audit.Audit{}, fmt.Errorf("generate audit id: %w", err)
	}
	now := a.clock.Now()
	rec := audit.Audit{
		ID:        id,
		SiteURL:   canonical,
		Status:    audit.StatusPending,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateAudit(ctx, rec); err != nil {
		return audit.Audit{}, fmt.Errorf("create audit: %w", err)
	}
	if runErr := a.eng.Run(ctx, id); runErr != nil {
		// The record carries the failure state; return it for reporting.
		if failed, err := a.store.GetAudit(ctx, id); err == nil {
			return failed, runErr
		}
		return audit.Audit{}, runErr
	}
	return a.store.GetAudit(ctx, id)
}

// PageResults returns the stored page results for an audit.
func (a *App) PageResults(ctx context.Context, auditID string) ([]audit.PageResult, error) {
	return a.store.ListPageResults(ctx, auditID)
}

// Close gracefully shuts down the application's resources.
func (a *App) Close(ctx context.Context) error {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubPublisher != nil {
		if err := a.pubPublisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

func (a *App) setupStore(ctx context.Context) (api.Pinger, error) {
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		a.logger.Info("using postgres store backend")
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.Store.DSN,
			MaxConns:        a.cfg.Store.MaxConns,
			MinConns:        a.cfg.Store.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.Store.ConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("postgres schema init failed: %w", err)
		}
		a.pgStore = st
		a.store = st
		a.schedules = st
		return st, nil
	default:
		a.logger.Info("using in-memory store backend")
		st := memorystore.New()
		a.store = st
		a.schedules = st
		return st, nil
	}
}

func (a *App) setupBlobStore(ctx context.Context) (audit.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.StorageLocal:
		a.logger.Info("using local storage backend", zap.String("base_dir", a.cfg.Storage.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (audit.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub, err := gcppublisher.New(client)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubPublisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

func (a *App) setupProgress() (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress")))
	}
	a.progressHub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutSec) * time.Second,
		Logger:         a.logger.Named("progress_hub"),
	}, sinkList...)
	return a.progressHub, nil
}

func (a *App) setupFetchers() (audit.Fetcher, audit.Fetcher) {
	static := staticfetcher.New(staticfetcher.Config{
		UserAgent:     a.cfg.Crawl.UserAgent,
		RespectRobots: a.cfg.Crawl.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
		MaxBodyBytes:  a.cfg.Crawl.MaxBodyBytes,
	})
	a.logger.Info("static fetcher ready", zap.String("user_agent", a.cfg.Crawl.UserAgent))

	if !a.cfg.Headless.Enabled {
		return static, headlessfetcher.NewNoop()
	}
	hf, err := headlessfetcher.New(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawl.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		// Capture is tab-level; the engine persists shots only for
		// audits that requested them.
		CaptureScreenshots: true,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed, JS rendering unavailable", zap.Error(err))
		return static, headlessfetcher.NewNoop()
	}
	a.headless = hf
	a.logger.Info("headless fetcher ready", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return static, hf
}

func (a *App) registerJobHandlers() {
	a.queue.Register(engine.JobTypeRunAudit, func(ctx context.Context, job jobs.Job) (any, error) {
		auditID, ok := job.Payload.(string)
		if !ok {
			return nil, fmt.Errorf("run-audit payload must be an audit ID, got %T", job.Payload)
		}
		rec, err := a.store.GetAudit(ctx, auditID)
		if err != nil {
			return nil, fmt.Errorf("load audit %s: %w", auditID, err)
		}
		a.bridge.track(auditID, job.ID, rec.Options.MaxPages)
		defer a.bridge.drop(auditID)

		if err := a.eng.Run(ctx, auditID); err != nil {
			return nil, err
		}
		final, err := a.store.GetAudit(ctx, auditID)
		if err != nil {
			return map[string]any{"audit_id": auditID}, nil
		}
		return map[string]any{
			"audit_id": final.ID,
			"status":   string(final.Status),
			"pages":    final.TotalPages,
			"issues":   final.Issues.Total,
		}, nil
	})
}

// runTarget maps a running audit to the queue job that owns it.
type runTarget struct {
	jobID    string
	maxPages int
}

// jobProgressEmitter forwards events to the wrapped emitter and mirrors
// page completions onto the owning job so job polling reflects the
// crawl mid-run.
type jobProgressEmitter struct {
	next  progress.Emitter
	queue *jobs.Queue

	mu      sync.Mutex
	targets map[string]runTarget
}

func newJobProgressEmitter(next progress.Emitter, queue *jobs.Queue) *jobProgressEmitter {
	return &jobProgressEmitter{
		next:    next,
		queue:   queue,
		targets: make(map[string]runTarget),
	}
}

func (e *jobProgressEmitter) track(auditID, jobID string, maxPages int) {
	e.mu.Lock()
	e.targets[auditID] = runTarget{jobID: jobID, maxPages: maxPages}
	e.mu.Unlock()
}

func (e *jobProgressEmitter) drop(auditID string) {
	e.mu.Lock()
	delete(e.targets, auditID)
	e.mu.Unlock()
}

// Emit implements progress.Emitter.
func (e *jobProgressEmitter) Emit(evt progress.Event) {
	if e.next != nil {
		e.next.Emit(evt)
	}
	if evt.Stage != progress.StagePageDone {
		return
	}
	e.mu.Lock()
	t, ok := e.targets[evt.AuditID]
	e.mu.Unlock()
	if !ok || t.maxPages <= 0 {
		return
	}
	pct := evt.PagesDone * 100 / t.maxPages
	if pct > 99 {
		// The queue sets 100 when the job finishes.
		pct = 99
	}
	e.queue.SetProgress(t.jobID, pct)
}
