// Package engine runs audit crawl sessions: it seeds the frontier,
// schedules bounded concurrent fetches, evaluates rules, and persists
// results incrementally until the audit reaches a terminal state.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rankwell/siteaudit/internal/audit"
	"github.com/rankwell/siteaudit/internal/frontier"
	"github.com/rankwell/siteaudit/internal/progress"
	"github.com/rankwell/siteaudit/internal/ratelimit"
	"github.com/rankwell/siteaudit/internal/report"
	"github.com/rankwell/siteaudit/internal/rules"
)

// JobTypeRunAudit is the queue job type the engine handles.
const JobTypeRunAudit = "run-audit"

const (
	// fetchFailedRule is the synthetic critical issue recorded when a
	// page cannot be fetched after retry.
	fetchFailedRule = "fetch-failed"

	cancelMessage = "audit canceled"

	defaultReportPrefix     = "reports"
	defaultScreenshotPrefix = "screenshots"
	reportContentType       = "text/html; charset=utf-8"
	screenshotContentType   = "image/png"
)

// Config holds engine-level settings shared by all audits.
type Config struct {
	// CompletedTopic is the bus topic for completion events. Empty
	// disables publishing.
	CompletedTopic string
	// ReportPrefix and ScreenshotPrefix namespace blob paths.
	ReportPrefix     string
	ScreenshotPrefix string
}

// Engine orchestrates crawl sessions. One Engine serves all audits in
// the process; each Run owns a single scheduling goroutine so frontier
// and counter state need no locking.
type Engine struct {
	store     audit.Store
	blobs     audit.BlobStore
	publisher audit.Publisher
	static    audit.Fetcher
	headless  audit.Fetcher
	seeds     *frontier.SeedDiscoverer
	limiter   *ratelimit.Limiter
	reports   *report.Generator
	emitter   progress.Emitter
	clock     audit.Clock
	ids       audit.IDGenerator
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New constructs an Engine.
func New(
	store audit.Store,
	blobs audit.BlobStore,
	publisher audit.Publisher,
	static audit.Fetcher,
	headless audit.Fetcher,
	seeds *frontier.SeedDiscoverer,
	limiter *ratelimit.Limiter,
	reports *report.Generator,
	emitter progress.Emitter,
	clock audit.Clock,
	ids audit.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = defaultReportPrefix
	}
	if cfg.ScreenshotPrefix == "" {
		cfg.ScreenshotPrefix = defaultScreenshotPrefix
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		static:    static,
		headless:  headless,
		seeds:     seeds,
		limiter:   limiter,
		reports:   reports,
		emitter:   emitter,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// Cancel stops a running audit by cancelling its crawl context; the
// run loop then marks the audit FAILED. An audit that is not currently
// running is flipped to FAILED directly. Returns ErrTerminal when the
// audit is already finished.
func (e *Engine) Cancel(ctx context.Context, auditID string) error {
	e.mu.Lock()
	cancel, inFlight := e.running[auditID]
	e.mu.Unlock()
	if inFlight {
		cancel()
		return nil
	}

	a, err := e.store.GetAudit(ctx, auditID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return audit.ErrTerminal
	}
	now := e.clock.Now()
	status := audit.StatusFailed
	msg := cancelMessage
	return e.store.UpdateAudit(ctx, auditID, audit.AuditUpdate{
		Status:       &status,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
}

// Run executes the audit crawl session to a terminal state. It is the
// handler body for run-audit jobs: the returned error marks the job
// failed but audit status is always persisted here first.
func (e *Engine) Run(ctx context.Context, auditID string) error {
	a, err := e.store.GetAudit(ctx, auditID)
	if err != nil {
		return fmt.Errorf("load audit: %w", err)
	}
	if a.Status != audit.StatusPending {
		e.logger.Warn("skipping audit not in PENDING state",
			zap.String("audit_id", auditID),
			zap.String("status", string(a.Status)),
		)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.register(auditID, cancel)
	defer e.unregister(auditID)

	if err := a.Options.Validate(); err != nil {
		return e.fail(ctx, &a, fmt.Errorf("invalid crawl options: %w", err))
	}
	fr, err := frontier.New(a.SiteURL, a.Options)
	if err != nil {
		return e.fail(ctx, &a, err)
	}

	startedAt := e.clock.Now()
	inProgress := audit.StatusInProgress
	err = e.store.UpdateAudit(runCtx, auditID, audit.AuditUpdate{
		Status:    &inProgress,
		StartedAt: &startedAt,
	})
	if err != nil {
		if errors.Is(err, audit.ErrTerminal) {
			// Canceled between job pickup and start.
			return nil
		}
		return &audit.PersistenceError{Op: "start audit", Err: err}
	}

	e.emitter.Emit(progress.Event{
		AuditID: a.ID,
		TS:      startedAt,
		Stage:   progress.StageAuditStart,
		SiteURL: a.SiteURL,
	})
	e.logger.Info("audit started",
		zap.String("audit_id", a.ID),
		zap.String("site_url", a.SiteURL),
		zap.Int("max_pages", a.Options.MaxPages),
		zap.Int("max_depth", a.Options.MaxDepth),
		zap.Bool("render_js", a.Options.RenderJS),
	)

	seed := fr.Seed()
	if a.Options.IncludeSitemap && e.seeds != nil {
		for _, u := range e.seeds.DiscoverSeeds(runCtx, a.SiteURL, a.Options.MaxPages) {
			fr.Add(u, 0)
		}
	}

	session := &crawlSession{
		engine:   e,
		audit:    &a,
		frontier: fr,
		fetcher:  e.pickFetcher(a.Options),
		seedURL:  seed.URL,
		results:  make(chan fetchOutcome),
	}
	crawlErr := session.loop(runCtx)

	finishedAt := e.clock.Now()
	elapsed := finishedAt.Sub(startedAt)

	switch {
	case crawlErr != nil:
		return e.finishFailed(ctx, &a, session, crawlErr, finishedAt, elapsed)
	case runCtx.Err() != nil:
		return e.finishFailed(ctx, &a, session, errors.New(cancelMessage), finishedAt, elapsed)
	default:
		return e.finishCompleted(ctx, &a, session, finishedAt, elapsed)
	}
}

func (e *Engine) register(auditID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running == nil {
		e.running = make(map[string]context.CancelFunc)
	}
	e.running[auditID] = cancel
}

func (e *Engine) unregister(auditID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, auditID)
}

func (e *Engine) pickFetcher(opts audit.CrawlOptions) audit.Fetcher {
	if opts.RenderJS {
		return e.headless
	}
	return e.static
}

// fail marks an audit FAILED before any page was processed.
func (e *Engine) fail(ctx context.Context, a *audit.Audit, cause error) error {
	now := e.clock.Now()
	status := audit.StatusFailed
	msg := cause.Error()
	upd := audit.AuditUpdate{
		Status:       &status,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}
	if err := e.store.UpdateAudit(ctx, a.ID, upd); err != nil && !errors.Is(err, audit.ErrTerminal) {
		e.logger.Error("persist audit failure state",
			zap.String("audit_id", a.ID), zap.Error(err))
	}
	e.emitter.Emit(progress.Event{
		AuditID: a.ID,
		TS:      now,
		Stage:   progress.StageAuditError,
		SiteURL: a.SiteURL,
		Note:    msg,
	})
	return cause
}

type fetchOutcome struct {
	entry   frontier.Entry
	signals audit.PageSignals
	err     error
}

// crawlSession is the per-audit scheduling state. Everything in it is
// owned by the single loop goroutine.
type crawlSession struct {
	engine   *Engine
	audit    *audit.Audit
	frontier *frontier.Frontier
	fetcher  audit.Fetcher
	seedURL  string
	results  chan fetchOutcome

	processed int
	inFlight  int
	summary   audit.IssueSummary
}

// loop dispatches fetches up to the concurrency bound and processes
// outcomes until the frontier is exhausted, the page cap is reached,
// or an unrecoverable error occurs. It always drains in-flight fetches
// before returning.
func (s *crawlSession) loop(ctx context.Context) error {
	opts := s.audit.Options
	var abort error

	dispatch := func() {
		if abort != nil || ctx.Err() != nil {
			return
		}
		for s.inFlight < opts.MaxConcurrency && s.processed+s.inFlight < opts.MaxPages {
			entry, ok := s.frontier.Next()
			if !ok {
				return
			}
			s.inFlight++
			go s.fetch(ctx, entry)
		}
	}

	dispatch()
	for s.inFlight > 0 {
		out := <-s.results
		s.inFlight--
		if abort == nil && ctx.Err() == nil {
			abort = s.handle(ctx, out)
		}
		dispatch()
	}
	return abort
}

// fetch runs on a worker goroutine; it must not touch session state.
func (s *crawlSession) fetch(ctx context.Context, entry frontier.Entry) {
	signals, err := s.engine.fetchWithRetry(ctx, s.fetcher, entry.URL)
	s.results <- fetchOutcome{entry: entry, signals: signals, err: err}
}

// fetchWithRetry applies per-host politeness and retries a transient
// failure exactly once. A second failure of any kind is permanent.
func (e *Engine) fetchWithRetry(ctx context.Context, f audit.Fetcher, url string) (audit.PageSignals, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, url); err != nil {
			return audit.PageSignals{}, audit.NewPermanentFetchError(0, err)
		}
	}
	signals, err := f.Fetch(ctx, url)
	if err == nil {
		return signals, nil
	}
	if !audit.Transient(err) || ctx.Err() != nil {
		return audit.PageSignals{}, err
	}

	signals, retryErr := f.Fetch(ctx, url)
	if retryErr == nil {
		return signals, nil
	}
	var fe *audit.FetchError
	status := 0
	if errors.As(retryErr, &fe) {
		status = fe.StatusCode
	}
	return audit.PageSignals{}, audit.NewPermanentFetchError(status, fmt.Errorf("retry failed: %w", retryErr))
}

// handle processes one fetch outcome on the scheduling goroutine.
func (s *crawlSession) handle(ctx context.Context, out fetchOutcome) error {
	if out.err != nil && out.entry.URL == s.seedURL {
		return fmt.Errorf("start url unreachable: %w", out.err)
	}

	s.processed++
	pr := s.buildPageResult(ctx, out)

	if err := s.engine.store.AppendPageResult(ctx, pr); err != nil {
		return &audit.PersistenceError{Op: "append page result", Err: err}
	}

	s.summary.Add(pr.Issues.Summary())
	progressPct := s.processed * 100 / s.audit.Options.MaxPages
	if progressPct > 100 {
		progressPct = 100
	}
	upd := audit.AuditUpdate{
		Progress:   &progressPct,
		TotalPages: &s.processed,
		Issues:     &s.summary,
	}
	if err := s.engine.store.UpdateAudit(ctx, s.audit.ID, upd); err != nil {
		return &audit.PersistenceError{Op: "update audit progress", Err: err}
	}

	if out.err == nil {
		for _, link := range out.signals.InternalLinks {
			s.frontier.Add(link, out.entry.Depth+1)
		}
		for _, link := range out.signals.ExternalLinks {
			s.frontier.Add(link, out.entry.Depth+1)
		}
	}

	s.engine.emitter.Emit(progress.Event{
		AuditID:     s.audit.ID,
		TS:          pr.FetchedAt,
		Stage:       progress.StagePageDone,
		SiteURL:     s.audit.SiteURL,
		URL:         pr.URL,
		StatusClass: progress.ClassifyStatus(pr.StatusCode),
		Dur:         time.Duration(pr.LoadTimeMs) * time.Millisecond,
		PagesDone:   s.processed,
		IssuesFound: pr.Issues.Summary().Total,
	})
	return nil
}

// buildPageResult turns a fetch outcome into the persisted record. A
// permanent fetch failure degrades to a page carrying one critical
// issue; the URL is not expanded further.
func (s *crawlSession) buildPageResult(ctx context.Context, out fetchOutcome) audit.PageResult {
	now := s.engine.clock.Now()
	if out.err != nil {
		var fe *audit.FetchError
		statusCode := 0
		if errors.As(out.err, &fe) {
			statusCode = fe.StatusCode
		}
		var issues audit.IssueList
		issues.Append(audit.Issue{
			Rule:     fetchFailedRule,
			Severity: audit.SeverityCritical,
			Detail:   out.err.Error(),
		})
		return audit.PageResult{
			AuditID:    s.audit.ID,
			URL:        out.entry.URL,
			Depth:      out.entry.Depth,
			StatusCode: statusCode,
			Issues:     issues,
			FetchedAt:  now,
		}
	}

	sig := out.signals
	pr := audit.PageResult{
		AuditID:         s.audit.ID,
		URL:             out.entry.URL,
		Depth:           out.entry.Depth,
		Title:           sig.Title,
		H1:              sig.H1,
		MetaDescription: sig.MetaDescription,
		StatusCode:      sig.StatusCode,
		ContentType:     sig.ContentType,
		LoadTimeMs:      sig.ElapsedMs,
		WordCount:       sig.WordCount,
		Links: audit.LinkCounts{
			Internal: len(sig.InternalLinks),
			External: len(sig.ExternalLinks),
			Broken:   sig.BrokenLinks,
		},
		Images: audit.ImageCounts{
			Total:      len(sig.Images),
			MissingAlt: sig.MissingAltCount(),
		},
		Issues:    rules.Evaluate(sig),
		FetchedAt: now,
	}
	if s.audit.Options.IncludeScreenshots && len(sig.Screenshot) > 0 {
		pr.ScreenshotRef = s.engine.putScreenshot(ctx, s.audit.ID, s.processed, sig.Screenshot)
	}
	return pr
}

// putScreenshot uploads a page screenshot; failures are logged and the
// page keeps an empty ref.
func (e *Engine) putScreenshot(ctx context.Context, auditID string, seq int, shot []byte) string {
	path := fmt.Sprintf("%s/%s/page-%04d.png", strings.Trim(e.cfg.ScreenshotPrefix, "/"), auditID, seq)
	ref, err := e.blobs.PutObject(ctx, path, screenshotContentType, bytes.NewReader(shot))
	if err != nil {
		e.logger.Warn("screenshot upload failed",
			zap.String("audit_id", auditID),
			zap.String("path", path),
			zap.Error(err),
		)
		return ""
	}
	return ref
}

// putReport renders and uploads the HTML artifact. Report persistence
// is part of the COMPLETED contract, so failures here fail the audit.
func (e *Engine) putReport(ctx context.Context, a audit.Audit, pages []audit.PageResult) (string, error) {
	if e.reports == nil || e.blobs == nil {
		return "", nil
	}
	html, err := e.reports.Render(a, pages)
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	path := fmt.Sprintf("%s/%s.html", strings.Trim(e.cfg.ReportPrefix, "/"), a.ID)
	ref, err := e.blobs.PutObject(ctx, path, reportContentType, bytes.NewReader(html))
	if err != nil {
		return "", &audit.PersistenceError{Op: "store report", Err: err}
	}
	return ref, nil
}

// finishCompleted renders the report, persists the terminal state, and
// publishes the completion event.
func (e *Engine) finishCompleted(
	ctx context.Context,
	a *audit.Audit,
	s *crawlSession,
	finishedAt time.Time,
	elapsed time.Duration,
) error {
	pages, err := e.store.ListPageResults(ctx, a.ID)
	if err != nil {
		return e.fail(ctx, a, &audit.PersistenceError{Op: "list page results", Err: err})
	}

	snapshot := *a
	snapshot.Status = audit.StatusCompleted
	snapshot.TotalPages = s.processed
	snapshot.Issues = s.summary
	snapshot.CompletedAt = &finishedAt

	reportRef, err := e.putReport(ctx, snapshot, pages)
	if err != nil {
		return e.fail(ctx, a, err)
	}

	status := audit.StatusCompleted
	progressDone := 100
	upd := audit.AuditUpdate{
		Status:      &status,
		Progress:    &progressDone,
		TotalPages:  &s.processed,
		Issues:      &s.summary,
		ReportRef:   &reportRef,
		CompletedAt: &finishedAt,
	}
	if err := e.store.UpdateAudit(ctx, a.ID, upd); err != nil {
		return &audit.PersistenceError{Op: "complete audit", Err: err}
	}

	if historyID, idErr := e.ids.NewID(); idErr != nil {
		e.logger.Error("generate history id", zap.String("audit_id", a.ID), zap.Error(idErr))
	} else {
		history := audit.History{
			ID:         historyID,
			AuditID:    a.ID,
			ProjectID:  a.ProjectID,
			SiteURL:    a.SiteURL,
			TotalPages: s.processed,
			Issues:     s.summary,
			CreatedAt:  finishedAt,
		}
		if err := e.store.CreateHistory(ctx, history); err != nil {
			e.logger.Error("write audit history", zap.String("audit_id", a.ID), zap.Error(err))
		}
	}

	e.publishCompletion(ctx, audit.CompletionEvent{
		AuditID:     a.ID,
		ProjectID:   a.ProjectID,
		SiteURL:     a.SiteURL,
		Status:      audit.StatusCompleted,
		TotalPages:  s.processed,
		IssuesTotal: s.summary.Total,
		ReportRef:   reportRef,
		FinishedAt:  finishedAt,
	})

	e.emitter.Emit(progress.Event{
		AuditID:     a.ID,
		TS:          finishedAt,
		Stage:       progress.StageAuditDone,
		SiteURL:     a.SiteURL,
		Dur:         elapsed,
		PagesDone:   s.processed,
		IssuesFound: s.summary.Total,
	})
	e.logger.Info("audit completed",
		zap.String("audit_id", a.ID),
		zap.Int("total_pages", s.processed),
		zap.Int("issues_total", s.summary.Total),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// finishFailed persists the FAILED state. Pages already appended stay
// readable alongside the error message.
func (e *Engine) finishFailed(
	ctx context.Context,
	a *audit.Audit,
	s *crawlSession,
	cause error,
	finishedAt time.Time,
	elapsed time.Duration,
) error {
	status := audit.StatusFailed
	msg := cause.Error()
	upd := audit.AuditUpdate{
		Status:       &status,
		TotalPages:   &s.processed,
		Issues:       &s.summary,
		ErrorMessage: &msg,
		CompletedAt:  &finishedAt,
	}
	if err := e.store.UpdateAudit(ctx, a.ID, upd); err != nil && !errors.Is(err, audit.ErrTerminal) {
		e.logger.Error("persist audit failure state",
			zap.String("audit_id", a.ID), zap.Error(err))
	}

	e.publishCompletion(ctx, audit.CompletionEvent{
		AuditID:     a.ID,
		ProjectID:   a.ProjectID,
		SiteURL:     a.SiteURL,
		Status:      audit.StatusFailed,
		TotalPages:  s.processed,
		IssuesTotal: s.summary.Total,
		FinishedAt:  finishedAt,
	})

	e.emitter.Emit(progress.Event{
		AuditID:     a.ID,
		TS:          finishedAt,
		Stage:       progress.StageAuditError,
		SiteURL:     a.SiteURL,
		Dur:         elapsed,
		PagesDone:   s.processed,
		IssuesFound: s.summary.Total,
		Note:        msg,
	})
	e.logger.Warn("audit failed",
		zap.String("audit_id", a.ID),
		zap.Int("pages_processed", s.processed),
		zap.String("error", msg),
	)
	return cause
}

func (e *Engine) publishCompletion(ctx context.Context, evt audit.CompletionEvent) {
	if e.publisher == nil || e.cfg.CompletedTopic == "" {
		return
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.CompletedTopic, evt); err != nil {
		e.logger.Warn("publish completion event",
			zap.String("audit_id", evt.AuditID), zap.Error(err))
	}
}
