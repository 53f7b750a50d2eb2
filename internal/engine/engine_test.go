package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rankwell/siteaudit/internal/audit"
	"github.com/rankwell/siteaudit/internal/progress"
	"github.com/rankwell/siteaudit/internal/report"
)

type fakeStore struct {
	mu        sync.Mutex
	audits    map[string]audit.Audit
	pages     map[string][]audit.PageResult
	history   []audit.History
	progress  []int
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		audits: make(map[string]audit.Audit),
		pages:  make(map[string][]audit.PageResult),
	}
}

func (s *fakeStore) CreateAudit(_ context.Context, a audit.Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits[a.ID] = a
	return nil
}

func (s *fakeStore) UpdateAudit(_ context.Context, id string, upd audit.AuditUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return audit.ErrAuditNotFound
	}
	if a.Status.Terminal() {
		return audit.ErrTerminal
	}
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	if upd.Progress != nil {
		a.Progress = *upd.Progress
		s.progress = append(s.progress, *upd.Progress)
	}
	if upd.TotalPages != nil {
		a.TotalPages = *upd.TotalPages
	}
	if upd.Issues != nil {
		a.Issues = *upd.Issues
	}
	if upd.ReportRef != nil {
		a.ReportRef = *upd.ReportRef
	}
	if upd.ErrorMessage != nil {
		a.ErrorMessage = *upd.ErrorMessage
	}
	if upd.StartedAt != nil {
		a.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		a.CompletedAt = upd.CompletedAt
	}
	s.audits[id] = a
	return nil
}

func (s *fakeStore) GetAudit(_ context.Context, id string) (audit.Audit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok {
		return audit.Audit{}, audit.ErrAuditNotFound
	}
	return a, nil
}

func (s *fakeStore) ListAudits(_ context.Context, _ string, _ int) ([]audit.Audit, error) {
	return nil, nil
}

func (s *fakeStore) AppendPageResult(_ context.Context, pr audit.PageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.pages[pr.AuditID] = append(s.pages[pr.AuditID], pr)
	return nil
}

func (s *fakeStore) ListPageResults(_ context.Context, auditID string) ([]audit.PageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.PageResult(nil), s.pages[auditID]...), nil
}

func (s *fakeStore) CreateHistory(_ context.Context, h audit.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

func (s *fakeStore) HasActiveAudit(_ context.Context, scheduleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.audits {
		if a.ScheduleID == scheduleID && !a.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) audit(t *testing.T, id string) audit.Audit {
	t.Helper()
	a, err := s.GetAudit(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (s *fakeStore) progressUpdates() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.progress...)
}

type fetchReply struct {
	signals audit.PageSignals
	errs    []error
}

// fakeFetcher replays scripted responses per URL. Errors in errs are
// consumed one per call; once exhausted the signals are returned.
type fakeFetcher struct {
	mu      sync.Mutex
	replies map[string]*fetchReply
	calls   map[string]int

	inFlight atomic.Int64
	peak     atomic.Int64
	gate     chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		replies: make(map[string]*fetchReply),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) set(url string, signals audit.PageSignals, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[url] = &fetchReply{signals: signals, errs: errs}
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (audit.PageSignals, error) {
	cur := f.inFlight.Add(1)
	for {
		prev := f.peak.Load()
		if cur <= prev || f.peak.CompareAndSwap(prev, cur) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return audit.PageSignals{}, audit.NewTransientFetchError(0, ctx.Err())
		}
	}

	f.mu.Lock()
	f.calls[url]++
	reply, ok := f.replies[url]
	var err error
	if ok && len(reply.errs) > 0 {
		err = reply.errs[0]
		reply.errs = reply.errs[1:]
	}
	f.mu.Unlock()

	if !ok {
		return audit.PageSignals{}, audit.NewPermanentFetchError(http.StatusNotFound, errors.New("no scripted reply"))
	}
	if err != nil {
		return audit.PageSignals{}, err
	}
	return reply.signals, nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (b *fakeBlobs) PutObject(_ context.Context, path, _ string, body io.Reader) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	b.objects[path] = data
	return "memory://" + path, nil
}

func (b *fakeBlobs) object(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	return data, ok
}

type publishedEvent struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic: topic, payload: payload})
	return fmt.Sprintf("msg-%d", len(p.events)), nil
}

func (p *fakePublisher) published() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

type capturingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *capturingEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) all() []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]progress.Event(nil), c.events...)
}

func (c *capturingEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Stage)
	}
	return out
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

func healthySignals(url string, links ...string) audit.PageSignals {
	return audit.PageSignals{
		URL:             url,
		StatusCode:      200,
		ContentType:     "text/html",
		Title:           "A Perfectly Reasonable Page Title",
		MetaDescription: "This description is long enough to satisfy the minimum length rule for meta descriptions.",
		H1:              "A Reasonable Heading",
		InternalLinks:   links,
		WordCount:       450,
		ElapsedMs:       42,
	}
}

func defaultOptions() audit.CrawlOptions {
	return audit.CrawlOptions{
		MaxDepth:       3,
		MaxPages:       25,
		MaxConcurrency: 2,
		SkipExternal:   true,
	}
}

type engineHarness struct {
	engine    *Engine
	store     *fakeStore
	fetcher   *fakeFetcher
	blobs     *fakeBlobs
	publisher *fakePublisher
	emitter   *capturingEmitter
}

func newHarness(t *testing.T) *engineHarness {
	t.Helper()
	gen, err := report.NewGenerator()
	require.NoError(t, err)

	h := &engineHarness{
		store:     newFakeStore(),
		fetcher:   newFakeFetcher(),
		blobs:     newFakeBlobs(),
		publisher: &fakePublisher{},
		emitter:   &capturingEmitter{},
	}
	h.engine = New(
		h.store,
		h.blobs,
		h.publisher,
		h.fetcher,
		h.fetcher,
		nil,
		nil,
		gen,
		h.emitter,
		utcClock{},
		&seqIDs{},
		Config{CompletedTopic: "audit-completed"},
		zap.NewNop(),
	)
	return h
}

func (h *engineHarness) createAudit(t *testing.T, id, siteURL string, opts audit.CrawlOptions) {
	t.Helper()
	now := time.Now().UTC()
	err := h.store.CreateAudit(context.Background(), audit.Audit{
		ID:        id,
		ProjectID: "project-1",
		SiteURL:   siteURL,
		Status:    audit.StatusPending,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
}

// TestRunCompletesCrawl walks a small site and checks the terminal
// audit state, artifacts, and the summary invariant.
func TestRunCompletesCrawl(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.set("https://example.com/", healthySignals("https://example.com/",
		"https://example.com/a", "https://example.com/b"))
	h.fetcher.set("https://example.com/a", healthySignals("https://example.com/a",
		"https://example.com/c"))
	h.fetcher.set("https://example.com/b", healthySignals("https://example.com/b"))
	h.fetcher.set("https://example.com/c", healthySignals("https://example.com/c"))

	h.createAudit(t, "audit-1", "https://example.com", defaultOptions())
	require.NoError(t, h.engine.Run(context.Background(), "audit-1"))

	a := h.store.audit(t, "audit-1")
	require.Equal(t, audit.StatusCompleted, a.Status)
	require.Equal(t, 4, a.TotalPages)
	require.Equal(t, 100, a.Progress)
	require.Equal(t, "memory://reports/audit-1.html", a.ReportRef)
	require.NotNil(t, a.StartedAt)
	require.NotNil(t, a.CompletedAt)
	require.Empty(t, a.ErrorMessage)

	pages, err := h.store.ListPageResults(context.Background(), "audit-1")
	require.NoError(t, err)
	require.Len(t, pages, 4)

	var fromPages audit.IssueSummary
	for _, p := range pages {
		fromPages.Add(p.Issues.Summary())
	}
	require.Equal(t, fromPages, a.Issues)

	reportHTML, ok := h.blobs.object("reports/audit-1.html")
	require.True(t, ok)
	require.Contains(t, string(reportHTML), "https://example.com/a")

	require.Len(t, h.store.history, 1)
	require.Equal(t, "audit-1", h.store.history[0].AuditID)
	require.Equal(t, 4, h.store.history[0].TotalPages)

	events := h.publisher.published()
	require.Len(t, events, 1)
	require.Equal(t, "audit-completed", events[0].topic)
	completion, ok := events[0].payload.(audit.CompletionEvent)
	require.True(t, ok)
	require.Equal(t, audit.StatusCompleted, completion.Status)
	require.Equal(t, 4, completion.TotalPages)

	stages := h.emitter.stages()
	require.Equal(t, progress.StageAuditStart, stages[0])
	require.Equal(t, progress.StageAuditDone, stages[len(stages)-1])
}

// TestRunHonorsMaxPages crawls a site much larger than maxPages and
// expects exactly maxPages results.
func TestRunHonorsMaxPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var rootLinks []string
	for i := 0; i < 50; i++ {
		child := fmt.Sprintf("https://big.example/page-%02d", i)
		rootLinks = append(rootLinks, child)
		h.fetcher.set(child, healthySignals(child))
	}
	h.fetcher.set("https://big.example/", healthySignals("https://big.example/", rootLinks...))

	opts := defaultOptions()
	opts.MaxPages = 10
	h.createAudit(t, "audit-cap", "https://big.example", opts)
	require.NoError(t, h.engine.Run(context.Background(), "audit-cap"))

	a := h.store.audit(t, "audit-cap")
	require.Equal(t, audit.StatusCompleted, a.Status)
	require.Equal(t, 10, a.TotalPages)

	pages, err := h.store.ListPageResults(context.Background(), "audit-cap")
	require.NoError(t, err)
	require.Len(t, pages, 10)
}

// TestRunRetriesTransientOnce verifies one retry turns a flaky page
// into a success.
func TestRunRetriesTransientOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	flaky := "https://example.com/flaky"
	h.fetcher.set("https://example.com/", healthySignals("https://example.com/", flaky))
	h.fetcher.set(flaky, healthySignals(flaky),
		audit.NewTransientFetchError(503, errors.New("upstream hiccup")))

	h.createAudit(t, "audit-retry", "https://example.com", defaultOptions())
	require.NoError(t, h.engine.Run(context.Background(), "audit-retry"))

	require.Equal(t, 2, h.fetcher.callCount(flaky))

	a := h.store.audit(t, "audit-retry")
	require.Equal(t, audit.StatusCompleted, a.Status)
	require.Equal(t, 2, a.TotalPages)
	require.Zero(t, a.Issues.Critical)
}

// TestRunDegradesPermanentFailures records failed pages as critical
// issues without aborting the crawl.
func TestRunDegradesPermanentFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	gone := "https://example.com/gone"
	doomed := "https://example.com/doomed"
	h.fetcher.set("https://example.com/", healthySignals("https://example.com/", gone, doomed))
	h.fetcher.set(gone, audit.PageSignals{},
		audit.NewPermanentFetchError(404, errors.New("not found")))
	h.fetcher.set(doomed, audit.PageSignals{},
		audit.NewTransientFetchError(502, errors.New("bad gateway")),
		audit.NewTransientFetchError(502, errors.New("bad gateway")))

	h.createAudit(t, "audit-degrade", "https://example.com", defaultOptions())
	require.NoError(t, h.engine.Run(context.Background(), "audit-degrade"))

	require.Equal(t, 1, h.fetcher.callCount(gone))
	require.Equal(t, 2, h.fetcher.callCount(doomed))

	a := h.store.audit(t, "audit-degrade")
	require.Equal(t, audit.StatusCompleted, a.Status)
	require.Equal(t, 3, a.TotalPages)
	require.Equal(t, 2, a.Issues.Critical)

	pages, err := h.store.ListPageResults(context.Background(), "audit-degrade")
	require.NoError(t, err)
	failedByURL := make(map[string]audit.PageResult)
	for _, p := range pages {
		failedByURL[p.URL] = p
	}
	require.Equal(t, 404, failedByURL[gone].StatusCode)
	require.Len(t, failedByURL[gone].Issues.Critical, 1)
	require.Equal(t, "fetch-failed", failedByURL[gone].Issues.Critical[0].Rule)
	require.Contains(t, failedByURL[doomed].Issues.Critical[0].Detail, "retry failed")
}

// TestRunStartURLUnreachable aborts the whole audit when the seed page
// cannot be fetched.
func TestRunStartURLUnreachable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.set("https://down.example/", audit.PageSignals{},
		audit.NewPermanentFetchError(0, errors.New("dial tcp: no such host")))

	h.createAudit(t, "audit-down", "https://down.example", defaultOptions())
	err := h.engine.Run(context.Background(), "audit-down")
	require.Error(t, err)
	require.Contains(t, err.Error(), "start url unreachable")

	a := h.store.audit(t, "audit-down")
	require.Equal(t, audit.StatusFailed, a.Status)
	require.Contains(t, a.ErrorMessage, "start url unreachable")
	require.Zero(t, a.TotalPages)

	pages, listErr := h.store.ListPageResults(context.Background(), "audit-down")
	require.NoError(t, listErr)
	require.Empty(t, pages)

	events := h.publisher.published()
	require.Len(t, events, 1)
	completion := events[0].payload.(audit.CompletionEvent)
	require.Equal(t, audit.StatusFailed, completion.Status)
}

// TestRunPersistenceFailureFailsAudit propagates result-store write
// failures to a FAILED audit.
func TestRunPersistenceFailureFailsAudit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.set("https://example.com/", healthySignals("https://example.com/"))
	h.store.appendErr = errors.New("disk full")

	h.createAudit(t, "audit-disk", "https://example.com", defaultOptions())
	err := h.engine.Run(context.Background(), "audit-disk")
	require.Error(t, err)

	var pe *audit.PersistenceError
	require.ErrorAs(t, err, &pe)

	a := h.store.audit(t, "audit-disk")
	require.Equal(t, audit.StatusFailed, a.Status)
	require.Contains(t, a.ErrorMessage, "disk full")
}

// TestRunBoundsConcurrency asserts in-flight fetches never exceed the
// per-audit maxConcurrency.
func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var rootLinks []string
	for i := 0; i < 12; i++ {
		child := fmt.Sprintf("https://example.com/c%d", i)
		rootLinks = append(rootLinks, child)
		h.fetcher.set(child, healthySignals(child))
	}
	h.fetcher.set("https://example.com/", healthySignals("https://example.com/", rootLinks...))

	opts := defaultOptions()
	opts.MaxConcurrency = 2
	h.createAudit(t, "audit-conc", "https://example.com", opts)
	require.NoError(t, h.engine.Run(context.Background(), "audit-conc"))

	require.LessOrEqual(t, h.fetcher.peak.Load(), int64(2))
	a := h.store.audit(t, "audit-conc")
	require.Equal(t, 13, a.TotalPages)
}

// TestRunUpdatesProgressIncrementally checks a concurrent reader would
// observe intermediate progress, monotonically non-decreasing.
func TestRunUpdatesProgressIncrementally(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.set("https://example.com/", healthySignals("https://example.com/",
		"https://example.com/a", "https://example.com/b", "https://example.com/c"))
	h.fetcher.set("https://example.com/a", healthySignals("https://example.com/a"))
	h.fetcher.set("https://example.com/b", healthySignals("https://example.com/b"))
	h.fetcher.set("https://example.com/c", healthySignals("https://example.com/c"))

	opts := defaultOptions()
	opts.MaxPages = 4
	h.createAudit(t, "audit-prog", "https://example.com", opts)
	require.NoError(t, h.engine.Run(context.Background(), "audit-prog"))

	updates := h.store.progressUpdates()
	require.NotEmpty(t, updates)
	for i := 1; i < len(updates); i++ {
		require.GreaterOrEqual(t, updates[i], updates[i-1])
	}
	require.Less(t, updates[0], 100)
	require.Equal(t, 100, updates[len(updates)-1])
}

// TestCancelRunningAudit cancels mid-crawl: the run loop drains and
// marks the audit FAILED with the cancel message.
func TestCancelRunningAudit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.gate = make(chan struct{})
	h.fetcher.set("https://example.com/", healthySignals("https://example.com/"))

	h.createAudit(t, "audit-cancel", "https://example.com", defaultOptions())

	done := make(chan error, 1)
	go func() {
		done <- h.engine.Run(context.Background(), "audit-cancel")
	}()

	require.Eventually(t, func() bool {
		return h.store.audit(t, "audit-cancel").Status == audit.StatusInProgress
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Cancel(context.Background(), "audit-cancel"))

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), "audit canceled")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	a := h.store.audit(t, "audit-cancel")
	require.Equal(t, audit.StatusFailed, a.Status)
	require.Equal(t, "audit canceled", a.ErrorMessage)
}

// TestCancelPendingAudit flips a queued audit straight to FAILED, and
// the engine later skips it.
func TestCancelPendingAudit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.createAudit(t, "audit-queued", "https://example.com", defaultOptions())

	require.NoError(t, h.engine.Cancel(context.Background(), "audit-queued"))
	a := h.store.audit(t, "audit-queued")
	require.Equal(t, audit.StatusFailed, a.Status)
	require.Equal(t, "audit canceled", a.ErrorMessage)

	require.ErrorIs(t, h.engine.Cancel(context.Background(), "audit-queued"), audit.ErrTerminal)

	require.NoError(t, h.engine.Run(context.Background(), "audit-queued"))
	pages, err := h.store.ListPageResults(context.Background(), "audit-queued")
	require.NoError(t, err)
	require.Empty(t, pages)
}

// TestRunStoresScreenshots uploads page screenshots when enabled.
func TestRunStoresScreenshots(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	withShot := healthySignals("https://example.com/")
	withShot.Screenshot = []byte{0x89, 0x50, 0x4e, 0x47}
	h.fetcher.set("https://example.com/", withShot)

	opts := defaultOptions()
	opts.IncludeScreenshots = true
	h.createAudit(t, "audit-shot", "https://example.com", opts)
	require.NoError(t, h.engine.Run(context.Background(), "audit-shot"))

	pages, err := h.store.ListPageResults(context.Background(), "audit-shot")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, "memory://screenshots/audit-shot/page-0001.png", pages[0].ScreenshotRef)

	shot, ok := h.blobs.object("screenshots/audit-shot/page-0001.png")
	require.True(t, ok)
	require.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, shot)
}

// TestRunReportUploadFailureFailsAudit keeps the persistence taxonomy:
// a report that cannot be stored fails the audit.
func TestRunReportUploadFailureFailsAudit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.set("https://example.com/", healthySignals("https://example.com/"))
	h.blobs.err = errors.New("bucket unavailable")

	h.createAudit(t, "audit-blob", "https://example.com", defaultOptions())
	err := h.engine.Run(context.Background(), "audit-blob")
	require.Error(t, err)

	a := h.store.audit(t, "audit-blob")
	require.Equal(t, audit.StatusFailed, a.Status)
	require.Contains(t, a.ErrorMessage, "bucket unavailable")
}

// TestRunSkipsExternalLinks keeps the crawl same-origin when configured.
func TestRunSkipsExternalLinks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := healthySignals("https://example.com/", "https://example.com/in")
	root.ExternalLinks = []string{"https://other.example/out"}
	h.fetcher.set("https://example.com/", root)
	h.fetcher.set("https://example.com/in", healthySignals("https://example.com/in"))

	h.createAudit(t, "audit-origin", "https://example.com", defaultOptions())
	require.NoError(t, h.engine.Run(context.Background(), "audit-origin"))

	require.Zero(t, h.fetcher.callCount("https://other.example/out"))
	a := h.store.audit(t, "audit-origin")
	require.Equal(t, 2, a.TotalPages)
}

// TestRunEmitsPageEvents checks the PAGE_DONE stream matches processed pages.
func TestRunEmitsPageEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.set("https://example.com/", healthySignals("https://example.com/",
		"https://example.com/a"))
	h.fetcher.set("https://example.com/a", healthySignals("https://example.com/a"))

	h.createAudit(t, "audit-events", "https://example.com", defaultOptions())
	require.NoError(t, h.engine.Run(context.Background(), "audit-events"))

	pageDone := 0
	for _, evt := range h.emitter.all() {
		if evt.Stage == progress.StagePageDone {
			pageDone++
			require.Equal(t, progress.Status2xx, evt.StatusClass)
			require.NotEmpty(t, evt.URL)
		}
	}
	require.Equal(t, 2, pageDone)
}
