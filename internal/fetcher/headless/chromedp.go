// Package headless implements the script-rendering fetch strategy with
// chromedp. It is selected per audit when a site only serves meaningful
// content after executing its scripts.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/rankwell/siteaudit/internal/audit"
	"github.com/rankwell/siteaudit/internal/fetcher/extract"
)

const (
	defaultNavTimeout = 45 * time.Second
	// settleDelay gives client-side routers a beat to finish painting
	// after the body is ready.
	settleDelay = 500 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel        int
	UserAgent          string
	NavigationTimeout  time.Duration
	CaptureScreenshots bool
}

// Fetcher implements audit.Fetcher using chromedp and headless Chrome.
// One browser process is shared; each fetch runs in its own tab,
// bounded by MaxParallel.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher backed by a shared exec allocator.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, shutting the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders rawURL in a browser tab and extracts the page's signal
// bundle from the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (audit.PageSignals, error) {
	if err := f.acquire(ctx); err != nil {
		return audit.PageSignals{}, audit.NewTransientFetchError(0, err)
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()
	// The tab descends from the allocator, not the caller, so relay the
	// caller's cancellation to abort an in-flight navigation.
	stopRelay := context.AfterFunc(ctx, taskCancel)
	defer stopRelay()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, shot, err := f.runHeadless(taskCtx, rawURL)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return audit.PageSignals{}, audit.NewTransientFetchError(0, ctx.Err())
		}
		return audit.PageSignals{}, classifyRunError(meta, err)
	}

	status, contentType, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	if status >= 500 {
		return audit.PageSignals{}, audit.NewTransientFetchError(status,
			fmt.Errorf("document response %d", status))
	}
	if status >= 400 {
		return audit.PageSignals{}, audit.NewPermanentFetchError(status,
			fmt.Errorf("document response %d", status))
	}
	if !htmlContentType(contentType) {
		return audit.PageSignals{}, audit.NewPermanentFetchError(status,
			fmt.Errorf("unsupported content type %q", contentType))
	}

	signals, err := extract.Signals(responseURL, []byte(html))
	if err != nil {
		return audit.PageSignals{}, audit.NewPermanentFetchError(status, err)
	}
	signals.StatusCode = status
	signals.ContentType = contentType
	signals.ElapsedMs = elapsed.Milliseconds()
	signals.Screenshot = shot
	return signals, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, rawURL string) (string, string, []byte, error) {
	var (
		html     string
		finalURL string
		shot     []byte
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if f.cfg.CaptureScreenshots {
		actions = append(actions, chromedp.CaptureScreenshot(&shot))
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", nil, fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, shot, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// classifyRunError maps a chromedp failure onto the fetch taxonomy:
// deadline expiry is transient, navigation-level failures (DNS, refused
// connections, aborted loads) permanent.
func classifyRunError(meta *responseMeta, err error) *audit.FetchError {
	status, _, _ := meta.snapshot()
	if errors.Is(err, context.DeadlineExceeded) {
		return audit.NewTransientFetchError(status, err)
	}
	if status >= 500 {
		return audit.NewTransientFetchError(status, err)
	}
	return audit.NewPermanentFetchError(status, err)
}

func htmlContentType(ct string) bool {
	if ct == "" {
		return true
	}
	lower := strings.ToLower(ct)
	return strings.Contains(lower, "text/html") || strings.Contains(lower, "application/xhtml+xml")
}

// responseMeta collects the main document's response metadata from CDP
// network events while the page loads.
type responseMeta struct {
	mu          sync.RWMutex
	status      int
	contentType string
	url         string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	contentType := ""
	for key, value := range event.Response.Headers {
		if !strings.EqualFold(key, "Content-Type") {
			continue
		}
		switch v := value.(type) {
		case string:
			contentType = v
		default:
			contentType = fmt.Sprint(v)
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.contentType = contentType
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.contentType, m.url
}

// snapshotWithFallbacks fills gaps left by sites that never produce a
// document response event: the final location wins over the requested
// URL, and a missing status is assumed OK.
func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string, string) {
	status, contentType, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, contentType, url
}
