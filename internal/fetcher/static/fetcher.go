// Package static implements the non-rendering fetch strategy using
// gocolly. It never executes page scripts, which makes it the fast
// default for sites that serve meaningful HTML.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/rankwell/siteaudit/internal/audit"
	"github.com/rankwell/siteaudit/internal/fetcher/extract"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements audit.Fetcher with a Colly collector. The base
// collector is cloned per fetch so hooks never leak between requests.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher with a pooled transport.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, base: c}
}

type captured struct {
	statusCode  int
	contentType string
	finalURL    string
	body        []byte
	elapsed     time.Duration
}

// Fetch executes a single GET and extracts the page's signal bundle.
// Failures come back as *audit.FetchError: timeouts and 5xx transient,
// everything else permanent.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (audit.PageSignals, error) {
	var (
		resp    captured
		respErr error
		gotResp bool
		start   = time.Now()
	)

	collector := f.buildCollector()
	collector.OnResponse(func(r *colly.Response) {
		gotResp = true
		resp = captured{
			statusCode:  r.StatusCode,
			contentType: r.Headers.Get("Content-Type"),
			finalURL:    r.Request.URL.String(),
			body:        append([]byte(nil), r.Body...),
			elapsed:     time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			resp.statusCode = r.StatusCode
		}
		respErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return audit.PageSignals{}, audit.NewTransientFetchError(0, ctx.Err())
	case err := <-done:
		if err == nil && respErr != nil {
			err = respErr
		}
		if err != nil {
			return audit.PageSignals{}, classify(resp.statusCode, err)
		}
	}

	if !gotResp {
		return audit.PageSignals{}, audit.NewPermanentFetchError(0, errors.New("no response received"))
	}
	if !htmlContentType(resp.contentType) {
		return audit.PageSignals{}, audit.NewPermanentFetchError(resp.statusCode,
			fmt.Errorf("unsupported content type %q", resp.contentType))
	}

	signals, err := extract.Signals(resp.finalURL, resp.body)
	if err != nil {
		return audit.PageSignals{}, audit.NewPermanentFetchError(resp.statusCode, err)
	}
	signals.StatusCode = resp.statusCode
	signals.ContentType = resp.contentType
	signals.ElapsedMs = resp.elapsed.Milliseconds()
	return signals, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)
	if f.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = f.cfg.MaxBodyBytes
	}
	return collector
}

// classify maps a transport failure onto the fetch-error taxonomy:
// HTTP 5xx and network timeouts are transient, 4xx and anything
// structural (bad URL, robots denial, TLS trouble) permanent.
func classify(statusCode int, err error) *audit.FetchError {
	if statusCode >= 500 {
		return audit.NewTransientFetchError(statusCode, err)
	}
	if statusCode >= 400 {
		return audit.NewPermanentFetchError(statusCode, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return audit.NewTransientFetchError(statusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return audit.NewTransientFetchError(statusCode, err)
	}
	return audit.NewPermanentFetchError(statusCode, err)
}

func htmlContentType(ct string) bool {
	if ct == "" {
		return true
	}
	lower := strings.ToLower(ct)
	return strings.Contains(lower, "text/html") || strings.Contains(lower, "application/xhtml+xml")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
