package frontier

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// sitemapPaths are the canonical locations probed in order; the first
// one that fetches and parses wins.
var sitemapPaths = []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemap-index.xml"}

const (
	sitemapMaxBody       = 10 << 20 // 10 MiB per sitemap document
	defaultProbeTimeout  = 15 * time.Second
	defaultSeedBatchSize = 64
)

// xmlURLSet is the root element of a standard sitemap document.
type xmlURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []xmlLoc `xml:"url"`
}

// xmlSitemapIndex is the root element of a sitemap index document.
type xmlSitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []xmlLoc `xml:"sitemap"`
}

type xmlLoc struct {
	Loc string `xml:"loc"`
}

// SeedDiscoverer probes a site's sitemap locations to pre-populate the
// frontier. Every failure is soft: the worst case is an empty seed
// list and the crawl falls back to link-following from the start URL.
type SeedDiscoverer struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewSeedDiscoverer builds a discoverer. A nil client gets a default
// with a probe timeout; a nil logger is replaced with a nop.
func NewSeedDiscoverer(client *http.Client, userAgent string, logger *zap.Logger) *SeedDiscoverer {
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeedDiscoverer{client: client, userAgent: userAgent, logger: logger}
}

// DiscoverSeeds probes the canonical sitemap locations on startURL's
// origin. urlset entries are returned directly; sitemapindex entries
// are recursed exactly one level (children are parsed as urlset only).
// At most maxSeeds URLs are returned. Any network or parse failure
// yields an empty list, never an error.
func (d *SeedDiscoverer) DiscoverSeeds(ctx context.Context, startURL string, maxSeeds int) []string {
	origin, err := url.Parse(startURL)
	if err != nil || origin.Host == "" {
		return nil
	}
	if maxSeeds <= 0 {
		maxSeeds = defaultSeedBatchSize
	}

	for _, path := range sitemapPaths {
		candidate := origin.Scheme + "://" + origin.Host + path
		body, err := d.get(ctx, candidate)
		if err != nil {
			d.logger.Debug("sitemap probe failed",
				zap.String("url", candidate), zap.Error(err))
			continue
		}

		if seeds, err := parseURLSet(body); err == nil {
			d.logger.Debug("sitemap found",
				zap.String("url", candidate), zap.Int("urls", len(seeds)))
			return capSeeds(seeds, maxSeeds)
		}

		index, err := parseSitemapIndex(body)
		if err != nil {
			d.logger.Debug("sitemap candidate unparseable", zap.String("url", candidate))
			continue
		}
		seeds := d.expandIndex(ctx, index, maxSeeds)
		d.logger.Debug("sitemap index expanded",
			zap.String("url", candidate),
			zap.Int("children", len(index)), zap.Int("urls", len(seeds)))
		return seeds
	}
	return nil
}

// expandIndex fetches each child sitemap and collects its urlset
// entries. Children that fail to fetch or parse are skipped; deeper
// index nesting is not followed.
func (d *SeedDiscoverer) expandIndex(ctx context.Context, children []string, maxSeeds int) []string {
	var seeds []string
	for _, child := range children {
		if len(seeds) >= maxSeeds {
			break
		}
		body, err := d.get(ctx, child)
		if err != nil {
			d.logger.Debug("child sitemap fetch failed", zap.String("url", child), zap.Error(err))
			continue
		}
		urls, err := parseURLSet(body)
		if err != nil {
			d.logger.Debug("child sitemap unparseable", zap.String("url", child))
			continue
		}
		seeds = append(seeds, urls...)
	}
	return capSeeds(seeds, maxSeeds)
}

func (d *SeedDiscoverer) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, sitemapMaxBody))
}

func parseURLSet(body []byte) ([]string, error) {
	var set xmlURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse urlset: %w", err)
	}
	urls := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		if u.Loc != "" {
			urls = append(urls, u.Loc)
		}
	}
	return urls, nil
}

func parseSitemapIndex(body []byte) ([]string, error) {
	var index xmlSitemapIndex
	if err := xml.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("parse sitemapindex: %w", err)
	}
	children := make([]string, 0, len(index.Sitemaps))
	for _, s := range index.Sitemaps {
		if s.Loc != "" {
			children = append(children, s.Loc)
		}
	}
	return children, nil
}

func capSeeds(seeds []string, maxSeeds int) []string {
	if len(seeds) > maxSeeds {
		return seeds[:maxSeeds]
	}
	return seeds
}
