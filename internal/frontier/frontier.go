// Package frontier tracks the discovered-but-not-yet-processed URLs of
// one audit: seed discovery, eligibility filtering, and canonical-URL
// deduplication.
package frontier

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/rankwell/siteaudit/internal/audit"
)

// Entry is one URL waiting to be fetched, with the link depth it was
// discovered at (the start URL is depth 0).
type Entry struct {
	URL   string
	Depth int
}

// Frontier holds the crawl's pending queue and visited set. It is not
// safe for concurrent use: the orchestrator touches it only from its
// single scheduling goroutine, which is what makes the
// check-then-insert on the visited set race-free.
type Frontier struct {
	origin       *url.URL
	maxDepth     int
	skipExternal bool
	follow       []*regexp.Regexp
	ignore       []*regexp.Regexp

	visited map[string]struct{}
	queue   []Entry
}

// New builds a frontier rooted at startURL. Pattern compilation errors
// are configuration errors and fail construction.
func New(startURL string, opts audit.CrawlOptions) (*Frontier, error) {
	canonical, err := audit.CanonicalURL(startURL)
	if err != nil {
		return nil, fmt.Errorf("canonicalize start url: %w", err)
	}
	origin, err := url.Parse(canonical)
	if err != nil {
		return nil, fmt.Errorf("parse start url: %w", err)
	}

	follow, err := compilePatterns(opts.FollowPatterns)
	if err != nil {
		return nil, fmt.Errorf("follow patterns: %w", err)
	}
	ignore, err := compilePatterns(opts.IgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("ignore patterns: %w", err)
	}

	return &Frontier{
		origin:       origin,
		maxDepth:     opts.MaxDepth,
		skipExternal: opts.SkipExternal,
		follow:       follow,
		ignore:       ignore,
		visited:      make(map[string]struct{}),
		queue:        make([]Entry, 0, 16),
	}, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Origin returns the canonical start URL.
func (f *Frontier) Origin() string { return f.origin.String() }

// Seed enqueues the start URL unconditionally (it is never subject to
// the follow/ignore filters) and marks it visited.
func (f *Frontier) Seed() Entry {
	canonical := f.origin.String()
	f.visited[canonical] = struct{}{}
	entry := Entry{URL: canonical, Depth: 0}
	f.queue = append(f.queue, entry)
	return entry
}

// Add canonicalizes rawURL and enqueues it at the given depth when it
// passes every eligibility check. It reports whether the URL was
// admitted.
func (f *Frontier) Add(rawURL string, depth int) bool {
	canonical, err := audit.CanonicalURL(rawURL)
	if err != nil {
		return false
	}
	if !f.shouldFollow(canonical, depth) {
		return false
	}
	f.visited[canonical] = struct{}{}
	f.queue = append(f.queue, Entry{URL: canonical, Depth: depth})
	return true
}

// shouldFollow applies the eligibility checks in their fixed order:
// ignore patterns (any match excludes, ignore wins over follow), follow
// patterns (must match at least one when configured), depth bound,
// same-origin unless external links are allowed, then the visited set.
func (f *Frontier) shouldFollow(canonical string, depth int) bool {
	for _, re := range f.ignore {
		if re.MatchString(canonical) {
			return false
		}
	}
	if len(f.follow) > 0 {
		matched := false
		for _, re := range f.follow {
			if re.MatchString(canonical) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if depth > f.maxDepth {
		return false
	}
	if f.skipExternal {
		u, err := url.Parse(canonical)
		if err != nil || !audit.SameOrigin(f.origin, u) {
			return false
		}
	}
	if _, seen := f.visited[canonical]; seen {
		return false
	}
	return true
}

// Next pops the oldest pending entry, FIFO.
func (f *Frontier) Next() (Entry, bool) {
	if len(f.queue) == 0 {
		return Entry{}, false
	}
	entry := f.queue[0]
	f.queue = f.queue[1:]
	return entry, true
}

// Len returns the number of pending entries.
func (f *Frontier) Len() int { return len(f.queue) }

// VisitedCount returns how many distinct URLs have been admitted.
func (f *Frontier) VisitedCount() int { return len(f.visited) }
