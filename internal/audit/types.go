// Package audit defines the core types shared across the audit engine.
package audit

import (
	"fmt"
	"regexp"
	"time"
)

// Status represents the lifecycle state of an audit.
type Status string

// Audit status values persisted in the audit store.
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Severity ranks an issue from critical down to informational.
type Severity string

// Issue severities, most to least severe.
const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// CrawlOptions is the per-audit configuration snapshot taken when the
// audit is created. Schedules carry the same shape so recurring runs
// reproduce the original request.
type CrawlOptions struct {
	MaxDepth           int      `json:"max_depth"`
	MaxPages           int      `json:"max_pages"`
	MaxConcurrency     int      `json:"max_concurrency"`
	UserAgent          string   `json:"user_agent,omitempty"`
	RenderJS           bool     `json:"render_js"`
	RespectRobots      bool     `json:"respect_robots"`
	IncludeScreenshots bool     `json:"include_screenshots"`
	SkipExternal       bool     `json:"skip_external"`
	IncludeSitemap     bool     `json:"include_sitemap"`
	FollowPatterns     []string `json:"follow_patterns,omitempty"`
	IgnorePatterns     []string `json:"ignore_patterns,omitempty"`
}

// Normalize fills unset numeric fields from defaults and clamps them to
// sane bounds. The zero value of a field means "use the default".
func (o *CrawlOptions) Normalize(defaults CrawlOptions) {
	if o.MaxDepth <= 0 {
		o.MaxDepth = defaults.MaxDepth
	}
	if o.MaxPages <= 0 {
		o.MaxPages = defaults.MaxPages
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = defaults.MaxConcurrency
	}
	if o.UserAgent == "" {
		o.UserAgent = defaults.UserAgent
	}
}

// Validate rejects options that the engine cannot honor. Follow and
// ignore patterns must be valid RE2; an invalid pattern is a caller
// error, surfaced before any crawling starts.
func (o CrawlOptions) Validate() error {
	if o.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be >= 0, got %d", o.MaxDepth)
	}
	if o.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be > 0, got %d", o.MaxPages)
	}
	if o.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be > 0, got %d", o.MaxConcurrency)
	}
	for _, p := range o.FollowPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid follow pattern %q: %w", p, err)
		}
	}
	for _, p := range o.IgnorePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
	}
	return nil
}

// Audit is one execution of crawling a site and producing issue
// findings. Page results live in their own collection keyed by AuditID.
type Audit struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"project_id,omitempty"`
	ScheduleID   string       `json:"schedule_id,omitempty"`
	SiteURL      string       `json:"site_url"`
	Status       Status       `json:"status"`
	Options      CrawlOptions `json:"options"`
	Progress     int          `json:"progress"`
	TotalPages   int          `json:"total_pages"`
	Issues       IssueSummary `json:"issues_summary"`
	ReportRef    string       `json:"report_ref,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// AuditUpdate carries a partial mutation of an audit record. Nil fields
// are left untouched by the store.
type AuditUpdate struct {
	Status       *Status
	Progress     *int
	TotalPages   *int
	Issues       *IssueSummary
	ReportRef    *string
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Issue is a single finding attached to a page.
type Issue struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// IssueList groups a page's issues by severity.
type IssueList struct {
	Critical []Issue `json:"critical"`
	Error    []Issue `json:"error"`
	Warning  []Issue `json:"warning"`
	Info     []Issue `json:"info"`
}

// Append files the issue under its severity bucket.
func (l *IssueList) Append(iss Issue) {
	switch iss.Severity {
	case SeverityCritical:
		l.Critical = append(l.Critical, iss)
	case SeverityError:
		l.Error = append(l.Error, iss)
	case SeverityWarning:
		l.Warning = append(l.Warning, iss)
	case SeverityInfo:
		l.Info = append(l.Info, iss)
	}
}

// Summary counts the issues in each bucket.
func (l IssueList) Summary() IssueSummary {
	s := IssueSummary{
		Critical: len(l.Critical),
		Error:    len(l.Error),
		Warning:  len(l.Warning),
		Info:     len(l.Info),
	}
	s.Total = s.Critical + s.Error + s.Warning + s.Info
	return s
}

// IssueSummary is the per-audit (or per-page) issue tally.
type IssueSummary struct {
	Critical int `json:"critical"`
	Error    int `json:"error"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// Add folds another summary into s.
func (s *IssueSummary) Add(other IssueSummary) {
	s.Critical += other.Critical
	s.Error += other.Error
	s.Warning += other.Warning
	s.Info += other.Info
	s.Total += other.Total
}

// LinkCounts tallies the anchors found on a page.
type LinkCounts struct {
	Internal int `json:"internal"`
	External int `json:"external"`
	Broken   int `json:"broken"`
}

// ImageCounts tallies the images found on a page.
type ImageCounts struct {
	Total      int `json:"total"`
	MissingAlt int `json:"missing_alt"`
	Large      int `json:"large"`
}

// PageResult is persisted once per processed URL, whether the fetch
// succeeded or permanently failed. Immutable after creation.
type PageResult struct {
	AuditID         string      `json:"audit_id"`
	URL             string      `json:"url"`
	Depth           int         `json:"depth"`
	Title           string      `json:"title,omitempty"`
	H1              string      `json:"h1,omitempty"`
	MetaDescription string      `json:"meta_description,omitempty"`
	StatusCode      int         `json:"status_code"`
	ContentType     string      `json:"content_type,omitempty"`
	LoadTimeMs      int64       `json:"load_time_ms"`
	WordCount       int         `json:"word_count"`
	Links           LinkCounts  `json:"links"`
	Images          ImageCounts `json:"images"`
	Issues          IssueList   `json:"issues"`
	ScreenshotRef   string      `json:"screenshot_ref,omitempty"`
	FetchedAt       time.Time   `json:"fetched_at"`
}

// ImageSignal describes one <img> element on a fetched page. SizeBytes
// is zero when the strategy cannot observe the transfer size.
type ImageSignal struct {
	Src       string `json:"src"`
	Alt       string `json:"alt"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// PageSignals is the structured fact bundle extracted from one fetched
// page, fed to the rule engine. URL holds the final URL after
// redirects.
type PageSignals struct {
	URL             string
	StatusCode      int
	ContentType     string
	Title           string
	MetaDescription string
	H1              string
	InternalLinks   []string
	ExternalLinks   []string
	BrokenLinks     int
	Images          []ImageSignal
	WordCount       int
	ElapsedMs       int64
	Screenshot      []byte
}

// MissingAltCount returns how many images lack alt text.
func (s PageSignals) MissingAltCount() int {
	n := 0
	for _, img := range s.Images {
		if img.Alt == "" {
			n++
		}
	}
	return n
}

// Frequency is how often a schedule recurs.
type Frequency string

// Supported schedule frequencies.
const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether f is a supported frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Schedule is a recurring instruction that automatically starts a new
// audit. Created and edited through the API; the poller only reads
// IsActive/NextRunAt and writes LastRunAt/NextRunAt.
type Schedule struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id,omitempty"`
	SiteURL   string       `json:"site_url"`
	Frequency Frequency    `json:"frequency"`
	IsActive  bool         `json:"is_active"`
	Options   CrawlOptions `json:"options"`
	NextRunAt time.Time    `json:"next_run_at"`
	LastRunAt *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// History is the append-only summary snapshot written once an audit
// completes.
type History struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"project_id,omitempty"`
	AuditID    string       `json:"audit_id"`
	SiteURL    string       `json:"site_url"`
	TotalPages int          `json:"total_pages"`
	Issues     IssueSummary `json:"issues_summary"`
	CreatedAt  time.Time    `json:"created_at"`
}

// CompletionEvent is published when an audit reaches a terminal state.
type CompletionEvent struct {
	AuditID     string    `json:"audit_id"`
	ProjectID   string    `json:"project_id,omitempty"`
	SiteURL     string    `json:"site_url"`
	Status      Status    `json:"status"`
	TotalPages  int       `json:"total_pages"`
	IssuesTotal int       `json:"issues_total"`
	ReportRef   string    `json:"report_ref,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}
