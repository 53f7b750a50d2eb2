// Package progress defines the event stream emitted by running audits
// and the hub that batches it out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageAuditStart Stage = "AUDIT_START"
	StagePageDone   Stage = "PAGE_DONE"
	StageAuditDone  Stage = "AUDIT_DONE"
	StageAuditError Stage = "AUDIT_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one observable step of an audit's life.
type Event struct {
	// AuditID identifies the audit the event belongs to.
	AuditID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage is the milestone.
	Stage Stage
	// SiteURL is the audited site's start URL.
	SiteURL string
	// URL is the page URL for PAGE_DONE events.
	URL string
	// StatusClass groups the page's HTTP status for PAGE_DONE events.
	StatusClass StatusClass
	// Dur is the page fetch latency, or the whole run for terminal stages.
	Dur time.Duration
	// PagesDone is the cumulative processed-page count at emit time.
	PagesDone int
	// IssuesFound carries the page's issue count (PAGE_DONE) or the
	// audit total (terminal stages).
	IssuesFound int
	// Note carries low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation so malformed events are dropped
// at the hub boundary instead of corrupting sink state.
func (e Event) Validate() error {
	if e.AuditID == "" {
		return errors.New("audit id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageAuditStart, StageAuditDone, StageAuditError:
	case StagePageDone:
		if e.URL == "" {
			return errors.New("page done requires url")
		}
		if e.StatusClass == "" {
			return errors.New("page done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.PagesDone < 0 || e.IssuesFound < 0 {
		return errors.New("counts must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
