package audit

import (
	"context"
	"io"
	"time"
)

// Store persists audits, page results, and history snapshots.
type Store interface {
	CreateAudit(ctx context.Context, a Audit) error
	UpdateAudit(ctx context.Context, id string, upd AuditUpdate) error
	GetAudit(ctx context.Context, id string) (Audit, error)
	ListAudits(ctx context.Context, projectID string, limit int) ([]Audit, error)
	AppendPageResult(ctx context.Context, pr PageResult) error
	ListPageResults(ctx context.Context, auditID string) ([]PageResult, error)
	CreateHistory(ctx context.Context, h History) error
	// HasActiveAudit reports whether the schedule has an audit that is
	// not yet terminal. The poller uses it to avoid double-queuing.
	HasActiveAudit(ctx context.Context, scheduleID string) (bool, error)
}

// ScheduleStore persists recurring audit schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	ListSchedules(ctx context.Context, projectID string) ([]Schedule, error)
	UpdateSchedule(ctx context.Context, s Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	// ListDueSchedules returns active schedules with NextRunAt <= now.
	ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)
}

// Fetcher retrieves one URL and extracts its signal bundle. Failures
// are reported as *FetchError so callers can distinguish transient from
// permanent ones.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (PageSignals, error)
}

// BlobStore writes artifacts (reports, screenshots) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes audit lifecycle events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (swappable in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
