// Package scheduler sweeps recurring audit schedules and turns due
// ones into queued audit runs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rankwell/siteaudit/internal/audit"
	"github.com/rankwell/siteaudit/internal/engine"
	"github.com/rankwell/siteaudit/internal/jobs"
)

// Enqueuer is the slice of the job queue the poller needs.
type Enqueuer interface {
	Add(jobType string, payload any) (jobs.Job, error)
}

// Config controls sweep cadence and the canonical run hour.
type Config struct {
	// Interval between sweeps (default 1h).
	Interval time.Duration
	// RunHour is the UTC hour recurring runs are anchored to
	// (default 6).
	RunHour int
}

const (
	defaultInterval = time.Hour
	defaultRunHour  = 6
)

// Poller owns the schedule sweep loop. One instance per process;
// running several processes against the same schedule store can queue
// duplicate runs.
type Poller struct {
	store     audit.Store
	schedules audit.ScheduleStore
	queue     Enqueuer
	clock     audit.Clock
	ids       audit.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Poller.
func New(
	store audit.Store,
	schedules audit.ScheduleStore,
	queue Enqueuer,
	clock audit.Clock,
	ids audit.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RunHour < 0 || cfg.RunHour > 23 {
		cfg.RunHour = defaultRunHour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:     store,
		schedules: schedules,
		queue:     queue,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run sweeps immediately, then on every tick, until ctx finishes.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep queues one audit per due schedule and returns how many were
// created. Schedule failures are isolated: one bad schedule never
// blocks the rest of the sweep.
func (p *Poller) Sweep(ctx context.Context) int {
	now := p.clock.Now()
	due, err := p.schedules.ListDueSchedules(ctx, now)
	if err != nil {
		p.logger.Error("list due schedules", zap.Error(err))
		return 0
	}

	created := 0
	for _, sched := range due {
		if err := p.runSchedule(ctx, sched, now); err != nil {
			p.logger.Error("queue scheduled audit",
				zap.String("schedule_id", sched.ID),
				zap.String("site_url", sched.SiteURL),
				zap.Error(err),
			)
			continue
		}
		created++
	}
	if created > 0 {
		p.logger.Info("schedule sweep queued audits",
			zap.Int("created", created),
			zap.Int("due", len(due)),
		)
	}
	return created
}

// runSchedule creates one Audit+job pair for a due schedule and
// advances its run window. A schedule whose previous audit is still
// running is skipped without touching NextRunAt, so the next sweep
// reconsiders it.
func (p *Poller) runSchedule(ctx context.Context, sched audit.Schedule, now time.Time) error {
	active, err := p.store.HasActiveAudit(ctx, sched.ID)
	if err != nil {
		return fmt.Errorf("check active audit: %w", err)
	}
	if active {
		p.logger.Info("skipping schedule with audit still running",
			zap.String("schedule_id", sched.ID),
			zap.String("site_url", sched.SiteURL),
		)
		return nil
	}

	auditID, err := p.ids.NewID()
	if err != nil {
		return fmt.Errorf("new audit id: %w", err)
	}
	a := audit.Audit{
		ID:         auditID,
		ProjectID:  sched.ProjectID,
		ScheduleID: sched.ID,
		SiteURL:    sched.SiteURL,
		Status:     audit.StatusPending,
		Options:    sched.Options,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.store.CreateAudit(ctx, a); err != nil {
		return fmt.Errorf("create audit: %w", err)
	}
	if _, err := p.queue.Add(engine.JobTypeRunAudit, auditID); err != nil {
		return fmt.Errorf("enqueue run-audit job: %w", err)
	}

	sched.LastRunAt = &now
	sched.NextRunAt = p.nextAfter(sched, now)
	sched.UpdatedAt = now
	if err := p.schedules.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}

	p.logger.Info("scheduled audit queued",
		zap.String("schedule_id", sched.ID),
		zap.String("audit_id", auditID),
		zap.Time("next_run_at", sched.NextRunAt),
	)
	return nil
}

// nextAfter advances from the schedule's due time until strictly after
// now, so a schedule overdue by several periods collapses the backlog
// into the single run just queued.
func (p *Poller) nextAfter(sched audit.Schedule, now time.Time) time.Time {
	base := sched.NextRunAt
	if base.IsZero() {
		base = now
	}
	next := NextRun(sched.Frequency, base, p.cfg.RunHour)
	for !next.After(now) {
		next = NextRun(sched.Frequency, next, p.cfg.RunHour)
	}
	return next
}

// NextRun computes the single next run after from, anchored to runHour
// UTC. Daily adds one calendar day and weekly seven. Monthly moves to
// the same day-of-month in the following month, clamped to that
// month's last day (Jan 31 -> Feb 28, then Mar 28: the anchor drifts
// rather than being remembered).
func NextRun(freq audit.Frequency, from time.Time, runHour int) time.Time {
	from = from.UTC()
	year, month, day := from.Date()

	switch freq {
	case audit.FrequencyWeekly:
		return time.Date(year, month, day+7, runHour, 0, 0, 0, time.UTC)
	case audit.FrequencyMonthly:
		lastDay := daysInMonth(year, month+1)
		if day > lastDay {
			day = lastDay
		}
		return time.Date(year, month+1, day, runHour, 0, 0, 0, time.UTC)
	default:
		return time.Date(year, month, day+1, runHour, 0, 0, 0, time.UTC)
	}
}

// InitialRun anchors a brand-new schedule: today at the canonical hour,
// or tomorrow when that has already passed.
func InitialRun(now time.Time, runHour int) time.Time {
	now = now.UTC()
	year, month, day := now.Date()
	first := time.Date(year, month, day, runHour, 0, 0, 0, time.UTC)
	if first.After(now) {
		return first
	}
	return time.Date(year, month, day+1, runHour, 0, 0, 0, time.UTC)
}

// daysInMonth returns the day count of the (possibly unnormalized)
// month; day zero of the following month normalizes to its last day.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
