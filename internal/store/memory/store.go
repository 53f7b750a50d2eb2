// Package memory provides an in-memory audit store for development and
// testing. All methods are safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rankwell/siteaudit/internal/audit"
)

// Store keeps audits, page results, schedules, and history in maps. It
// implements both audit.Store and audit.ScheduleStore.
type Store struct {
	mu        sync.RWMutex
	audits    map[string]audit.Audit
	pages     map[string][]audit.PageResult
	schedules map[string]audit.Schedule
	history   []audit.History
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		audits:    make(map[string]audit.Audit),
		pages:     make(map[string][]audit.PageResult),
		schedules: make(map[string]audit.Schedule),
	}
}

// CreateAudit stores a new audit record.
func (s *Store) CreateAudit(_ context.Context, a audit.Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.audits[a.ID]; exists {
		return errors.New("audit already exists")
	}
	s.audits[a.ID] = a
	return nil
}

// UpdateAudit applies the non-nil fields of upd. Audits in a terminal
// state are immutable and reject further updates with ErrTerminal.
func (s *Store) UpdateAudit(_ context.Context, id string, upd audit.AuditUpdate) error {
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
	a.UpdatedAt = time.Now().UTC()
	s.audits[id] = a
	return nil
}

// GetAudit fetches an audit by ID.
func (s *Store) GetAudit(_ context.Context, id string) (audit.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.audits[id]
	if !ok {
		return audit.Audit{}, audit.ErrAuditNotFound
	}
	return a, nil
}

// ListAudits returns audits newest first, optionally filtered by
// project. A limit of zero means no limit.
func (s *Store) ListAudits(_ context.Context, projectID string, limit int) ([]audit.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Audit
	for _, a := range s.audits {
		if projectID != "" && a.ProjectID != projectID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendPageResult records one crawled page for an audit.
func (s *Store) AppendPageResult(_ context.Context, pr audit.PageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[pr.AuditID] = append(s.pages[pr.AuditID], pr)
	return nil
}

// ListPageResults returns the pages recorded for an audit in append
// order.
func (s *Store) ListPageResults(_ context.Context, auditID string) ([]audit.PageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := s.pages[auditID]
	out := make([]audit.PageResult, len(pages))
	copy(out, pages)
	return out, nil
}

// CreateHistory appends a completed-audit snapshot.
func (s *Store) CreateHistory(_ context.Context, h audit.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

// HasActiveAudit reports whether the schedule has a non-terminal audit.
func (s *Store) HasActiveAudit(_ context.Context, scheduleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.audits {
		if a.ScheduleID == scheduleID && !a.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// Ping reports the store as reachable. It exists so readiness checks
// can treat memory and postgres stores uniformly.
func (s *Store) Ping(context.Context) error { return nil }

// CreateSchedule stores a new schedule.
func (s *Store) CreateSchedule(_ context.Context, sc audit.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sc.ID]; exists {
		return errors.New("schedule already exists")
	}
	s.schedules[sc.ID] = sc
	return nil
}

// GetSchedule fetches a schedule by ID.
func (s *Store) GetSchedule(_ context.Context, id string) (audit.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return audit.Schedule{}, audit.ErrScheduleNotFound
	}
	return sc, nil
}

// ListSchedules returns schedules ordered by creation time, optionally
// filtered by project.
func (s *Store) ListSchedules(_ context.Context, projectID string) ([]audit.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Schedule
	for _, sc := range s.schedules {
		if projectID != "" && sc.ProjectID != projectID {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateSchedule replaces the stored schedule.
func (s *Store) UpdateSchedule(_ context.Context, sc audit.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.ID]; !ok {
		return audit.ErrScheduleNotFound
	}
	s.schedules[sc.ID] = sc
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return audit.ErrScheduleNotFound
	}
	delete(s.schedules, id)
	return nil
}

// ListDueSchedules returns active schedules whose NextRunAt is at or
// before now, soonest first.
func (s *Store) ListDueSchedules(_ context.Context, now time.Time) ([]audit.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []audit.Schedule
	for _, sc := range s.schedules {
		if sc.IsActive && !sc.NextRunAt.After(now) {
			due = append(due, sc)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	return due, nil
}
