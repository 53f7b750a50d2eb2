// Package postgres provides the pgx-backed audit and schedule stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankwell/siteaudit/internal/audit"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the pool subset the store uses; pgxmock implements it.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements audit.Store and audit.ScheduleStore on Postgres.
// Options, issue summaries, and per-page detail land in JSONB columns.
type Store struct {
	pool querier
}

// New connects a pool and verifies it with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS audits (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		schedule_id TEXT NOT NULL DEFAULT '',
		site_url TEXT NOT NULL,
		status TEXT NOT NULL,
		options JSONB NOT NULL,
		progress INT NOT NULL DEFAULT 0,
		total_pages INT NOT NULL DEFAULT 0,
		issues JSONB NOT NULL DEFAULT '{}',
		report_ref TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS audits_project_idx
		ON audits (project_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS audits_schedule_active_idx
		ON audits (schedule_id) WHERE status IN ('PENDING', 'IN_PROGRESS')`,
	`CREATE TABLE IF NOT EXISTS audit_pages (
		seq BIGSERIAL PRIMARY KEY,
		audit_id TEXT NOT NULL,
		url TEXT NOT NULL,
		depth INT NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		h1 TEXT NOT NULL DEFAULT '',
		meta_description TEXT NOT NULL DEFAULT '',
		status_code INT NOT NULL DEFAULT 0,
		content_type TEXT NOT NULL DEFAULT '',
		load_time_ms BIGINT NOT NULL DEFAULT 0,
		word_count INT NOT NULL DEFAULT 0,
		links JSONB NOT NULL DEFAULT '{}',
		images JSONB NOT NULL DEFAULT '{}',
		issues JSONB NOT NULL DEFAULT '{}',
		screenshot_ref TEXT NOT NULL DEFAULT '',
		fetched_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_pages_audit_idx
		ON audit_pages (audit_id, seq)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		site_url TEXT NOT NULL,
		frequency TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		options JSONB NOT NULL,
		next_run_at TIMESTAMPTZ NOT NULL,
		last_run_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS schedules_due_idx
		ON schedules (next_run_at) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS audit_history (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		audit_id TEXT NOT NULL,
		site_url TEXT NOT NULL,
		total_pages INT NOT NULL DEFAULT 0,
		issues JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
// pgx's extended protocol takes one statement per Exec.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const createAuditSQL = `
INSERT INTO audits (
	id, project_id, schedule_id, site_url, status, options, progress,
	total_pages, issues, report_ref, error_message, created_at, updated_at,
	started_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

// CreateAudit inserts a new audit row.
func (s *Store) CreateAudit(ctx context.Context, a audit.Audit) error {
	options, err := json.Marshal(a.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	issues, err := json.Marshal(a.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	_, err = s.pool.Exec(ctx, createAuditSQL,
		a.ID,
		a.ProjectID,
		a.ScheduleID,
		a.SiteURL,
		string(a.Status),
		options,
		a.Progress,
		a.TotalPages,
		issues,
		a.ReportRef,
		a.ErrorMessage,
		a.CreatedAt,
		a.UpdatedAt,
		a.StartedAt,
		a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

const updateAuditSQL = `
UPDATE audits SET
	status = COALESCE($2, status),
	progress = COALESCE($3, progress),
	total_pages = COALESCE($4, total_pages),
	issues = COALESCE($5, issues),
	report_ref = COALESCE($6, report_ref),
	error_message = COALESCE($7, error_message),
	started_at = COALESCE($8, started_at),
	completed_at = COALESCE($9, completed_at),
	updated_at = NOW()
WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`

// UpdateAudit applies the non-nil fields of upd. Terminal audits are
// immutable; updating one returns ErrTerminal.
func (s *Store) UpdateAudit(ctx context.Context, id string, upd audit.AuditUpdate) error {
	var status *string
	if upd.Status != nil {
		v := string(*upd.Status)
		status = &v
	}
	var issues []byte
	if upd.Issues != nil {
		b, err := json.Marshal(*upd.Issues)
		if err != nil {
			return fmt.Errorf("marshal issues: %w", err)
		}
		issues = b
	}
	tag, err := s.pool.Exec(ctx, updateAuditSQL,
		id,
		status,
		upd.Progress,
		upd.TotalPages,
		issues,
		upd.ReportRef,
		upd.ErrorMessage,
		upd.StartedAt,
		upd.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update audit: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Zero rows means the audit is either missing or already terminal.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM audits WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.ErrAuditNotFound
	}
	if err != nil {
		return fmt.Errorf("check audit status: %w", err)
	}
	return audit.ErrTerminal
}

const auditColumns = `
	id, project_id, schedule_id, site_url, status, options, progress,
	total_pages, issues, report_ref, error_message, created_at, updated_at,
	started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(row rowScanner) (audit.Audit, error) {
	var (
		a       audit.Audit
		status  string
		options []byte
		issues  []byte
	)
	err := row.Scan(
		&a.ID,
		&a.ProjectID,
		&a.ScheduleID,
		&a.SiteURL,
		&status,
		&options,
		&a.Progress,
		&a.TotalPages,
		&issues,
		&a.ReportRef,
		&a.ErrorMessage,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.StartedAt,
		&a.CompletedAt,
	)
	if err != nil {
		return audit.Audit{}, err
	}
	a.Status = audit.Status(status)
	if err := json.Unmarshal(options, &a.Options); err != nil {
		return audit.Audit{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if err := json.Unmarshal(issues, &a.Issues); err != nil {
		return audit.Audit{}, fmt.Errorf("unmarshal issues: %w", err)
	}
	return a, nil
}

// GetAudit fetches an audit by ID.
func (s *Store) GetAudit(ctx context.Context, id string) (audit.Audit, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+auditColumns+` FROM audits WHERE id = $1`, id)
	a, err := scanAudit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Audit{}, audit.ErrAuditNotFound
	}
	if err != nil {
		return audit.Audit{}, fmt.Errorf("get audit: %w", err)
	}
	return a, nil
}

const listAuditsSQL = `SELECT` + auditColumns + `
FROM audits
WHERE ($1 = '' OR project_id = $1)
ORDER BY created_at DESC
LIMIT NULLIF($2, 0)`

// ListAudits returns audits newest first, optionally filtered by
// project. A limit of zero means no limit.
func (s *Store) ListAudits(ctx context.Context, projectID string, limit int) ([]audit.Audit, error) {
	rows, err := s.pool.Query(ctx, listAuditsSQL, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	var out []audit.Audit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	return out, nil
}

const appendPageSQL = `
INSERT INTO audit_pages (
	audit_id, url, depth, title, h1, meta_description, status_code,
	content_type, load_time_ms, word_count, links, images, issues,
	screenshot_ref, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

// AppendPageResult records one crawled page for an audit.
func (s *Store) AppendPageResult(ctx context.Context, pr audit.PageResult) error {
	links, err := json.Marshal(pr.Links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	images, err := json.Marshal(pr.Images)
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}
	issues, err := json.Marshal(pr.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	_, err = s.pool.Exec(ctx, appendPageSQL,
		pr.AuditID,
		pr.URL,
		pr.Depth,
		pr.Title,
		pr.H1,
		pr.MetaDescription,
		pr.StatusCode,
		pr.ContentType,
		pr.LoadTimeMs,
		pr.WordCount,
		links,
		images,
		issues,
		pr.ScreenshotRef,
		pr.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert page result: %w", err)
	}
	return nil
}

const listPagesSQL = `
SELECT audit_id, url, depth, title, h1, meta_description, status_code,
	content_type, load_time_ms, word_count, links, images, issues,
	screenshot_ref, fetched_at
FROM audit_pages
WHERE audit_id = $1
ORDER BY seq`

// ListPageResults returns the pages recorded for an audit in append
// order.
func (s *Store) ListPageResults(ctx context.Context, auditID string) ([]audit.PageResult, error) {
	rows, err := s.pool.Query(ctx, listPagesSQL, auditID)
	if err != nil {
		return nil, fmt.Errorf("list page results: %w", err)
	}
	defer rows.Close()

	var out []audit.PageResult
	for rows.Next() {
		var (
			pr     audit.PageResult
			links  []byte
			images []byte
			issues []byte
		)
		err := rows.Scan(
			&pr.AuditID,
			&pr.URL,
			&pr.Depth,
			&pr.Title,
			&pr.H1,
			&pr.MetaDescription,
			&pr.StatusCode,
			&pr.ContentType,
			&pr.LoadTimeMs,
			&pr.WordCount,
			&links,
			&images,
			&issues,
			&pr.ScreenshotRef,
			&pr.FetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		if err := json.Unmarshal(links, &pr.Links); err != nil {
			return nil, fmt.Errorf("unmarshal links: %w", err)
		}
		if err := json.Unmarshal(images, &pr.Images); err != nil {
			return nil, fmt.Errorf("unmarshal images: %w", err)
		}
		if err := json.Unmarshal(issues, &pr.Issues); err != nil {
			return nil, fmt.Errorf("unmarshal issues: %w", err)
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list page results: %w", err)
	}
	return out, nil
}

const createHistorySQL = `
INSERT INTO audit_history (
	id, project_id, audit_id, site_url, total_pages, issues, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)`

// CreateHistory appends a completed-audit snapshot.
func (s *Store) CreateHistory(ctx context.Context, h audit.History) error {
	issues, err := json.Marshal(h.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	_, err = s.pool.Exec(ctx, createHistorySQL,
		h.ID,
		h.ProjectID,
		h.AuditID,
		h.SiteURL,
		h.TotalPages,
		issues,
		h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

const hasActiveAuditSQL = `
SELECT EXISTS (
	SELECT 1 FROM audits
	WHERE schedule_id = $1 AND status IN ('PENDING', 'IN_PROGRESS')
)`

// HasActiveAudit reports whether the schedule has a non-terminal audit.
func (s *Store) HasActiveAudit(ctx context.Context, scheduleID string) (bool, error) {
	var active bool
	if err := s.pool.QueryRow(ctx, hasActiveAuditSQL, scheduleID).Scan(&active); err != nil {
		return false, fmt.Errorf("check active audit: %w", err)
	}
	return active, nil
}

const createScheduleSQL = `
INSERT INTO schedules (
	id, project_id, site_url, frequency, is_active, options, next_run_at,
	last_run_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

// CreateSchedule inserts a new schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sc audit.Schedule) error {
	options, err := json.Marshal(sc.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.pool.Exec(ctx, createScheduleSQL,
		sc.ID,
		sc.ProjectID,
		sc.SiteURL,
		string(sc.Frequency),
		sc.IsActive,
		options,
		sc.NextRunAt,
		sc.LastRunAt,
		sc.CreatedAt,
		sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

const scheduleColumns = `
	id, project_id, site_url, frequency, is_active, options, next_run_at,
	last_run_at, created_at, updated_at`

func scanSchedule(row rowScanner) (audit.Schedule, error) {
	var (
		sc        audit.Schedule
		frequency string
		options   []byte
	)
	err := row.Scan(
		&sc.ID,
		&sc.ProjectID,
		&sc.SiteURL,
		&frequency,
		&sc.IsActive,
		&options,
		&sc.NextRunAt,
		&sc.LastRunAt,
		&sc.CreatedAt,
		&sc.UpdatedAt,
	)
	if err != nil {
		return audit.Schedule{}, err
	}
	sc.Frequency = audit.Frequency(frequency)
	if err := json.Unmarshal(options, &sc.Options); err != nil {
		return audit.Schedule{}, fmt.Errorf("unmarshal options: %w", err)
	}
	return sc, nil
}

// GetSchedule fetches a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (audit.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Schedule{}, audit.ErrScheduleNotFound
	}
	if err != nil {
		return audit.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

const listSchedulesSQL = `SELECT` + scheduleColumns + `
FROM schedules
WHERE ($1 = '' OR project_id = $1)
ORDER BY created_at`

// ListSchedules returns schedules oldest first, optionally filtered by
// project.
func (s *Store) ListSchedules(ctx context.Context, projectID string) ([]audit.Schedule, error) {
	rows, err := s.pool.Query(ctx, listSchedulesSQL, projectID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []audit.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

const updateScheduleSQL = `
UPDATE schedules SET
	site_url = $2, frequency = $3, is_active = $4, options = $5,
	next_run_at = $6, last_run_at = $7, updated_at = $8
WHERE id = $1`

// UpdateSchedule replaces the mutable schedule fields.
func (s *Store) UpdateSchedule(ctx context.Context, sc audit.Schedule) error {
	options, err := json.Marshal(sc.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	tag, err := s.pool.Exec(ctx, updateScheduleSQL,
		sc.ID,
		sc.SiteURL,
		string(sc.Frequency),
		sc.IsActive,
		options,
		sc.NextRunAt,
		sc.LastRunAt,
		sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrScheduleNotFound
	}
	return nil
}

const listDueSchedulesSQL = `SELECT` + scheduleColumns + `
FROM schedules
WHERE is_active AND next_run_at <= $1
ORDER BY next_run_at`

// ListDueSchedules returns active schedules whose NextRunAt is at or
// before now, soonest first.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]audit.Schedule, error) {
	rows, err := s.pool.Query(ctx, listDueSchedulesSQL, now)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []audit.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return out, nil
}
