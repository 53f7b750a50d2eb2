package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/rankwell/siteaudit/internal/audit"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestEnsureSchemaExecutesAllStatements(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAuditInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	a := audit.Audit{
		ID:        "audit-1",
		ProjectID: "project-1",
		SiteURL:   "https://example.com",
		Status:    audit.StatusPending,
		Options:   audit.CrawlOptions{MaxDepth: 3, MaxPages: 50, MaxConcurrency: 4},
		CreatedAt: now,
		UpdatedAt: now,
	}
	options, err := json.Marshal(a.Options)
	require.NoError(t, err)
	issues, err := json.Marshal(a.Issues)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audits").
		WithArgs(
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
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateAudit(context.Background(), a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAuditAppliesPartialFields(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	running := audit.StatusInProgress
	status := string(running)
	progress := 40
	summary := audit.IssueSummary{Warning: 2, Total: 2}
	issues, err := json.Marshal(summary)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE audits SET").
		WithArgs(
			"audit-1",
			&status,
			&progress,
			(*int)(nil),
			issues,
			(*string)(nil),
			(*string)(nil),
			&now,
			(*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.UpdateAudit(context.Background(), "audit-1", audit.AuditUpdate{
		Status:    &running,
		Progress:  &progress,
		Issues:    &summary,
		StartedAt: &now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAuditTerminalGuard(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	progress := 10

	mock.ExpectExec("UPDATE audits SET").
		WithArgs(
			"audit-done",
			(*string)(nil),
			&progress,
			(*int)(nil),
			[]byte(nil),
			(*string)(nil),
			(*string)(nil),
			(*time.Time)(nil),
			(*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM audits").
		WithArgs("audit-done").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

	err := store.UpdateAudit(context.Background(), "audit-done", audit.AuditUpdate{Progress: &progress})
	require.ErrorIs(t, err, audit.ErrTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAuditNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	progress := 10

	mock.ExpectExec("UPDATE audits SET").
		WithArgs(
			"missing",
			(*string)(nil),
			&progress,
			(*int)(nil),
			[]byte(nil),
			(*string)(nil),
			(*string)(nil),
			(*time.Time)(nil),
			(*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM audits").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err := store.UpdateAudit(context.Background(), "missing", audit.AuditUpdate{Progress: &progress})
	require.ErrorIs(t, err, audit.ErrAuditNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAuditScansRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	started := now.Add(time.Minute)
	options := []byte(`{"max_depth":3,"max_pages":50,"max_concurrency":4,"render_js":false,"respect_robots":false,"include_screenshots":false,"skip_external":true,"include_sitemap":false}`)
	issues := []byte(`{"critical":1,"error":0,"warning":2,"info":0,"total":3}`)

	rows := pgxmock.NewRows([]string{
		"id", "project_id", "schedule_id", "site_url", "status", "options",
		"progress", "total_pages", "issues", "report_ref", "error_message",
		"created_at", "updated_at", "started_at", "completed_at",
	}).AddRow(
		"audit-1", "project-1", "", "https://example.com", "IN_PROGRESS",
		options, 40, 4, issues, "", "", now, now, &started, nil,
	)
	mock.ExpectQuery("FROM audits WHERE id").
		WithArgs("audit-1").
		WillReturnRows(rows)

	a, err := store.GetAudit(context.Background(), "audit-1")
	require.NoError(t, err)
	require.Equal(t, audit.StatusInProgress, a.Status)
	require.Equal(t, 3, a.Options.MaxDepth)
	require.True(t, a.Options.SkipExternal)
	require.Equal(t, 3, a.Issues.Total)
	require.NotNil(t, a.StartedAt)
	require.True(t, a.StartedAt.Equal(started))
	require.Nil(t, a.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAuditNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM audits WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetAudit(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrAuditNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendPageResultInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	pr := audit.PageResult{
		AuditID:    "audit-1",
		URL:        "https://example.com/pricing",
		Depth:      1,
		Title:      "Pricing",
		StatusCode: 200,
		WordCount:  420,
		LoadTimeMs: 37,
		Links:      audit.LinkCounts{Internal: 5, External: 2},
		FetchedAt:  now,
	}
	pr.Issues.Append(audit.Issue{Rule: "low-word-count", Severity: audit.SeverityWarning, Detail: "word count 420 below 300"})

	links, err := json.Marshal(pr.Links)
	require.NoError(t, err)
	images, err := json.Marshal(pr.Images)
	require.NoError(t, err)
	issues, err := json.Marshal(pr.Issues)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_pages").
		WithArgs(
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
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AppendPageResult(context.Background(), pr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateHistoryInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	h := audit.History{
		ID:         "hist-1",
		AuditID:    "audit-1",
		SiteURL:    "https://example.com",
		TotalPages: 12,
		Issues:     audit.IssueSummary{Error: 4, Total: 4},
		CreatedAt:  now,
	}
	issues, err := json.Marshal(h.Issues)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit_history").
		WithArgs(h.ID, h.ProjectID, h.AuditID, h.SiteURL, h.TotalPages, issues, h.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateHistory(context.Background(), h))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasActiveAudit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("sched-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	active, err := store.HasActiveAudit(context.Background(), "sched-1")
	require.NoError(t, err)
	require.True(t, active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateScheduleInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	sc := audit.Schedule{
		ID:        "sched-1",
		ProjectID: "project-1",
		SiteURL:   "https://example.com",
		Frequency: audit.FrequencyWeekly,
		IsActive:  true,
		Options:   audit.CrawlOptions{MaxDepth: 2, MaxPages: 25, MaxConcurrency: 2},
		NextRunAt: now.Add(24 * time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	options, err := json.Marshal(sc.Options)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO schedules").
		WithArgs(
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
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateSchedule(context.Background(), sc))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueSchedulesQueriesByTime(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	lastRun := now.Add(-24 * time.Hour)
	options := []byte(`{"max_depth":2,"max_pages":25,"max_concurrency":2,"render_js":false,"respect_robots":false,"include_screenshots":false,"skip_external":false,"include_sitemap":true}`)

	rows := pgxmock.NewRows([]string{
		"id", "project_id", "site_url", "frequency", "is_active", "options",
		"next_run_at", "last_run_at", "created_at", "updated_at",
	}).AddRow(
		"sched-1", "project-1", "https://example.com", "daily", true,
		options, now.Add(-time.Hour), &lastRun, now.Add(-48*time.Hour), now,
	).AddRow(
		"sched-2", "project-2", "https://other.example", "monthly", true,
		options, now.Add(-time.Minute), nil, now.Add(-48*time.Hour), now,
	)
	mock.ExpectQuery("FROM schedules").
		WithArgs(now).
		WillReturnRows(rows)

	due, err := store.ListDueSchedules(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "sched-1", due[0].ID)
	require.Equal(t, audit.FrequencyDaily, due[0].Frequency)
	require.NotNil(t, due[0].LastRunAt)
	require.Equal(t, 25, due[0].Options.MaxPages)
	require.Equal(t, "sched-2", due[1].ID)
	require.Nil(t, due[1].LastRunAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScheduleNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	sc := audit.Schedule{ID: "missing", SiteURL: "https://example.com", Frequency: audit.FrequencyDaily, NextRunAt: now, UpdatedAt: now}
	options, err := json.Marshal(sc.Options)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE schedules SET").
		WithArgs(sc.ID, sc.SiteURL, string(sc.Frequency), sc.IsActive, options, sc.NextRunAt, sc.LastRunAt, sc.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateSchedule(context.Background(), sc)
	require.ErrorIs(t, err, audit.ErrScheduleNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteScheduleNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM schedules").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := store.DeleteSchedule(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrScheduleNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRejectsNil(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}
