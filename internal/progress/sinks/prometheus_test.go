package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rankwell/siteaudit/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	const auditID = "audit-metrics-1"
	batch := []progress.Event{
		{AuditID: auditID, TS: time.Now(), Stage: progress.StageAuditStart, SiteURL: "https://example.com"},
		{
			AuditID:     auditID,
			TS:          time.Now().Add(10 * time.Second),
			Stage:       progress.StagePageDone,
			SiteURL:     "https://example.com",
			URL:         "https://example.com/pricing",
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
			PagesDone:   1,
			IssuesFound: 4,
		},
		{
			AuditID: auditID,
			TS:      time.Now().Add(15 * time.Second),
			Stage:   progress.StageAuditDone,
			SiteURL: "https://example.com",
			Dur:     15 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.auditsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.auditsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.auditsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.auditsRunning))

	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.pagesCrawled.WithLabelValues("https://example.com", string(progress.Status2xx))),
		1e-9,
	)
	require.InDelta(t, 4.0, testutil.ToFloat64(sink.issuesFound.WithLabelValues("https://example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.pageDuration, "siteaudit_page_fetch_duration_seconds"))
}

// TestPrometheusSinkRunningGauge tracks the gauge through failures and duplicate starts.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{AuditID: "a1", TS: time.Now(), Stage: progress.StageAuditStart, SiteURL: "https://a.example"},
		{AuditID: "a1", TS: time.Now(), Stage: progress.StageAuditStart, SiteURL: "https://a.example"},
		{AuditID: "a2", TS: time.Now(), Stage: progress.StageAuditStart, SiteURL: "https://b.example"},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.auditsRunning))

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{AuditID: "a1", TS: time.Now(), Stage: progress.StageAuditError, SiteURL: "https://a.example", Dur: time.Second},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.auditsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.auditsCompleted.WithLabelValues("error")))
}
