package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rankwell/siteaudit/internal/progress"
)

// PrometheusSink exports audit progress metrics via Prometheus. It owns all
// collectors for audits started/completed/running and per-site page counters.
type PrometheusSink struct {
	auditsStarted   prometheus.Counter
	auditsCompleted *prometheus.CounterVec
	auditsRunning   prometheus.Gauge
	auditRuntime    *prometheus.HistogramVec

	pagesCrawled *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec
	issuesFound  *prometheus.CounterVec

	tracker *auditTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		auditsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siteaudit_audits_started_total",
			Help: "Total audits that have started.",
		}),
		auditsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_audits_completed_total",
			Help: "Total audits completed partitioned by result.",
		}, []string{"result"}),
		auditsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siteaudit_audits_running",
			Help: "Current number of running audits.",
		}),
		auditRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteaudit_audit_runtime_seconds",
			Help:    "Wall time per completed audit.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pagesCrawled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_pages_crawled_total",
			Help: "Page crawl completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteaudit_page_fetch_duration_seconds",
			Help:    "Page fetch duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		issuesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_issues_found_total",
			Help: "Issues detected per site across all rules.",
		}, []string{"site"}),
		tracker: newAuditTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.auditsStarted,
		s.auditsCompleted,
		s.auditsRunning,
		s.auditRuntime,
		s.pagesCrawled,
		s.pageDuration,
		s.issuesFound,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageAuditStart, progress.StageAuditDone, progress.StageAuditError:
		s.handleAuditEvent(evt)
	case progress.StagePageDone:
		s.handlePageEvent(evt)
	}
}

func (s *PrometheusSink) handleAuditEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageAuditStart:
		s.auditsStarted.Inc()
		if s.tracker.start(evt.AuditID) {
			s.auditsRunning.Inc()
		}
	case progress.StageAuditDone:
		s.auditsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageAuditError:
		s.auditsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageAuditStart && s.tracker.complete(evt.AuditID) {
		s.auditsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.auditRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handlePageEvent(evt progress.Event) {
	site := evt.SiteURL
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.pagesCrawled.WithLabelValues(site, statusClass).Inc()
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
	if evt.IssuesFound > 0 {
		s.issuesFound.WithLabelValues(site).Add(float64(evt.IssuesFound))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type auditTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newAuditTracker() *auditTracker {
	return &auditTracker{running: make(map[string]struct{})}
}

func (t *auditTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *auditTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
