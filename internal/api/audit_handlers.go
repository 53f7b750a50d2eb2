package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rankwell/siteaudit/internal/audit"
	"github.com/rankwell/siteaudit/internal/engine"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// createAuditRequest is the POST /v1/audits body. Option fields are
// pointers so an absent field falls back to the configured default
// rather than the zero value.
type createAuditRequest struct {
	SiteURL            string   `json:"site_url"`
	ProjectID          string   `json:"project_id"`
	MaxDepth           *int     `json:"max_depth"`
	MaxPages           *int     `json:"max_pages"`
	MaxConcurrency     *int     `json:"max_concurrency"`
	UserAgent          *string  `json:"user_agent"`
	RenderJS           *bool    `json:"render_js"`
	RespectRobots      *bool    `json:"respect_robots"`
	IncludeScreenshots *bool    `json:"include_screenshots"`
	SkipExternal       *bool    `json:"skip_external"`
	IncludeSitemap     *bool    `json:"include_sitemap"`
	FollowPatterns     []string `json:"follow_patterns"`
	IgnorePatterns     []string `json:"ignore_patterns"`
}

func (req createAuditRequest) toCrawlOptions(defaults audit.CrawlOptions) audit.CrawlOptions {
	opts := audit.CrawlOptions{
		MaxDepth:           valueOrDefault(req.MaxDepth, defaults.MaxDepth),
		MaxPages:           valueOrDefault(req.MaxPages, defaults.MaxPages),
		MaxConcurrency:     valueOrDefault(req.MaxConcurrency, defaults.MaxConcurrency),
		UserAgent:          valueOrDefault(req.UserAgent, defaults.UserAgent),
		RenderJS:           boolOrDefault(req.RenderJS, defaults.RenderJS),
		RespectRobots:      boolOrDefault(req.RespectRobots, defaults.RespectRobots),
		IncludeScreenshots: boolOrDefault(req.IncludeScreenshots, defaults.IncludeScreenshots),
		SkipExternal:       boolOrDefault(req.SkipExternal, defaults.SkipExternal),
		IncludeSitemap:     boolOrDefault(req.IncludeSitemap, defaults.IncludeSitemap),
		FollowPatterns:     req.FollowPatterns,
		IgnorePatterns:     req.IgnorePatterns,
	}
	opts.Normalize(defaults)
	return opts
}

// createAudit handles POST /v1/audits. It persists a PENDING audit,
// enqueues the run-audit job, and returns 202 with the audit record and
// the queued job ID; the crawl proceeds asynchronously.
func (s *Server) createAudit(w http.ResponseWriter, r *http.Request) {
	var req createAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	siteURL, err := audit.CanonicalURL(strings.TrimSpace(req.SiteURL))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid site_url: "+err.Error())
		return
	}
	opts := req.toCrawlOptions(s.cfg.CrawlDefaults)
	if err := opts.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("generate audit id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create audit")
		return
	}
	now := s.clock.Now()
	a := audit.Audit{
		ID:        id,
		ProjectID: strings.TrimSpace(req.ProjectID),
		SiteURL:   siteURL,
		Status:    audit.StatusPending,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAudit(r.Context(), a); err != nil {
		s.logger.Error("create audit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create audit")
		return
	}
	job, err := s.queue.Add(engine.JobTypeRunAudit, a.ID)
	if err != nil {
		s.logger.Error("enqueue audit failed", zap.String("audit_id", a.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue audit")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"audit":  a,
		"job_id": job.ID,
	})
}

// listAudits handles GET /v1/audits?project_id=&limit=.
func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultAuditLimit, maxAuditLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	projectID := strings.TrimSpace(r.URL.Query().Get("project_id"))
	audits, err := s.store.ListAudits(r.Context(), projectID, limit)
	if err != nil {
		s.logger.Error("list audits failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list audits")
		return
	}
	if audits == nil {
		audits = []audit.Audit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

// getAudit handles GET /v1/audits/{audit_id}. Mid-run it reflects live
// progress because the engine writes progress through the same store.
func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "audit_id")
	a, err := s.store.GetAudit(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrAuditNotFound) {
			writeError(w, http.StatusNotFound, "audit not found")
			return
		}
		s.logger.Error("get audit failed", zap.String("audit_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load audit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": a})
}

// listAuditPages handles GET /v1/audits/{audit_id}/pages.
func (s *Server) listAuditPages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "audit_id")
	if _, err := s.store.GetAudit(r.Context(), id); err != nil {
		if errors.Is(err, audit.ErrAuditNotFound) {
			writeError(w, http.StatusNotFound, "audit not found")
			return
		}
		s.logger.Error("get audit failed", zap.String("audit_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load audit")
		return
	}
	pages, err := s.store.ListPageResults(r.Context(), id)
	if err != nil {
		s.logger.Error("list pages failed", zap.String("audit_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}
	if pages == nil {
		pages = []audit.PageResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

// cancelAudit handles POST /v1/audits/{audit_id}/cancel. Cancellation
// is cooperative: a running audit is aborted via its context, a queued
// one is failed directly.
func (s *Server) cancelAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "audit_id")
	if err := s.canceler.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, audit.ErrAuditNotFound):
			writeError(w, http.StatusNotFound, "audit not found")
		case errors.Is(err, audit.ErrTerminal):
			writeError(w, http.StatusConflict, "audit already finished")
		default:
			s.logger.Error("cancel audit failed", zap.String("audit_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to cancel audit")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"audit_id": id,
		"status":   "cancel_requested",
	})
}

// getJob handles GET /v1/jobs/{job_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	job, ok := s.queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > max {
		val = max
	}
	return val, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}
