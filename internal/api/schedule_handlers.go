package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rankwell/siteaudit/internal/audit"
	"github.com/rankwell/siteaudit/internal/scheduler"
)

// scheduleRequest is the POST and PUT /v1/schedules body. Crawl option
// fields mirror createAuditRequest; absent fields fall back to the
// configured defaults (create) or the stored values (update).
type scheduleRequest struct {
	SiteURL            string   `json:"site_url"`
	ProjectID          string   `json:"project_id"`
	Frequency          string   `json:"frequency"`
	IsActive           *bool    `json:"is_active"`
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

func (req scheduleRequest) toCrawlOptions(defaults audit.CrawlOptions) audit.CrawlOptions {
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

// createSchedule handles POST /v1/schedules. The first NextRunAt lands
// on the canonical run hour: today if still ahead, otherwise tomorrow.
func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	siteURL, err := audit.CanonicalURL(strings.TrimSpace(req.SiteURL))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid site_url: "+err.Error())
		return
	}
	freq := audit.Frequency(strings.ToLower(strings.TrimSpace(req.Frequency)))
	if !freq.Valid() {
		writeError(w, http.StatusBadRequest, "frequency must be daily, weekly, or monthly")
		return
	}
	opts := req.toCrawlOptions(s.cfg.CrawlDefaults)
	if err := opts.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("generate schedule id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	now := s.clock.Now()
	sched := audit.Schedule{
		ID:        id,
		ProjectID: strings.TrimSpace(req.ProjectID),
		SiteURL:   siteURL,
		Frequency: freq,
		IsActive:  boolOrDefault(req.IsActive, true),
		Options:   opts,
		NextRunAt: scheduler.InitialRun(now, s.cfg.RunHour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.schedules.CreateSchedule(r.Context(), sched); err != nil {
		s.logger.Error("create schedule failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule": sched})
}

// listSchedules handles GET /v1/schedules?project_id=.
func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.URL.Query().Get("project_id"))
	scheds, err := s.schedules.ListSchedules(r.Context(), projectID)
	if err != nil {
		s.logger.Error("list schedules failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	if scheds == nil {
		scheds = []audit.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
}

// getSchedule handles GET /v1/schedules/{schedule_id}.
func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "schedule_id")
	sched, err := s.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("get schedule failed", zap.String("schedule_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sched})
}

// updateSchedule handles PUT /v1/schedules/{schedule_id}. NextRunAt and
// LastRunAt are owned by the poller and survive the update untouched; a
// paused schedule resumed after its due time fires on the next sweep.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "schedule_id")
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sched, err := s.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("get schedule failed", zap.String("schedule_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}

	if req.SiteURL != "" {
		siteURL, err := audit.CanonicalURL(strings.TrimSpace(req.SiteURL))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid site_url: "+err.Error())
			return
		}
		sched.SiteURL = siteURL
	}
	if req.Frequency != "" {
		freq := audit.Frequency(strings.ToLower(strings.TrimSpace(req.Frequency)))
		if !freq.Valid() {
			writeError(w, http.StatusBadRequest, "frequency must be daily, weekly, or monthly")
			return
		}
		sched.Frequency = freq
	}
	if req.ProjectID != "" {
		sched.ProjectID = strings.TrimSpace(req.ProjectID)
	}
	if req.IsActive != nil {
		sched.IsActive = *req.IsActive
	}
	sched.Options = req.toCrawlOptions(sched.Options)
	if err := sched.Options.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched.UpdatedAt = s.clock.Now()

	if err := s.schedules.UpdateSchedule(r.Context(), sched); err != nil {
		if errors.Is(err, audit.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("update schedule failed", zap.String("schedule_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sched})
}

// deleteSchedule handles DELETE /v1/schedules/{schedule_id}.
func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "schedule_id")
	if err := s.schedules.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, audit.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("delete schedule failed", zap.String("schedule_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
