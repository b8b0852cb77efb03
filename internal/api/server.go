// Package api exposes the REST surface: project management, report
// requests, completeness checks, the analytics dashboard, a websocket
// status stream per project, and the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketlens/marketlens/internal/completeness"
	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/coordinator"
	"github.com/marketlens/marketlens/internal/observability"
	"github.com/marketlens/marketlens/internal/status"
	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
)

// ReportService is the coordinator capability the API consumes.
type ReportService interface {
	ProcessInitialReport(ctx context.Context, projectID string, opts coordinator.Options) coordinator.AsyncResult
}

// RefreshService triggers an immediate data refresh for a project.
type RefreshService interface {
	Trigger(ctx context.Context, projectID string) error
}

// ScheduleService manages report schedules.
type ScheduleService interface {
	Schedule(ctx context.Context, projectID string, freq types.Frequency, customCron string) (string, error)
	Stop(ctx context.Context, scheduleID string) error
}

// Server is the HTTP front end.
type Server struct {
	mux       *http.ServeMux
	cfg       config.APIConfig
	logger    *slog.Logger
	repo      store.Repository
	locker    store.Locker
	reports   ReportService
	refresher RefreshService
	schedules ScheduleService
	checker   *completeness.Checker
	publisher *status.Publisher
	metrics   *observability.Metrics

	httpServer *http.Server
}

// NewServer wires the API routes.
func NewServer(
	cfg config.APIConfig,
	repo store.Repository,
	locker store.Locker,
	reports ReportService,
	refresher RefreshService,
	schedules ScheduleService,
	checker *completeness.Checker,
	publisher *status.Publisher,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		logger:    logger.With("component", "api_server"),
		repo:      repo,
		locker:    locker,
		reports:   reports,
		refresher: refresher,
		schedules: schedules,
		checker:   checker,
		publisher: publisher,
		metrics:   metrics,
	}
	s.registerRoutes()
	return s
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	s.logger.Info("API server starting", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Projects
	s.mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	s.mux.HandleFunc("GET /api/projects", s.handleListProjects)
	s.mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	s.mux.HandleFunc("GET /api/projects/{id}/completeness", s.handleCompleteness)
	s.mux.HandleFunc("POST /api/projects/{id}/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/projects/{id}/schedule", s.handleSchedule)

	// Reports
	s.mux.HandleFunc("POST /api/projects/{id}/reports", s.handleGenerateReport)
	s.mux.HandleFunc("GET /api/reports/{id}", s.handleGetReport)
	s.mux.HandleFunc("GET /api/reports/{id}/versions", s.handleReportVersions)

	// Status stream
	s.mux.HandleFunc("GET /ws/projects/{id}/status", s.handleStatusStream)

	// Analytics
	s.mux.HandleFunc("GET /api/dashboard", s.handleDashboard)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
	})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		OwnerUserID string `json:"ownerUserId"`
		Frequency   string `json:"frequency"`
		CustomCron  string `json:"customCron"`
		Products    []struct {
			Name        string `json:"name"`
			Website     string `json:"website"`
			Positioning string `json:"positioning"`
			Industry    string `json:"industry"`
		} `json:"products"`
		Competitors []struct {
			Name        string `json:"name"`
			Website     string `json:"website"`
			Description string `json:"description"`
		} `json:"competitors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Name == "" || body.OwnerUserID == "" {
		s.jsonError(w, http.StatusBadRequest, "name and ownerUserId are required")
		return
	}

	freq, err := types.ParseFrequency(body.Frequency)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	project := &types.Project{
		ID:          uuid.NewString(),
		Name:        body.Name,
		OwnerUserID: body.OwnerUserID,
		Frequency:   freq,
		CustomCron:  body.CustomCron,
		Status:      types.ProjectActive,
		CreatedAt:   time.Now(),
	}
	if err := store.CreateProjectGuarded(r.Context(), s.repo, s.locker, project); err != nil {
		code := http.StatusInternalServerError
		if err == types.ErrDuplicateProject {
			code = http.StatusConflict
		}
		s.jsonError(w, code, err.Error())
		return
	}

	for _, p := range body.Products {
		product := &types.Product{
			ID:          uuid.NewString(),
			ProjectID:   project.ID,
			Name:        p.Name,
			Website:     p.Website,
			Positioning: p.Positioning,
			Industry:    p.Industry,
		}
		if err := s.repo.PutProduct(r.Context(), product); err != nil {
			s.jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		project.ProductIDs = append(project.ProductIDs, product.ID)
	}
	for _, c := range body.Competitors {
		comp := &types.Competitor{
			ID:          uuid.NewString(),
			Name:        c.Name,
			Website:     c.Website,
			Description: c.Description,
		}
		if err := s.repo.PutCompetitor(r.Context(), comp); err != nil {
			s.jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		project.CompetitorIDs = append(project.CompetitorIDs, comp.ID)
	}

	s.jsonResponse(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.repo.ListProjects(r.Context())
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	graph, err := s.repo.FindProjectWithGraph(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, graph)
}

func (s *Server) handleCompleteness(w http.ResponseWriter, r *http.Request) {
	result, err := s.checker.Score(r.Context(), r.PathValue("id"), completeness.Options{})
	if err != nil {
		s.jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.refresher.Trigger(r.Context(), r.PathValue("id")); err != nil {
		s.jsonError(w, http.StatusConflict, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Frequency  string `json:"frequency"`
		CustomCron string `json:"customCron"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	freq, err := types.ParseFrequency(body.Frequency)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.schedules.Schedule(r.Context(), r.PathValue("id"), freq, body.CustomCron)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]string{"scheduleId": id})
}

func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TimeoutSeconds  int    `json:"timeoutSeconds"`
		Priority        string `json:"priority"`
		FallbackToQueue *bool  `json:"fallbackToQueue"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.jsonError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	opts := coordinator.Options{
		Priority:        body.Priority,
		FallbackToQueue: body.FallbackToQueue,
	}
	if body.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}

	result := s.reports.ProcessInitialReport(r.Context(), r.PathValue("id"), opts)
	code := http.StatusOK
	if !result.Success {
		code = http.StatusUnprocessableEntity
	} else if result.QueueScheduled {
		code = http.StatusAccepted
	}
	s.jsonResponse(w, code, result)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rpt, err := s.repo.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, rpt)
}

func (s *Server) handleReportVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.repo.ListReportVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, versions)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = observability.TimeframeDaily
	}
	s.jsonResponse(w, http.StatusOK, s.metrics.SnapshotDashboard(timeframe))
}

func (s *Server) jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, code int, msg string) {
	s.jsonResponse(w, code, map[string]string{"error": msg})
}
