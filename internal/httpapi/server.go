package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"ember.fyi/pulse/internal/content"
	"ember.fyi/pulse/internal/db"
	"ember.fyi/pulse/internal/globaltime"
	"ember.fyi/pulse/internal/match"
	"ember.fyi/pulse/internal/originality"
	"ember.fyi/pulse/internal/queue"
	"ember.fyi/pulse/internal/runs"
	"ember.fyi/pulse/internal/uniqueness"
	payloadschema "ember.fyi/pulse/schema"
)

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Deps are the scoring services the API reads from and enqueues into.
type Deps struct {
	Queue       *queue.Service
	Runs        *runs.Service
	Uniqueness  *uniqueness.Analyzer
	Originality *originality.Engine
	Content     *content.Service
	Match       *match.Ranker
}

type Server struct {
	pool   *db.Pool
	logger zerolog.Logger
	deps   Deps
	opts   Options
}

func NewServer(pool *db.Pool, logger zerolog.Logger, deps Deps, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8095
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		pool:   pool,
		logger: logger,
		deps:   deps,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.POST("/jobs", s.handleEnqueueJob)
	api.GET("/jobs/:job_id", s.handleJobDetail)
	api.POST("/users/:user_id/content", s.handleCreateContent)
	api.GET("/users/:user_id/content", s.handleListContent)
	api.DELETE("/content/:content_id", s.handleDeleteContent)
	api.GET("/users/:user_id/uniqueness", s.handleUniqueness)
	api.GET("/users/:user_id/originality", s.handleOriginality)
	api.GET("/users/:user_id/matches", s.handleMatches)
	api.GET("/runs/:run_uuid", s.handleRunDetail)

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("pulse api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("pulse api server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "pulse",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.pool.QueryPipelineStats(c.Request().Context(), globaltime.UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

// handleEnqueueJob accepts a scoring job. The body is validated against the
// embedded request schema before anything touches the queue; scoring itself
// always happens asynchronously in a worker.
func (s *Server) handleEnqueueJob(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	request, err := payloadschema.ValidateJobRequest(body)
	if err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	var notBefore *time.Time
	if ts, err := request.NotBeforeTime(); err != nil {
		return failValidation(c, map[string]string{"not_before": err.Error()})
	} else if !ts.IsZero() {
		notBefore = &ts
	}

	params := queue.EnqueueParams{
		JobType:   queue.JobType(request.JobType),
		UserID:    request.UserID,
		NotBefore: notBefore,
	}
	if request.Payload != nil {
		params.Payload = request.Payload
	}
	if request.Priority != nil {
		params.Priority = *request.Priority
	}
	if request.MaxAttempts != nil {
		params.MaxAttempts = *request.MaxAttempts
	}

	jobID, err := s.deps.Queue.Enqueue(c.Request().Context(), params)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", request.UserID).Msg("enqueue job failed")
		return internalError(c, "Failed to enqueue job")
	}

	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"job_id":   jobID,
		"job_type": request.JobType,
		"user_id":  request.UserID,
	})
}

// handleJobDetail serves one job's queue state so callers can poll a job
// they enqueued.
func (s *Server) handleJobDetail(c echo.Context) error {
	jobID, err := strconv.ParseInt(strings.TrimSpace(c.Param("job_id")), 10, 64)
	if err != nil || jobID <= 0 {
		return failValidation(c, map[string]string{"job_id": "must be a positive integer"})
	}

	job, err := s.deps.Queue.JobByID(c.Request().Context(), jobID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Job not found")
		}
		s.logger.Error().Err(err).Int64("job_id", jobID).Msg("load job failed")
		return internalError(c, "Failed to load job")
	}

	return success(c, map[string]any{
		"job_id":        job.JobID,
		"job_uuid":      job.JobUUID,
		"job_type":      job.JobType,
		"user_id":       job.UserID,
		"status":        job.Status,
		"priority":      job.Priority,
		"attempts":      job.Attempts,
		"max_attempts":  job.MaxAttempts,
		"scheduled_for": job.ScheduledFor,
		"run_id":        job.RunID,
	})
}

type createContentRequest struct {
	Body         string   `json:"body"`
	InsightTexts []string `json:"insight_texts,omitempty"`
}

// handleCreateContent records a content item and fires the ContentChanged
// invalidation through the content service. Scoring stays asynchronous; the
// caller enqueues a content_analysis job when it wants a fresh score.
func (s *Server) handleCreateContent(c echo.Context) error {
	userID, err := parseUserID(c.Param("user_id"))
	if err != nil {
		return failValidation(c, map[string]string{"user_id": err.Error()})
	}

	var request createContentRequest
	if err := c.Bind(&request); err != nil {
		return failValidation(c, map[string]string{"body": "must be a JSON document"})
	}
	if strings.TrimSpace(request.Body) == "" {
		return failValidation(c, map[string]string{"body": "is required"})
	}

	item, err := s.deps.Content.Create(c.Request().Context(), userID, request.Body, request.InsightTexts)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("create content failed")
		return internalError(c, "Failed to create content item")
	}

	return successWithStatus(c, http.StatusCreated, item)
}

func (s *Server) handleListContent(c echo.Context) error {
	userID, err := parseUserID(c.Param("user_id"))
	if err != nil {
		return failValidation(c, map[string]string{"user_id": err.Error()})
	}

	items, err := s.deps.Content.ItemsByUser(c.Request().Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("list content failed")
		return internalError(c, "Failed to list content items")
	}

	return success(c, map[string]any{"items": items})
}

func (s *Server) handleDeleteContent(c echo.Context) error {
	contentID, err := strconv.ParseInt(strings.TrimSpace(c.Param("content_id")), 10, 64)
	if err != nil || contentID <= 0 {
		return failValidation(c, map[string]string{"content_id": "must be a positive integer"})
	}

	if err := s.deps.Content.Delete(c.Request().Context(), contentID); err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Content item not found")
		}
		s.logger.Error().Err(err).Int64("content_id", contentID).Msg("delete content failed")
		return internalError(c, "Failed to delete content item")
	}

	return success(c, map[string]any{"content_id": contentID})
}

// handleUniqueness serves the latest committed score. It never computes
// synchronously; an unscored user gets a 404 until a worker has run.
func (s *Server) handleUniqueness(c echo.Context) error {
	userID, err := parseUserID(c.Param("user_id"))
	if err != nil {
		return failValidation(c, map[string]string{"user_id": err.Error()})
	}

	result, err := s.deps.Uniqueness.Latest(c.Request().Context(), userID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Uniqueness score not yet available")
		}
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("load uniqueness failed")
		return internalError(c, "Failed to load uniqueness score")
	}

	return success(c, result)
}

func (s *Server) handleOriginality(c echo.Context) error {
	userID, err := parseUserID(c.Param("user_id"))
	if err != nil {
		return failValidation(c, map[string]string{"user_id": err.Error()})
	}

	ctx := c.Request().Context()
	result, err := s.deps.Originality.Cached(ctx, userID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Originality score not yet available")
		}
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("load originality failed")
		return internalError(c, "Failed to load originality score")
	}

	percentile, err := s.deps.Originality.Percentile(ctx, userID)
	if err != nil && !db.IsNoRows(err) {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("rank originality failed")
		return internalError(c, "Failed to rank originality score")
	}

	return success(c, map[string]any{
		"originality": result,
		"percentile":  percentile,
	})
}

func (s *Server) handleMatches(c echo.Context) error {
	userID, err := parseUserID(c.Param("user_id"))
	if err != nil {
		return failValidation(c, map[string]string{"user_id": err.Error()})
	}

	weekStart, err := parseWeekStart(c.QueryParam("week_start"))
	if err != nil {
		return failValidation(c, map[string]string{"week_start": err.Error()})
	}

	matches, err := s.deps.Match.WeeklyMatches(c.Request().Context(), userID, weekStart)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("load weekly matches failed")
		return internalError(c, "Failed to load weekly matches")
	}

	return success(c, map[string]any{
		"week_start": weekStart.Format("2006-01-02"),
		"items":      matches,
	})
}

func (s *Server) handleRunDetail(c echo.Context) error {
	runUUID := strings.TrimSpace(c.Param("run_uuid"))
	if runUUID == "" {
		return failValidation(c, map[string]string{"run_uuid": "is required"})
	}

	run, err := s.deps.Runs.RunByUUID(c.Request().Context(), runUUID)
	if err != nil {
		if db.IsNoRows(err) {
			return failNotFound(c, "Batch run not found")
		}
		s.logger.Error().Err(err).Str("run_uuid", runUUID).Msg("load batch run failed")
		return internalError(c, "Failed to load batch run")
	}

	return success(c, run)
}

func readBody(c echo.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("must be a JSON document")
	}
	return raw, nil
}

func parseUserID(raw string) (int64, error) {
	userID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return userID, nil
}

// parseWeekStart parses the optional week_start query parameter, defaulting
// to the Monday of the current UTC week.
func parseWeekStart(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CurrentWeekStart(globaltime.UTC()), nil
	}
	day, err := time.Parse("2006-01-02", trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be YYYY-MM-DD")
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC), nil
}

// CurrentWeekStart returns the Monday of now's UTC week.
func CurrentWeekStart(now time.Time) time.Time {
	day := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	weekday := int(day.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return day.AddDate(0, 0, 1-weekday)
}
