package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"notetaker/internal/metrics"
	"notetaker/internal/nlu"
	"notetaker/internal/poller"
	"notetaker/internal/repo"
	"notetaker/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	ProviderWebhook http.Handler
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Repository repo.Repository
	Scheduler  *scheduler.Scheduler
	Poller     *poller.Poller
	NLU        *nlu.Client
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics,
// webhook and admin endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/meetings", server.handleCreateMeeting)
	mux.HandleFunc("/admin/meetings/refresh", server.handleRefreshMeeting)
	mux.HandleFunc("/admin/meetings/reprocess", server.handleReprocessMeeting)
	mux.HandleFunc("/admin/meetings/exclude", server.handleExcludeBot)
	mux.HandleFunc("/admin/meetings/enable", server.handleEnableBot)
	mux.HandleFunc("/admin/poll", server.handlePollNow)

	if handlers.ProviderWebhook != nil {
		mux.Handle("/webhook/botprovider", handlers.ProviderWebhook)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

type createMeetingRequest struct {
	UserID          string     `json:"userId"`
	TeamID          *string    `json:"teamId,omitempty"`
	MeetingURL      string     `json:"meetingUrl"`
	ScheduledStart  time.Time  `json:"scheduledStart"`
	ScheduledEnd    *time.Time `json:"scheduledEnd,omitempty"`
	CalendarEventID *string    `json:"calendarEventId,omitempty"`
	DeployBot       bool       `json:"deployBot"`
}

// handleCreateMeeting registers a meeting (idempotent on the calendar event)
// and optionally deploys a bot right away.
func (s *Server) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createMeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.MeetingURL == "" || req.ScheduledStart.IsZero() {
		http.Error(w, "userId, meetingUrl and scheduledStart are required", http.StatusBadRequest)
		return
	}

	meeting, err := s.deps.Scheduler.EnsureMeeting(r.Context(), repo.NewMeeting{
		UserID:          req.UserID,
		TeamID:          req.TeamID,
		MeetingURL:      req.MeetingURL,
		ScheduledStart:  req.ScheduledStart,
		ScheduledEnd:    req.ScheduledEnd,
		CalendarEventID: req.CalendarEventID,
	})
	if err != nil {
		s.logger.Error("failed ensuring meeting", "error", err)
		http.Error(w, "failed creating meeting", http.StatusInternalServerError)
		return
	}

	if req.DeployBot {
		if err := s.deps.Scheduler.ScheduleBot(r.Context(), meeting.ID); err != nil {
			if errors.Is(err, scheduler.ErrBotExcluded) {
				http.Error(w, "bot excluded for this meeting", http.StatusConflict)
				return
			}
			s.logger.Error("failed scheduling bot", "error", err, "meeting_id", meeting.ID)
			http.Error(w, "failed scheduling bot", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, map[string]any{
		"status":    "ok",
		"meetingId": meeting.ID,
	})
}

// handleRefreshMeeting reconciles one meeting against the provider on demand.
func (s *Server) handleRefreshMeeting(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := requireMeetingID(w, r)
	if !ok {
		return
	}

	if err := s.deps.Poller.ReconcileMeeting(r.Context(), meetingID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "meeting not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed refreshing meeting", "error", err, "meeting_id", meetingID)
		http.Error(w, "failed refreshing meeting", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "meetingId": meetingID})
}

// handleReprocessMeeting regenerates insights from the stored transcript.
func (s *Server) handleReprocessMeeting(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := requireMeetingID(w, r)
	if !ok {
		return
	}

	transcript, err := s.deps.Repository.GetTranscript(r.Context(), meetingID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "no transcript stored for meeting", http.StatusNotFound)
			return
		}
		s.logger.Error("failed loading transcript", "error", err, "meeting_id", meetingID)
		http.Error(w, "failed loading transcript", http.StatusInternalServerError)
		return
	}

	if err := s.deps.NLU.Generate(r.Context(), meetingID, transcript.Content); err != nil {
		s.logger.Error("failed regenerating insights", "error", err, "meeting_id", meetingID)
		http.Error(w, "failed regenerating insights", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "meetingId": meetingID})
}

// handleExcludeBot cancels the bot for a meeting.
func (s *Server) handleExcludeBot(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := requireMeetingID(w, r)
	if !ok {
		return
	}

	if err := s.deps.Scheduler.ExcludeBot(r.Context(), meetingID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "meeting not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed excluding bot", "error", err, "meeting_id", meetingID)
		http.Error(w, "failed excluding bot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "meetingId": meetingID})
}

// handleEnableBot re-enables a previously excluded bot.
func (s *Server) handleEnableBot(w http.ResponseWriter, r *http.Request) {
	meetingID, ok := requireMeetingID(w, r)
	if !ok {
		return
	}

	if err := s.deps.Scheduler.ReEnableBot(r.Context(), meetingID, time.Now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "meeting not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, scheduler.ErrMeetingStarted) {
			http.Error(w, "meeting already started", http.StatusConflict)
			return
		}
		s.logger.Error("failed re-enabling bot", "error", err, "meeting_id", meetingID)
		http.Error(w, "failed re-enabling bot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "meetingId": meetingID})
}

// handlePollNow runs a reconciliation sweep immediately, for the external
// cron trigger.
func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.deps.Poller.SweepOnce(r.Context()); err != nil {
		s.logger.Error("manual sweep failed", "error", err)
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func requireMeetingID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	meetingID := strings.TrimSpace(r.URL.Query().Get("id"))
	if meetingID == "" {
		http.Error(w, "id query parameter is required", http.StatusBadRequest)
		return "", false
	}
	return meetingID, true
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
