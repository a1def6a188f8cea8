package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/chikingsley/rivena/internal/config"
	"github.com/chikingsley/rivena/internal/coordinator"
	"github.com/chikingsley/rivena/internal/memory"
	"github.com/chikingsley/rivena/internal/observability"
	"github.com/chikingsley/rivena/internal/protocol"
	"github.com/chikingsley/rivena/internal/session"
	"github.com/chikingsley/rivena/internal/voicebot"
	"github.com/chikingsley/rivena/internal/voicestate"
)

const (
	defaultTranscriptLimit = 50
	maxTranscriptLimit     = 500
)

// Coordinator is the session surface the API drives.
type Coordinator interface {
	StartSession(ctx context.Context) (*session.Session, error)
	EndSession(ctx context.Context) error
	SessionStatus(ctx context.Context) (*session.Session, bool)
	Current() (*session.Session, bool)
	Wake(ctx context.Context) (voicebot.ActionResponse, error)
	Sleep(ctx context.Context) (voicebot.ActionResponse, error)
	ListSessions(ctx context.Context) ([]string, error)
	State() *voicestate.Aggregator
	Bus() *protocol.Bus
}

type Server struct {
	cfg      config.Config
	coord    Coordinator
	store    memory.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, coord Coordinator, store memory.Store, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		coord:   coord,
		store:   store,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may attach to the state stream unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, Recover(s.logger), AccessLog(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)

	r.Route("/v1/session", func(r chi.Router) {
		r.Post("/", s.handleStartSession)
		r.Get("/", s.handleSessionStatus)
		r.Post("/end", s.handleEndSession)
		r.Post("/wake", s.handleWake)
		r.Post("/sleep", s.handleSleep)
	})
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/state", s.handleState)
	r.Get("/v1/state/ws", s.handleStateWS)
	r.Get("/v1/transcripts", s.handleTranscripts)
	r.Get("/v1/transcripts/sessions", s.handleTranscriptSessions)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	_, active := s.coord.Current()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"session_active": active,
		"store_mode":     memory.Mode(s.store),
		"rtvi_client":    s.cfg.RTVIClient,
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.StartSession(r.Context())
	if err != nil {
		s.respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.EndSession(r.Context()); err != nil {
		s.respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.coord.SessionStatus(r.Context())
	if !ok {
		respondError(w, http.StatusNotFound, "no_active_session", coordinator.ErrNoActiveSession.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	resp, err := s.coord.Wake(r.Context())
	if err != nil {
		s.respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	resp, err := s.coord.Sleep(r.Context())
	if err != nil {
		s.respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.coord.ListSessions(r.Context())
	if err != nil {
		s.respondCoordinatorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.coord.State().Snapshot())
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		if sess, ok := s.coord.Current(); ok {
			sessionID = sess.ID
		}
	}
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required without an active session")
		return
	}

	limit := defaultTranscriptLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTranscriptLimit)
	}

	turns, err := s.store.RecentBySession(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.Error("transcript query failed", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "store_error", "failed to load transcripts")
		return
	}
	if turns == nil {
		turns = []memory.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"turns":      turns,
	})
}

func (s *Server) handleTranscriptSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	limit := defaultTranscriptLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTranscriptLimit)
	}
	sessions, err := s.store.Sessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("transcript session query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "store_error", "failed to load transcript sessions")
		return
	}
	if sessions == nil {
		sessions = []memory.SessionSummary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) respondCoordinatorError(w http.ResponseWriter, err error) {
	var (
		cerr *coordinator.ConnectionError
		terr *coordinator.TransportError
	)
	switch {
	case errors.Is(err, coordinator.ErrNoActiveSession):
		respondError(w, http.StatusConflict, "no_active_session", err.Error())
	case errors.Is(err, coordinator.ErrSessionActive):
		respondError(w, http.StatusConflict, "session_active", err.Error())
	case errors.As(err, &cerr):
		respondJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Code: "connection_failed", Retryable: cerr.Retryable})
	case errors.As(err, &terr):
		respondJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Code: "transport_failed", Retryable: terr.Retryable})
	case voicebot.IsNotFound(err):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	default:
		s.logger.Warn("voice-bot request failed", "error", err)
		respondJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Code: "voicebot_error", Retryable: voicebot.Retryable(err)})
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
