package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"collabgate/internal/admission"
	"collabgate/internal/metrics"
	"collabgate/pkg/types"
)

// AdmissionReporter reports a user's admission limits and usage.
type AdmissionReporter interface {
	Status(ctx context.Context, userID string) (admission.Status, error)
}

// PresenceReader lists fresh presence records of a session.
type PresenceReader interface {
	GetSessionPresence(ctx context.Context, sessionID string) ([]types.PresenceRecord, error)
}

// EventReplayer returns buffered events newer than a sequence number.
type EventReplayer interface {
	ReplayEvents(sessionID string, sinceSequence int64) []types.Event
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	GetStats() map[string]int
}

// HealthChecker is implemented by the database manager.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Pinger is implemented by the shared store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the server to the gateway components. Database may be
// nil when sessions come from another provider; an empty MetricsPath turns
// the Prometheus endpoint off.
type Dependencies struct {
	Admission   AdmissionReporter
	Presence    PresenceReader
	Events      EventReplayer
	Registry    Registry
	Store       Pinger
	Database    HealthChecker
	MetricsPath string
}

// Server is the read-only HTTP status API next to the WebSocket endpoint.
type Server struct {
	deps      Dependencies
	router    *mux.Router
	logger    *zap.Logger
	startedAt time.Time
}

// NewServer creates the server and registers its routes.
func NewServer(deps Dependencies, logger *zap.Logger) *Server {
	s := &Server{
		deps:      deps,
		router:    mux.NewRouter(),
		logger:    logger,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.jsonMiddleware)
	api.HandleFunc("/admission/{userId}", s.getAdmission).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions/{sessionId}/presence", s.getPresence).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions/{sessionId}/events", s.getEvents).Methods(http.MethodGet, http.MethodOptions)

	s.router.Handle("/health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck))).Methods(http.MethodGet)
	if s.deps.MetricsPath != "" {
		s.router.Handle(s.deps.MetricsPath, metrics.Handler()).Methods(http.MethodGet)
	}

	methodNotAllowed := s.jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}))
	notFound := s.jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Not found", http.StatusNotFound)
	}))
	// Subrouters keep their own fallbacks.
	s.router.MethodNotAllowedHandler = methodNotAllowed
	s.router.NotFoundHandler = notFound
	api.MethodNotAllowedHandler = methodNotAllowed
	api.NotFoundHandler = notFound
}

// Router exposes the mux so the WebSocket handler can be mounted next to the API.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type AdmissionResponse struct {
	Admission admission.Status `json:"admission"`
}

type PresenceResponse struct {
	SessionID string                 `json:"sessionId"`
	Presence  []types.PresenceRecord `json:"presence"`
}

type EventsResponse struct {
	SessionID     string        `json:"sessionId"`
	SinceSequence int64         `json:"sinceSequence"`
	Events        []types.Event `json:"events"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Store       string                 `json:"store"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/admission/{userId}
func (s *Server) getAdmission(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if !types.IsValidIdentifier(userID) {
		s.sendError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	status, err := s.deps.Admission.Status(r.Context(), userID)
	if err != nil {
		s.logger.Warn("Admission status failed", zap.String("user_id", userID), zap.Error(err))
		s.sendError(w, "Failed to read admission status", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, AdmissionResponse{Admission: status})
}

// GET /api/sessions/{sessionId}/presence
func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if !types.IsValidIdentifier(sessionID) {
		s.sendError(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	records, err := s.deps.Presence.GetSessionPresence(r.Context(), sessionID)
	if err != nil {
		s.logger.Warn("Presence lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		s.sendError(w, "Failed to read presence", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, PresenceResponse{SessionID: sessionID, Presence: records})
}

// GET /api/sessions/{sessionId}/events?since=N
func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if !types.IsValidIdentifier(sessionID) {
		s.sendError(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.sendError(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}

	events := s.deps.Events.ReplayEvents(sessionID, since)
	if events == nil {
		events = []types.Event{}
	}
	s.writeJSON(w, http.StatusOK, EventsResponse{SessionID: sessionID, SinceSequence: since, Events: events})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	storeStatus := "healthy"
	dbStatus := "disabled"

	if err := s.deps.Store.Ping(ctx); err != nil {
		status = "unhealthy"
		storeStatus = fmt.Sprintf("error: %v", err)
	}
	if s.deps.Database != nil {
		dbStatus = "healthy"
		if err := s.deps.Database.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Store:       storeStatus,
		Database:    dbStatus,
		Connections: s.deps.Registry.GetStats(),
		System: map[string]interface{}{
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to encode response", zap.Error(err))
	}
}

// Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
