package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/islandhouse2000/islandHouse/internal/registry"
	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
)

// StatsProvider reports registry totals.
type StatsProvider interface {
	Stats(ctx context.Context) (registry.Stats, error)
}

// EventReader returns the logged request events of one connection in
// append order.
type EventReader interface {
	Events(ctx context.Context, connectionID string) ([][]byte, error)
}

// Options wires a Server. Health and Events are optional; the memory
// backend has neither.
type Options struct {
	Stats   StatsProvider
	Health  interfaces.HealthChecker
	Events  EventReader
	Timeout time.Duration
	Logger  *slog.Logger
}

// Server is the HTTP surface next to the WebSocket endpoint. It holds no
// business logic, only HTTP handling and JSON serialization.
type Server struct {
	stats   StatsProvider
	health  interfaces.HealthChecker
	events  EventReader
	timeout time.Duration
	logger  *slog.Logger
	router  *http.ServeMux
}

// NewServer builds the server and its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Stats == nil {
		return nil, fmt.Errorf("stats provider is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	s := &Server{
		stats:   opts.Stats,
		health:  opts.Health,
		events:  opts.Events,
		timeout: opts.Timeout,
		logger:  logging.OrDefault(opts.Logger),
		router:  http.NewServeMux(),
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleStats))))
	s.router.Handle("/api/events/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleEvents))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Store       string         `json:"store"`
	Connections registry.Stats `json:"connections"`
}

type EventsResponse struct {
	ConnectionID string            `json:"connection_id"`
	Events       []json.RawMessage `json:"events"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /health reports 503 when the store or the registry cannot be reached.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	status := "healthy"
	storeStatus := "none"

	if s.health != nil {
		storeStatus = "healthy"
		if err := s.health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			storeStatus = fmt.Sprintf("error: %v", err)
		}
	}

	stats, err := s.stats.Stats(ctx)
	if err != nil {
		status = "unhealthy"
		s.logger.Warn("health check could not read registry stats", logging.Err(err))
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	s.encode(w, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Store:       storeStatus,
		Connections: stats,
	})
}

// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	stats, err := s.stats.Stats(ctx)
	if err != nil {
		s.logger.Error("failed to read registry stats", logging.Err(err))
		s.sendError(w, "Failed to read registry stats", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	s.encode(w, stats)
}

// GET /api/events/{connectionId}
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.events == nil {
		s.sendError(w, "Event log is not enabled", http.StatusNotFound)
		return
	}

	connectionID := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/events/"), "/")[0]
	if connectionID == "" {
		s.sendError(w, "Connection ID required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	records, err := s.events.Events(ctx, connectionID)
	if err != nil {
		s.logger.Error("failed to read event log", logging.Conn(connectionID), logging.Err(err))
		s.sendError(w, "Failed to read event log", http.StatusInternalServerError)
		return
	}

	events := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		if !json.Valid(record) {
			continue
		}
		events = append(events, json.RawMessage(record))
	}

	w.WriteHeader(http.StatusOK)
	s.encode(w, EventsResponse{ConnectionID: connectionID, Events: events})
}

func (s *Server) encode(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", logging.Err(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.encode(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware allows all origins; browser admin consoles call the stats
// endpoints directly.
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
