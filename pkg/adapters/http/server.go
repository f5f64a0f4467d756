package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/stepgraph"
	mermaid "github.com/aretw0/stepgraph/internal/presentation/graph"
	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 1 << 20

// Server exposes a stepgraph.Service over HTTP.
type Server struct {
	svc          *stepgraph.Service
	logger       *slog.Logger
	maxBodyBytes int64
	gatherer     prometheus.Gatherer
}

// Option configures the HTTP server.
type Option func(*Server)

// WithLogger sets the request logger. Defaults to the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxBodyBytes limits the size of request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithMetrics mounts /metrics backed by the given gatherer.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewHandler creates a new HTTP handler for the service.
func NewHandler(svc *stepgraph.Service, opts ...Option) http.Handler {
	s := &Server{
		svc:          svc,
		logger:       svc.Logger(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.GetRoot)
	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)

	r.Route("/graph", func(r chi.Router) {
		r.Get("/", s.ListGraphs)
		r.Post("/run", s.RunGraph)
		r.Get("/state/{run_id}", s.GetRunState)
		r.Get("/{graph_id}", s.GetGraph)
	})
	r.Get("/runs", s.ListRuns)
	r.Get("/ws/logs/{run_id}", s.StreamLogs)
	r.Get("/events", s.SubscribeEvents)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RunRequest is the body of POST /graph/run.
type RunRequest struct {
	GraphID      string       `json:"graph_id"`
	InitialState domain.State `json:"initial_state"`
}

// RunResponse acknowledges a submitted run.
type RunResponse struct {
	RunID  string           `json:"run_id"`
	Status domain.RunStatus `json:"status"`
}

// StateResponse is the body of GET /graph/state/{run_id}.
type StateResponse struct {
	RunID        string              `json:"run_id"`
	GraphID      string              `json:"graph_id"`
	Status       domain.RunStatus    `json:"status"`
	CurrentState domain.State        `json:"current_state"`
	History      []domain.StepRecord `json:"history"`
	Error        string              `json:"error,omitempty"`
}

// GraphResponse describes a registered graph.
type GraphResponse struct {
	ID          string            `json:"id"`
	EntryPoint  string            `json:"entry_point"`
	Nodes       []string          `json:"nodes"`
	Edges       map[string]string `json:"edges"`
	Conditional []string          `json:"conditional"`
	Mermaid     string            `json:"mermaid"`
}

// RunGraph handles the POST /graph/run request.
func (s *Server) RunGraph(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var body RunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			s.logger.Warn("RunGraph: body too large", "limit", tooLarge.Limit)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		s.logger.Warn("RunGraph: invalid request body", "error", err)
		return
	}
	if strings.TrimSpace(body.GraphID) == "" {
		writeError(w, http.StatusBadRequest, "graph_id is required")
		return
	}

	initial, err := SanitizeState(body.InitialState)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid initial_state: %v", err))
		s.logger.Warn("RunGraph: input rejected", "error", err)
		return
	}

	runID, err := s.svc.Submit(r.Context(), body.GraphID, initial)
	if err != nil {
		if errors.Is(err, domain.ErrGraphNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("graph %q not found", body.GraphID))
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to submit run")
		s.logger.Error("RunGraph: submit failed", "graph_id", body.GraphID, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, RunResponse{RunID: runID, Status: domain.StatusPending})
}

// GetRunState handles the GET /graph/state/{run_id} request.
func (s *Server) GetRunState(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.svc.Status(r.Context(), runID)
	if err != nil {
		s.writeLookupError(w, "GetRunState", err)
		return
	}

	history := run.History
	if history == nil {
		history = []domain.StepRecord{}
	}
	writeJSON(w, http.StatusOK, StateResponse{
		RunID:        run.ID,
		GraphID:      run.GraphID,
		Status:       run.Status,
		CurrentState: run.State,
		History:      history,
		Error:        run.Error,
	})
}

// ListGraphs handles the GET /graph request.
func (s *Server) ListGraphs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Graphs())
}

// GetGraph handles the GET /graph/{graph_id} request.
func (s *Server) GetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.svc.Graph(chi.URLParam(r, "graph_id"))
	if err != nil {
		s.writeLookupError(w, "GetGraph", err)
		return
	}

	conditional := g.Conditionals()
	if conditional == nil {
		conditional = []string{}
	}
	writeJSON(w, http.StatusOK, GraphResponse{
		ID:          g.ID(),
		EntryPoint:  g.EntryPoint(),
		Nodes:       g.Nodes(),
		Edges:       g.Edges(),
		Conditional: conditional,
		Mermaid:     mermaid.GenerateMermaid(g, nil),
	})
}

// ListRuns handles the GET /runs request.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.svc.Runs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		s.logger.Error("ListRuns failed", "error", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// GetRoot handles the GET / request.
func (s *Server) GetRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "stepgraph is running. POST /graph/run to start a run.",
	})
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app":     "stepgraph-http",
		"version": strings.TrimSpace(stepgraph.Version),
		"graphs":  len(s.svc.Graphs()),
	})
}

func (s *Server) writeLookupError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrGraphNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "lookup failed")
		s.logger.Error(op+" failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
