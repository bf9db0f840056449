// Package api exposes the status HTTP API: run history, run detail and the
// OpenAPI document describing them.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/upstack-io/upstack/internal/core/probe"
	"github.com/upstack-io/upstack/internal/core/run"
	"github.com/upstack-io/upstack/internal/shell/store"
)

// =============================================================================
// Server
// =============================================================================

// Pinger reports whether the container engine is reachable.
type Pinger interface {
	Ping() error
}

// Config holds server wiring.
type Config struct {
	Store  store.Store
	Engine Pinger // optional; healthz reports engine reachability when set
	Logger *slog.Logger

	// TokenHash is the bcrypt hash of the API token. Empty disables auth.
	TokenHash string
}

// Server is the status API HTTP handler.
type Server struct {
	store  store.Store
	engine Pinger
	logger *slog.Logger
	router chi.Router
}

// NewServer creates the status API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		store:  cfg.Store,
		engine: cfg.Engine,
		logger: cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(RequestLogger(cfg.Logger))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(cfg.TokenHash, cfg.Logger))
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// =============================================================================
// Handlers
// =============================================================================

type healthzResponse struct {
	Status string `json:"status"`
	Engine string `json:"engine,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{Status: "ok"}

	if s.engine != nil {
		if err := s.engine.Ping(); err != nil {
			resp.Status = "degraded"
			resp.Engine = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Engine = "ok"
	}

	writeJSON(w, http.StatusOK, resp)
}

type listRunsResponse struct {
	Runs []run.Run `json:"runs"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)

	var (
		runs []run.Run
		err  error
	)
	if stackName := r.URL.Query().Get("stack"); stackName != "" {
		runs, err = s.store.ListRunsByStack(r.Context(), stackName, opts)
	} else {
		runs, err = s.store.ListRuns(r.Context(), opts)
	}
	if err != nil {
		s.logger.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}

// runDetailResponse is a run plus its aggregate health across probed services.
type runDetailResponse struct {
	*run.Run
	Health probe.Health `json:"health"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	writeJSON(w, http.StatusOK, runDetailResponse{Run: result, Health: result.Health()})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Spec()); err != nil {
		s.logger.Error("encode openapi spec", "error", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func listOptions(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	return opts.Normalize()
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
