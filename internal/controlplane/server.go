package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/conductor/internal/models"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/websocket"
)

const maxBodyBytes = 1 << 20

// Server provides the HTTP API for Conductor.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/ws", websocket.Server{Handler: s.serveWS})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/agents", s.listAgents)
			r.Get("/plan", s.getPlan)
			r.Get("/work-packages", s.listWorkPackages)
			r.Post("/work-packages", s.createWorkPackages)
			r.Post("/work-packages/{wpID}/retry", s.retryWorkPackage)
			r.Get("/artifacts", s.listArtifacts)
			r.Get("/artifacts/{artifactID}", s.getArtifact)
			r.Get("/events", s.listEvents)
			r.Post("/stop", s.stopSession)
			r.Post("/pause", s.pauseSession)
			r.Post("/resume", s.resumeSession)
			r.Get("/export", s.export)
		})
	})
	return r
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("conductor daemon listening")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// --- Sessions ---

type createSessionRequest struct {
	Prompt       string `json:"prompt"`
	IncludeTests bool   `json:"include_tests"`
	IncludeDocs  bool   `json:"include_docs"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.service.CreateSession(r.Context(), req.Prompt, models.SessionOptions{
		IncludeTests: req.IncludeTests,
		IncludeDocs:  req.IncludeDocs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.ListSessions(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.service.StopSession)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.service.PauseSession)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(w, r, s.service.ResumeSession)
}

func (s *Server) sessionAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*models.Session, error)) {
	session, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// --- Agents and work packages ---

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.service.ListAgents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) listWorkPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := s.service.ListWorkPackages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if packages == nil {
		packages = []models.WorkPackage{}
	}
	writeJSON(w, http.StatusOK, packages)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.service.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// createWorkPackages accepts the same shapes the worker writes to its plan
// file: {"work_packages": [...]} or a bare array.
func (s *Server) createWorkPackages(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	packages, err := orchestrator.ParsePlan(data)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	all, err := s.service.CreateWorkPackages(r.Context(), chi.URLParam(r, "id"), packages)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, all)
}

func (s *Server) retryWorkPackage(w http.ResponseWriter, r *http.Request) {
	wp, err := s.service.RetryWorkPackage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "wpID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wp)
}

// --- Artifacts ---

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	list, err := s.service.ListArtifacts(r.Context(), chi.URLParam(r, "id"), all)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Artifact{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.service.GetArtifact(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "artifactID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.service.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	if err := s.service.Export(r.Context(), id, w); err != nil {
		log.Error().Err(err).Str("session_id", id).Msg("export failed")
	}
}

// --- Events ---

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := intParam(q.Get("after"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.service.ListEvents(r.Context(), chi.URLParam(r, "id"), after, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.service.Health(r.Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// --- Helpers ---

func intParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidRequest, v)
	}
	return n, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
