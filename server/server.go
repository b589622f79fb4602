// ABOUTME: HTTP control surface for a pipewright engine: start, inspect, cancel, and resume runs.
// ABOUTME: Streams run progress as server-sent events and exposes Prometheus metrics behind one chi router.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/2389-research/pipewright/engine"
	"github.com/2389-research/pipewright/pipeline"
)

// sseHeartbeatInterval is how often event streams send keep-alive comments.
const sseHeartbeatInterval = 15 * time.Second

// RunLister lists persisted runs. Both store.FS and store.SQLite satisfy it.
type RunLister interface {
	List(ctx context.Context) ([]engine.RunHeader, error)
}

// Config holds the server's collaborators. Engine and Events are required.
type Config struct {
	Addr     string // default "127.0.0.1:2389"
	Engine   *engine.Engine
	Events   *engine.Broadcaster
	Runs     RunLister           // nil = only runs started by this process are listed
	Gatherer prometheus.Gatherer // nil = /metrics is not mounted
	Logger   *zap.Logger

	// BaseContext parents every run started over HTTP. Defaults to
	// context.Background so runs outlive the request that started them.
	BaseContext context.Context
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	log    *zap.Logger
	router chi.Router
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Events == nil {
		return nil, errors.New("server: Engine and Events are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:2389"
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfg: cfg, log: log.Named("server")}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/graphs", s.handleGraphList)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleRunList)
		r.Post("/", s.handleRunStart)

		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleRunGet)
			r.Get("/events", s.handleRunEvents)
			r.Post("/cancel", s.handleRunCancel)
			r.Post("/resume", s.handleRunResume)
		})
	})

	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type graphSummary struct {
	ID      string   `json:"id"`
	Version int      `json:"version"`
	Nodes   []string `json:"nodes"`
}

func (s *Server) handleGraphList(w http.ResponseWriter, _ *http.Request) {
	graphs := s.cfg.Engine.Graphs()
	out := make([]graphSummary, 0, len(graphs))
	for _, g := range graphs {
		out = append(out, graphSummary{ID: g.ID(), Version: g.Version(), Nodes: g.NodeIDs()})
	}
	writeJSON(w, http.StatusOK, out)
}

type runSummary struct {
	RunID     string           `json:"run_id"`
	GraphID   string           `json:"graph_id"`
	Status    engine.RunStatus `json:"status"`
	Active    bool             `json:"active"`
	StartedAt time.Time        `json:"started_at"`
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	var out []runSummary
	for _, id := range s.cfg.Engine.Runs() {
		h, ok := s.cfg.Engine.Handle(id)
		if !ok {
			continue
		}
		snap := h.Snapshot()
		active := true
		select {
		case <-h.Done():
			active = false
		default:
		}
		seen[id] = true
		out = append(out, runSummary{RunID: id, GraphID: snap.GraphID, Status: snap.Status, Active: active, StartedAt: snap.StartedAt})
	}

	if s.cfg.Runs != nil {
		headers, err := s.cfg.Runs.List(r.Context())
		if err != nil {
			s.log.Warn("list stored runs", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "listing runs failed")
			return
		}
		for _, h := range headers {
			if seen[h.RunID] {
				continue
			}
			out = append(out, runSummary{RunID: h.RunID, GraphID: h.GraphID, Status: h.Status, StartedAt: h.StartedAt})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if out == nil {
		out = []runSummary{}
	}
	writeJSON(w, http.StatusOK, out)
}

type startRequest struct {
	GraphID        string                   `json:"graph_id"`
	RunID          string                   `json:"run_id,omitempty"`
	Inputs         map[string]engine.Values `json:"inputs,omitempty"`
	MaxConcurrency int                      `json:"max_concurrency,omitempty"`
	TaskTimeout    string                   `json:"task_timeout,omitempty"`
}

type diagnosticJSON struct {
	Kind     pipeline.ErrorKind `json:"kind"`
	Severity string             `json:"severity"`
	Message  string             `json:"message"`
	NodeID   string             `json:"node_id,omitempty"`
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	g, ok := s.cfg.Engine.Graph(req.GraphID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("graph %q not registered", req.GraphID))
		return
	}
	opts, err := runOptions(req.RunID, req.MaxConcurrency, req.TaskTimeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h, err := s.cfg.Engine.Start(s.cfg.BaseContext, g, req.Inputs, opts)
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr):
		diags := make([]diagnosticJSON, 0, len(verr.Diagnostics))
		for _, d := range verr.Diagnostics {
			diags = append(diags, diagnosticJSON{Kind: d.Kind, Severity: d.Severity.String(), Message: d.Message, NodeID: d.NodeID})
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "validation failed", "diagnostics": diags})
		return
	case errors.Is(err, engine.ErrRunExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info("run started over http", zap.String("run_id", h.RunID()), zap.String("graph_id", g.ID()))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": h.RunID()})
}

func runOptions(runID string, maxConc int, timeout string) (engine.RunOptions, error) {
	opts := engine.RunOptions{RunID: runID, MaxConcurrency: maxConc}
	if timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return opts, fmt.Errorf("invalid task_timeout: %w", err)
		}
		opts.TaskTimeout = d
	}
	return opts, nil
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	state, err := s.cfg.Engine.Snapshot(r.Context(), runID)
	if errors.Is(err, engine.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.cfg.Engine.Cancel(runID); err != nil {
		writeError(w, http.StatusNotFound, "run not active")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	h, err := s.cfg.Engine.StartResume(s.cfg.BaseContext, runID, engine.RunOptions{})
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, engine.ErrRunExists):
		writeError(w, http.StatusConflict, "run is still active")
		return
	case errors.Is(err, engine.ErrUnknownGraph), errors.Is(err, engine.ErrGraphConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": h.RunID()})
}

// handleRunEvents streams a run's events as server-sent events. The stream
// opens with a snapshot of the current state and ends after the run's
// terminal event, when the client disconnects, or when the broadcaster closes.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	// Subscribe before reading state so no event between the two is lost.
	sub := s.cfg.Events.Subscribe(runID)
	defer sub.Close()

	state, err := s.cfg.Engine.Snapshot(r.Context(), runID)
	if errors.Is(err, engine.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	finished := true
	if h, ok := s.cfg.Engine.Handle(runID); ok {
		select {
		case <-h.Done():
		default:
			finished = false
		}
	}
	if finished {
		// Re-read so the snapshot reflects the final state.
		if final, err := s.cfg.Engine.Snapshot(r.Context(), runID); err == nil {
			state = final
		}
	}

	writeSSE(w, "snapshot", "", state)
	flusher.Flush()
	if finished {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeSSE(w, string(ev.Type), ev.ID, ev)
			flusher.Flush()
			if ev.Type.Terminal() {
				return
			}
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event, id string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if id != "" {
		_, _ = fmt.Fprintf(w, "id: %s\n", id)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
