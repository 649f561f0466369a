// Package web serves tracked experiments over HTTP: queries, manual edits,
// pipeline runs and live event streams.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ritzau/nucleus-tracker/pkg/experiment"
	"github.com/ritzau/nucleus-tracker/pkg/logging"
	"github.com/ritzau/nucleus-tracker/pkg/metrics"
	"github.com/ritzau/nucleus-tracker/pkg/model"
	"github.com/ritzau/nucleus-tracker/pkg/pipeline"
	"github.com/ritzau/nucleus-tracker/pkg/pubsub"
	"github.com/ritzau/nucleus-tracker/pkg/storage/sqlite"
)

// Options wires the server to the rest of the application. Runner, Store and
// Metrics may be nil; the routes that need them then answer 503.
type Options struct {
	Publisher pubsub.Publisher
	Runner    *pipeline.Runner
	Store     *sqlite.Store
	Metrics   *metrics.Metrics
}

// Server represents the web server
type Server struct {
	router    *mux.Router
	publisher pubsub.Publisher
	runner    *pipeline.Runner
	store     *sqlite.Store
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*experiment.Session
	order    []string

	// runs tracks pipeline runs started over HTTP.
	runs   sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new web server. A nil publisher gets an SSE publisher
// that keeps the last 100 edits.
func NewServer(opts Options) *Server {
	pub := opts.Publisher
	if pub == nil {
		pub = pubsub.NewSSEPublisher(100)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:    mux.NewRouter(),
		publisher: pub,
		runner:    opts.Runner,
		store:     opts.Store,
		metrics:   opts.Metrics,
		sessions:  make(map[string]*experiment.Session),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.setupRoutes()
	return s
}

// Add serves e and returns its session. Edits committed through the session
// are published on the edits topic. Adding an experiment with a known ID
// replaces the experiment of the existing session.
func (s *Server) Add(e *experiment.Experiment) *experiment.Session {
	id := e.ID.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Swap(e)
		return sess
	}
	sess := experiment.NewSession(e, s.publishEdit)
	s.sessions[id] = sess
	s.order = append(s.order, id)
	return sess
}

// Remove stops serving the experiment with the given ID.
func (s *Server) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
	return true
}

// SetRunner replaces the runner used for runs requested over HTTP, as when
// the configuration is reloaded.
func (s *Server) SetRunner(r *pipeline.Runner) {
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
}

func (s *Server) currentRunner() *pipeline.Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runner
}

// Session returns the session of the experiment with the given ID.
func (s *Server) Session(id string) (*experiment.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("experiment %s: %w", id, model.ErrNotFound)
	}
	return sess, nil
}

// Sessions returns every session in the order they were added.
func (s *Server) Sessions() []*experiment.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*experiment.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id])
	}
	return out
}

func (s *Server) publishEdit(e experiment.Edit) {
	if s.metrics != nil {
		s.metrics.Edit(string(e.Kind))
	}
	edit := pubsub.EditEvent{Experiment: e.Experiment, Kind: string(e.Kind), Positions: e.Positions, Time: e.Time}
	if err := s.publisher.PublishEdit(edit); err != nil {
		logging.Debug("edit not published", "kind", e.Kind, "error", err)
	}
}

// Handler returns the router with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(logging.RequestIDMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware)
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	// SSE subscription endpoints
	s.router.HandleFunc("/api/events/{topic}", s.handleSubscribe).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/experiments").Subrouter()
	api.HandleFunc("", s.handleExperiments).Methods(http.MethodGet)
	api.HandleFunc("/{id}", s.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/{id}/run", s.handleRun).Methods(http.MethodPost)
	api.HandleFunc("/{id}/save", s.handleSave).Methods(http.MethodPost)
	api.HandleFunc("/{id}/tracks", s.handleTracks).Methods(http.MethodGet)
	api.HandleFunc("/{id}/tracks/{track:[0-9]+}", s.handleTrack).Methods(http.MethodGet)
	api.HandleFunc("/{id}/lineages", s.handleLineages).Methods(http.MethodGet)
	api.HandleFunc("/{id}/links", s.handleLinks).Methods(http.MethodGet)
	api.HandleFunc("/{id}/links", s.handleAddLink).Methods(http.MethodPost)
	api.HandleFunc("/{id}/links", s.handleRemoveLink).Methods(http.MethodDelete)
	api.HandleFunc("/{id}/positions", s.handleAddPosition).Methods(http.MethodPost)
	api.HandleFunc("/{id}/positions", s.handleMovePosition).Methods(http.MethodPut)
	api.HandleFunc("/{id}/positions", s.handleRemovePosition).Methods(http.MethodDelete)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]

	// Create subscription, narrowed by ?experiment= when given
	sub, err := s.publisher.Subscribe(r.Context(), topic, r.URL.Query().Get("experiment"))
	switch {
	case errors.Is(err, pubsub.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Send initial comment to establish connection (Safari compatibility)
	fmt.Fprintf(w, ": connected\n\n")
	flush(w)

	// Stream events
	for event := range sub.Events() {
		if err := pubsub.WriteSSE(w, event); err != nil {
			logging.DebugContext(r.Context(), "event stream closed", "topic", topic, "error", err)
			return
		}
		flush(w)
	}
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start serves on addr until ctx is cancelled, then shuts down and waits for
// pipeline runs started over HTTP.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Info("starting web server", "url", "http://"+addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logging.Info("shutting down web server")
	s.cancel()
	if err := s.publisher.Close(); err != nil && !errors.Is(err, pubsub.ErrClosed) {
		logging.Warn("closing publisher", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Wait()
	return err
}

// Wait blocks until pipeline runs started over HTTP have finished.
func (s *Server) Wait() {
	s.runs.Wait()
}

func parseID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: experiment id: %v", model.ErrInvalidParameter, err)
	}
	return id, nil
}

func (s *Server) session(r *http.Request) (*experiment.Session, error) {
	id, err := parseID(r)
	if err != nil {
		return nil, err
	}
	return s.Session(id.String())
}
