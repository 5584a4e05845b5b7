// Package server exposes the Session/Loop Coordinator, CheckpointStore,
// AuditLog and FailureIndex over HTTP: session control RPCs, a server-sent
// events stream for live run progress, and read-only admin endpoints. The
// session control and admin routes sit behind an optional JWT bearer-auth
// middleware; /events, /health and /metrics do not.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/arjunmehta/taskforge/pkg/auditlog"
	"github.com/arjunmehta/taskforge/pkg/checkpoint"
	"github.com/arjunmehta/taskforge/pkg/failureindex"
	"github.com/arjunmehta/taskforge/pkg/metrics"
	"github.com/arjunmehta/taskforge/pkg/server/auth"
	"github.com/arjunmehta/taskforge/pkg/session"
)

// Deps wires the components a Server's HTTP routes delegate to. A nil
// Metrics omits /metrics, a nil FailureMatch makes /admin/failures/match
// answer 501, and a nil Auth disables bearer-auth. The /sessions and other
// /admin routes are always registered and call Coordinator, Store and
// Audit without a nil check.
type Deps struct {
	Coordinator   *session.Coordinator
	Store         *checkpoint.Store
	Audit         *auditlog.Log
	FailureMatch  *failureindex.Matcher
	Metrics       *metrics.Metrics
	Auth          *auth.Validator // nil disables bearer-auth enforcement
}

// Server is the chi-routed HTTP front end.
type Server struct {
	deps   Deps
	log    *slog.Logger
	router chi.Router
	bus    *eventBus
}

func New(deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{deps: deps, log: log.With("component", "http_server"), bus: newEventBus()}
	s.router = s.buildRouter()
	return s
}

// SetCoordinator attaches the session Coordinator whose Run this server's
// /sessions routes control. It exists because construction is circular: the
// Coordinator takes the Server as its Observer, so the Server must exist
// first with a nil Coordinator, which this method then fills in.
func (s *Server) SetCoordinator(c *session.Coordinator) { s.deps.Coordinator = c }

// Handler returns the server's http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// Emit implements session.Observer, fanning coordinator events out to every
// connected SSE subscriber.
func (s *Server) Emit(e session.Event) { s.bus.publish(e) }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/sessions", func(r chi.Router) {
		if s.deps.Auth != nil {
			r.Use(s.deps.Auth.Middleware)
		}
		r.Post("/{id}/pause", s.handlePause)
		r.Post("/{id}/resume", s.handleResume)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}", s.handleGetSession)
	})

	r.Get("/events", s.handleEvents)

	r.Route("/admin", func(r chi.Router) {
		if s.deps.Auth != nil {
			r.Use(s.deps.Auth.Middleware)
		}
		r.Get("/checkpoints", s.handleListCheckpoints)
		r.Get("/audit", s.handleSearchAudit)
		r.Get("/failures/match", s.handleFailureMatch)
	})

	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.deps.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.deps.Metrics.RecordHTTPRequest(r.Method, pattern, rw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Coordinator.PauseSession(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pause requested"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Coordinator.ResumeSession(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resume requested"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.deps.Coordinator.CancelSession(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	var sess session.Session
	ok, err := s.deps.Store.LoadSession(chi.URLParam(r, "id"), &sess)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session not found"))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": names})
}

func (s *Server) handleSearchAudit(w http.ResponseWriter, r *http.Request) {
	q := auditlog.Query{
		EventType: r.URL.Query().Get("eventType"),
		UserID:    r.URL.Query().Get("userId"),
		Outcome:   r.URL.Query().Get("outcome"),
	}
	entries, err := s.deps.Audit.Search(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleFailureMatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.FailureMatch == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("failure index not configured"))
		return
	}
	fc := failureindex.FailureContext{
		ErrorType: r.URL.Query().Get("errorType"),
		Message:   r.URL.Query().Get("errorMessage"),
	}
	matches := s.deps.FailureMatch.Match(fc)
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// handleEvents streams session.Events as server-sent events, flushing after
// every write so subscribers see progress in real time rather than buffered
// in a proxy.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bus.subscribe()
	defer s.bus.unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-sub:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

// eventBus fans one publisher out to many SSE subscribers without blocking
// the coordinator's own goroutine on a slow client.
type eventBus struct {
	mu   sync.Mutex
	subs map[chan session.Event]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan session.Event]struct{})}
}

func (b *eventBus) subscribe() chan session.Event {
	ch := make(chan session.Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *eventBus) unsubscribe(ch chan session.Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *eventBus) publish(e session.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
