// Package server exposes the controller's HTTP surface: the REST API
// under /api, the SSE state stream, and health probes. Credentials never
// appear in responses; sync configs are stored without tokens by
// construction.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/orgmirror/orgmirror/internal/git"
	"github.com/orgmirror/orgmirror/internal/github"
	"github.com/orgmirror/orgmirror/internal/state"
	"github.com/orgmirror/orgmirror/internal/worker"
	"github.com/orgmirror/orgmirror/pkg/logbuf"
)

// forwardedUserHeader carries the caller identity set by the fronting
// proxy. The server never parses auth tokens itself.
const forwardedUserHeader = "X-Forwarded-User"

// Server is the HTTP surface over the store and worker manager.
type Server struct {
	store   *state.Store
	manager *worker.Manager
	clients worker.ClientFactory
	tracker *github.RateLimitTracker
	prober  git.Prober
	logs    *logbuf.Buffer
	log     logr.Logger

	hub  *hub
	http *http.Server
}

// New creates the server and its router.
func New(addr string, store *state.Store, manager *worker.Manager, clients worker.ClientFactory, tracker *github.RateLimitTracker, prober git.Prober, logs *logbuf.Buffer, log logr.Logger) *Server {
	s := &Server{
		store:   store,
		manager: manager,
		clients: clients,
		tracker: tracker,
		prober:  prober,
		logs:    logs,
		log:     log.WithName("http"),
	}
	s.hub = newHub(store.Changes())
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleHealthz)
	r.Get("/events", s.handleEvents)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.adminGate)

		r.Get("/state", s.handleState)
		r.Get("/rate-limits", s.handleRateLimits)
		r.Get("/logs", s.handleLogs)

		r.Route("/syncs", func(r chi.Router) {
			r.Get("/", s.handleListSyncs)
			r.Post("/", s.handleCreateSync)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSync)
				r.Put("/", s.handleUpdateSync)
				r.Delete("/", s.handleArchiveSync)
				r.Post("/unarchive", s.handleUnarchiveSync)
				r.Delete("/permanent", s.handleDeleteSyncPermanent)
				r.Post("/validate", s.handleValidateSync)
				r.Post("/discover", s.handleDiscoverSync)
			})
		})

		r.Post("/repos/{id}/retry", s.handleRetryRepo)

		for _, name := range []string{
			worker.NameDiscovery, worker.NameStatus,
			worker.NameMigration, worker.NameProgress,
		} {
			name := name
			r.Route("/"+name+"-worker", func(r chi.Router) {
				r.Get("/", s.handleWorkerStatus(name))
				r.Post("/start", s.handleWorkerStart(name))
				r.Post("/stop", s.handleWorkerStop(name))
				r.Post("/run-now", s.handleWorkerRunNow(name))
			})
		}
		r.Get("/workers", s.handleWorkers)

		r.Get("/worker-config", s.handleGetWorkerConfig)
		r.Put("/worker-config", s.handlePutWorkerConfig)
		r.Get("/admin-config", s.handleGetAdminConfig)
		r.Put("/admin-config", s.handlePutAdminConfig)
	})

	return r
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve() error {
	s.log.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the SSE hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	return s.http.Shutdown(ctx)
}

// adminGate rejects mutating calls from users outside the allowlist when
// the admin policy is enabled. Reads are always open.
func (s *Server) adminGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		ac := s.store.AdminConfig()
		if !ac.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		user := r.Header.Get(forwardedUserHeader)
		for _, allowed := range ac.Allowlist {
			if user != "" && user == allowed {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.writeError(w, http.StatusForbidden, "forbidden", "user is not in the admin allowlist")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// writeJSON renders a 200/201 JSON body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.V(1).Info("response encode failed", "error", err.Error())
	}
}

// apiError is the structured error body: a short machine code plus a
// human message.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, apiError{Error: code, Message: message})
}

// writeStoreError maps store errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
}
