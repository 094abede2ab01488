// Package httpapi is the control-plane HTTP API: a chi router exposing
// project, session, orchestration and GitHub-settings endpoints, plus the
// channel bus's WebSocket upgrade endpoint. The subdomain proxy listens
// separately (package proxy) since it shares no routes with this surface.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	chimiddleware "github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/labrun/orchestrator/bus"
	"github.com/labrun/orchestrator/config"
	"github.com/labrun/orchestrator/logger"
	"github.com/labrun/orchestrator/proxy"
	"github.com/labrun/orchestrator/sessionorch"
	"github.com/labrun/orchestrator/store"
)

// Server wires the API's handlers against their backing collaborators.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	session *sessionorch.Orchestrator
	router  *proxy.Router
	bus     *bus.Bus

	httpServer *http.Server
}

// New constructs the API server. Call Listen to run it.
func New(cfg *config.Config, st *store.Store, session *sessionorch.Orchestrator, router *proxy.Router, b *bus.Bus) *Server {
	return &Server{cfg: cfg, store: st, session: session, router: router, bus: b}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(withLogging(logger.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(withCORS(s.cfg.CorsAllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/projects", s.toHTTPHandlerFunc(s.listProjects))

	r.Get("/sessions", s.toHTTPHandlerFunc(s.listSessions))
	r.Post("/sessions", s.toHTTPHandlerFunc(s.createSession))
	r.Get("/sessions/{id}", s.toHTTPHandlerFunc(s.getSession))
	r.Patch("/sessions/{id}", s.toHTTPHandlerFunc(s.patchSession))
	r.Delete("/sessions/{id}", s.toHTTPHandlerFunc(s.deleteSession))

	r.Post("/orchestrate", s.toHTTPHandlerFunc(s.orchestrate))

	r.Get("/github/settings", s.toHTTPHandlerFunc(s.getGithubSettings))
	r.Post("/github/settings", s.toHTTPHandlerFunc(s.setGithubSettings))
	r.Delete("/github/settings", s.toHTTPHandlerFunc(s.clearGithubSettings))

	r.Get("/ws", s.handleWebSocket)

	return r
}

// Listen runs the API server until ctx is cancelled, then shuts it down
// within a bounded grace period.
func (s *Server) Listen(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.routes()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("httpapi: listening", zap.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := bus.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("httpapi: websocket upgrade failed", zap.Error(err))
		return
	}
	s.bus.ServeConn(r.Context(), conn)
}
