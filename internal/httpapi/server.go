package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BrandonDHaskell/Portgate/server/internal/auth"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/service"
)

type Dependencies struct {
	Logger   *slog.Logger
	Addr     string
	Services *service.Services
	Agents   *service.AgentRegistry
	Verifier *auth.Verifier

	// TrustProxy takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxy bool
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	router     chi.Router

	requests *service.RequestService
	policies *service.PolicyService
	access   *service.AccessService
	audit    *service.AuditService
	users    *service.UserService
	stats    *service.StatsService
	agents   *service.AgentRegistry
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	r := chi.NewRouter()

	s := &Server{
		logger:   d.Logger,
		router:   r,
		requests: d.Services.Requests,
		policies: d.Services.Policies,
		access:   d.Services.Access,
		audit:    d.Services.Audit,
		users:    d.Services.Users,
		stats:    d.Services.Stats,
		agents:   d.Agents,
	}

	r.Use(middleware.RequestID)
	if d.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(loggingMiddleware(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(d.Verifier, d.Logger))

		r.Post("/session/login", s.handleLogin)
		r.Post("/session/logout", s.handleLogout)

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", s.handleCreateRequest)
			r.Get("/", s.handleListRequests)
			r.Get("/mine", s.handleMyRequests)
			r.Get("/{id}", s.handleGetRequest)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/deny", s.handleDeny)
		})

		r.Get("/grants", s.handleListGrants)
		r.Post("/grants/revoke", s.handleRevoke)

		r.Route("/policies", func(r chi.Router) {
			r.Post("/", s.handleAddPolicy)
			r.Get("/", s.handleListPolicies)
			r.Delete("/{id}", s.handleRemovePolicy)
		})
		r.Post("/manage-port", s.handleManagePort)

		r.Get("/resolve", s.handleResolve)
		r.Get("/check", s.handleCheck)
		r.Post("/check", s.handleCheckPorts)

		r.Get("/audit", s.handleQueryAudit)
		r.Post("/audit/verify", s.handleVerifyAudit)

		r.Get("/stats", s.handleStats)
		r.Get("/stats/mine", s.handleMyStats)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", s.handleCreateUser)
			r.Get("/", s.handleListUsers)
			r.Patch("/{id}", s.handleUpdateUser)
		})

		if d.Agents != nil {
			r.Get("/agents", s.handleListAgents)
		}
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
