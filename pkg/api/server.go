// Package api wires the HTTP surface: routing, handler groups and the
// middleware chain. Handlers stay thin; domain rules live in the service
// packages.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/schoolworks/aegis/pkg/accounts"
	"github.com/schoolworks/aegis/pkg/anomaly"
	"github.com/schoolworks/aegis/pkg/audit"
	"github.com/schoolworks/aegis/pkg/httputil"
	"github.com/schoolworks/aegis/pkg/investigations"
	"github.com/schoolworks/aegis/pkg/middleware"
	"github.com/schoolworks/aegis/pkg/observability"
	"github.com/schoolworks/aegis/pkg/permissions"
	"github.com/schoolworks/aegis/pkg/sessions"
	"github.com/schoolworks/aegis/pkg/storage/postgres"
	"github.com/schoolworks/aegis/pkg/tokens"
)

// Deps carries everything the server needs. Optional fields may be nil
// and their routes degrade accordingly.
type Deps struct {
	Accounts       *accounts.Service
	Tokens         *tokens.Service
	Sessions       *sessions.Registry
	Permissions    *permissions.Resolver
	Audit          *audit.Log
	Anomaly        *anomaly.Detector
	Investigations *investigations.Manager
	Conn           *postgres.Conn

	Auth       *middleware.Auth
	Guard      *middleware.Guard
	LoginLimit *middleware.RateLimiter
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// Server is the HTTP API server
type Server struct {
	router *mux.Router
	deps   Deps

	authHandlers    *AuthHandlers
	accountHandlers *AccountHandlers
	auditHandlers   *AuditHandlers
	anomalyHandlers *AnomalyHandlers
	caseHandlers    *CaseHandlers
}

// NewServer creates the API server and registers all routes
func NewServer(deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,

		authHandlers:    NewAuthHandlers(deps.Accounts, deps.Logger),
		accountHandlers: NewAccountHandlers(deps.Accounts, deps.Sessions, deps.Permissions, deps.Logger),
		auditHandlers:   NewAuditHandlers(deps.Audit),
		anomalyHandlers: NewAnomalyHandlers(deps.Anomaly, deps.Audit),
		caseHandlers:    NewCaseHandlers(deps.Investigations),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	if s.deps.Metrics != nil {
		s.router.Use(mux.MiddlewareFunc(s.deps.Metrics.HTTPMiddleware))
	}
	s.router.Use(mux.MiddlewareFunc(middleware.Recovery(s.deps.Logger)))
	s.router.Use(mux.MiddlewareFunc(middleware.RequestLogging(s.deps.Logger)))

	s.router.HandleFunc("/healthz", s.healthz).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Public auth routes. Login is rate limited per client IP.
	login := http.HandlerFunc(s.authHandlers.Login)
	if s.deps.LoginLimit != nil {
		api.Handle("/auth/login", s.deps.LoginLimit.Limit(login)).Methods("POST")
	} else {
		api.Handle("/auth/login", login).Methods("POST")
	}
	api.HandleFunc("/auth/signup", s.authHandlers.Signup).Methods("POST")
	api.HandleFunc("/auth/refresh", s.authHandlers.Refresh).Methods("POST")
	api.HandleFunc("/auth/logout", s.authHandlers.Logout).Methods("POST")
	api.HandleFunc("/auth/verify-email", s.authHandlers.VerifyEmail).Methods("POST")

	// Authenticated routes
	authed := api.NewRoute().Subrouter()
	authed.Use(mux.MiddlewareFunc(s.deps.Auth.Require))

	authed.HandleFunc("/auth/change-password", s.authHandlers.ChangePassword).Methods("POST")

	authed.HandleFunc("/accounts/{id}/permissions", s.accountHandlers.GetEffectivePermissions).Methods("GET")
	authed.HandleFunc("/accounts/{id}/sessions", s.accountHandlers.ListSessions).Methods("GET")
	authed.HandleFunc("/accounts/{id}/sessions/revoke", s.accountHandlers.RevokeSessions).Methods("POST")

	// Privileged routes
	priv := authed.NewRoute().Subrouter()
	priv.Use(mux.MiddlewareFunc(s.deps.Guard.RequirePrivileged))

	priv.HandleFunc("/admin/accounts/{id}/reset-password", s.accountHandlers.ResetPassword).Methods("POST")
	priv.HandleFunc("/admin/accounts/{id}/status", s.accountHandlers.SetStatus).Methods("PUT")
	priv.HandleFunc("/accounts/{id}/permissions/{permission}", s.accountHandlers.SetOverride).Methods("PUT")
	priv.HandleFunc("/accounts/{id}/permissions/{permission}", s.accountHandlers.ClearOverride).Methods("DELETE")

	// Permission-guarded security surfaces
	auditRoutes := authed.NewRoute().Subrouter()
	auditRoutes.Use(mux.MiddlewareFunc(s.deps.Guard.Require(permissions.PermAuditRead)))
	auditRoutes.HandleFunc("/audit", s.auditHandlers.Search).Methods("GET")

	auditExport := authed.NewRoute().Subrouter()
	auditExport.Use(mux.MiddlewareFunc(s.deps.Guard.Require(permissions.PermAuditExport)))
	auditExport.HandleFunc("/audit/export", s.auditHandlers.Export).Methods("GET")

	scan := authed.NewRoute().Subrouter()
	scan.Use(mux.MiddlewareFunc(s.deps.Guard.Require(permissions.PermAnomalyScan)))
	scan.HandleFunc("/anomaly/scan", s.anomalyHandlers.Scan).Methods("POST")

	cases := authed.NewRoute().Subrouter()
	cases.Use(mux.MiddlewareFunc(s.deps.Guard.Require(permissions.PermCasesRead)))
	cases.HandleFunc("/cases", s.caseHandlers.List).Methods("GET")
	cases.HandleFunc("/cases/{id}", s.caseHandlers.Get).Methods("GET")
	cases.HandleFunc("/cases/{id}/export", s.caseHandlers.Export).Methods("GET")

	caseWrites := authed.NewRoute().Subrouter()
	caseWrites.Use(mux.MiddlewareFunc(s.deps.Guard.Require(permissions.PermCasesManage)))
	caseWrites.HandleFunc("/cases", s.caseHandlers.Create).Methods("POST")
	caseWrites.HandleFunc("/cases/{id}/status", s.caseHandlers.UpdateStatus).Methods("PUT")
	caseWrites.HandleFunc("/cases/{id}/notes", s.caseHandlers.AddNote).Methods("POST")
	caseWrites.HandleFunc("/cases/{id}/evidence", s.caseHandlers.AddEvidence).Methods("POST")
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conn != nil {
		if err := s.deps.Conn.HealthCheck(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
			})
			return
		}
	}
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
