// Package api exposes the control plane over REST/JSON: capability
// execution, the credit ledger, tenant offboarding, webhook management,
// and the node stream endpoint the fleet agents dial.
package api

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wopr-platform/controlplane/internal/circuitbreaker"
	"github.com/wopr-platform/controlplane/internal/deletion"
	"github.com/wopr-platform/controlplane/internal/events"
	"github.com/wopr-platform/controlplane/internal/fleet"
	"github.com/wopr-platform/controlplane/internal/gateway"
	"github.com/wopr-platform/controlplane/internal/ledger"
	"github.com/wopr-platform/controlplane/internal/middleware"
	"github.com/wopr-platform/controlplane/internal/monitoring"
	"github.com/wopr-platform/controlplane/internal/ratelimit"
	"github.com/wopr-platform/controlplane/internal/security"
	"github.com/wopr-platform/controlplane/internal/tenants"
	"github.com/wopr-platform/controlplane/internal/webhooks"
)

// Deps collects everything the server fronts. Limiter, Breaker, Events,
// Metrics, and the fleet pieces may be nil; the matching routes or
// checks are then skipped.
type Deps struct {
	Ledger   *ledger.Ledger
	Socket   *gateway.AdapterSocket
	Tenants  tenants.Directory
	Auth     *middleware.Authenticator
	Deletion *deletion.Executor

	Limiter        *ratelimit.Limiter
	TrustedProxies []string
	Breaker        *circuitbreaker.Breaker

	Orchestrator *fleet.Orchestrator
	Instances    fleet.InstanceRepo
	Destroyer    *fleet.DestroyScheduler

	Webhooks *webhooks.Registry
	Bus      *events.Bus
	Events   events.Emitter
	Keys     *security.KeyRing

	Metrics         *monitoring.Metrics
	MetricsRegistry *prometheus.Registry
}

// Server is the HTTP surface of the control plane.
type Server struct {
	deps   Deps
	http   *http.Server
	logger *log.Logger
}

func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)

	// Public surface, rate limited.
	api := r.PathPrefix("/api").Subrouter()
	if s.deps.Limiter != nil {
		api.Use(ratelimit.Middleware(s.deps.Limiter, s.deps.TrustedProxies))
	}

	api.HandleFunc("/auth/sign-in", s.handleSignIn).Methods(http.MethodPost)

	api.HandleFunc("/execute/{capability}",
		s.requireScope(middleware.ScopeWrite, s.handleExecute)).Methods(http.MethodPost)

	api.HandleFunc("/credits/{tenant_id}/credit",
		s.requireScope(middleware.ScopeWrite, s.tenantScoped(s.handleCredit))).Methods(http.MethodPost)
	api.HandleFunc("/credits/{tenant_id}/debit",
		s.requireScope(middleware.ScopeWrite, s.tenantScoped(s.handleDebit))).Methods(http.MethodPost)
	api.HandleFunc("/credits/{tenant_id}/balance",
		s.requireScope(middleware.ScopeRead, s.tenantScoped(s.handleBalance))).Methods(http.MethodGet)
	api.HandleFunc("/credits/{tenant_id}/history",
		s.requireScope(middleware.ScopeRead, s.tenantScoped(s.handleHistory))).Methods(http.MethodGet)

	api.HandleFunc("/tenants/{tenant_id}",
		s.requireScope(middleware.ScopeAdmin, s.handleDeleteTenant)).Methods(http.MethodDelete)

	if s.deps.Webhooks != nil {
		api.HandleFunc("/webhooks",
			s.requireScope(middleware.ScopeWrite, s.handleRegisterWebhook)).Methods(http.MethodPost)
		api.HandleFunc("/webhooks",
			s.requireScope(middleware.ScopeRead, s.handleListWebhooks)).Methods(http.MethodGet)
		api.HandleFunc("/webhooks/{id}",
			s.requireScope(middleware.ScopeWrite, s.handleUnregisterWebhook)).Methods(http.MethodDelete)
	}
	if s.deps.Bus != nil {
		api.HandleFunc("/events/stream",
			s.requireScope(middleware.ScopeAdmin, s.handleEventStream)).Methods(http.MethodGet)
	}

	// Internal surface: node agents and Cloud Tasks callbacks.
	internal := r.PathPrefix("/internal").Subrouter()
	if s.deps.Orchestrator != nil {
		internal.HandleFunc("/nodes/{node_id}/ws", s.deps.Orchestrator.HandleNodeStream)
	}
	if s.deps.Destroyer != nil {
		internal.HandleFunc("/instances/{instance_id}/destroy",
			s.requireScope(middleware.ScopeAdmin, s.handleDestroyInstance)).Methods(http.MethodPost)
	}

	if s.deps.MetricsRegistry != nil {
		r.Handle("/metrics", monitoring.Handler(s.deps.MetricsRegistry)).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return r
}

// Start blocks serving until Shutdown or listener failure.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("listening on %s", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requireScope(scope middleware.Scope, next http.HandlerFunc) http.HandlerFunc {
	return s.deps.Auth.RequireScope(scope, next)
}

// tenantScoped rejects requests whose path tenant differs from the
// token's tenant, unless the token holds admin.
func (s *Server) tenantScoped(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grant, ok := middleware.GrantFrom(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		tenantID := mux.Vars(r)["tenant_id"]
		if grant.Scope != middleware.ScopeAdmin && grant.TenantID != tenantID {
			respondJSON(w, http.StatusForbidden, map[string]string{
				"error":    "Insufficient scope",
				"required": string(middleware.ScopeAdmin),
				"provided": string(grant.Scope),
			})
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// Flush keeps the SSE stream usable through the wrapper.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades hijack the connection; wrapping the writer
		// would break the upgrade.
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSignIn exchanges a bearer token for its grant. The route exists
// mostly so the auth-login rate-limit scope has a concrete surface.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	grant, ok := s.deps.Auth.Resolve(req.Token)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"tenant_id": grant.TenantID,
		"scope":     string(grant.Scope),
	})
}
