package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/wopr-platform/controlplane/internal/circuitbreaker"
	"github.com/wopr-platform/controlplane/internal/core"
	"github.com/wopr-platform/controlplane/internal/events"
	"github.com/wopr-platform/controlplane/internal/gateway"
	"github.com/wopr-platform/controlplane/internal/middleware"
	"github.com/wopr-platform/controlplane/internal/tenants"
)

type executeRequest struct {
	Input     map[string]interface{} `json:"input"`
	Adapter   string                 `json:"adapter,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

// handleExecute runs one capability invocation through the admission
// gates and the adapter socket. Gate order: rate limit (router
// middleware), circuit breaker, then the socket's budget gate.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	grant, _ := middleware.GrantFrom(r.Context())
	capability := core.Capability(mux.Vars(r)["capability"])

	if s.deps.Breaker != nil {
		if err := s.deps.Breaker.Allow(); err != nil {
			if errors.Is(err, circuitbreaker.ErrPaused) {
				s.countDenial("breaker", "paused")
				respondError(w, http.StatusServiceUnavailable, "Service temporarily paused")
				return
			}
			respondError(w, http.StatusInternalServerError, "Admission check failed")
			return
		}
	}

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req := gateway.ExecuteRequest{
		TenantID:   grant.TenantID,
		Capability: capability,
		Input:      body.Input,
		Adapter:    body.Adapter,
		SessionID:  body.SessionID,
	}

	if s.deps.Tenants != nil {
		tenant, err := tenants.Load(r.Context(), s.deps.Tenants, grant.TenantID)
		if err != nil {
			if errors.Is(err, tenants.ErrTenantNotFound) {
				respondError(w, http.StatusNotFound, "Tenant not found")
			} else {
				respondError(w, http.StatusForbidden, err.Error())
			}
			return
		}
		req.PricingTier = tenant.Tier()
		req.BYOK = tenant.BYOK
		req.SpendLimits = tenant.SpendLimits()
	}

	result, err := s.deps.Socket.Execute(r.Context(), req)
	if err != nil {
		s.finishExecute(capability, req, "error")

		var gateErr *gateway.GateError
		if errors.As(err, &gateErr) {
			if gateErr.Status == http.StatusTooManyRequests {
				s.countDenial("budget", gateErr.Reason)
				s.emitBudgetExceeded(grant.TenantID, capability, gateErr.Reason)
			}
			respondError(w, gateErr.Status, gateErr.Reason)
			return
		}
		s.logger.Printf("execute %s for %s failed: %v", capability, grant.TenantID, err)
		if isProviderTimeout(err) {
			respondError(w, http.StatusGatewayTimeout, "Provider request timed out")
			return
		}
		respondError(w, http.StatusBadGateway, "Provider request failed")
		return
	}

	s.finishExecute(capability, req, "ok")
	respondJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

func (s *Server) finishExecute(capability core.Capability, req gateway.ExecuteRequest, outcome string) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.ExecuteTotal.
		WithLabelValues(string(capability), req.Adapter, outcome).Inc()
}

func (s *Server) countDenial(gate, reason string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.GateDenials.WithLabelValues(gate, reason).Inc()
	}
}

func (s *Server) emitBudgetExceeded(tenantID string, capability core.Capability, reason string) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Emit(events.TypeBudgetExceeded, "/gates/budget", tenantID, map[string]interface{}{
		"tenant_id":  tenantID,
		"capability": string(capability),
		"reason":     reason,
	})
}

// isProviderTimeout reports whether an adapter failure was a deadline or
// network timeout rather than a hard provider error.
func isProviderTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// queryInt reads an integer query parameter with a fallback.
func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
