package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr-platform/controlplane/internal/events"
	"github.com/wopr-platform/controlplane/internal/middleware"
	"github.com/wopr-platform/controlplane/internal/webhooks"
)

// handleDeleteTenant runs the offboarding pipeline and returns its
// summary. The pipeline itself never aborts, so the response is 200
// even when individual steps recorded errors.
func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]

	summary := s.deps.Deletion.Execute(r.Context(), tenantID)

	if s.deps.Events != nil {
		s.deps.Events.Emit(events.TypeTenantDeleted, "/tenants/deletion", tenantID, map[string]interface{}{
			"tenant_id": tenantID,
			"errors":    len(summary.Errors),
		})
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleDestroyInstance is the Cloud Tasks callback target for deferred
// bot destruction. The sweep loop covers tasks that never arrive.
func (s *Server) handleDestroyInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["instance_id"]

	inst, err := s.deps.Instances.Get(r.Context(), instanceID)
	if err != nil {
		respondError(w, http.StatusNotFound, "instance not found")
		return
	}
	if err := s.deps.Destroyer.Destroy(r.Context(), inst); err != nil {
		s.logger.Printf("destroy instance %s: %v", instanceID, err)
		respondError(w, http.StatusInternalServerError, "destroy failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "instance_id": instanceID})
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	grant, _ := middleware.GrantFrom(r.Context())

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// A caller that brings no secret gets the tenant's derived signing
	// key, so re-registering yields the same key.
	if req.Secret == "" && s.deps.Keys != nil {
		derived, err := s.deps.Keys.TenantKeyHex(grant.TenantID, "webhook-signing")
		if err != nil {
			respondError(w, http.StatusInternalServerError, "key derivation failed")
			return
		}
		req.Secret = derived
	}

	sub := &webhooks.Subscription{
		URL:      req.URL,
		Events:   req.Events,
		Secret:   req.Secret,
		TenantID: grant.TenantID,
	}
	if err := s.deps.Webhooks.Register(sub); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	grant, _ := middleware.GrantFrom(r.Context())

	subs := s.deps.Webhooks.ListTenant(grant.TenantID)
	if subs == nil {
		subs = []*webhooks.Subscription{}
	}
	respondJSON(w, http.StatusOK, subs)
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Webhooks.Unregister(mux.Vars(r)["id"]); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEventStream pushes platform events as Server-Sent Events.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := s.deps.Bus.Subscribe()
	defer s.deps.Bus.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			frame, err := ev.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
