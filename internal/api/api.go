// ABOUTME: HTTP surface of the server: agent REST endpoints, websocket, webhooks, health
// ABOUTME: Agent routes sit behind bearer auth; webhook routes authenticate by signature

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/itamar-marom/oblivion/internal/auth"
	"github.com/itamar-marom/oblivion/internal/store"
	"github.com/itamar-marom/oblivion/internal/tasks"
)

// WebhookRoutes is implemented by the webhook receiver.
type WebhookRoutes interface {
	Routes(r chi.Router)
}

// Readiness reports whether a dependency can serve traffic.
type Readiness func(ctx context.Context) error

// Server assembles the HTTP router.
type Server struct {
	service  *tasks.Service
	verifier auth.TokenVerifier
	socket   http.HandlerFunc
	webhooks WebhookRoutes
	ready    []Readiness
	logger   *slog.Logger
}

// New creates the HTTP server assembly. socket handles agent websocket
// upgrades; ready holds one probe per backing dependency.
func New(service *tasks.Service, verifier auth.TokenVerifier, socket http.HandlerFunc, webhooks WebhookRoutes, ready ...Readiness) *Server {
	return &Server{
		service:  service,
		verifier: verifier,
		socket:   socket,
		webhooks: webhooks,
		ready:    ready,
		logger:   slog.Default().With("component", "api"),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Get("/ws/agents", s.socket)
	s.webhooks.Routes(r)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier))
		r.Post("/tasks/{id}/claim", s.handleClaim)
		r.Patch("/tasks/{id}/status", s.handleUpdateStatus)
		r.Get("/tasks/available", s.handleListAvailable)
		r.Get("/tasks/claimed", s.handleListClaimed)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady answers 503 if any backing dependency is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, probe := range s.ready {
		if err := probe(r.Context()); err != nil {
			s.logger.Warn("readiness probe failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no identity")
		return
	}
	taskID := chi.URLParam(r, "id")

	result, err := s.service.Claim(r.Context(), id.AgentID, taskID)
	if err != nil {
		s.logger.Error("claim failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "claim failed")
		return
	}

	// Losing the claim race is an ordinary outcome, not an HTTP error.
	// Clients read success/error from the payload, same as the
	// claim_task realtime path.
	writeJSON(w, http.StatusOK, result)
}

type statusRequest struct {
	Status string `json:"status"`
}

// validTransitions are the statuses an agent may set directly. TODO is
// excluded: a claimed task never goes back to the pool.
var validTransitions = map[store.TaskStatus]bool{
	store.StatusInProgress:     true,
	store.StatusBlockedOnHuman: true,
	store.StatusDone:           true,
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no identity")
		return
	}
	taskID := chi.URLParam(r, "id")

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	status := store.TaskStatus(req.Status)
	if !validTransitions[status] {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	err := s.service.UpdateStatus(r.Context(), id.AgentID, taskID, status)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, tasks.ErrNotClaimant):
		writeError(w, http.StatusForbidden, "not the claimant")
	case errors.Is(err, tasks.ErrTaskDone):
		writeError(w, http.StatusConflict, "task is done")
	case err != nil:
		s.logger.Error("status update failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
	}
}

func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no identity")
		return
	}

	list, err := s.service.ListAvailable(r.Context(), id.AgentID)
	if err != nil {
		s.logger.Error("listing available tasks failed", "agent_id", id.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": taskResponses(list)})
}

func (s *Server) handleListClaimed(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no identity")
		return
	}

	list, err := s.service.ListClaimed(r.Context(), id.AgentID)
	if err != nil {
		s.logger.Error("listing claimed tasks failed", "agent_id", id.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": taskResponses(list)})
}

// taskResponse is the wire shape of a task.
type taskResponse struct {
	ID          string `json:"id"`
	ExternalRef string `json:"externalRef"`
	ProjectID   string `json:"projectId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Status      string `json:"status"`
	ClaimedBy   string `json:"claimedByAgentId,omitempty"`
	ClaimedAt   string `json:"claimedAt,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func taskResponses(list []*store.Task) []taskResponse {
	out := make([]taskResponse, 0, len(list))
	for _, t := range list {
		resp := taskResponse{
			ID:          t.ID,
			ExternalRef: t.ExternalRef,
			ProjectID:   t.ProjectID,
			Title:       t.Title,
			Description: t.Description,
			Priority:    t.Priority,
			Status:      string(t.Status),
			ClaimedBy:   t.ClaimedBy,
			CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
			UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		}
		if t.ClaimedAt != nil {
			resp.ClaimedAt = t.ClaimedAt.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, resp)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
