package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// ApprovalService is the engine surface exposed over HTTP and gRPC.
type ApprovalService interface {
	Create(ctx context.Context, in service.CreateInput) (*repository.ApprovalRequest, error)
	Decide(ctx context.Context, in service.DecideInput) (*repository.ApprovalRequest, error)
	Cancel(ctx context.Context, in service.CancelInput) (*repository.ApprovalRequest, error)
	Escalate(ctx context.Context, requestID string) (*repository.ApprovalRequest, error)
	Get(ctx context.Context, id string) (*service.RequestView, error)
	ListPending(ctx context.Context, role string) ([]*repository.ApprovalRequest, error)
}

// RoleService manages the role catalog.
type RoleService interface {
	Get(ctx context.Context, id string) (*repository.Role, error)
	List(ctx context.Context) ([]*repository.Role, error)
	Create(ctx context.Context, role *repository.Role) error
	Update(ctx context.Context, role *repository.Role) error
	Delete(ctx context.Context, id string) error
}

// FlowService manages flow definitions.
type FlowService interface {
	Get(ctx context.Context, category string) (*repository.FlowDefinition, error)
	List(ctx context.Context) ([]*repository.FlowDefinition, error)
	Create(ctx context.Context, flow *repository.FlowDefinition) error
	Update(ctx context.Context, flow *repository.FlowDefinition) error
	Delete(ctx context.Context, category string) error
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	approvals ApprovalService
	roles     RoleService
	flows     FlowService
	health    Pinger
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(approvals ApprovalService, roles RoleService, flows FlowService, health Pinger, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		approvals: approvals,
		roles:     roles,
		flows:     flows,
		health:    health,
		log:       log,
	}
}

// Register mounts every route on router. Role and flow writes and manual
// escalation go through auth.RequireAdmin.
func (h *HTTPHandler) Register(router *mux.Router, auth *ActorAuth) {
	admin := func(fn http.HandlerFunc) http.Handler { return auth.RequireAdmin(fn) }

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	router.HandleFunc("/requests", h.CreateRequest).Methods(http.MethodPost)
	router.HandleFunc("/requests", h.ListPending).Methods(http.MethodGet)
	router.HandleFunc("/requests/{id}", h.GetRequest).Methods(http.MethodGet)
	router.HandleFunc("/requests/{id}/decide", h.Decide).Methods(http.MethodPost)
	router.HandleFunc("/requests/{id}/cancel", h.Cancel).Methods(http.MethodPost)
	router.Handle("/requests/{id}/escalate", admin(h.Escalate)).Methods(http.MethodPost)

	router.HandleFunc("/roles", h.ListRoles).Methods(http.MethodGet)
	router.Handle("/roles", admin(h.CreateRole)).Methods(http.MethodPost)
	router.HandleFunc("/roles/{id}", h.GetRole).Methods(http.MethodGet)
	router.Handle("/roles/{id}", admin(h.UpdateRole)).Methods(http.MethodPut)
	router.Handle("/roles/{id}", admin(h.DeleteRole)).Methods(http.MethodDelete)

	router.HandleFunc("/flows", h.ListFlows).Methods(http.MethodGet)
	router.Handle("/flows", admin(h.CreateFlow)).Methods(http.MethodPost)
	router.HandleFunc("/flows/{category}", h.GetFlow).Methods(http.MethodGet)
	router.Handle("/flows/{category}", admin(h.UpdateFlow)).Methods(http.MethodPut)
	router.Handle("/flows/{category}", admin(h.DeleteFlow)).Methods(http.MethodDelete)
}

// ── DTOs ─────────────────────────────────────────────────────────────────────

type createRequestBody struct {
	Category      string         `json:"category"`
	RequesterID   string         `json:"requesterId"`
	RequesterRole string         `json:"requesterRole"`
	Payload       map[string]any `json:"payload"`
}

type decideBody struct {
	ActorID   string `json:"actorId"`
	ActorRole string `json:"actorRole"`
	Decision  string `json:"decision"`
	Comment   string `json:"comment"`
}

type cancelBody struct {
	ActorID string `json:"actorId"`
	Reason  string `json:"reason"`
}

// requestProjection is the API view of a request.
type requestProjection struct {
	*repository.ApprovalRequest
	CurrentStep *repository.StepInstance `json:"currentStep"`
	Audit       []*repository.AuditEntry `json:"audit,omitempty"`
}

func project(req *repository.ApprovalRequest) *requestProjection {
	return &requestProjection{ApprovalRequest: req, CurrentStep: req.CurrentStep()}
}

func projectView(view *service.RequestView) *requestProjection {
	return &requestProjection{ApprovalRequest: view.Request, CurrentStep: view.CurrentStep, Audit: view.Audit}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ── requests ─────────────────────────────────────────────────────────────────

// CreateRequest handles POST /requests
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	if actor, ok := ActorFromContext(r.Context()); ok {
		body.RequesterID, body.RequesterRole = actor.ID, actor.Role
	}

	req, err := h.approvals.Create(r.Context(), service.CreateInput{
		Category:      body.Category,
		RequesterID:   body.RequesterID,
		RequesterRole: body.RequesterRole,
		Payload:       body.Payload,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, project(req))
}

// GetRequest handles GET /requests/{id}
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	view, err := h.approvals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projectView(view))
}

// ListPending handles GET /requests?role=
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if actor, ok := ActorFromContext(r.Context()); ok && role == "" {
		role = actor.Role
	}
	reqs, err := h.approvals.ListPending(r.Context(), role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]*requestProjection, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, project(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out, "total": len(out)})
}

// Decide handles POST /requests/{id}/decide
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var body decideBody
	if !h.decode(w, r, &body) {
		return
	}
	if actor, ok := ActorFromContext(r.Context()); ok {
		body.ActorID, body.ActorRole = actor.ID, actor.Role
	}

	req, err := h.approvals.Decide(r.Context(), service.DecideInput{
		RequestID: mux.Vars(r)["id"],
		ActorID:   body.ActorID,
		ActorRole: body.ActorRole,
		Decision:  repository.Decision(body.Decision),
		Comment:   body.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project(req))
}

// Cancel handles POST /requests/{id}/cancel
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if !h.decode(w, r, &body) {
		return
	}
	if actor, ok := ActorFromContext(r.Context()); ok {
		body.ActorID = actor.ID
	}

	req, err := h.approvals.Cancel(r.Context(), service.CancelInput{
		RequestID: mux.Vars(r)["id"],
		ActorID:   body.ActorID,
		Reason:    body.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project(req))
}

// Escalate handles POST /requests/{id}/escalate
func (h *HTTPHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	req, err := h.approvals.Escalate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project(req))
}

// ── roles ────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.roles.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *HTTPHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.roles.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (h *HTTPHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var role repository.Role
	if !h.decode(w, r, &role) {
		return
	}
	if err := h.roles.Create(r.Context(), &role); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &role)
}

func (h *HTTPHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var role repository.Role
	if !h.decode(w, r, &role) {
		return
	}
	role.ID = mux.Vars(r)["id"]
	if err := h.roles.Update(r.Context(), &role); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &role)
}

func (h *HTTPHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.roles.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── flows ────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.flows.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows})
}

func (h *HTTPHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.flows.Get(r.Context(), mux.Vars(r)["category"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (h *HTTPHandler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var flow repository.FlowDefinition
	if !h.decode(w, r, &flow) {
		return
	}
	if err := h.flows.Create(r.Context(), &flow); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &flow)
}

func (h *HTTPHandler) UpdateFlow(w http.ResponseWriter, r *http.Request) {
	var flow repository.FlowDefinition
	if !h.decode(w, r, &flow) {
		return
	}
	flow.Category = mux.Vars(r)["category"]
	if err := h.flows.Update(r.Context(), &flow); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &flow)
}

func (h *HTTPHandler) DeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := h.flows.Delete(r.Context(), mux.Vars(r)["category"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: string(errors.ErrCodeInvalidInput), Message: "invalid request body"})
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := errors.As(err)
	if !ok {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Unhandled error")
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: string(errors.ErrCodeInternal), Message: "internal error"})
		return
	}
	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Code: string(appErr.Code), Message: appErr.Message, Field: appErr.Field})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
