package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
)

type httpFixture struct {
	stack  *stack
	router *mux.Router
}

func newHTTPFixture(t *testing.T, auth *ActorAuth) *httpFixture {
	t.Helper()
	s := newStack(t)
	router := mux.NewRouter()
	router.Use(auth.Middleware)
	NewHTTPHandler(s.engine, s.roles, s.flows, s.store, logger.Nop()).Register(router, auth)
	return &httpFixture{stack: s, router: router}
}

func (f *httpFixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHTTP_RequestLifecycle(t *testing.T) {
	f := newHTTPFixture(t, NewActorAuth("", ""))

	rec := f.do(t, http.MethodPost, "/requests", map[string]any{
		"category":      "vacation",
		"requesterId":   "u-1",
		"requesterRole": "employee",
		"payload":       map[string]any{"days": 12},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.Equal(t, "pending", created["status"])
	assert.Len(t, created["steps"], 2)
	current := created["currentStep"].(map[string]any)
	assert.Equal(t, "manager", current["role"])
	id := created["id"].(string)

	rec = f.do(t, http.MethodGet, "/requests?role=manager", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["total"])

	rec = f.do(t, http.MethodPost, "/requests/"+id+"/decide", map[string]any{
		"actorId": "m-1", "actorRole": "manager", "decision": "approved",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/requests/"+id+"/decide", map[string]any{
		"actorId": "d-1", "actorRole": "director", "decision": "approved",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/requests/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody(t, rec)
	assert.Nil(t, view["currentStep"])
	audit := view["audit"].([]any)
	require.Len(t, audit, 3)
	last := audit[2].(map[string]any)
	assert.Equal(t, "approved", last["action"])
	assert.Equal(t, true, last["terminal"])
}

func TestHTTP_ErrorMapping(t *testing.T) {
	f := newHTTPFixture(t, NewActorAuth("", ""))

	rec := f.do(t, http.MethodGet, "/requests/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/requests", map[string]any{
		"category": "vacation", "requesterId": "u-1", "requesterRole": "employee",
		"payload": map[string]any{"days": 2},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/requests/"+id+"/decide", map[string]any{
		"actorId": "d-1", "actorRole": "director", "decision": "approved",
	}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/requests/"+id+"/decide", map[string]any{
		"actorId": "h-1", "actorRole": "hr-director", "decision": "approved",
	}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "COMMENT_REQUIRED", decodeBody(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/requests/"+id+"/cancel", map[string]any{"actorId": "u-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/requests/"+id+"/cancel", map[string]any{"actorId": "u-1"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", decodeBody(t, rec)["code"])

	req := httptest.NewRequest(http.MethodPost, "/requests", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	f.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestHTTP_FlowAndRoleAdmin(t *testing.T) {
	f := newHTTPFixture(t, NewActorAuth("", ""))

	rec := f.do(t, http.MethodPost, "/flows", map[string]any{
		"category":         "training",
		"requiresApproval": true,
		"steps":            []any{map[string]any{"order": 1, "role": "director"}, map[string]any{"order": 2, "role": "manager"}},
	}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "ranks must increase")

	rec = f.do(t, http.MethodPost, "/flows", map[string]any{
		"category":         "training",
		"requiresApproval": true,
		"steps":            []any{map[string]any{"order": 1, "role": "manager"}},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decodeBody(t, rec)["version"])

	rec = f.do(t, http.MethodGet, "/flows/training", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/roles/manager", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "manager is referenced by flows")

	rec = f.do(t, http.MethodPost, "/roles", map[string]any{"id": "ceo", "rank": 5, "canOverride": true}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/roles", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["roles"], 5)

	rec = f.do(t, http.MethodDelete, "/roles/ceo", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTP_BearerActorOverridesBody(t *testing.T) {
	auth := NewActorAuth("test-secret", "hr-approvals")
	f := newHTTPFixture(t, auth)

	rec := f.do(t, http.MethodPost, "/requests", map[string]any{"category": "vacation"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")

	employee, err := auth.IssueToken(Actor{ID: "u-7", Role: "employee"}, time.Hour)
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/requests", map[string]any{
		"category": "vacation", "requesterId": "spoofed", "requesterRole": "hr-director",
		"payload": map[string]any{"days": 3},
	}, employee)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.Equal(t, "u-7", created["requesterId"])
	assert.Equal(t, "employee", created["requesterRole"])

	other := NewActorAuth("other-secret", "hr-approvals")
	forged, err := other.IssueToken(Actor{ID: "u-7", Role: "manager"}, time.Hour)
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/requests?role=manager", nil, forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHTTP_ConfigurationRequiresAdmin(t *testing.T) {
	auth := NewActorAuth("test-secret", "hr-approvals", "hr-admin")
	f := newHTTPFixture(t, auth)

	employee, err := auth.IssueToken(Actor{ID: "u-7", Role: "employee"}, time.Hour)
	require.NoError(t, err)
	admin, err := auth.IssueToken(Actor{ID: "a-1", Role: "hr-admin"}, time.Hour)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/requests", map[string]any{
		"category": "vacation", "payload": map[string]any{"days": 3},
	}, employee)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPut, "/roles/employee", map[string]any{"rank": 1, "canOverride": true}, employee)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/requests/"+id+"/decide", map[string]any{
		"decision": "approved", "comment": "self",
	}, employee)
	assert.Equal(t, http.StatusForbidden, rec.Code, "requester cannot approve without override")

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/roles"},
		{http.MethodDelete, "/roles/director"},
		{http.MethodPost, "/flows"},
		{http.MethodPut, "/flows/vacation"},
		{http.MethodDelete, "/flows/vacation"},
		{http.MethodPost, "/requests/" + id + "/escalate"},
	} {
		rec = f.do(t, tc.method, tc.path, map[string]any{}, employee)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", tc.method, tc.path)
	}

	rec = f.do(t, http.MethodGet, "/roles/employee", nil, employee)
	assert.Equal(t, http.StatusOK, rec.Code, "reads stay open to any actor")

	rec = f.do(t, http.MethodPut, "/roles/employee", map[string]any{"rank": 1, "name": "Employee"}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Employee", decodeBody(t, rec)["name"])

	rec = f.do(t, http.MethodPost, "/requests/"+id+"/escalate", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "director", decodeBody(t, rec)["currentStep"].(map[string]any)["role"])
}
