package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elam/internal/app"
	"elam/internal/config"
	"elam/internal/db"
	"elam/internal/domain"
	"elam/internal/engine"
	"elam/internal/metrics"
)

const testSecret = "test-secret"

type testServer struct {
	URL     string
	Engine  engine.Engine
	client  *http.Client
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = config.Default("org-test")
	}
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = app.Bootstrap(ctx, conn, app.Options{OrgID: cfg.Organization.ID, AdminActorID: "ada"})
	require.NoError(t, err)
	require.NoError(t, app.ApplyConfig(ctx, conn, cfg, "ada"))

	e := engine.New(conn, cfg)
	for actor, role := range map[string]string{
		"alice": "requester",
		"bob":   "requester",
		"mike":  "manager",
		"sam":   "security",
	} {
		require.NoError(t, e.GrantRole(ctx, "ada", actor, role))
	}
	m := metrics.New()
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: true},
		Metrics:  m,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client(), metrics: m}
}

func bearer(t *testing.T, actor string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, nil, nil, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (s *testServer) submit(t *testing.T, actor, risk string) domain.AccessRequest {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v1/requests", map[string]any{
		"resource_id":   "db-prod",
		"access_level":  "read",
		"risk_level":    risk,
		"justification": "month end reconciliation",
	}, bearer(t, actor))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[domain.AccessRequest](t, data)
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests", nil, map[string]string{"Authorization": "Bearer garbage"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decode[errorEnvelope](t, data).Error.Code)
}

func TestSubmitApproveFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	req := srv.submit(t, "alice", "low")
	assert.Equal(t, domain.RequestPending, req.Status)
	assert.Equal(t, "standard", req.WorkflowID)
	require.Len(t, req.Chain, 1)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/approvals/queue", nil, bearer(t, "mike"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	queue := decode[ApprovalQueueResponse](t, data)
	require.Len(t, queue.Items, 1)
	assert.Equal(t, req.ID, queue.Items[0].Request.ID)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/actions", map[string]any{
		"action":           "approve",
		"comment":          "ok",
		"expected_version": req.Version,
	}, bearer(t, "mike"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	acted := decode[ApprovalActionResponse](t, data)
	assert.Equal(t, domain.RequestApproved, acted.Request.Status)
	require.NotNil(t, acted.Grant)
	assert.Equal(t, "alice", acted.Grant.ActorID)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests/"+req.ID, nil, bearer(t, "alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.RequestApproved, decode[domain.AccessRequest](t, data).Status)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/grants", nil, bearer(t, "alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[GrantList](t, data).Items, 1)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/actions", map[string]any{
		"action": "approve",
	}, bearer(t, "mike"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "invalid_transition", decode[errorEnvelope](t, data).Error.Code)
}

func TestSelfApprovalIsForbidden(t *testing.T) {
	srv := newTestServer(t, nil)
	req := srv.submit(t, "mike", "low")
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/actions", map[string]any{
		"action": "approve",
	}, bearer(t, "mike"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "self_approval", decode[errorEnvelope](t, data).Error.Code)
}

func TestStaleVersionConflicts(t *testing.T) {
	srv := newTestServer(t, nil)
	req := srv.submit(t, "alice", "low")
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/actions", map[string]any{
		"action":           "approve",
		"expected_version": req.Version + 5,
	}, bearer(t, "mike"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "conflict", decode[errorEnvelope](t, data).Error.Code)
}

func TestRequesterSeesOnlyOwnRequests(t *testing.T) {
	srv := newTestServer(t, nil)
	mine := srv.submit(t, "alice", "low")
	srv.submit(t, "bob", "medium")

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests", nil, bearer(t, "alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedRequests](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, mine.ID, page.Items[0].ID)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests/"+mine.ID, nil, bearer(t, "bob"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests?limit=1", nil, bearer(t, "mike"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = decode[paginatedRequests](t, data)
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests?limit=1&cursor="+page.NextCursor, nil, bearer(t, "mike"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	next := decode[paginatedRequests](t, data)
	require.Len(t, next.Items, 1)
	assert.NotEqual(t, page.Items[0].ID, next.Items[0].ID)
	assert.Empty(t, next.NextCursor)
}

func TestBeneficiaryListsRequestsFiledForThem(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"beneficiary_id": "bob",
		"resource_id":    "db-prod",
		"access_level":   "read",
		"risk_level":     "low",
		"justification":  "onboarding a new analyst",
	}, bearer(t, "alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	filed := decode[domain.AccessRequest](t, data)
	srv.submit(t, "mike", "low")

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests", nil, bearer(t, "bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedRequests](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, filed.ID, page.Items[0].ID)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests?requester_id=mike", nil, bearer(t, "bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[paginatedRequests](t, data).Items)
}

func TestTimeFiltersAcceptOffsets(t *testing.T) {
	srv := newTestServer(t, nil)
	req := srv.submit(t, "alice", "low")
	created, err := time.Parse(time.RFC3339, req.CreatedAt)
	require.NoError(t, err)
	bound := created.Add(-time.Minute).In(time.FixedZone("CEST", 2*3600)).Format(time.RFC3339)
	require.Contains(t, bound, "+02:00")

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests?created_from="+url.QueryEscape(bound), nil, bearer(t, "alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Len(t, decode[paginatedRequests](t, data).Items, 1)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/requests?created_to="+url.QueryEscape(bound), nil, bearer(t, "alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[paginatedRequests](t, data).Items)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/audit-logs?action=request.submitted&since="+url.QueryEscape(bound), nil, bearer(t, "ada"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[paginatedAuditLogs](t, data).Items, 1)
}

func TestClaimedPermissionsDoNotAuthorizeWrites(t *testing.T) {
	srv := newTestServer(t, nil)
	token, err := SignToken(testSecret, "carol", nil, []string{"audit.read", "request.create"}, time.Hour)
	require.NoError(t, err)
	headers := map[string]string{"Authorization": "Bearer " + token}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/audit-logs", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"resource_id":   "db-prod",
		"access_level":  "read",
		"risk_level":    "low",
		"justification": "month end reconciliation",
	}, headers)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	body := decode[errorEnvelope](t, data)
	assert.Equal(t, "request.create", body.Error.Details["permission"])
}

func TestSubmitValidationIsBadRequest(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"resource_id":   "db-prod",
		"access_level":  "read",
		"risk_level":    "extreme",
		"justification": "month end reconciliation",
	}, bearer(t, "alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"resource_id":   "db-prod",
		"access_level":  "read",
		"risk_level":    "low",
		"justification": "short",
	}, bearer(t, "alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decode[errorEnvelope](t, data).Error.Code)
}

func TestPermissionsAreEnforced(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/audit-logs", nil, bearer(t, "alice"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	body := decode[errorEnvelope](t, data)
	assert.Equal(t, "forbidden", body.Error.Code)
	assert.Equal(t, "audit.read", body.Error.Details["permission"])

	srv.submit(t, "alice", "low")
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/audit-logs?action=request.submitted", nil, bearer(t, "ada"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	logs := decode[paginatedAuditLogs](t, data)
	require.Len(t, logs.Items, 1)
	assert.Equal(t, "alice", logs.Items[0].ActorID)
}

func TestRBACEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/rbac/roles/grant", map[string]any{
		"actor_id": "bob", "role_id": "auditor",
	}, bearer(t, "alice"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/rbac/roles/grant", map[string]any{
		"actor_id": "bob", "role_id": "auditor",
	}, bearer(t, "ada"))
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, bearer(t, "bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	who := decode[WhoAmIResponse](t, data)
	assert.Contains(t, who.Roles, "auditor")
	assert.Contains(t, who.Permissions, "audit.read")
	assert.Equal(t, "jwt", who.Source)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{"name": "cli"}, bearer(t, "alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[APIKeyResponse](t, data)
	require.True(t, strings.HasPrefix(created.Key, "elam_"))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": created.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "alice", decode[WhoAmIResponse](t, data).ActorID)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/api-keys", nil, map[string]string{"X-Api-Key": created.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	list := decode[APIKeyList](t, data)
	require.Len(t, list.Items, 1)
	assert.Empty(t, list.Items[0].Key)

	res, _ = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v1/api-keys/"+created.ID, nil, bearer(t, "alice"))
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": created.Key})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDevLogin(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id":    "carol",
		"permissions": []string{"workflow.read"},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	token := decode[DevLoginResponse](t, data).Token
	require.NotEmpty(t, token)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/workflows", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[WorkflowList](t, data).Items, 3)
}

func TestSLAScanAndReports(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.submit(t, "alice", "low")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/sla/scan", nil, bearer(t, "alice"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/sla/scan", nil, bearer(t, "sam"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[ScanResponse](t, data).Breached)

	now := time.Now().UTC()
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/reports", map[string]any{
		"kind":         "access_review",
		"period_start": now.Add(-time.Hour).Format(time.RFC3339),
		"period_end":   now.Add(time.Hour).Format(time.RFC3339),
	}, bearer(t, "ada"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	rep := decode[domain.ComplianceReport](t, data)
	assert.Equal(t, 1, rep.Summary.TotalRequests)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/reports/"+rep.ID, nil, bearer(t, "ada"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, rep.ID, decode[domain.ComplianceReport](t, data).ID)
}

func TestOpenAPIAndMetricsAreServed(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas map[string]any
	require.NoError(t, json.Unmarshal(data, &oas))
	paths, ok := oas["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/requests/{id}/actions")

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "elam_http_requests_total")
}

func TestWebhookDispatcherDeliversMatchingActions(t *testing.T) {
	received := make(chan *http.Request, 10)
	bodies := make(chan webhookEvent, 10)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		received <- r
		bodies <- evt
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := config.Default("org-test")
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Actions: []string{"approval.*"}, Secret: "s3cret"}}
	srv := newTestServer(t, cfg)

	d := NewWebhookDispatcher(srv.Engine, cfg.Webhooks, nil, srv.metrics)
	require.NotNil(t, d)
	ctx := context.Background()
	d.DispatchOnce(ctx)

	req := srv.submit(t, "alice", "low")
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/actions", map[string]any{
		"action": "approve",
	}, bearer(t, "mike"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	d.DispatchOnce(ctx)
	require.Len(t, received, 1)
	got := <-received
	evt := <-bodies
	assert.Equal(t, "approval.approve", got.Header.Get("X-Elam-Event"))
	assert.Equal(t, "s3cret", got.Header.Get("X-Elam-Secret"))
	assert.Equal(t, req.ID, evt.EntityID)
	assert.Equal(t, "mike", evt.ActorID)

	d.DispatchOnce(ctx)
	assert.Len(t, received, 0)
}

func TestWebhookDispatcherSkipsDisabledHooks(t *testing.T) {
	off := false
	assert.Nil(t, NewWebhookDispatcher(engine.Engine{}, []config.WebhookConfig{{URL: "http://x", Enabled: &off}}, nil, nil))
}

func TestActionFilter(t *testing.T) {
	f := newActionFilter([]string{"approval.*", "grant.revoked"})
	assert.True(t, f.match("approval.reject"))
	assert.True(t, f.match("grant.revoked"))
	assert.False(t, f.match("grant.created"))
	assert.True(t, newActionFilter(nil).match("anything"))
}
