package elamsdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elam/internal/app"
	"elam/internal/db"
	"elam/internal/engine"
	"elam/internal/server"
	elamsdk "elam/sdk/go"
)

const secret = "sdk-secret"

func newClient(t *testing.T) (func(actor string) *elamsdk.Client, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	cfg, err := app.Bootstrap(ctx, conn, app.Options{OrgID: "sdk", AdminActorID: "ada"})
	require.NoError(t, err)
	e := engine.New(conn, cfg)
	require.NoError(t, e.GrantRole(ctx, "ada", "alice", "requester"))
	require.NoError(t, e.GrantRole(ctx, "ada", "mike", "manager"))

	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return func(actor string) *elamsdk.Client {
		token, err := server.SignToken(secret, actor, nil, nil, time.Hour)
		require.NoError(t, err)
		c := elamsdk.New(srv.URL)
		c.BearerToken = token
		return c
	}, e
}

func TestClientRoundTrip(t *testing.T) {
	clientFor, _ := newClient(t)
	ctx := context.Background()
	alice, mike := clientFor("alice"), clientFor("mike")

	me, err := alice.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.ActorID)
	assert.Contains(t, me.Roles, "requester")

	req, err := alice.SubmitRequest(ctx, elamsdk.SubmitInput{
		ResourceID:    "crm",
		AccessLevel:   "write",
		RiskLevel:     "medium",
		Justification: "customer migration project",
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", req.Status)

	queue, err := mike.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	res, err := mike.Act(ctx, req.ID, "approve", "", "", req.Version)
	require.NoError(t, err)
	assert.Equal(t, "approved", res.Request.Status)
	require.NotNil(t, res.Grant)

	grants, err := alice.Grants(ctx, url.Values{"status": {"active"}})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "crm", grants[0].ResourceID)

	page, err := alice.RequestsPage(ctx, url.Values{"status": {"approved"}}, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	clientFor, _ := newClient(t)
	ctx := context.Background()

	_, err := clientFor("alice").AuditLogsPage(ctx, nil, 10, "")
	var apiErr *elamsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)

	_, err = clientFor("alice").GetRequest(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	anon := elamsdk.New(clientFor("alice").BaseURL)
	_, err = anon.Me(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "unauthorized", apiErr.Code)
}
