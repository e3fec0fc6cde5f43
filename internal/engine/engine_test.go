package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elam/internal/app"
	"elam/internal/config"
	"elam/internal/db"
	"elam/internal/domain"
	"elam/internal/engine"
	"elam/internal/engine/auth"
	"elam/internal/migrate"
	"elam/internal/repo"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default("org-1"))
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()
	require.NoError(t, app.ApplyConfig(ctx, conn, cfg, "ada"))

	clk := &clock{t: base}
	eng := engine.New(conn, cfg)
	eng.Now = clk.Now
	for actor, role := range map[string]string{
		"alice": "requester",
		"bob":   "requester",
		"mike":  "manager",
		"olga":  "resource_owner",
		"sam":   "security",
		"aud":   "auditor",
	} {
		require.NoError(t, eng.GrantRole(ctx, "ada", actor, role))
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk}
}

func (env testEnv) submit(t *testing.T, requester, risk string) domain.AccessRequest {
	t.Helper()
	req, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitOptions{
		RequesterID:   requester,
		ResourceID:    "db-prod",
		AccessLevel:   "read",
		RiskLevel:     risk,
		Justification: "quarterly reconciliation",
	})
	require.NoError(t, err)
	return req
}

func (env testEnv) act(requestID, actor, action string) (engine.ActionResult, error) {
	return env.Engine.ProcessApprovalAction(env.Ctx, engine.ActionOptions{
		RequestID: requestID,
		ActorID:   actor,
		Action:    action,
		Comment:   "looks fine",
	})
}

func (env testEnv) audits(t *testing.T, f repo.AuditFilters) []domain.AuditLog {
	t.Helper()
	logs, err := env.Engine.ListAuditLogs(env.Ctx, f)
	require.NoError(t, err)
	return logs
}

func TestSelectWorkflow(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		risk, access, explicit, want string
	}{
		{"low", "read", "", "standard"},
		{"medium", "write", "", "standard"},
		{"high", "read", "", "elevated"},
		{"critical", "admin", "", "privileged"},
		{"low", "read", "privileged", "privileged"},
	}
	for _, tc := range cases {
		wf, err := env.Engine.SelectWorkflow(tc.explicit, tc.risk, tc.access)
		require.NoError(t, err)
		assert.Equal(t, tc.want, wf.ID, "risk=%s access=%s", tc.risk, tc.access)
	}
	_, err := env.Engine.SelectWorkflow("missing", "low", "read")
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestSelectWorkflowFallsBackToDefault(t *testing.T) {
	cfg := config.Default("org-1")
	cfg.Workflows = []domain.Workflow{
		{ID: "writes", Match: domain.WorkflowMatch{AccessLevels: []string{"write"}}, Steps: []domain.WorkflowStep{{ApproverRole: "manager", SLAHours: 4}}},
		{ID: "catch-all", Default: true, Match: domain.WorkflowMatch{RiskLevels: []string{"critical"}}, Steps: []domain.WorkflowStep{{ApproverRole: "security", SLAHours: 4}}},
	}
	env := newTestEnvWithConfig(t, cfg)
	wf, err := env.Engine.SelectWorkflow("", "low", "read")
	require.NoError(t, err)
	assert.Equal(t, "catch-all", wf.ID)

	cfg.Workflows[1].Default = false
	_, err = env.Engine.SelectWorkflow("", "low", "read")
	assert.ErrorIs(t, err, engine.ErrNoWorkflow)
}

func TestSubmitBuildsChain(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "high")

	assert.Equal(t, "elevated", req.WorkflowID)
	assert.Equal(t, domain.RequestPending, req.Status)
	assert.Equal(t, 1, req.CurrentLevel)
	assert.Equal(t, 1, req.Version)
	assert.Equal(t, "alice", req.BeneficiaryID)
	assert.Equal(t, 90, req.DurationDays)
	require.Len(t, req.Chain, 3)

	due := base.Add(24 * time.Hour).Format(time.RFC3339)
	assert.Equal(t, domain.ItemPending, req.Chain[0].Status)
	assert.Equal(t, due, *req.Chain[0].DueAt)
	assert.Equal(t, due, req.Deadline)
	for _, item := range req.Chain[1:] {
		assert.Equal(t, domain.ItemWaiting, item.Status)
		assert.Nil(t, item.DueAt)
	}

	stored, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.Chain, stored.Chain)

	logs := env.audits(t, repo.AuditFilters{Action: "request.submitted", EntityID: req.ID})
	require.Len(t, logs, 1)
	assert.Equal(t, "alice", logs[0].ActorID)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	valid := engine.SubmitOptions{
		RequesterID:   "alice",
		ResourceID:    "db-prod",
		AccessLevel:   "read",
		RiskLevel:     "low",
		Justification: "need it for the audit",
	}

	bad := valid
	bad.AccessLevel = "root"
	_, err := env.Engine.SubmitRequest(env.Ctx, bad)
	assert.ErrorIs(t, err, engine.ErrValidation)
	assert.ErrorContains(t, err, "access_level must be one of [read write admin]")

	bad = valid
	bad.ResourceID = ""
	_, err = env.Engine.SubmitRequest(env.Ctx, bad)
	assert.ErrorContains(t, err, "resource_id is required")

	bad = valid
	bad.Justification = "pls"
	_, err = env.Engine.SubmitRequest(env.Ctx, bad)
	assert.ErrorIs(t, err, engine.ErrValidation)

	bad = valid
	bad.DurationDays = 1000
	_, err = env.Engine.SubmitRequest(env.Ctx, bad)
	assert.ErrorIs(t, err, engine.ErrValidation)

	bad = valid
	bad.RequesterID = "stranger"
	_, err = env.Engine.SubmitRequest(env.Ctx, bad)
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "request.create", fe.Permission)
}

func TestApproveThroughChainCreatesGrant(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "high")

	env.Clock.Advance(time.Hour)
	res, err := env.act(req.ID, "mike", engine.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Request.CurrentLevel)
	assert.Equal(t, domain.RequestPending, res.Request.Status)
	assert.Equal(t, 2, res.Request.Version)
	assert.Equal(t, base.Add(25*time.Hour).Format(time.RFC3339), res.Request.Deadline)
	assert.Nil(t, res.Grant)

	_, err = env.act(req.ID, "olga", engine.ActionApprove)
	require.NoError(t, err)
	res, err = env.act(req.ID, "sam", engine.ActionApprove)
	require.NoError(t, err)

	assert.Equal(t, domain.RequestApproved, res.Request.Status)
	require.NotNil(t, res.Request.CompletedAt)
	assert.Equal(t, 4, res.Request.Version)
	require.NotNil(t, res.Grant)
	assert.Equal(t, "alice", res.Grant.ActorID)
	assert.Equal(t, domain.GrantActive, res.Grant.Status)
	assert.Equal(t, base.Add(time.Hour+90*24*time.Hour).Format(time.RFC3339), *res.Grant.ExpiresAt)

	stored, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	for _, item := range stored.Chain {
		assert.Equal(t, domain.ItemApproved, item.Status)
	}
	assert.Len(t, env.audits(t, repo.AuditFilters{Action: "grant.created"}), 1)

	_, err = env.act(req.ID, "sam", engine.ActionApprove)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestRejectRequiresCommentAndSkipsRemainingLevels(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "high")

	_, err := env.Engine.ProcessApprovalAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mike", Action: engine.ActionReject})
	assert.ErrorIs(t, err, engine.ErrValidation)

	res, err := env.act(req.ID, "mike", engine.ActionReject)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestRejected, res.Request.Status)
	assert.Equal(t, domain.ItemRejected, res.Request.Chain[0].Status)
	assert.Equal(t, domain.ItemSkipped, res.Request.Chain[1].Status)
	assert.Equal(t, domain.ItemSkipped, res.Request.Chain[2].Status)
	assert.Equal(t, "looks fine", res.Request.Chain[0].Comment)
}

func TestEscalateHandsLevelToEscalationRole(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "low")

	env.Clock.Advance(2 * time.Hour)
	res, err := env.act(req.ID, "mike", engine.ActionEscalate)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestEscalated, res.Request.Status)
	item := res.Request.Chain[0]
	assert.Equal(t, domain.ItemEscalated, item.Status)
	assert.Equal(t, "security", item.ApproverRole)
	assert.Equal(t, base.Add(50*time.Hour).Format(time.RFC3339), *item.DueAt)
	assert.Equal(t, *item.DueAt, res.Request.Deadline)

	_, err = env.act(req.ID, "sam", engine.ActionEscalate)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	_, err = env.act(req.ID, "mike", engine.ActionApprove)
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	res, err = env.act(req.ID, "sam", engine.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestApproved, res.Request.Status)
}

func TestEscalationSurvivesDelegation(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "low")

	res, err := env.act(req.ID, "mike", engine.ActionEscalate)
	require.NoError(t, err)
	require.NotNil(t, res.Request.Chain[0].EscalatedAt)
	deadline := res.Request.Deadline

	env.Clock.Advance(time.Hour)
	res, err = env.Engine.ProcessApprovalAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "sam", Action: engine.ActionDelegate, DelegateTo: "olga"})
	require.NoError(t, err)
	item := res.Request.Chain[0]
	assert.Equal(t, domain.ItemDelegated, item.Status)
	assert.True(t, item.WasEscalated())

	_, err = env.act(req.ID, "olga", engine.ActionEscalate)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	stored, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, deadline, stored.Deadline)
	assert.Equal(t, "olga", *stored.Chain[0].DelegatedTo)

	// the scheduler must not escalate it a second time either
	env.Clock.Advance(48 * time.Hour)
	scan, err := env.Engine.ScanSLA(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{req.ID}, scan.Breached)
	assert.Empty(t, scan.Escalated)
}

func TestDelegateMovesDecisionToDelegate(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "low")

	_, err := env.Engine.ProcessApprovalAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mike", Action: engine.ActionDelegate})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.ProcessApprovalAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mike", Action: engine.ActionDelegate, DelegateTo: "mike"})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.ProcessApprovalAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mike", Action: engine.ActionDelegate, DelegateTo: "alice"})
	assert.ErrorIs(t, err, engine.ErrSelfApproval)

	res, err := env.Engine.ProcessApprovalAction(env.Ctx, engine.ActionOptions{RequestID: req.ID, ActorID: "mike", Action: engine.ActionDelegate, DelegateTo: "deputy"})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, res.Request.Status)
	assert.Equal(t, domain.ItemDelegated, res.Request.Chain[0].Status)
	assert.Equal(t, "deputy", *res.Request.Chain[0].DelegatedTo)

	// the original approver is no longer eligible
	_, err = env.act(req.ID, "mike", engine.ActionApprove)
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	queue, err := env.Engine.ApprovalQueue(env.Ctx, "deputy")
	require.NoError(t, err)
	require.Len(t, queue, 1)

	res, err = env.act(req.ID, "deputy", engine.ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestApproved, res.Request.Status)
	assert.Equal(t, "deputy", *res.Request.Chain[0].ActedBy)
}

func TestSelfApprovalIsDeniedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "mike", "low")

	_, err := env.act(req.ID, "mike", engine.ActionApprove)
	require.ErrorIs(t, err, engine.ErrSelfApproval)

	denied := env.audits(t, repo.AuditFilters{Outcome: "denied", EntityID: req.ID})
	require.Len(t, denied, 1)
	assert.Equal(t, "approval.approve", denied[0].Action)
	assert.JSONEq(t, `{"reason":"self_approval","level":1}`, string(denied[0].Details))

	stored, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
}

func TestNonApproverIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "high")

	_, err := env.act(req.ID, "olga", engine.ActionApprove)
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "approval.act", fe.Permission)

	denied := env.audits(t, repo.AuditFilters{Outcome: "denied"})
	require.Len(t, denied, 1)
	assert.Equal(t, "olga", denied[0].ActorID)
}

func TestExpectedVersionMismatchConflicts(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "low")

	_, err := env.Engine.ProcessApprovalAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID, ActorID: "mike", Action: engine.ActionApprove, ExpectedVersion: 7,
	})
	require.ErrorIs(t, err, engine.ErrConflict)

	res, err := env.Engine.ProcessApprovalAction(env.Ctx, engine.ActionOptions{
		RequestID: req.ID, ActorID: "mike", Action: engine.ActionApprove, ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Request.Version)
}

func TestConcurrentApprovalsSerialize(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Engine.GrantRole(env.Ctx, "ada", "max", "manager"))

	race := func(req domain.AccessRequest, expected int) []error {
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i, actor := range []string{"mike", "max"} {
			wg.Add(1)
			go func(i int, actor string) {
				defer wg.Done()
				_, errs[i] = env.Engine.ProcessApprovalAction(env.Ctx, engine.ActionOptions{
					RequestID: req.ID, ActorID: actor, Action: engine.ActionApprove, ExpectedVersion: expected,
				})
			}(i, actor)
		}
		wg.Wait()
		return errs
	}

	for round := 0; round < 10; round++ {
		req := env.submit(t, "alice", "low")
		errs := race(req, req.Version)
		failed := 0
		for _, err := range errs {
			if err != nil {
				failed++
				assert.ErrorIs(t, err, engine.ErrConflict, "round %d", round)
				assert.False(t, db.IsBusy(err), "round %d", round)
			}
		}
		assert.Equal(t, 1, failed, "round %d", round)
	}

	// without a version the loser sees the winner's decision
	req := env.submit(t, "bob", "low")
	errs := race(req, 0)
	failed := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed++
		assert.False(t, db.IsBusy(err))
		var fe auth.ForbiddenError
		assert.True(t, errors.Is(err, engine.ErrInvalidTransition) || errors.As(err, &fe), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, failed)
}

func TestListFiltersNormalizeOffsetTimestamps(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "low")
	// 08:30Z written as a +02:00 local time
	bound := "2024-03-01T10:30:00+02:00"

	got, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilters{CreatedFrom: bound})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, req.ID, got[0].ID)

	got, err = env.Engine.ListRequests(env.Ctx, repo.RequestFilters{CreatedTo: bound})
	require.NoError(t, err)
	assert.Empty(t, got)

	logs := env.audits(t, repo.AuditFilters{Action: "request.submitted", Since: bound})
	assert.Len(t, logs, 1)
	logs = env.audits(t, repo.AuditFilters{Action: "request.submitted", Until: bound})
	assert.Empty(t, logs)

	_, err = env.Engine.ListRequests(env.Ctx, repo.RequestFilters{CreatedFrom: "yesterday"})
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.ListAuditLogs(env.Ctx, repo.AuditFilters{Until: "2024-03-01"})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestApprovalQueueAndStats(t *testing.T) {
	env := newTestEnv(t)
	first := env.submit(t, "alice", "low")
	env.Clock.Advance(time.Hour)
	second := env.submit(t, "bob", "low")
	third := env.submit(t, "mike", "low")

	queue, err := env.Engine.ApprovalQueue(env.Ctx, "mike")
	require.NoError(t, err)
	require.Len(t, queue, 2, "own request is hidden from the queue")
	assert.Equal(t, first.ID, queue[0].Request.ID)
	assert.Equal(t, second.ID, queue[1].Request.ID)
	assert.False(t, queue[0].SLABreachWarning)

	env.Clock.Advance(48 * time.Hour)
	queue, err = env.Engine.ApprovalQueue(env.Ctx, "mike")
	require.NoError(t, err)
	assert.True(t, queue[0].SLABreachWarning)
	assert.False(t, queue[1].SLABreachWarning)

	_, err = env.act(first.ID, "mike", engine.ActionApprove)
	require.NoError(t, err)
	_, err = env.act(second.ID, "mike", engine.ActionReject)
	require.NoError(t, err)
	_, err = env.Engine.CancelRequest(env.Ctx, third.ID, "mike", "not needed", false)
	require.NoError(t, err)

	stats, err := env.Engine.ApprovalStats(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStats{Approved: 1, Rejected: 1, Cancelled: 1, Total: 3}, stats)

	dash, err := env.Engine.Dashboard(env.Ctx, "mike")
	require.NoError(t, err)
	assert.Equal(t, 0, dash.QueueSize)
	assert.Equal(t, 1, dash.ActiveGrants)
}

func TestCancelRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "high")

	_, err := env.Engine.CancelRequest(env.Ctx, req.ID, "bob", "", false)
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	res, err := env.Engine.CancelRequest(env.Ctx, req.ID, "alice", "changed my mind", false)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCancelled, res.Status)
	for _, item := range res.Chain {
		assert.Equal(t, domain.ItemSkipped, item.Status)
	}

	_, err = env.Engine.CancelRequest(env.Ctx, req.ID, "alice", "", false)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestScanSLAFlagsEscalatesAndExpires(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "alice", "low")

	res, err := env.Engine.ScanSLA(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Breached)

	env.Clock.Advance(49 * time.Hour)
	res, err = env.Engine.ScanSLA(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{req.ID}, res.Breached)
	assert.Equal(t, []string{req.ID}, res.Escalated)

	stored, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, stored.SLABreached)
	assert.Equal(t, domain.RequestEscalated, stored.Status)
	assert.Equal(t, "security", stored.Chain[0].ApproverRole)
	assert.Equal(t, 3, stored.Version)

	logs := env.audits(t, repo.AuditFilters{Action: "approval.escalate", EntityID: req.ID})
	require.Len(t, logs, 1)
	assert.Equal(t, engine.SystemActor, logs[0].ActorID)

	res, err = env.Engine.ScanSLA(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Breached, "already flagged requests are not flagged twice")

	env.Clock.Advance(720 * time.Hour)
	res, err = env.Engine.ScanSLA(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{req.ID}, res.Expired)
	stored, err = env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestExpired, stored.Status)
	assert.Equal(t, domain.ItemSkipped, stored.Chain[0].Status)
}

func TestScanSLAWithoutAutoEscalate(t *testing.T) {
	cfg := config.Default("org-1")
	cfg.SLA.AutoEscalate = false
	env := newTestEnvWithConfig(t, cfg)
	req := env.submit(t, "alice", "low")

	env.Clock.Advance(49 * time.Hour)
	res, err := env.Engine.ScanSLA(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{req.ID}, res.Breached)
	assert.Empty(t, res.Escalated)

	stored, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, stored.Status)
	assert.True(t, stored.SLABreached)
}

func TestGrantLifecycle(t *testing.T) {
	env := newTestEnv(t)
	first := env.submit(t, "alice", "low")
	second := env.submit(t, "bob", "low")
	r1, err := env.act(first.ID, "mike", engine.ActionApprove)
	require.NoError(t, err)
	r2, err := env.act(second.ID, "mike", engine.ActionApprove)
	require.NoError(t, err)

	_, err = env.Engine.RevokeGrant(env.Ctx, r1.Grant.ID, "alice", "")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	revoked, err := env.Engine.RevokeGrant(env.Ctx, r1.Grant.ID, "olga", "left team")
	require.NoError(t, err)
	assert.Equal(t, domain.GrantRevoked, revoked.Status)
	assert.Equal(t, "olga", *revoked.RevokedBy)
	_, err = env.Engine.RevokeGrant(env.Ctx, r1.Grant.ID, "olga", "again")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	env.Clock.Advance(91 * 24 * time.Hour)
	expired, err := env.Engine.ExpireGrants(env.Ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, r2.Grant.ID, expired[0].ID)

	grants, err := env.Engine.ListGrants(env.Ctx, repo.GrantFilters{Status: domain.GrantActive})
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestGenerateReport(t *testing.T) {
	env := newTestEnv(t)
	breached := env.submit(t, "alice", "low")
	own := env.submit(t, "mike", "low")
	_, err := env.act(own.ID, "mike", engine.ActionApprove)
	require.ErrorIs(t, err, engine.ErrSelfApproval)

	env.Clock.Advance(49 * time.Hour)
	_, err = env.Engine.ScanSLA(env.Ctx)
	require.NoError(t, err)
	_, err = env.act(breached.ID, "sam", engine.ActionApprove)
	require.NoError(t, err)

	opts := engine.ReportOptions{
		Kind:        engine.ReportAccessReview,
		PeriodStart: base.Add(-time.Hour).Format(time.RFC3339),
		PeriodEnd:   base.Add(72 * time.Hour).Format(time.RFC3339),
		ActorID:     "aud",
	}
	rep, err := env.Engine.GenerateReport(env.Ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Summary.TotalRequests)
	assert.Equal(t, 2, rep.Summary.SLABreaches)
	assert.Equal(t, 1, rep.Summary.ApprovalsByApprover["sam"])
	assert.InDelta(t, 49.0, rep.Summary.AverageDecisionHours, 0.01)

	codes := map[string]int{}
	for _, f := range rep.Findings {
		codes[f.Code]++
	}
	assert.Equal(t, 2, codes[engine.FindingSLABreach])
	assert.Equal(t, 1, codes[engine.FindingSelfApproval])

	opts.Kind = engine.ReportSoD
	sod, err := env.Engine.GenerateReport(env.Ctx, opts)
	require.NoError(t, err)
	require.Len(t, sod.Findings, 1)
	assert.Equal(t, "critical", sod.Findings[0].Severity)
	assert.Equal(t, own.ID, sod.Findings[0].RequestID)

	stored, err := env.Engine.GetReport(env.Ctx, sod.ID)
	require.NoError(t, err)
	assert.Equal(t, sod.Findings, stored.Findings)
	list, err := env.Engine.ListReports(env.Ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	opts.ActorID = "alice"
	_, err = env.Engine.GenerateReport(env.Ctx, opts)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	opts.ActorID = "aud"
	opts.PeriodEnd = opts.PeriodStart
	_, err = env.Engine.GenerateReport(env.Ctx, opts)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestRoleManagement(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.GrantRole(env.Ctx, "alice", "bob", "admin")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	err = env.Engine.GrantRole(env.Ctx, "ada", "bob", "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, env.Engine.GrantRole(env.Ctx, "ada", "bob", "auditor"))
	who, err := env.Engine.WhoAmI(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"auditor", "requester"}, who.Roles)
	assert.Contains(t, who.Permissions, "audit.read")

	require.NoError(t, env.Engine.RevokeRole(env.Ctx, "ada", "bob", "auditor"))
	who, err = env.Engine.WhoAmI(env.Ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"requester"}, who.Roles)

	assert.ErrorIs(t, env.Engine.RevokeRole(env.Ctx, "ada", "ada", "admin"), engine.ErrValidation)
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, "alice", "", "laptop")
	require.NoError(t, err)
	assert.Equal(t, "alice", key.ActorID)
	assert.NotEqual(t, plain, key.KeyHash)

	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	require.NoError(t, err)
	assert.Equal(t, key.ID, found.ID)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, "alice", "bob", "")
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)
}

func TestListAndDeleteAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	_, mine, err := env.Engine.CreateAPIKey(env.Ctx, "alice", "", "laptop")
	require.NoError(t, err)
	_, theirs, err := env.Engine.CreateAPIKey(env.Ctx, "ada", "bob", "ci")
	require.NoError(t, err)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "alice", "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, mine.ID, keys[0].ID)

	_, err = env.Engine.ListAPIKeys(env.Ctx, "alice", "")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	require.ErrorAs(t, env.Engine.DeleteAPIKey(env.Ctx, "alice", theirs.ID), &fe)
	require.NoError(t, env.Engine.DeleteAPIKey(env.Ctx, "alice", mine.ID))
	assert.ErrorIs(t, env.Engine.DeleteAPIKey(env.Ctx, "alice", mine.ID), repo.ErrNotFound)

	logs := env.audits(t, repo.AuditFilters{Action: "apikey.deleted"})
	require.Len(t, logs, 1)
	assert.Equal(t, mine.ID, logs[0].EntityID)
}
