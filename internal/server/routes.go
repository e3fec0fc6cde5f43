package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"elam/internal/domain"
	"elam/internal/engine"
	"elam/internal/engine/auth"
	"elam/internal/repo"
)

// canReadRequest lets parties read their own request with request.read; everyone
// else needs request.read.all or approval.read.
func canReadRequest(ctx context.Context, e engine.Engine, p Principal, req domain.AccessRequest) error {
	for _, perm := range []string{"request.read.all", "approval.read"} {
		ok, err := permitted(ctx, e, p, perm)
		if err != nil || ok {
			return err
		}
	}
	if p.ActorID == req.RequesterID || p.ActorID == req.BeneficiaryID {
		ok, err := permitted(ctx, e, p, "request.read")
		if err != nil || ok {
			return err
		}
	}
	return auth.ForbiddenError{Permission: "request.read.all"}
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Counters for the console landing page",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Dashboard `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, "request.read")
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.Dashboard(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dashboard `json:"body"`
		}{Body: d}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit an access request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequestBody `json:"body"`
	}) (*struct {
		Body domain.AccessRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.SubmitRequest(ctx, input.Body.options(actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AccessRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List access requests, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" enum:"pending,escalated,approved,rejected,cancelled,expired"`
		RequesterID   string `query:"requester_id"`
		BeneficiaryID string `query:"beneficiary_id"`
		RiskLevel     string `query:"risk_level" enum:"low,medium,high,critical"`
		WorkflowID    string `query:"workflow_id"`
		SLABreached   string `query:"sla_breached" enum:"true,false"`
		CreatedFrom   string `query:"created_from" format:"date-time"`
		CreatedTo     string `query:"created_to" format:"date-time"`
		WithChain     bool   `query:"with_chain"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, "request.read")
		if err != nil {
			return nil, handleError(err)
		}
		all, err := permitted(ctx, e, p, "request.read.all")
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, badCursor(input.Cursor)
		}
		filter := repo.RequestFilters{
			Status:          input.Status,
			RequesterID:     input.RequesterID,
			BeneficiaryID:   input.BeneficiaryID,
			RiskLevel:       input.RiskLevel,
			WorkflowID:      input.WorkflowID,
			CreatedFrom:     input.CreatedFrom,
			CreatedTo:       input.CreatedTo,
			WithChain:       input.WithChain,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		if input.SLABreached != "" {
			breached := input.SLABreached == "true"
			filter.SLABreached = &breached
		}
		if !all {
			filter.PartyID = p.ActorID
		}
		items, err := e.ListRequests(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{Items: []domain.AccessRequest{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get an access request with its approval chain",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.AccessRequest `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := canReadRequest(ctx, e, p, req); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AccessRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/cancel",
		Summary:     "Cancel an open request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CancelRequestBody `json:"body" required:"false"`
	}) (*struct {
		Body domain.AccessRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CancelRequest(ctx, input.ID, actorID, input.Body.Reason, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AccessRequest `json:"body"`
		}{Body: req}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approval-action",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/actions",
		Summary:     "Approve, reject, escalate or delegate the current approval level",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body ApprovalActionBody `json:"body"`
	}) (*struct {
		Body ApprovalActionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ProcessApprovalAction(ctx, engine.ActionOptions{
			RequestID:       input.ID,
			ActorID:         actorID,
			Action:          input.Body.Action,
			Comment:         input.Body.Comment,
			DelegateTo:      input.Body.DelegateTo,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalActionResponse `json:"body"`
		}{Body: ApprovalActionResponse{Request: res.Request, Grant: res.Grant}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-queue",
		Method:      http.MethodGet,
		Path:        "/approvals/queue",
		Summary:     "Requests waiting on the caller, soonest deadline first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ApprovalQueueResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, "approval.read")
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ApprovalQueue(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalQueueResponse `json:"body"`
		}{Body: ApprovalQueueResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-stats",
		Method:      http.MethodGet,
		Path:        "/approvals/stats",
		Summary:     "Request counts by status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.ApprovalStats `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "approval.read"); err != nil {
			return nil, handleError(err)
		}
		stats, err := e.ApprovalStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalStats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "Configured approval workflows",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WorkflowList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		wfs, err := e.ListWorkflows()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowList `json:"body"`
		}{Body: WorkflowList{Items: nonNilSlice(wfs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		wf, err := e.GetWorkflow(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: wf}, nil
	})
}

func registerAuditLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-logs",
		Method:      http.MethodGet,
		Path:        "/audit-logs",
		Summary:     "Audit trail, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Action     string `query:"action"`
		ActorID    string `query:"actor_id"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Outcome    string `query:"outcome" enum:"success,denied,failure"`
		Since      string `query:"since" format:"date-time"`
		Until      string `query:"until" format:"date-time"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedAuditLogs `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "audit.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, badCursor(input.Cursor)
			}
			before = parsed
		}
		items, err := e.ListAuditLogs(ctx, repo.AuditFilters{
			Action:     input.Action,
			ActorID:    input.ActorID,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Outcome:    input.Outcome,
			Since:      input.Since,
			Until:      input.Until,
			Limit:      limit + 1,
			BeforeID:   before,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAuditLogs{Items: []domain.AuditLog{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedAuditLogs `json:"body"`
		}{Body: resp}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Generate and store a compliance report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GenerateReportBody `json:"body"`
	}) (*struct {
		Body domain.ComplianceReport `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.GenerateReport(ctx, engine.ReportOptions{
			Kind:        input.Body.Kind,
			PeriodStart: input.Body.PeriodStart,
			PeriodEnd:   input.Body.PeriodEnd,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ComplianceReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List stored reports",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind" enum:"access_review,sla,segregation_of_duties"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body ReportList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "report.read"); err != nil {
			return nil, handleError(err)
		}
		reps, err := e.ListReports(ctx, input.Kind, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportList `json:"body"`
		}{Body: ReportList{Items: nonNilSlice(reps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get report",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ComplianceReport `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, "report.read"); err != nil {
			return nil, handleError(err)
		}
		rep, err := e.GetReport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ComplianceReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerGrants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-grants",
		Method:      http.MethodGet,
		Path:        "/grants",
		Summary:     "List access grants",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID    string `query:"actor_id"`
		ResourceID string `query:"resource_id"`
		RequestID  string `query:"request_id"`
		Status     string `query:"status" enum:"active,revoked,expired"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body GrantList `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, "grant.read")
		if err != nil {
			return nil, handleError(err)
		}
		all, err := permitted(ctx, e, p, "request.read.all")
		if err != nil {
			return nil, handleError(err)
		}
		f := repo.GrantFilters{
			ActorID:    input.ActorID,
			ResourceID: input.ResourceID,
			RequestID:  input.RequestID,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		}
		if !all {
			f.ActorID = p.ActorID
		}
		grants, err := e.ListGrants(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GrantList `json:"body"`
		}{Body: GrantList{Items: nonNilSlice(grants)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-grant",
		Method:      http.MethodGet,
		Path:        "/grants/{id}",
		Summary:     "Get grant",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.AccessGrant `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, "grant.read")
		if err != nil {
			return nil, handleError(err)
		}
		g, err := e.GetGrant(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if g.ActorID != p.ActorID {
			if _, err := requirePermission(ctx, e, "request.read.all"); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.AccessGrant `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-grant",
		Method:      http.MethodPost,
		Path:        "/grants/{id}/revoke",
		Summary:     "Revoke an active grant",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body RevokeGrantBody `json:"body" required:"false"`
	}) (*struct {
		Body domain.AccessGrant `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.RevokeGrant(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AccessGrant `json:"body"`
		}{Body: g}, nil
	})
}

func registerSLA(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sla-scan",
		Method:      http.MethodPost,
		Path:        "/sla/scan",
		Summary:     "Run an SLA scan and grant expiry now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.TriggerScan(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: scanResponse(res)}, nil
	})
}
