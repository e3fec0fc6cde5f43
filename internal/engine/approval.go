package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"elam/internal/audit"
	"elam/internal/domain"
	"elam/internal/engine/auth"
	"elam/internal/repo"
)

// Approval actions.
const (
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionEscalate = "escalate"
	ActionDelegate = "delegate"
)

// ActionOptions describe one decision on the current chain level of a request.
type ActionOptions struct {
	RequestID  string `json:"request_id" validate:"required"`
	ActorID    string `json:"actor_id" validate:"required"`
	Action     string `json:"action" validate:"required,oneof=approve reject escalate delegate"`
	Comment    string `json:"comment"`
	DelegateTo string `json:"delegate_to"`
	// ExpectedVersion, when positive, must equal the stored request version.
	ExpectedVersion int `json:"expected_version" validate:"gte=0"`
}

type ActionResult struct {
	Request domain.AccessRequest
	Grant   *domain.AccessGrant
}

// ProcessApprovalAction applies approve, reject, escalate or delegate to the
// request's current chain item.
func (e Engine) ProcessApprovalAction(ctx context.Context, opts ActionOptions) (ActionResult, error) {
	cfg, err := e.config()
	if err != nil {
		return ActionResult{}, err
	}
	opts.Comment = strings.TrimSpace(opts.Comment)
	opts.DelegateTo = strings.TrimSpace(opts.DelegateTo)
	if err := validateStruct(opts); err != nil {
		return ActionResult{}, err
	}
	switch opts.Action {
	case ActionReject:
		if opts.Comment == "" {
			return ActionResult{}, validationError("comment is required to reject")
		}
	case ActionDelegate:
		if opts.DelegateTo == "" {
			return ActionResult{}, validationError("delegate_to is required")
		}
		if opts.DelegateTo == opts.ActorID {
			return ActionResult{}, validationError("cannot delegate to yourself")
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return ActionResult{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequest(ctx, tx, opts.RequestID)
	if err != nil {
		return ActionResult{}, err
	}
	if !domain.IsOpenRequest(req.Status) {
		return ActionResult{}, fmt.Errorf("%w: request is %s", ErrInvalidTransition, req.Status)
	}
	if opts.ExpectedVersion > 0 && opts.ExpectedVersion != req.Version {
		return ActionResult{}, fmt.Errorf("%w: expected version %d, found %d", ErrConflict, opts.ExpectedVersion, req.Version)
	}
	item, ok := req.CurrentItem()
	if !ok || !domain.IsOpenItem(item.Status) {
		return ActionResult{}, fmt.Errorf("%w: no open approval at level %d", ErrInvalidTransition, req.CurrentLevel)
	}

	allowed, err := e.canAct(ctx, tx, item, opts.ActorID)
	if err != nil {
		return ActionResult{}, err
	}
	if !allowed {
		_ = tx.Rollback()
		e.auditDenied(ctx, "approval."+opts.Action, opts.ActorID, "request", req.ID, audit.Details{
			"reason": "not_approver",
			"level":  item.Level,
			"role":   item.ApproverRole,
		})
		return ActionResult{}, auth.ForbiddenError{Permission: "approval.act"}
	}
	if cfg.SoD.ForbidSelfApproval {
		if opts.ActorID == req.RequesterID || opts.ActorID == req.BeneficiaryID {
			_ = tx.Rollback()
			e.auditDenied(ctx, "approval."+opts.Action, opts.ActorID, "request", req.ID, audit.Details{
				"reason": "self_approval",
				"level":  item.Level,
			})
			return ActionResult{}, fmt.Errorf("%w: %s is party to request %s", ErrSelfApproval, opts.ActorID, req.ID)
		}
		if opts.Action == ActionDelegate && (opts.DelegateTo == req.RequesterID || opts.DelegateTo == req.BeneficiaryID) {
			_ = tx.Rollback()
			e.auditDenied(ctx, "approval.delegate", opts.ActorID, "request", req.ID, audit.Details{
				"reason":      "self_approval",
				"delegate_to": opts.DelegateTo,
			})
			return ActionResult{}, fmt.Errorf("%w: cannot delegate to a party of the request", ErrSelfApproval)
		}
	}

	res, err := e.applyAction(ctx, tx, req, opts)
	if err != nil {
		return ActionResult{}, busyConflict(err)
	}
	if err := tx.Commit(); err != nil {
		return ActionResult{}, busyConflict(err)
	}
	e.afterAction(opts, res)
	return res, nil
}

// canAct resolves who may act on an item: the delegate when set, else the named
// approver, else any holder of the approver role.
func (e Engine) canAct(ctx context.Context, tx *sql.Tx, item domain.ApprovalChainItem, actorID string) (bool, error) {
	if item.DelegatedTo != nil {
		return *item.DelegatedTo == actorID, nil
	}
	if item.ApproverID != nil {
		return *item.ApproverID == actorID, nil
	}
	if item.ApproverRole == "" {
		return false, nil
	}
	return e.Auth.ActorHasRole(ctx, tx, actorID, item.ApproverRole)
}

// step returns the workflow step backing a chain level.
func (e Engine) step(req domain.AccessRequest, level int) (domain.WorkflowStep, bool) {
	if e.Config == nil {
		return domain.WorkflowStep{}, false
	}
	wf, ok := e.Config.Workflow(req.WorkflowID)
	if !ok || level < 1 || level > len(wf.Steps) {
		return domain.WorkflowStep{}, false
	}
	return wf.Steps[level-1], true
}

func (e Engine) slaHours(req domain.AccessRequest, level int) int {
	if st, ok := e.step(req, level); ok && st.SLAHours > 0 {
		return st.SLAHours
	}
	return 24
}

// applyAction mutates the request inside tx. Authorization has already been checked.
func (e Engine) applyAction(ctx context.Context, tx *sql.Tx, req domain.AccessRequest, opts ActionOptions) (ActionResult, error) {
	now := e.now().UTC()
	ts := now.Format(time.RFC3339)
	idx := req.CurrentLevel - 1
	item := &req.Chain[idx]
	details := audit.Details{"level": item.Level, "step": item.StepName}
	if opts.Comment != "" {
		item.Comment = opts.Comment
		details["comment"] = opts.Comment
	}
	var changed []domain.ApprovalChainItem
	var grant *domain.AccessGrant

	switch opts.Action {
	case ActionApprove:
		item.Status = domain.ItemApproved
		item.ActedBy = &opts.ActorID
		item.ActedAt = &ts
		changed = append(changed, *item)
		if idx+1 < len(req.Chain) {
			next := &req.Chain[idx+1]
			due := e.dueAt(now, e.slaHours(req, next.Level))
			next.Status = domain.ItemPending
			next.DueAt = &due
			changed = append(changed, *next)
			req.CurrentLevel = next.Level
			req.Status = domain.RequestPending
			req.Deadline = due
			req.SLABreached = false
			details["next_level"] = next.Level
		} else {
			req.Status = domain.RequestApproved
			req.CompletedAt = &ts
			g := domain.AccessGrant{
				ID:          uuid.NewString(),
				RequestID:   req.ID,
				ActorID:     req.BeneficiaryID,
				ResourceID:  req.ResourceID,
				AccessLevel: req.AccessLevel,
				Status:      domain.GrantActive,
				GrantedAt:   ts,
			}
			if req.DurationDays > 0 {
				exp := now.Add(time.Duration(req.DurationDays) * 24 * time.Hour).Format(time.RFC3339)
				g.ExpiresAt = &exp
			}
			grant = &g
		}
	case ActionReject:
		item.Status = domain.ItemRejected
		item.ActedBy = &opts.ActorID
		item.ActedAt = &ts
		changed = append(changed, *item)
		for i := idx + 1; i < len(req.Chain); i++ {
			if req.Chain[i].Status == domain.ItemWaiting {
				req.Chain[i].Status = domain.ItemSkipped
				changed = append(changed, req.Chain[i])
			}
		}
		req.Status = domain.RequestRejected
		req.CompletedAt = &ts
	case ActionEscalate:
		st, ok := e.step(req, item.Level)
		if !ok || st.EscalateToRole == "" {
			return ActionResult{}, fmt.Errorf("%w: level %d has no escalation target", ErrInvalidTransition, item.Level)
		}
		if item.WasEscalated() {
			return ActionResult{}, fmt.Errorf("%w: level %d already escalated", ErrInvalidTransition, item.Level)
		}
		details["from_role"] = item.ApproverRole
		details["to_role"] = st.EscalateToRole
		due := e.dueAt(now, e.slaHours(req, item.Level))
		item.Status = domain.ItemEscalated
		item.ApproverRole = st.EscalateToRole
		item.ApproverID = nil
		item.DelegatedTo = nil
		item.DueAt = &due
		item.EscalatedAt = &ts
		changed = append(changed, *item)
		req.Status = domain.RequestEscalated
		req.Deadline = due
	case ActionDelegate:
		details["delegate_to"] = opts.DelegateTo
		if item.DelegatedTo != nil {
			details["previous_delegate"] = *item.DelegatedTo
		}
		delegate := opts.DelegateTo
		item.Status = domain.ItemDelegated
		item.DelegatedTo = &delegate
		changed = append(changed, *item)
		if err := e.Repo.EnsureActor(ctx, tx, delegate, ts); err != nil {
			return ActionResult{}, err
		}
	default:
		return ActionResult{}, validationError("unknown action %s", opts.Action)
	}

	for _, c := range changed {
		if err := e.Repo.UpdateChainItem(ctx, tx, c); err != nil {
			return ActionResult{}, err
		}
	}
	expected := req.Version
	req.Version++
	req.UpdatedAt = ts
	if err := e.Repo.UpdateRequest(ctx, tx, req, expected); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return ActionResult{}, fmt.Errorf("%w: request %s changed concurrently", ErrConflict, req.ID)
		}
		return ActionResult{}, err
	}
	details["status"] = req.Status
	if err := e.audit(ctx, tx, "approval."+opts.Action, opts.ActorID, "request", req.ID, details); err != nil {
		return ActionResult{}, err
	}
	if grant != nil {
		if err := e.Repo.InsertGrant(ctx, tx, *grant); err != nil {
			return ActionResult{}, err
		}
		if err := e.audit(ctx, tx, "grant.created", opts.ActorID, "grant", grant.ID, audit.Details{
			"request_id":   req.ID,
			"actor_id":     grant.ActorID,
			"resource_id":  grant.ResourceID,
			"access_level": grant.AccessLevel,
			"expires_at":   stringValue(grant.ExpiresAt),
		}); err != nil {
			return ActionResult{}, err
		}
	}
	return ActionResult{Request: req, Grant: grant}, nil
}

func (e Engine) afterAction(opts ActionOptions, res ActionResult) {
	e.Metrics.IncApprovalAction(opts.Action)
	if res.Grant != nil {
		e.Metrics.IncGrant(domain.GrantActive)
	}
	e.log().Info("approval action",
		zap.String("request_id", res.Request.ID),
		zap.String("action", opts.Action),
		zap.String("actor_id", opts.ActorID),
		zap.String("status", res.Request.Status),
		zap.Int("version", res.Request.Version))
}

// BreachWarning reports whether deadline has passed at now.
func BreachWarning(deadline string, now time.Time) bool {
	if deadline == "" {
		return false
	}
	d, err := time.Parse(time.RFC3339, deadline)
	if err != nil {
		return false
	}
	return d.Before(now)
}

// ApprovalQueue lists requests the actor can currently act on, earliest deadline first.
func (e Engine) ApprovalQueue(ctx context.Context, actorID string) ([]domain.ApprovalRequest, error) {
	roles, err := e.Auth.ActorRoles(ctx, nil, actorID)
	if err != nil {
		return nil, err
	}
	entries, err := e.Repo.QueueForActor(ctx, actorID, roles)
	if err != nil {
		return nil, err
	}
	sod := e.Config != nil && e.Config.SoD.ForbidSelfApproval
	now := e.now()
	out := make([]domain.ApprovalRequest, 0, len(entries))
	for _, entry := range entries {
		if sod && (entry.Request.RequesterID == actorID || entry.Request.BeneficiaryID == actorID) {
			continue
		}
		entry.SLABreachWarning = BreachWarning(entry.Request.Deadline, now)
		out = append(out, entry)
	}
	return out, nil
}

func (e Engine) ApprovalStats(ctx context.Context) (domain.ApprovalStats, error) {
	return e.Repo.RequestStats(ctx)
}
