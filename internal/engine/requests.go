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

// SubmitOptions are parameters for a new access request.
type SubmitOptions struct {
	ID            string `json:"id"`
	RequesterID   string `json:"requester_id" validate:"required"`
	BeneficiaryID string `json:"beneficiary_id"`
	ResourceID    string `json:"resource_id" validate:"required"`
	ResourceName  string `json:"resource_name"`
	AccessLevel   string `json:"access_level" validate:"required,oneof=read write admin"`
	RiskLevel     string `json:"risk_level" validate:"required,oneof=low medium high critical"`
	Justification string `json:"justification" validate:"required"`
	WorkflowID    string `json:"workflow_id"`
	DurationDays  int    `json:"duration_days" validate:"gte=0"`
}

// SelectWorkflow picks the workflow for a request: an explicit id, then the first
// matching workflow in configuration order, then the default.
func (e Engine) SelectWorkflow(workflowID, riskLevel, accessLevel string) (domain.Workflow, error) {
	cfg, err := e.config()
	if err != nil {
		return domain.Workflow{}, err
	}
	if workflowID != "" {
		wf, ok := cfg.Workflow(workflowID)
		if !ok {
			return domain.Workflow{}, validationError("unknown workflow %s", workflowID)
		}
		return wf, nil
	}
	for _, wf := range cfg.Workflows {
		if matches(wf.Match.RiskLevels, riskLevel) && matches(wf.Match.AccessLevels, accessLevel) {
			return wf, nil
		}
	}
	for _, wf := range cfg.Workflows {
		if wf.Default {
			return wf, nil
		}
	}
	return domain.Workflow{}, fmt.Errorf("%w for risk %s and access %s", ErrNoWorkflow, riskLevel, accessLevel)
}

func matches(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (e Engine) ListWorkflows() ([]domain.Workflow, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	return cfg.Workflows, nil
}

func (e Engine) GetWorkflow(id string) (domain.Workflow, error) {
	cfg, err := e.config()
	if err != nil {
		return domain.Workflow{}, err
	}
	wf, ok := cfg.Workflow(id)
	if !ok {
		return domain.Workflow{}, fmt.Errorf("workflow %s: %w", id, repo.ErrNotFound)
	}
	return wf, nil
}

func (e Engine) dueAt(from time.Time, hours int) string {
	return from.Add(time.Duration(hours) * time.Hour).UTC().Format(time.RFC3339)
}

// buildChain lays out one chain item per workflow step; only the first is open.
func (e Engine) buildChain(requestID string, wf domain.Workflow, now time.Time) []domain.ApprovalChainItem {
	chain := make([]domain.ApprovalChainItem, 0, len(wf.Steps))
	for i, step := range wf.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("level-%d", i+1)
		}
		item := domain.ApprovalChainItem{
			RequestID:    requestID,
			Level:        i + 1,
			StepName:     name,
			ApproverRole: step.ApproverRole,
			ApproverID:   optionalString(step.ApproverID),
			Status:       domain.ItemWaiting,
		}
		if i == 0 {
			item.Status = domain.ItemPending
			due := e.dueAt(now, step.SLAHours)
			item.DueAt = &due
		}
		chain = append(chain, item)
	}
	return chain
}

func (e Engine) SubmitRequest(ctx context.Context, opts SubmitOptions) (domain.AccessRequest, error) {
	cfg, err := e.config()
	if err != nil {
		return domain.AccessRequest{}, err
	}
	opts.Justification = strings.TrimSpace(opts.Justification)
	if err := validateStruct(opts); err != nil {
		return domain.AccessRequest{}, err
	}
	if n := cfg.Requests.MinJustification; n > 0 && len([]rune(opts.Justification)) < n {
		return domain.AccessRequest{}, validationError("justification must be at least %d characters", n)
	}
	if opts.BeneficiaryID == "" {
		opts.BeneficiaryID = opts.RequesterID
	}
	if opts.DurationDays == 0 {
		opts.DurationDays = cfg.Requests.DefaultDurationDays
	}
	if maxDays := cfg.Requests.MaxDurationDays; maxDays > 0 && opts.DurationDays > maxDays {
		return domain.AccessRequest{}, validationError("duration_days exceeds maximum of %d", maxDays)
	}
	wf, err := e.SelectWorkflow(opts.WorkflowID, opts.RiskLevel, opts.AccessLevel)
	if err != nil {
		return domain.AccessRequest{}, err
	}

	now := e.now().UTC()
	ts := now.Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	chain := e.buildChain(id, wf, now)
	req := domain.AccessRequest{
		ID:            id,
		RequesterID:   opts.RequesterID,
		BeneficiaryID: opts.BeneficiaryID,
		ResourceID:    opts.ResourceID,
		ResourceName:  opts.ResourceName,
		AccessLevel:   opts.AccessLevel,
		Justification: opts.Justification,
		RiskLevel:     opts.RiskLevel,
		WorkflowID:    wf.ID,
		Status:        domain.RequestPending,
		CurrentLevel:  1,
		Deadline:      stringValue(chain[0].DueAt),
		DurationDays:  opts.DurationDays,
		Version:       1,
		CreatedAt:     ts,
		UpdatedAt:     ts,
		Chain:         chain,
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.AccessRequest{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, opts.RequesterID, "request.create"); err != nil {
		return domain.AccessRequest{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.BeneficiaryID, ts); err != nil {
		return domain.AccessRequest{}, err
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.AccessRequest{}, err
	}
	if err := e.audit(ctx, tx, "request.submitted", opts.RequesterID, "request", req.ID, audit.Details{
		"workflow_id":    req.WorkflowID,
		"risk_level":     req.RiskLevel,
		"access_level":   req.AccessLevel,
		"resource_id":    req.ResourceID,
		"beneficiary_id": req.BeneficiaryID,
		"levels":         len(chain),
	}); err != nil {
		return domain.AccessRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AccessRequest{}, err
	}
	e.Metrics.IncSubmitted(req.RiskLevel)
	e.log().Info("request submitted",
		zap.String("request_id", req.ID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("requester_id", req.RequesterID))
	return req, nil
}

func (e Engine) GetRequest(ctx context.Context, id string) (domain.AccessRequest, error) {
	return e.Repo.GetRequest(ctx, nil, id)
}

func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.AccessRequest, error) {
	var err error
	if f.CreatedFrom, err = utcTimestamp("created_from", f.CreatedFrom); err != nil {
		return nil, err
	}
	if f.CreatedTo, err = utcTimestamp("created_to", f.CreatedTo); err != nil {
		return nil, err
	}
	return e.Repo.ListRequests(ctx, f)
}

// CancelRequest withdraws an open request. Only the requester may cancel unless force is set.
func (e Engine) CancelRequest(ctx context.Context, id, actorID, reason string, force bool) (domain.AccessRequest, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.AccessRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequest(ctx, tx, id)
	if err != nil {
		return req, err
	}
	if err := e.Auth.Require(ctx, tx, actorID, "request.cancel"); err != nil {
		return domain.AccessRequest{}, err
	}
	if !force && actorID != req.RequesterID {
		return domain.AccessRequest{}, auth.ForbiddenError{Permission: "request.cancel"}
	}
	if !domain.IsOpenRequest(req.Status) {
		return domain.AccessRequest{}, fmt.Errorf("%w: cannot cancel %s request", ErrInvalidTransition, req.Status)
	}
	ts := e.ts()
	if err := e.closeOpenItems(ctx, tx, &req, ts); err != nil {
		return domain.AccessRequest{}, err
	}
	expected := req.Version
	req.Status = domain.RequestCancelled
	req.Version++
	req.UpdatedAt = ts
	req.CompletedAt = &ts
	if err := e.Repo.UpdateRequest(ctx, tx, req, expected); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return domain.AccessRequest{}, fmt.Errorf("%w: request %s changed concurrently", ErrConflict, id)
		}
		return domain.AccessRequest{}, err
	}
	if err := e.audit(ctx, tx, "request.cancelled", actorID, "request", req.ID, audit.Details{"reason": reason, "force": force}); err != nil {
		return domain.AccessRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AccessRequest{}, err
	}
	return req, nil
}

// closeOpenItems marks every waiting or open chain item as skipped.
func (e Engine) closeOpenItems(ctx context.Context, tx *sql.Tx, req *domain.AccessRequest, ts string) error {
	for i := range req.Chain {
		item := &req.Chain[i]
		if item.Status != domain.ItemWaiting && !domain.IsOpenItem(item.Status) {
			continue
		}
		item.Status = domain.ItemSkipped
		if err := e.Repo.UpdateChainItem(ctx, tx, *item); err != nil {
			return err
		}
	}
	return nil
}
