package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"elam/internal/audit"
	"elam/internal/domain"
	"elam/internal/repo"
)

// Report kinds.
const (
	ReportAccessReview = "access_review"
	ReportSLA          = "sla"
	ReportSoD          = "segregation_of_duties"
)

// Finding codes.
const (
	FindingSLABreach           = "sla_breach"
	FindingSelfApproval        = "self_approval_attempt"
	FindingSingleApproverRisky = "single_approver_high_risk"
	FindingStalePending        = "stale_pending"
)

var reportFindings = map[string]map[string]bool{
	ReportSLA: {FindingSLABreach: true, FindingStalePending: true},
	ReportSoD: {FindingSelfApproval: true, FindingSingleApproverRisky: true},
}

type ReportOptions struct {
	Kind        string `json:"kind" validate:"required,oneof=access_review sla segregation_of_duties"`
	PeriodStart string `json:"period_start" validate:"required"`
	PeriodEnd   string `json:"period_end" validate:"required"`
	ActorID     string `json:"actor_id" validate:"required"`
}

// GenerateReport summarises requests created within the period and stores the result.
func (e Engine) GenerateReport(ctx context.Context, opts ReportOptions) (domain.ComplianceReport, error) {
	cfg, err := e.config()
	if err != nil {
		return domain.ComplianceReport{}, err
	}
	if err := validateStruct(opts); err != nil {
		return domain.ComplianceReport{}, err
	}
	start, err := time.Parse(time.RFC3339, opts.PeriodStart)
	if err != nil {
		return domain.ComplianceReport{}, validationError("period_start must be RFC3339")
	}
	end, err := time.Parse(time.RFC3339, opts.PeriodEnd)
	if err != nil {
		return domain.ComplianceReport{}, validationError("period_end must be RFC3339")
	}
	if !end.After(start) {
		return domain.ComplianceReport{}, validationError("period_end must be after period_start")
	}
	if err := e.Auth.Require(ctx, nil, opts.ActorID, "report.create"); err != nil {
		return domain.ComplianceReport{}, err
	}
	startTS := start.UTC().Format(time.RFC3339)
	endTS := end.UTC().Format(time.RFC3339)

	requests, err := e.Repo.ListRequests(ctx, repo.RequestFilters{CreatedFrom: startTS, CreatedTo: endTS, WithChain: true})
	if err != nil {
		return domain.ComplianceReport{}, err
	}
	breachLogs, err := e.Repo.ListAuditLogs(ctx, repo.AuditFilters{Action: "request.sla_breached", EntityKind: "request", Since: startTS})
	if err != nil {
		return domain.ComplianceReport{}, err
	}
	breached := map[string]bool{}
	for _, l := range breachLogs {
		breached[l.EntityID] = true
	}
	denied, err := e.Repo.ListAuditLogs(ctx, repo.AuditFilters{Outcome: audit.OutcomeDenied, Since: startTS, Until: endTS})
	if err != nil {
		return domain.ComplianceReport{}, err
	}

	now := e.now().UTC()
	summary := domain.ReportSummary{
		ByStatus:            map[string]int{},
		ByRiskLevel:         map[string]int{},
		ApprovalsByApprover: map[string]int{},
	}
	var findings []domain.Finding
	var decisionHours float64
	decided := 0
	staleBefore := now.Add(-cfg.StaleAfter())

	sort.SliceStable(requests, func(i, j int) bool { return requests[i].CreatedAt < requests[j].CreatedAt })
	for _, req := range requests {
		summary.TotalRequests++
		summary.ByStatus[req.Status]++
		summary.ByRiskLevel[req.RiskLevel]++
		approvals := 0
		for _, item := range req.Chain {
			if item.Status == domain.ItemApproved && item.ActedBy != nil {
				approvals++
				summary.ApprovalsByApprover[*item.ActedBy]++
			}
		}
		if req.SLABreached || breached[req.ID] {
			summary.SLABreaches++
			findings = append(findings, domain.Finding{
				Severity:  "warning",
				Code:      FindingSLABreach,
				RequestID: req.ID,
				Message:   fmt.Sprintf("request for %s missed its approval deadline %s", req.ResourceID, req.Deadline),
			})
		}
		if req.CompletedAt != nil && (req.Status == domain.RequestApproved || req.Status == domain.RequestRejected) {
			created, err1 := time.Parse(time.RFC3339, req.CreatedAt)
			completed, err2 := time.Parse(time.RFC3339, *req.CompletedAt)
			if err1 == nil && err2 == nil {
				decisionHours += completed.Sub(created).Hours()
				decided++
			}
		}
		if req.Status == domain.RequestApproved && (req.RiskLevel == "high" || req.RiskLevel == "critical") && approvals < 2 {
			findings = append(findings, domain.Finding{
				Severity:  "warning",
				Code:      FindingSingleApproverRisky,
				RequestID: req.ID,
				Message:   fmt.Sprintf("%s risk access to %s approved by %d approver(s)", req.RiskLevel, req.ResourceID, approvals),
			})
		}
		if domain.IsOpenRequest(req.Status) {
			if created, err := time.Parse(time.RFC3339, req.CreatedAt); err == nil && created.Before(staleBefore) {
				findings = append(findings, domain.Finding{
					Severity:  "info",
					Code:      FindingStalePending,
					RequestID: req.ID,
					Message:   fmt.Sprintf("request open since %s", req.CreatedAt),
				})
			}
		}
	}
	if decided > 0 {
		summary.AverageDecisionHours = decisionHours / float64(decided)
	}
	for i := len(denied) - 1; i >= 0; i-- {
		l := denied[i]
		var details struct {
			Reason string `json:"reason"`
		}
		if len(l.Details) > 0 {
			_ = json.Unmarshal(l.Details, &details)
		}
		if details.Reason != "self_approval" {
			continue
		}
		findings = append(findings, domain.Finding{
			Severity:  "critical",
			Code:      FindingSelfApproval,
			RequestID: l.EntityID,
			Message:   fmt.Sprintf("%s attempted %s on their own request at %s", l.ActorID, l.Action, l.TS),
		})
	}
	if keep, ok := reportFindings[opts.Kind]; ok {
		filtered := findings[:0]
		for _, f := range findings {
			if keep[f.Code] {
				filtered = append(filtered, f)
			}
		}
		findings = filtered
	}
	if findings == nil {
		findings = []domain.Finding{}
	}

	rep := domain.ComplianceReport{
		ID:          uuid.NewString(),
		Kind:        opts.Kind,
		PeriodStart: startTS,
		PeriodEnd:   endTS,
		GeneratedBy: opts.ActorID,
		GeneratedAt: now.Format(time.RFC3339),
		Summary:     summary,
		Findings:    findings,
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.ComplianceReport{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
		return domain.ComplianceReport{}, err
	}
	if err := e.audit(ctx, tx, "report.generated", opts.ActorID, "report", rep.ID, audit.Details{
		"kind":     rep.Kind,
		"findings": len(rep.Findings),
		"requests": summary.TotalRequests,
	}); err != nil {
		return domain.ComplianceReport{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ComplianceReport{}, err
	}
	e.log().Info("report generated", zap.String("report_id", rep.ID), zap.String("kind", rep.Kind), zap.Int("findings", len(findings)))
	return rep, nil
}

func (e Engine) GetReport(ctx context.Context, id string) (domain.ComplianceReport, error) {
	return e.Repo.GetReport(ctx, id)
}

func (e Engine) ListReports(ctx context.Context, kind string, limit int) ([]domain.ComplianceReport, error) {
	return e.Repo.ListReports(ctx, kind, limit)
}
