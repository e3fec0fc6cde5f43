package server

import (
	"elam/internal/domain"
	"elam/internal/engine"
	"elam/internal/repo"
)

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id" minLength:"1"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TTLMinutes  int      `json:"ttl_minutes,omitempty" minimum:"0"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source,omitempty"`
}

type SubmitRequestBody struct {
	ID            string `json:"id,omitempty"`
	BeneficiaryID string `json:"beneficiary_id,omitempty"`
	ResourceID    string `json:"resource_id" minLength:"1"`
	ResourceName  string `json:"resource_name,omitempty"`
	AccessLevel   string `json:"access_level" enum:"read,write,admin"`
	RiskLevel     string `json:"risk_level" enum:"low,medium,high,critical"`
	Justification string `json:"justification" minLength:"1"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	DurationDays  int    `json:"duration_days,omitempty" minimum:"0"`
}

func (b SubmitRequestBody) options(actorID string) engine.SubmitOptions {
	return engine.SubmitOptions{
		ID:            b.ID,
		RequesterID:   actorID,
		BeneficiaryID: b.BeneficiaryID,
		ResourceID:    b.ResourceID,
		ResourceName:  b.ResourceName,
		AccessLevel:   b.AccessLevel,
		RiskLevel:     b.RiskLevel,
		Justification: b.Justification,
		WorkflowID:    b.WorkflowID,
		DurationDays:  b.DurationDays,
	}
}

type CancelRequestBody struct {
	Reason string `json:"reason,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

type ApprovalActionBody struct {
	Action     string `json:"action" enum:"approve,reject,escalate,delegate"`
	Comment    string `json:"comment,omitempty"`
	DelegateTo string `json:"delegate_to,omitempty"`
	// ExpectedVersion guards against acting on a request that changed since it was read.
	ExpectedVersion int `json:"expected_version,omitempty" minimum:"0"`
}

type ApprovalActionResponse struct {
	Request domain.AccessRequest `json:"request"`
	Grant   *domain.AccessGrant  `json:"grant,omitempty"`
}

type paginatedRequests struct {
	Items      []domain.AccessRequest `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type paginatedAuditLogs struct {
	Items      []domain.AuditLog `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type ApprovalQueueResponse struct {
	Items []domain.ApprovalRequest `json:"items"`
}

type WorkflowList struct {
	Items []domain.Workflow `json:"items"`
}

type GenerateReportBody struct {
	Kind        string `json:"kind" enum:"access_review,sla,segregation_of_duties"`
	PeriodStart string `json:"period_start" format:"date-time"`
	PeriodEnd   string `json:"period_end" format:"date-time"`
}

type ReportList struct {
	Items []domain.ComplianceReport `json:"items"`
}

type GrantList struct {
	Items []domain.AccessGrant `json:"items"`
}

type RevokeGrantBody struct {
	Reason string `json:"reason,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	RoleID  string `json:"role_id" minLength:"1"`
}

type RoleList struct {
	Items []repo.Role `json:"items"`
}

type ScanResponse struct {
	Breached      []string `json:"breached"`
	Escalated     []string `json:"escalated"`
	Expired       []string `json:"expired"`
	GrantsExpired []string `json:"grants_expired"`
}

func scanResponse(res engine.ScanResult) ScanResponse {
	return ScanResponse{
		Breached:      nonNilSlice(res.Breached),
		Escalated:     nonNilSlice(res.Escalated),
		Expired:       nonNilSlice(res.Expired),
		GrantsExpired: nonNilSlice(res.GrantsExpired),
	}
}

type CreateAPIKeyBody struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// APIKeyResponse omits the hash; Key is only set on creation.
type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Key       string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

type APIKeyList struct {
	Items []APIKeyResponse `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
