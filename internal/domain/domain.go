package domain

import "encoding/json"

// Request statuses.
const (
	RequestPending   = "pending"
	RequestEscalated = "escalated"
	RequestApproved  = "approved"
	RequestRejected  = "rejected"
	RequestCancelled = "cancelled"
	RequestExpired   = "expired"
)

// Approval chain item statuses.
const (
	ItemWaiting   = "waiting"
	ItemPending   = "pending"
	ItemApproved  = "approved"
	ItemRejected  = "rejected"
	ItemEscalated = "escalated"
	ItemDelegated = "delegated"
	ItemSkipped   = "skipped"
)

// Grant statuses.
const (
	GrantActive  = "active"
	GrantRevoked = "revoked"
	GrantExpired = "expired"
)

// IsOpenRequest reports whether a request still awaits a decision.
func IsOpenRequest(status string) bool {
	return status == RequestPending || status == RequestEscalated
}

// IsOpenItem reports whether a chain item can still be acted on.
func IsOpenItem(status string) bool {
	return status == ItemPending || status == ItemEscalated || status == ItemDelegated
}

type AccessRequest struct {
	ID            string              `json:"id"`
	RequesterID   string              `json:"requester_id"`
	BeneficiaryID string              `json:"beneficiary_id"`
	ResourceID    string              `json:"resource_id"`
	ResourceName  string              `json:"resource_name,omitempty"`
	AccessLevel   string              `json:"access_level" enum:"read,write,admin"`
	Justification string              `json:"justification"`
	RiskLevel     string              `json:"risk_level" enum:"low,medium,high,critical"`
	WorkflowID    string              `json:"workflow_id"`
	Status        string              `json:"status" enum:"pending,escalated,approved,rejected,cancelled,expired"`
	CurrentLevel  int                 `json:"current_level"`
	Deadline      string              `json:"deadline,omitempty" format:"date-time"`
	SLABreached   bool                `json:"sla_breached"`
	DurationDays  int                 `json:"duration_days,omitempty"`
	Version       int                 `json:"version"`
	CreatedAt     string              `json:"created_at" format:"date-time"`
	UpdatedAt     string              `json:"updated_at" format:"date-time"`
	CompletedAt   *string             `json:"completed_at,omitempty" format:"date-time"`
	Chain         []ApprovalChainItem `json:"chain,omitempty"`
}

// CurrentItem returns the chain item at the request's current level.
func (r AccessRequest) CurrentItem() (ApprovalChainItem, bool) {
	for _, item := range r.Chain {
		if item.Level == r.CurrentLevel {
			return item, true
		}
	}
	return ApprovalChainItem{}, false
}

type ApprovalChainItem struct {
	RequestID    string  `json:"request_id"`
	Level        int     `json:"level"`
	StepName     string  `json:"step_name"`
	ApproverRole string  `json:"approver_role"`
	ApproverID   *string `json:"approver_id,omitempty"`
	Status       string  `json:"status" enum:"waiting,pending,approved,rejected,escalated,delegated,skipped"`
	DelegatedTo  *string `json:"delegated_to,omitempty"`
	Comment      string  `json:"comment,omitempty"`
	DueAt        *string `json:"due_at,omitempty" format:"date-time"`
	ActedBy      *string `json:"acted_by,omitempty"`
	ActedAt      *string `json:"acted_at,omitempty" format:"date-time"`
	EscalatedAt  *string `json:"escalated_at,omitempty" format:"date-time"`
}

// WasEscalated reports whether the level has been escalated, even if it was
// delegated afterwards.
func (i ApprovalChainItem) WasEscalated() bool {
	return i.EscalatedAt != nil || i.Status == ItemEscalated
}

// ApprovalRequest is one entry of an approver's queue.
type ApprovalRequest struct {
	Request          AccessRequest     `json:"request"`
	Item             ApprovalChainItem `json:"item"`
	SLABreachWarning bool              `json:"sla_breach_warning"`
}

type ApprovalStats struct {
	Pending     int `json:"pending"`
	Escalated   int `json:"escalated"`
	Approved    int `json:"approved"`
	Rejected    int `json:"rejected"`
	Cancelled   int `json:"cancelled"`
	Expired     int `json:"expired"`
	SLABreached int `json:"sla_breached"`
	Total       int `json:"total"`
}

type AuditLog struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actor_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Outcome    string          `json:"outcome" enum:"success,denied,failure"`
	Details    json.RawMessage `json:"details,omitempty"`
}

type ComplianceReport struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind" enum:"access_review,sla,segregation_of_duties"`
	PeriodStart string        `json:"period_start" format:"date-time"`
	PeriodEnd   string        `json:"period_end" format:"date-time"`
	GeneratedBy string        `json:"generated_by"`
	GeneratedAt string        `json:"generated_at" format:"date-time"`
	Summary     ReportSummary `json:"summary"`
	Findings    []Finding     `json:"findings"`
}

type ReportSummary struct {
	TotalRequests        int            `json:"total_requests"`
	ByStatus             map[string]int `json:"by_status"`
	ByRiskLevel          map[string]int `json:"by_risk_level"`
	SLABreaches          int            `json:"sla_breaches"`
	AverageDecisionHours float64        `json:"average_decision_hours"`
	ApprovalsByApprover  map[string]int `json:"approvals_by_approver"`
}

type Finding struct {
	Severity  string `json:"severity" enum:"info,warning,critical"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message"`
}

type WorkflowMatch struct {
	RiskLevels   []string `yaml:"risk_levels" json:"risk_levels,omitempty"`
	AccessLevels []string `yaml:"access_levels" json:"access_levels,omitempty"`
}

type Workflow struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Match       WorkflowMatch  `yaml:"match" json:"match"`
	Steps       []WorkflowStep `yaml:"steps" json:"steps"`
	Default     bool           `yaml:"default" json:"default,omitempty"`
}

type WorkflowStep struct {
	Name           string `yaml:"name" json:"name"`
	ApproverRole   string `yaml:"approver_role" json:"approver_role"`
	ApproverID     string `yaml:"approver_id" json:"approver_id,omitempty"`
	SLAHours       int    `yaml:"sla_hours" json:"sla_hours"`
	EscalateToRole string `yaml:"escalate_to_role" json:"escalate_to_role,omitempty"`
}

type AccessGrant struct {
	ID          string  `json:"id"`
	RequestID   string  `json:"request_id"`
	ActorID     string  `json:"actor_id"`
	ResourceID  string  `json:"resource_id"`
	AccessLevel string  `json:"access_level"`
	Status      string  `json:"status" enum:"active,revoked,expired"`
	GrantedAt   string  `json:"granted_at" format:"date-time"`
	ExpiresAt   *string `json:"expires_at,omitempty" format:"date-time"`
	RevokedAt   *string `json:"revoked_at,omitempty" format:"date-time"`
	RevokedBy   *string `json:"revoked_by,omitempty"`
}

type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type Dashboard struct {
	Stats           ApprovalStats `json:"stats"`
	QueueSize       int           `json:"queue_size"`
	MyOpenRequests  int           `json:"my_open_requests"`
	ActiveGrants    int           `json:"active_grants"`
	SLABreachedOpen int           `json:"sla_breached_open"`
}
