package elamsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal ELAM HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// ChainItem is one approval level of a request.
type ChainItem struct {
	Level        int    `json:"level"`
	StepName     string `json:"step_name"`
	ApproverRole string `json:"approver_role"`
	ApproverID   string `json:"approver_id,omitempty"`
	Status       string `json:"status"`
	DelegatedTo  string `json:"delegated_to,omitempty"`
	Comment      string `json:"comment,omitempty"`
	DueAt        string `json:"due_at,omitempty"`
	ActedBy      string `json:"acted_by,omitempty"`
	ActedAt      string `json:"acted_at,omitempty"`
	EscalatedAt  string `json:"escalated_at,omitempty"`
}

// Request represents the API access request model.
type Request struct {
	ID            string      `json:"id"`
	RequesterID   string      `json:"requester_id"`
	BeneficiaryID string      `json:"beneficiary_id"`
	ResourceID    string      `json:"resource_id"`
	ResourceName  string      `json:"resource_name,omitempty"`
	AccessLevel   string      `json:"access_level"`
	RiskLevel     string      `json:"risk_level"`
	Justification string      `json:"justification"`
	WorkflowID    string      `json:"workflow_id"`
	Status        string      `json:"status"`
	CurrentLevel  int         `json:"current_level"`
	Deadline      string      `json:"deadline,omitempty"`
	SLABreached   bool        `json:"sla_breached"`
	Version       int         `json:"version"`
	CreatedAt     string      `json:"created_at"`
	Chain         []ChainItem `json:"chain,omitempty"`
}

// SubmitInput is the body of a new request.
type SubmitInput struct {
	BeneficiaryID string `json:"beneficiary_id,omitempty"`
	ResourceID    string `json:"resource_id"`
	ResourceName  string `json:"resource_name,omitempty"`
	AccessLevel   string `json:"access_level"`
	RiskLevel     string `json:"risk_level"`
	Justification string `json:"justification"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	DurationDays  int    `json:"duration_days,omitempty"`
}

// Grant is access issued by an approved request.
type Grant struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	ActorID     string `json:"actor_id"`
	ResourceID  string `json:"resource_id"`
	AccessLevel string `json:"access_level"`
	Status      string `json:"status"`
	GrantedAt   string `json:"granted_at"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// ActionResult is returned by Act.
type ActionResult struct {
	Request Request `json:"request"`
	Grant   *Grant  `json:"grant,omitempty"`
}

// QueueItem is one entry of the caller's approval queue.
type QueueItem struct {
	Request          Request   `json:"request"`
	Item             ChainItem `json:"item"`
	SLABreachWarning bool      `json:"sla_breach_warning"`
}

// AuditLog is one audit trail entry.
type AuditLog struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Outcome    string         `json:"outcome"`
	Details    map[string]any `json:"details,omitempty"`
}

// Me describes the authenticated principal.
type Me struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedRequests wraps list responses with cursors.
type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedAuditLogs wraps audit listings with cursors.
type PaginatedAuditLogs struct {
	Items      []AuditLog `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// Me returns the caller's identity and effective permissions.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// SubmitRequest files an access request as the authenticated actor.
func (c *Client) SubmitRequest(ctx context.Context, in SubmitInput) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", in, &resp)
	return resp, err
}

// GetRequest fetches a request with its chain.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RequestsPage lists requests. Filters are passed as query parameters.
func (c *Client) RequestsPage(ctx context.Context, filters url.Values, limit int, cursor string) (PaginatedRequests, error) {
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, withPage("requests", filters, limit, cursor), nil, &resp)
	return resp, err
}

// Act applies approve, reject, escalate or delegate. expectedVersion 0 skips the version check.
func (c *Client) Act(ctx context.Context, requestID, action, comment, delegateTo string, expectedVersion int) (ActionResult, error) {
	body := map[string]any{"action": action}
	if comment != "" {
		body["comment"] = comment
	}
	if delegateTo != "" {
		body["delegate_to"] = delegateTo
	}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(requestID)+"/actions", body, &resp)
	return resp, err
}

// CancelRequest withdraws an open request.
func (c *Client) CancelRequest(ctx context.Context, id, reason string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Queue returns requests waiting on the caller.
func (c *Client) Queue(ctx context.Context) ([]QueueItem, error) {
	var resp struct {
		Items []QueueItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "approvals/queue", nil, &resp)
	return resp.Items, err
}

// Grants lists grants visible to the caller.
func (c *Client) Grants(ctx context.Context, filters url.Values) ([]Grant, error) {
	var resp struct {
		Items []Grant `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withPage("grants", filters, 0, ""), nil, &resp)
	return resp.Items, err
}

// RevokeGrant revokes an active grant.
func (c *Client) RevokeGrant(ctx context.Context, id, reason string) (Grant, error) {
	var resp Grant
	err := c.do(ctx, http.MethodPost, "grants/"+url.PathEscape(id)+"/revoke", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AuditLogsPage returns audit entries, newest first.
func (c *Client) AuditLogsPage(ctx context.Context, filters url.Values, limit int, cursor string) (PaginatedAuditLogs, error) {
	var resp PaginatedAuditLogs
	err := c.do(ctx, http.MethodGet, withPage("audit-logs", filters, limit, cursor), nil, &resp)
	return resp, err
}

func withPage(endpoint string, filters url.Values, limit int, cursor string) string {
	q := url.Values{}
	for k, v := range filters {
		q[k] = v
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := strings.Trim(c.BasePath, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
