package repo

import (
	"context"
	"database/sql"
	"fmt"

	"elam/internal/domain"
)

const requestColumns = `id,requester_id,beneficiary_id,resource_id,COALESCE(resource_name,''),access_level,justification,risk_level,workflow_id,status,current_level,COALESCE(deadline,''),sla_breached,duration_days,version,created_at,updated_at,completed_at`

const chainColumns = `request_id,level,step_name,COALESCE(approver_role,''),approver_id,status,delegated_to,COALESCE(comment,''),due_at,acted_by,acted_at,escalated_at`

const queueColumns = `a.id,a.requester_id,a.beneficiary_id,a.resource_id,COALESCE(a.resource_name,''),a.access_level,a.justification,a.risk_level,a.workflow_id,a.status,a.current_level,COALESCE(a.deadline,''),a.sla_breached,a.duration_days,a.version,a.created_at,a.updated_at,a.completed_at,
c.request_id,c.level,c.step_name,COALESCE(c.approver_role,''),c.approver_id,c.status,c.delegated_to,COALESCE(c.comment,''),c.due_at,c.acted_by,c.acted_at,c.escalated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (domain.AccessRequest, error) {
	var req domain.AccessRequest
	var breached int
	var completedAt sql.NullString
	err := s.Scan(&req.ID, &req.RequesterID, &req.BeneficiaryID, &req.ResourceID, &req.ResourceName, &req.AccessLevel,
		&req.Justification, &req.RiskLevel, &req.WorkflowID, &req.Status, &req.CurrentLevel, &req.Deadline, &breached,
		&req.DurationDays, &req.Version, &req.CreatedAt, &req.UpdatedAt, &completedAt)
	if err != nil {
		return req, err
	}
	req.SLABreached = breached != 0
	req.CompletedAt = strPtr(completedAt)
	return req, nil
}

func scanChainItem(s scanner) (domain.ApprovalChainItem, error) {
	var item domain.ApprovalChainItem
	var approverID, delegatedTo, dueAt, actedBy, actedAt, escalatedAt sql.NullString
	err := s.Scan(&item.RequestID, &item.Level, &item.StepName, &item.ApproverRole, &approverID, &item.Status,
		&delegatedTo, &item.Comment, &dueAt, &actedBy, &actedAt, &escalatedAt)
	if err != nil {
		return item, err
	}
	item.ApproverID = strPtr(approverID)
	item.DelegatedTo = strPtr(delegatedTo)
	item.DueAt = strPtr(dueAt)
	item.ActedBy = strPtr(actedBy)
	item.ActedAt = strPtr(actedAt)
	item.EscalatedAt = strPtr(escalatedAt)
	return item, nil
}

// InsertRequest stores the request together with its approval chain.
func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.AccessRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO access_requests(id,requester_id,beneficiary_id,resource_id,resource_name,access_level,justification,risk_level,workflow_id,status,current_level,deadline,sla_breached,duration_days,version,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.RequesterID, req.BeneficiaryID, req.ResourceID, nullable(req.ResourceName), req.AccessLevel, req.Justification,
		req.RiskLevel, req.WorkflowID, req.Status, req.CurrentLevel, nullable(req.Deadline), boolToInt(req.SLABreached),
		req.DurationDays, req.Version, req.CreatedAt, req.UpdatedAt, nullableStringPtr(req.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	for _, item := range req.Chain {
		if _, err := tx.ExecContext(ctx, `INSERT INTO approval_chain(request_id,level,step_name,approver_role,approver_id,status,delegated_to,comment,due_at,acted_by,acted_at,escalated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			req.ID, item.Level, item.StepName, nullable(item.ApproverRole), nullableStringPtr(item.ApproverID), item.Status,
			nullableStringPtr(item.DelegatedTo), nullable(item.Comment), nullableStringPtr(item.DueAt),
			nullableStringPtr(item.ActedBy), nullableStringPtr(item.ActedAt), nullableStringPtr(item.EscalatedAt)); err != nil {
			return fmt.Errorf("insert chain level %d: %w", item.Level, err)
		}
	}
	return nil
}

// UpdateRequest writes the request row guarded by expectedVersion.
// The stored version becomes req.Version.
func (r Repo) UpdateRequest(ctx context.Context, tx *sql.Tx, req domain.AccessRequest, expectedVersion int) error {
	res, err := tx.ExecContext(ctx, `UPDATE access_requests SET status=?, current_level=?, deadline=?, sla_breached=?, version=?, updated_at=?, completed_at=?
WHERE id=? AND version=?`,
		req.Status, req.CurrentLevel, nullable(req.Deadline), boolToInt(req.SLABreached), req.Version, req.UpdatedAt,
		nullableStringPtr(req.CompletedAt), req.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r Repo) UpdateChainItem(ctx context.Context, tx *sql.Tx, item domain.ApprovalChainItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_chain SET approver_role=?, approver_id=?, status=?, delegated_to=?, comment=?, due_at=?, acted_by=?, acted_at=?, escalated_at=?
WHERE request_id=? AND level=?`,
		nullable(item.ApproverRole), nullableStringPtr(item.ApproverID), item.Status, nullableStringPtr(item.DelegatedTo),
		nullable(item.Comment), nullableStringPtr(item.DueAt), nullableStringPtr(item.ActedBy), nullableStringPtr(item.ActedAt),
		nullableStringPtr(item.EscalatedAt), item.RequestID, item.Level)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRequest loads a request and its chain. tx may be nil.
func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, id string) (domain.AccessRequest, error) {
	q := r.q(tx)
	req, err := scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM access_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	chain, err := r.listChain(ctx, q, id)
	if err != nil {
		return req, err
	}
	req.Chain = chain
	return req, nil
}

func (r Repo) ListChain(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.ApprovalChainItem, error) {
	return r.listChain(ctx, r.q(tx), requestID)
}

func (r Repo) listChain(ctx context.Context, q Querier, requestID string) ([]domain.ApprovalChainItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+chainColumns+` FROM approval_chain WHERE request_id=? ORDER BY level ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalChainItem
	for rows.Next() {
		item, err := scanChainItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

type RequestFilters struct {
	Status        string
	RequesterID   string
	BeneficiaryID string
	// PartyID matches requests where the actor is requester or beneficiary.
	PartyID         string
	RiskLevel       string
	WorkflowID      string
	SLABreached     *bool
	CreatedFrom     string
	CreatedTo       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
	WithChain       bool
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.AccessRequest, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.BeneficiaryID != "" {
		clauses = append(clauses, "beneficiary_id=?")
		args = append(args, f.BeneficiaryID)
	}
	if f.PartyID != "" {
		clauses = append(clauses, "(requester_id=? OR beneficiary_id=?)")
		args = append(args, f.PartyID, f.PartyID)
	}
	if f.RiskLevel != "" {
		clauses = append(clauses, "risk_level=?")
		args = append(args, f.RiskLevel)
	}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.SLABreached != nil {
		clauses = append(clauses, "sla_breached=?")
		args = append(args, boolToInt(*f.SLABreached))
	}
	if f.CreatedFrom != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedFrom)
	}
	if f.CreatedTo != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.CreatedTo)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + requestColumns + ` FROM access_requests ` + whereClause(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	res, err := r.queryRequests(ctx, r.DB, query, args...)
	if err != nil {
		return nil, err
	}
	if f.WithChain {
		for i := range res {
			chain, err := r.listChain(ctx, r.DB, res[i].ID)
			if err != nil {
				return nil, err
			}
			res[i].Chain = chain
		}
	}
	return res, nil
}

func (r Repo) queryRequests(ctx context.Context, q Querier, query string, args ...any) ([]domain.AccessRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// OpenRequestIDsPastDeadline returns open, not yet flagged requests whose deadline is before now.
func (r Repo) OpenRequestIDsPastDeadline(ctx context.Context, now string) ([]string, error) {
	return r.queryIDs(ctx, `SELECT id FROM access_requests
WHERE status IN ('pending','escalated') AND sla_breached=0 AND deadline IS NOT NULL AND deadline < ?
ORDER BY deadline ASC, id ASC`, now)
}

// OpenRequestIDsCreatedBefore returns open requests created before cutoff.
func (r Repo) OpenRequestIDsCreatedBefore(ctx context.Context, cutoff string) ([]string, error) {
	return r.queryIDs(ctx, `SELECT id FROM access_requests
WHERE status IN ('pending','escalated') AND created_at < ?
ORDER BY created_at ASC, id ASC`, cutoff)
}

func (r Repo) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequestStats aggregates request counts in a single pass.
func (r Repo) RequestStats(ctx context.Context) (domain.ApprovalStats, error) {
	var stats domain.ApprovalStats
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*), COALESCE(SUM(sla_breached),0) FROM access_requests GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count, breached int
		if err := rows.Scan(&status, &count, &breached); err != nil {
			return stats, err
		}
		switch status {
		case domain.RequestPending:
			stats.Pending = count
		case domain.RequestEscalated:
			stats.Escalated = count
		case domain.RequestApproved:
			stats.Approved = count
		case domain.RequestRejected:
			stats.Rejected = count
		case domain.RequestCancelled:
			stats.Cancelled = count
		case domain.RequestExpired:
			stats.Expired = count
		}
		stats.SLABreached += breached
		stats.Total += count
	}
	return stats, rows.Err()
}

func (r Repo) CountOpenBreached(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM access_requests WHERE status IN ('pending','escalated') AND sla_breached=1`).Scan(&n)
	return n, err
}

func (r Repo) CountOpenByRequester(ctx context.Context, requesterID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM access_requests WHERE status IN ('pending','escalated') AND requester_id=?`, requesterID).Scan(&n)
	return n, err
}

// QueueForActor returns open requests whose current chain item is actionable by
// the actor through delegation, direct assignment, or one of roles.
func (r Repo) QueueForActor(ctx context.Context, actorID string, roles []string) ([]domain.ApprovalRequest, error) {
	roleClause := "0"
	args := []any{actorID, actorID}
	if len(roles) > 0 {
		roleClause = "c.approver_role IN (" + placeholders(len(roles)) + ")"
		for _, role := range roles {
			args = append(args, role)
		}
	}
	query := `SELECT ` + queueColumns + `
FROM access_requests a
JOIN approval_chain c ON c.request_id=a.id AND c.level=a.current_level
WHERE a.status IN ('pending','escalated')
  AND c.status IN ('pending','escalated','delegated')
  AND (
    c.delegated_to=?
    OR (c.delegated_to IS NULL AND c.approver_id=?)
    OR (c.delegated_to IS NULL AND c.approver_id IS NULL AND ` + roleClause + `)
  )
ORDER BY a.deadline ASC, a.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		var entry domain.ApprovalRequest
		var breached int
		var completedAt sql.NullString
		var approverID, delegatedTo, dueAt, actedBy, actedAt, escalatedAt sql.NullString
		req := &entry.Request
		item := &entry.Item
		if err := rows.Scan(&req.ID, &req.RequesterID, &req.BeneficiaryID, &req.ResourceID, &req.ResourceName, &req.AccessLevel,
			&req.Justification, &req.RiskLevel, &req.WorkflowID, &req.Status, &req.CurrentLevel, &req.Deadline, &breached,
			&req.DurationDays, &req.Version, &req.CreatedAt, &req.UpdatedAt, &completedAt,
			&item.RequestID, &item.Level, &item.StepName, &item.ApproverRole, &approverID, &item.Status,
			&delegatedTo, &item.Comment, &dueAt, &actedBy, &actedAt, &escalatedAt); err != nil {
			return nil, err
		}
		req.SLABreached = breached != 0
		req.CompletedAt = strPtr(completedAt)
		item.ApproverID = strPtr(approverID)
		item.DelegatedTo = strPtr(delegatedTo)
		item.DueAt = strPtr(dueAt)
		item.ActedBy = strPtr(actedBy)
		item.ActedAt = strPtr(actedAt)
		item.EscalatedAt = strPtr(escalatedAt)
		res = append(res, entry)
	}
	return res, rows.Err()
}
