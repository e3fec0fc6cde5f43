package repo

import (
	"context"
	"encoding/json"

	"elam/internal/domain"
)

type AuditFilters struct {
	Action     string
	ActorID    string
	EntityKind string
	EntityID   string
	Outcome    string
	Since      string
	Until      string
	Limit      int
	// BeforeID pages backwards from a previously returned id.
	BeforeID int64
}

const auditColumns = `id,ts,action,actor_id,entity_kind,COALESCE(entity_id,''),outcome,details_json`

func scanAudit(s scanner) (domain.AuditLog, error) {
	var a domain.AuditLog
	var details string
	if err := s.Scan(&a.ID, &a.TS, &a.Action, &a.ActorID, &a.EntityKind, &a.EntityID, &a.Outcome, &details); err != nil {
		return a, err
	}
	if details != "" && details != "{}" {
		a.Details = json.RawMessage(details)
	}
	return a, nil
}

// ListAuditLogs returns entries newest first.
func (r Repo) ListAuditLogs(ctx context.Context, f AuditFilters) ([]domain.AuditLog, error) {
	var clauses []string
	var args []any
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "ts < ?")
		args = append(args, f.Until)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT ` + auditColumns + ` FROM audit_logs ` + whereClause(clauses) + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryAudit(ctx, query, args...)
}

// AuditLogsAfter returns entries with id > afterID in ascending order.
func (r Repo) AuditLogsAfter(ctx context.Context, afterID int64, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_logs`).Scan(&id)
	return id, err
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditLog, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLog
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
