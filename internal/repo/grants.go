package repo

import (
	"context"
	"database/sql"
	"fmt"

	"elam/internal/domain"
)

const grantColumns = `id,request_id,actor_id,resource_id,access_level,status,granted_at,expires_at,revoked_at,revoked_by`

func scanGrant(s scanner) (domain.AccessGrant, error) {
	var g domain.AccessGrant
	var expiresAt, revokedAt, revokedBy sql.NullString
	if err := s.Scan(&g.ID, &g.RequestID, &g.ActorID, &g.ResourceID, &g.AccessLevel, &g.Status, &g.GrantedAt,
		&expiresAt, &revokedAt, &revokedBy); err != nil {
		return g, err
	}
	g.ExpiresAt = strPtr(expiresAt)
	g.RevokedAt = strPtr(revokedAt)
	g.RevokedBy = strPtr(revokedBy)
	return g, nil
}

func (r Repo) InsertGrant(ctx context.Context, tx *sql.Tx, g domain.AccessGrant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO access_grants(`+grantColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.RequestID, g.ActorID, g.ResourceID, g.AccessLevel, g.Status, g.GrantedAt,
		nullableStringPtr(g.ExpiresAt), nullableStringPtr(g.RevokedAt), nullableStringPtr(g.RevokedBy))
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (r Repo) GetGrant(ctx context.Context, tx *sql.Tx, id string) (domain.AccessGrant, error) {
	g, err := scanGrant(r.q(tx).QueryRowContext(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

type GrantFilters struct {
	ActorID    string
	ResourceID string
	RequestID  string
	Status     string
	Limit      int
}

func (r Repo) ListGrants(ctx context.Context, f GrantFilters) ([]domain.AccessGrant, error) {
	var clauses []string
	var args []any
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + grantColumns + ` FROM access_grants ` + whereClause(clauses) + ` ORDER BY granted_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// RevokeGrant flips an active grant to revoked. ErrNotFound when no active grant matched.
func (r Repo) RevokeGrant(ctx context.Context, tx *sql.Tx, id, by, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE access_grants SET status='revoked', revoked_at=?, revoked_by=? WHERE id=? AND status='active'`, at, by, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireDueGrants marks active grants whose expiry passed and returns them.
func (r Repo) ExpireDueGrants(ctx context.Context, tx *sql.Tx, now string) ([]domain.AccessGrant, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+grantColumns+` FROM access_grants WHERE status='active' AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at ASC`, now)
	if err != nil {
		return nil, err
	}
	var due []domain.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, g)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range due {
		if _, err := tx.ExecContext(ctx, `UPDATE access_grants SET status='expired' WHERE id=?`, due[i].ID); err != nil {
			return nil, err
		}
		due[i].Status = domain.GrantExpired
	}
	return due, nil
}

func (r Repo) CountActiveGrants(ctx context.Context, actorID string) (int, error) {
	query := `SELECT count(*) FROM access_grants WHERE status='active'`
	var args []any
	if actorID != "" {
		query += ` AND actor_id=?`
		args = append(args, actorID)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
