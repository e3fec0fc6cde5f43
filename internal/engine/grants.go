package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"elam/internal/audit"
	"elam/internal/domain"
	"elam/internal/repo"
)

func (e Engine) ListGrants(ctx context.Context, f repo.GrantFilters) ([]domain.AccessGrant, error) {
	return e.Repo.ListGrants(ctx, f)
}

func (e Engine) GetGrant(ctx context.Context, id string) (domain.AccessGrant, error) {
	return e.Repo.GetGrant(ctx, nil, id)
}

// RevokeGrant ends an active grant early.
func (e Engine) RevokeGrant(ctx context.Context, id, actorID, reason string) (domain.AccessGrant, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.AccessGrant{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, actorID, "grant.revoke"); err != nil {
		return domain.AccessGrant{}, err
	}
	g, err := e.Repo.GetGrant(ctx, tx, id)
	if err != nil {
		return g, err
	}
	if g.Status != domain.GrantActive {
		return domain.AccessGrant{}, fmt.Errorf("%w: grant is %s", ErrInvalidTransition, g.Status)
	}
	ts := e.ts()
	if err := e.Repo.RevokeGrant(ctx, tx, id, actorID, ts); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AccessGrant{}, fmt.Errorf("%w: grant %s changed concurrently", ErrConflict, id)
		}
		return domain.AccessGrant{}, err
	}
	if err := e.audit(ctx, tx, "grant.revoked", actorID, "grant", id, audit.Details{
		"reason":      reason,
		"request_id":  g.RequestID,
		"actor_id":    g.ActorID,
		"resource_id": g.ResourceID,
	}); err != nil {
		return domain.AccessGrant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AccessGrant{}, err
	}
	g.Status = domain.GrantRevoked
	g.RevokedAt = &ts
	g.RevokedBy = &actorID
	e.Metrics.IncGrant(domain.GrantRevoked)
	e.log().Info("grant revoked", zap.String("grant_id", id), zap.String("actor_id", actorID))
	return g, nil
}
