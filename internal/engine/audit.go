package engine

import (
	"context"

	"elam/internal/domain"
	"elam/internal/repo"
)

func (e Engine) ListAuditLogs(ctx context.Context, f repo.AuditFilters) ([]domain.AuditLog, error) {
	var err error
	if f.Since, err = utcTimestamp("since", f.Since); err != nil {
		return nil, err
	}
	if f.Until, err = utcTimestamp("until", f.Until); err != nil {
		return nil, err
	}
	return e.Repo.ListAuditLogs(ctx, f)
}
