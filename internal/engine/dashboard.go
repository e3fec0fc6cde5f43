package engine

import (
	"context"

	"elam/internal/domain"
)

// Dashboard gathers the counters shown on an actor's landing page.
func (e Engine) Dashboard(ctx context.Context, actorID string) (domain.Dashboard, error) {
	stats, err := e.ApprovalStats(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}
	queue, err := e.ApprovalQueue(ctx, actorID)
	if err != nil {
		return domain.Dashboard{}, err
	}
	mine, err := e.Repo.CountOpenByRequester(ctx, actorID)
	if err != nil {
		return domain.Dashboard{}, err
	}
	grants, err := e.Repo.CountActiveGrants(ctx, "")
	if err != nil {
		return domain.Dashboard{}, err
	}
	breached, err := e.Repo.CountOpenBreached(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}
	return domain.Dashboard{
		Stats:           stats,
		QueueSize:       len(queue),
		MyOpenRequests:  mine,
		ActiveGrants:    grants,
		SLABreachedOpen: breached,
	}, nil
}
