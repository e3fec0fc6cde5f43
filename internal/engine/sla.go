package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"elam/internal/audit"
	"elam/internal/domain"
	"elam/internal/repo"
)

type ScanResult struct {
	Breached      []string `json:"breached"`
	Escalated     []string `json:"escalated"`
	Expired       []string `json:"expired"`
	GrantsExpired []string `json:"grants_expired"`
}

// ScanSLA flags overdue requests, auto-escalates them when configured and expires
// requests that stayed open past sla.expire_after_hours. Each request is handled in
// its own transaction; a request modified concurrently is skipped until the next scan.
func (e Engine) ScanSLA(ctx context.Context) (ScanResult, error) {
	cfg, err := e.config()
	if err != nil {
		return ScanResult{}, err
	}
	start := time.Now()
	defer func() { e.Metrics.ObserveScan(time.Since(start)) }()

	res := ScanResult{Breached: []string{}, Escalated: []string{}, Expired: []string{}, GrantsExpired: []string{}}
	now := e.now().UTC()
	ids, err := e.Repo.OpenRequestIDsPastDeadline(ctx, now.Format(time.RFC3339))
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		escalated, err := e.flagBreach(ctx, id, now, cfg.SLA.AutoEscalate)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("flag %s: %w", id, err)
		}
		res.Breached = append(res.Breached, id)
		if escalated {
			res.Escalated = append(res.Escalated, id)
		}
	}
	if cfg.SLA.ExpireAfterHours > 0 {
		cutoff := now.Add(-time.Duration(cfg.SLA.ExpireAfterHours) * time.Hour).Format(time.RFC3339)
		ids, err := e.Repo.OpenRequestIDsCreatedBefore(ctx, cutoff)
		if err != nil {
			return res, err
		}
		for _, id := range ids {
			err := e.expireRequest(ctx, id)
			if errors.Is(err, errSkip) {
				continue
			}
			if err != nil {
				return res, fmt.Errorf("expire %s: %w", id, err)
			}
			res.Expired = append(res.Expired, id)
		}
	}
	if len(res.Breached)+len(res.Expired) > 0 {
		e.log().Info("sla scan",
			zap.Int("breached", len(res.Breached)),
			zap.Int("escalated", len(res.Escalated)),
			zap.Int("expired", len(res.Expired)))
	}
	return res, nil
}

var errSkip = errors.New("skip")

func (e Engine) flagBreach(ctx context.Context, id string, now time.Time, autoEscalate bool) (bool, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequest(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if !domain.IsOpenRequest(req.Status) || req.SLABreached || !BreachWarning(req.Deadline, now) {
		return false, errSkip
	}
	ts := now.Format(time.RFC3339)
	expected := req.Version
	req.SLABreached = true
	req.Version++
	req.UpdatedAt = ts
	if err := e.Repo.UpdateRequest(ctx, tx, req, expected); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return false, errSkip
		}
		return false, err
	}
	if err := e.audit(ctx, tx, "request.sla_breached", SystemActor, "request", req.ID, audit.Details{
		"deadline": req.Deadline,
		"level":    req.CurrentLevel,
	}); err != nil {
		return false, err
	}

	escalated := false
	var result ActionResult
	if autoEscalate {
		item, ok := req.CurrentItem()
		st, hasStep := e.step(req, req.CurrentLevel)
		if ok && hasStep && st.EscalateToRole != "" && !item.WasEscalated() && domain.IsOpenItem(item.Status) {
			result, err = e.applyAction(ctx, tx, req, ActionOptions{
				RequestID: req.ID,
				ActorID:   SystemActor,
				Action:    ActionEscalate,
				Comment:   "SLA breached",
			})
			if err != nil {
				return false, err
			}
			escalated = true
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.Metrics.IncSLABreach()
	if escalated {
		e.afterAction(ActionOptions{Action: ActionEscalate, ActorID: SystemActor}, result)
	}
	return escalated, nil
}

func (e Engine) expireRequest(ctx context.Context, id string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequest(ctx, tx, id)
	if err != nil {
		return err
	}
	if !domain.IsOpenRequest(req.Status) {
		return errSkip
	}
	ts := e.ts()
	if err := e.closeOpenItems(ctx, tx, &req, ts); err != nil {
		return err
	}
	expected := req.Version
	req.Status = domain.RequestExpired
	req.Version++
	req.UpdatedAt = ts
	req.CompletedAt = &ts
	if err := e.Repo.UpdateRequest(ctx, tx, req, expected); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return errSkip
		}
		return err
	}
	if err := e.audit(ctx, tx, "request.expired", SystemActor, "request", req.ID, audit.Details{"created_at": req.CreatedAt}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.IncExpired()
	return nil
}

// ExpireGrants closes active grants whose expiry has passed.
func (e Engine) ExpireGrants(ctx context.Context) ([]domain.AccessGrant, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	due, err := e.Repo.ExpireDueGrants(ctx, tx, e.ts())
	if err != nil {
		return nil, err
	}
	for _, g := range due {
		if err := e.audit(ctx, tx, "grant.expired", SystemActor, "grant", g.ID, audit.Details{
			"request_id":  g.RequestID,
			"actor_id":    g.ActorID,
			"resource_id": g.ResourceID,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for range due {
		e.Metrics.IncGrant(domain.GrantExpired)
	}
	return due, nil
}

// RunMaintenance performs a full SLA scan followed by grant expiry.
func (e Engine) RunMaintenance(ctx context.Context) (ScanResult, error) {
	res, err := e.ScanSLA(ctx)
	if err != nil {
		return res, err
	}
	grants, err := e.ExpireGrants(ctx)
	if err != nil {
		return res, err
	}
	for _, g := range grants {
		res.GrantsExpired = append(res.GrantsExpired, g.ID)
	}
	return res, nil
}

// TriggerScan runs maintenance on behalf of an actor holding sla.scan.
func (e Engine) TriggerScan(ctx context.Context, actorID string) (ScanResult, error) {
	if err := e.Auth.Require(ctx, nil, actorID, "sla.scan"); err != nil {
		return ScanResult{}, err
	}
	return e.RunMaintenance(ctx)
}
