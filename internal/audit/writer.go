package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Outcomes recorded on audit entries.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

type Writer struct {
	Now func() time.Time
}

type Details map[string]any

// Append writes one audit_logs row inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, action, actorID, entityKind, entityID, outcome string, details Details) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if outcome == "" {
		outcome = OutcomeSuccess
	}
	if details == nil {
		details = Details{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("marshal audit details: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_logs(ts,action,actor_id,entity_kind,entity_id,outcome,details_json) VALUES (?,?,?,?,?,?,?)`,
		ts, action, actorID, entityKind, nullable(entityID), outcome, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
