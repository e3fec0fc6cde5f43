package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"elam/internal/domain"
)

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.ComplianceReport) error {
	summary, err := json.Marshal(rep.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	findings := rep.Findings
	if findings == nil {
		findings = []domain.Finding{}
	}
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO compliance_reports(id,kind,period_start,period_end,generated_by,generated_at,summary_json,findings_json)
VALUES (?,?,?,?,?,?,?,?)`, rep.ID, rep.Kind, rep.PeriodStart, rep.PeriodEnd, rep.GeneratedBy, rep.GeneratedAt, string(summary), string(findingsJSON))
	return err
}

func scanReport(s scanner) (domain.ComplianceReport, error) {
	var rep domain.ComplianceReport
	var summary, findings string
	if err := s.Scan(&rep.ID, &rep.Kind, &rep.PeriodStart, &rep.PeriodEnd, &rep.GeneratedBy, &rep.GeneratedAt, &summary, &findings); err != nil {
		return rep, err
	}
	if err := json.Unmarshal([]byte(summary), &rep.Summary); err != nil {
		return rep, fmt.Errorf("decode summary: %w", err)
	}
	if err := json.Unmarshal([]byte(findings), &rep.Findings); err != nil {
		return rep, fmt.Errorf("decode findings: %w", err)
	}
	return rep, nil
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.ComplianceReport, error) {
	rep, err := scanReport(r.DB.QueryRowContext(ctx, `SELECT id,kind,period_start,period_end,generated_by,generated_at,summary_json,findings_json FROM compliance_reports WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	return rep, err
}

func (r Repo) ListReports(ctx context.Context, kind string, limit int) ([]domain.ComplianceReport, error) {
	query := `SELECT id,kind,period_start,period_end,generated_by,generated_at,summary_json,findings_json FROM compliance_reports`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY generated_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ComplianceReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}
