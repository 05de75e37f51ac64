package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// --- Reports ---

// CreateReport inserts a new report in the Running state.
func (s *Store) CreateReport(ctx context.Context, r Report) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, status, created_at) VALUES (?, 'Running', ?)`,
		r.ID, createdAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// CompleteReport attaches rows and moves a Running report to Complete in a
// single transaction.
func (s *Store) CompleteReport(ctx context.Context, id string, rows []ReportRow, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer tx.Rollback()

	if err := finalize(ctx, tx, id, ReportComplete, "", at); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO report_rows (report_id, store_id, horizon, uptime_minutes, downtime_minutes, scheduled_minutes)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing report row insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, id, r.StoreID, r.Horizon, r.UptimeMinutes, r.DowntimeMinutes, r.ScheduledMinutes); err != nil {
			return fmt.Errorf("inserting row %s/%s: %w", r.StoreID, r.Horizon, err)
		}
	}

	return tx.Commit()
}

// FailReport moves a Running report to Error, recording errMsg.
func (s *Store) FailReport(ctx context.Context, id string, errMsg string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	if err := finalize(ctx, tx, id, ReportError, errMsg, at); err != nil {
		return err
	}
	return tx.Commit()
}

// finalize performs the one permitted status transition out of Running.
func finalize(ctx context.Context, tx *sql.Tx, id, status, errMsg string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE reports SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND status = 'Running'`,
		status, at.UTC().Format(time.RFC3339Nano), nullString(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("updating report %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM reports WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: report %s is %s", ErrReportFinalized, id, current)
}

// FailRunningReports moves every report still Running to Error. It is used
// at startup, when no worker can still own those reports.
func (s *Store) FailRunningReports(ctx context.Context, errMsg string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET status = 'Error', completed_at = ?, error = ?
		WHERE status = 'Running'`,
		at.UTC().Format(time.RFC3339Nano), errMsg,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetReport(ctx context.Context, id string) (Report, error) {
	var r Report
	var createdAt string
	var completedAt, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, created_at, completed_at, error FROM reports WHERE id = ?`, id,
	).Scan(&r.ID, &r.Status, &createdAt, &completedAt, &errMsg)
	if err == sql.ErrNoRows {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, err
	}

	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Report{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAt.Valid {
		if r.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt.String); err != nil {
			return Report{}, fmt.Errorf("parsing completed_at: %w", err)
		}
	}
	r.Error = errMsg.String
	return r, nil
}

// ReportRows returns the rows of a report ordered by store and horizon.
func (s *Store) ReportRows(ctx context.Context, id string) ([]ReportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT store_id, horizon, uptime_minutes, downtime_minutes, scheduled_minutes
		FROM report_rows WHERE report_id = ?
		ORDER BY store_id ASC,
			CASE horizon WHEN 'last_hour' THEN 0 WHEN 'last_day' THEN 1 WHEN 'last_week' THEN 2 ELSE 3 END ASC`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ReportRow
	for rows.Next() {
		var r ReportRow
		if err := rows.Scan(&r.StoreID, &r.Horizon, &r.UptimeMinutes, &r.DowntimeMinutes, &r.ScheduledMinutes); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
