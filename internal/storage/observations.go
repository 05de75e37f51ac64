package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/storemon/internal/uptime"
)

// --- Observations ---

// SaveObservations appends observations in input order. Insertion order
// breaks ties between samples sharing a timestamp.
func (s *Store) SaveObservations(ctx context.Context, obs []uptime.Observation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning observation insert: %w", err)
	}
	defer tx.Rollback()

	if err := insertObservations(ctx, tx, obs); err != nil {
		return err
	}
	return tx.Commit()
}

func insertObservations(ctx context.Context, tx *sql.Tx, obs []uptime.Observation) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO observations (store_id, ts_utc_us, status) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing observation insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx, o.StoreID, o.At.UTC().UnixMicro(), string(o.Status)); err != nil {
			return fmt.Errorf("inserting observation for store %s: %w", o.StoreID, err)
		}
	}
	return nil
}

// Observations returns the store's samples with from <= timestamp <= to,
// ascending by timestamp then insertion order.
func (s *Store) Observations(ctx context.Context, storeID string, from, to time.Time) ([]uptime.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_utc_us, status FROM observations
		WHERE store_id = ? AND ts_utc_us >= ? AND ts_utc_us <= ?
		ORDER BY ts_utc_us ASC, seq ASC`,
		storeID, from.UTC().UnixMicro(), to.UTC().UnixMicro(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []uptime.Observation
	for rows.Next() {
		var ts int64
		var status string
		if err := rows.Scan(&ts, &status); err != nil {
			return nil, err
		}
		results = append(results, uptime.Observation{
			StoreID: storeID,
			At:      time.UnixMicro(ts).UTC(),
			Status:  uptime.Status(status),
		})
	}
	return results, rows.Err()
}

// LastObservationBefore returns the latest sample strictly before t, or nil
// when the store has none.
func (s *Store) LastObservationBefore(ctx context.Context, storeID string, t time.Time) (*uptime.Observation, error) {
	var ts int64
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT ts_utc_us, status FROM observations
		WHERE store_id = ? AND ts_utc_us < ?
		ORDER BY ts_utc_us DESC, seq DESC
		LIMIT 1`,
		storeID, t.UTC().UnixMicro(),
	).Scan(&ts, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &uptime.Observation{StoreID: storeID, At: time.UnixMicro(ts).UTC(), Status: uptime.Status(status)}, nil
}

// CountObservations returns the number of stored samples.
func (s *Store) CountObservations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&n)
	return n, err
}
