package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kalambet/storemon/internal/uptime"
)

// --- Business hours ---

func (s *Store) SaveBusinessHours(ctx context.Context, hours []BusinessHours) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning business hours insert: %w", err)
	}
	defer tx.Rollback()

	if err := insertBusinessHours(ctx, tx, hours); err != nil {
		return err
	}
	return tx.Commit()
}

func insertBusinessHours(ctx context.Context, tx *sql.Tx, hours []BusinessHours) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO business_hours (store_id, day_of_week, start_time_local, end_time_local)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing business hours insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range hours {
		if _, err := stmt.ExecContext(ctx, h.StoreID, h.DayOfWeek, h.StartLocal, h.EndLocal); err != nil {
			return fmt.Errorf("inserting business hours for store %s: %w", h.StoreID, err)
		}
	}
	return nil
}

// BusinessHours returns every rule of the store ordered by day and start.
func (s *Store) BusinessHours(ctx context.Context, storeID string) ([]BusinessHours, error) {
	return s.queryBusinessHours(ctx, `
		SELECT store_id, day_of_week, start_time_local, end_time_local
		FROM business_hours WHERE store_id = ?
		ORDER BY day_of_week ASC, start_time_local ASC, id ASC`, storeID)
}

// BusinessHoursForDay returns the store's rules for one day of week
// (0 = Monday). An empty result means the store is closed that day.
func (s *Store) BusinessHoursForDay(ctx context.Context, storeID string, dayOfWeek int) ([]BusinessHours, error) {
	return s.queryBusinessHours(ctx, `
		SELECT store_id, day_of_week, start_time_local, end_time_local
		FROM business_hours WHERE store_id = ? AND day_of_week = ?
		ORDER BY start_time_local ASC, id ASC`, storeID, dayOfWeek)
}

func (s *Store) queryBusinessHours(ctx context.Context, query string, args ...any) ([]BusinessHours, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BusinessHours
	for rows.Next() {
		var h BusinessHours
		if err := rows.Scan(&h.StoreID, &h.DayOfWeek, &h.StartLocal, &h.EndLocal); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// --- Time zones ---

func (s *Store) SetTimezone(ctx context.Context, storeID, tz string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_timezones (store_id, timezone_str) VALUES (?, ?)
		ON CONFLICT(store_id) DO UPDATE SET timezone_str = excluded.timezone_str`,
		storeID, tz,
	)
	return err
}

func insertTimezones(ctx context.Context, tx *sql.Tx, tzs []StoreTimezone) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO store_timezones (store_id, timezone_str) VALUES (?, ?)
		ON CONFLICT(store_id) DO UPDATE SET timezone_str = excluded.timezone_str`)
	if err != nil {
		return fmt.Errorf("preparing timezone insert: %w", err)
	}
	defer stmt.Close()

	for _, tz := range tzs {
		if _, err := stmt.ExecContext(ctx, tz.StoreID, tz.Timezone); err != nil {
			return fmt.Errorf("inserting timezone for store %s: %w", tz.StoreID, err)
		}
	}
	return nil
}

// Timezone returns the store's zone name or ErrNotFound.
func (s *Store) Timezone(ctx context.Context, storeID string) (string, error) {
	var tz string
	err := s.db.QueryRowContext(ctx, "SELECT timezone_str FROM store_timezones WHERE store_id = ?", storeID).Scan(&tz)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return tz, err
}

// ListStores returns every store id known from observations, business hours
// or time zones, sorted ascending.
func (s *Store) ListStores(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT store_id FROM observations
		UNION SELECT store_id FROM business_hours
		UNION SELECT store_id FROM store_timezones
		ORDER BY store_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Dataset is a full snapshot of the ingested source tables.
type Dataset struct {
	Observations  []uptime.Observation
	BusinessHours []BusinessHours
	Timezones     []StoreTimezone
}

// ReplaceDataset swaps the observation, business hours and time zone
// tables for d in a single transaction. Reports are left untouched.
func (s *Store) ReplaceDataset(ctx context.Context, d Dataset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning dataset replace: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"observations", "business_hours", "store_timezones"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	if err := insertObservations(ctx, tx, d.Observations); err != nil {
		return err
	}
	if err := insertBusinessHours(ctx, tx, d.BusinessHours); err != nil {
		return err
	}
	if err := insertTimezones(ctx, tx, d.Timezones); err != nil {
		return err
	}
	return tx.Commit()
}
