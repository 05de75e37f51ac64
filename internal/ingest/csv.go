// Package ingest loads the store status, business hours and time zone CSV
// exports into storage.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/storemon/internal/observability"
	"github.com/kalambet/storemon/internal/storage"
	"github.com/kalambet/storemon/internal/uptime"
)

// ErrMissingColumn is returned when a CSV header lacks a required column.
var ErrMissingColumn = errors.New("missing column")

// timestampLayouts are tried in order. Fractional seconds after the seconds
// field are accepted by every layout.
var timestampLayouts = []string{
	"2006-01-02 15:04:05 UTC",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an observation timestamp as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Files names the three source exports. Hours and Timezones may be empty,
// in which case those tables are loaded empty.
type Files struct {
	Status    string
	Hours     string
	Timezones string
}

// Summary counts what an import loaded and skipped.
type Summary struct {
	Observations  int `json:"observations"`
	BusinessHours int `json:"business_hours"`
	Timezones     int `json:"timezones"`
	Skipped       int `json:"skipped"`
}

// Replacer swaps the whole source dataset.
type Replacer interface {
	ReplaceDataset(ctx context.Context, d storage.Dataset) error
}

// Import reads files and replaces the stored dataset with their contents.
func Import(ctx context.Context, dst Replacer, files Files) (Summary, error) {
	d, sum, err := Load(files)
	if err != nil {
		return Summary{}, err
	}
	if err := dst.ReplaceDataset(ctx, d); err != nil {
		return Summary{}, fmt.Errorf("replacing dataset: %w", err)
	}
	observability.RecordImport(map[string]int{
		"observations":   sum.Observations,
		"business_hours": sum.BusinessHours,
		"timezones":      sum.Timezones,
	}, time.Now())
	return sum, nil
}

// Load parses files into a Dataset without touching storage.
func Load(files Files) (storage.Dataset, Summary, error) {
	var d storage.Dataset
	var sum Summary

	if files.Status == "" {
		return d, sum, errors.New("store status file is required")
	}
	var skipped int
	err := withFile(files.Status, func(r io.Reader) (err error) {
		d.Observations, skipped, err = ReadObservations(r)
		return err
	})
	if err != nil {
		return d, sum, err
	}
	sum.Skipped += skipped

	if files.Hours != "" {
		err := withFile(files.Hours, func(r io.Reader) (err error) {
			d.BusinessHours, skipped, err = ReadBusinessHours(r)
			return err
		})
		if err != nil {
			return d, sum, err
		}
		sum.Skipped += skipped
	}

	if files.Timezones != "" {
		err := withFile(files.Timezones, func(r io.Reader) (err error) {
			d.Timezones, skipped, err = ReadTimezones(r)
			return err
		})
		if err != nil {
			return d, sum, err
		}
		sum.Skipped += skipped
	}

	sum.Observations = len(d.Observations)
	sum.BusinessHours = len(d.BusinessHours)
	sum.Timezones = len(d.Timezones)
	return d, sum, nil
}

func withFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if err := fn(f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// ReadObservations parses store_id,status,timestamp_utc rows in any column
// order. Rows with an unknown status or timestamp are skipped and counted.
func ReadObservations(r io.Reader) ([]uptime.Observation, int, error) {
	var out []uptime.Observation
	skipped, err := readRows(r, []string{"store_id", "status", "timestamp_utc"}, func(line int, rec map[string]string) bool {
		status, err := uptime.ParseStatus(strings.ToLower(strings.TrimSpace(rec["status"])))
		if err != nil {
			slog.Warn("skipping observation", "line", line, "error", err)
			return false
		}
		at, err := ParseTimestamp(rec["timestamp_utc"])
		if err != nil {
			slog.Warn("skipping observation", "line", line, "error", err)
			return false
		}
		out = append(out, uptime.Observation{StoreID: rec["store_id"], At: at, Status: status})
		return true
	})
	return out, skipped, err
}

// ReadBusinessHours parses store_id,day,start_time_local,end_time_local rows.
// The day column may also be named day_of_week or dayOfWeek. Clock times are
// kept verbatim; rows whose day is not 0 (Monday) through 6 are skipped.
func ReadBusinessHours(r io.Reader) ([]storage.BusinessHours, int, error) {
	var out []storage.BusinessHours
	skipped, err := readRows(r, []string{"store_id", "day", "start_time_local", "end_time_local"}, func(line int, rec map[string]string) bool {
		dow, err := strconv.Atoi(strings.TrimSpace(rec["day"]))
		if err != nil {
			slog.Warn("skipping business hours", "line", line, "error", err)
			return false
		}
		if dow < 0 || dow > 6 {
			slog.Warn("skipping business hours", "line", line, "day", dow, "error", "day out of range")
			return false
		}
		out = append(out, storage.BusinessHours{
			StoreID:    rec["store_id"],
			DayOfWeek:  dow,
			StartLocal: strings.TrimSpace(rec["start_time_local"]),
			EndLocal:   strings.TrimSpace(rec["end_time_local"]),
		})
		return true
	})
	return out, skipped, err
}

// ReadTimezones parses store_id,timezone_str rows. Empty zones are skipped.
func ReadTimezones(r io.Reader) ([]storage.StoreTimezone, int, error) {
	var out []storage.StoreTimezone
	skipped, err := readRows(r, []string{"store_id", "timezone_str"}, func(line int, rec map[string]string) bool {
		tz := strings.TrimSpace(rec["timezone_str"])
		if tz == "" {
			return false
		}
		out = append(out, storage.StoreTimezone{StoreID: rec["store_id"], Timezone: tz})
		return true
	})
	return out, skipped, err
}

var columnAliases = map[string]string{
	"day_of_week": "day",
	"dayofweek":   "day",
}

// readRows maps each record to its header names and calls fn. Rows for
// which fn returns false, and rows with an empty store_id, are counted as
// skipped.
func readRows(r io.Reader, required []string, fn func(line int, rec map[string]string) bool) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if alias, ok := columnAliases[name]; ok {
			name = alias
		}
		index[name] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	skipped := 0
	line := 1
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return skipped, fmt.Errorf("line %d: %w", line, err)
		}

		rec := make(map[string]string, len(required))
		for _, col := range required {
			if i := index[col]; i < len(fields) {
				rec[col] = fields[i]
			}
		}
		rec["store_id"] = strings.TrimSpace(rec["store_id"])
		if rec["store_id"] == "" || !fn(line, rec) {
			skipped++
		}
	}
	return skipped, nil
}
