package ingest

import (
	"context"
	"log/slog"
	"time"
)

// Refresher re-imports the source files on a fixed interval, replacing the
// stored dataset each time.
type Refresher struct {
	dst      Replacer
	files    Files
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher creates a Refresher. If interval is <= 0, it defaults to one
// hour.
func NewRefresher(dst Replacer, files Files, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{
		dst:      dst,
		files:    files,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run imports immediately and then once per interval until ctx is cancelled.
// A failed import leaves the previous dataset in place.
func (r *Refresher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("refresh failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

// RunOnce performs a single import.
func (r *Refresher) RunOnce(ctx context.Context) (Summary, error) {
	sum, err := Import(ctx, r.dst, r.files)
	if err != nil {
		return Summary{}, err
	}
	r.logger.Info("dataset refreshed",
		"observations", sum.Observations,
		"business_hours", sum.BusinessHours,
		"timezones", sum.Timezones,
		"skipped", sum.Skipped,
	)
	return sum, nil
}
