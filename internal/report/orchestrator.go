// Package report runs report jobs in the background and exposes their
// status and results.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/storemon/internal/monitor"
	"github.com/kalambet/storemon/internal/observability"
	"github.com/kalambet/storemon/internal/storage"
)

var (
	// ErrJobNotFound is returned for report ids that were never issued.
	ErrJobNotFound = errors.New("report not found")
	// ErrQueueFull is returned by Trigger when no queue slot is free.
	ErrQueueFull = errors.New("report queue is full")
)

// Status values of a report job.
const (
	StatusRunning  = storage.ReportRunning
	StatusComplete = storage.ReportComplete
	StatusError    = storage.ReportError
)

// interruptedReason is recorded on jobs left Running by a previous process.
const interruptedReason = "interrupted"

// JobStore persists report jobs and their rows.
type JobStore interface {
	CreateReport(ctx context.Context, r storage.Report) error
	CompleteReport(ctx context.Context, id string, rows []storage.ReportRow, at time.Time) error
	FailReport(ctx context.Context, id string, errMsg string, at time.Time) error
	FailRunningReports(ctx context.Context, errMsg string, at time.Time) (int64, error)
	GetReport(ctx context.Context, id string) (storage.Report, error)
	ReportRows(ctx context.Context, id string) ([]storage.ReportRow, error)
}

// Computer produces the rows of a report at a given instant.
type Computer interface {
	ComputeAll(ctx context.Context, now time.Time) ([]monitor.Row, error)
}

// Job is a report as seen by callers. Rows is set only when Status is
// Complete.
type Job struct {
	ID          string        `json:"report_id"`
	Status      string        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
	Rows        []monitor.Row `json:"rows,omitempty"`
}

// Orchestrator accepts report triggers and computes them on a fixed pool of
// workers fed from a bounded queue.
type Orchestrator struct {
	store   JobStore
	engine  Computer
	queue   chan string
	workers int
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an Orchestrator. workers defaults to 2 and queueSize to 16.
func New(store JobStore, engine Computer, workers, queueSize int) *Orchestrator {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Orchestrator{
		store:   store,
		engine:  engine,
		queue:   make(chan string, queueSize),
		workers: workers,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// Recover fails every job still Running in storage. It must run before Run,
// while no worker of this process can own those jobs.
func (o *Orchestrator) Recover(ctx context.Context) (int64, error) {
	n, err := o.store.FailRunningReports(ctx, interruptedReason, o.now())
	if err != nil {
		return 0, fmt.Errorf("failing interrupted reports: %w", err)
	}
	if n > 0 {
		o.logger.Warn("marked interrupted reports as failed", "count", n)
		for i := int64(0); i < n; i++ {
			observability.RecordReportFinished(StatusError, 0)
		}
	}
	return n, nil
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has finished. Jobs still queued at that point stay Running
// and are failed by the next Recover.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.work(ctx)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			observability.SetQueueDepth(len(o.queue))
			// A started job is not cancelled by shutdown.
			if err := o.RunOnce(context.WithoutCancel(ctx), id); err != nil {
				o.logger.Error("report job failed to finalize", "report_id", id, "error", err)
			}
		}
	}
}

// Trigger records a new Running job and queues it. It never waits for the
// computation. When the queue is full the job is failed at once and
// ErrQueueFull is returned along with its id.
func (o *Orchestrator) Trigger(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if err := o.store.CreateReport(ctx, storage.Report{ID: id, CreatedAt: o.now()}); err != nil {
		return "", fmt.Errorf("creating report: %w", err)
	}
	observability.RecordReportTriggered()

	select {
	case o.queue <- id:
		observability.SetQueueDepth(len(o.queue))
		o.logger.Info("report queued", "report_id", id)
		return id, nil
	default:
		if err := o.store.FailReport(ctx, id, ErrQueueFull.Error(), o.now()); err != nil {
			return id, fmt.Errorf("failing rejected report %s: %w", id, err)
		}
		observability.RecordReportFinished(StatusError, 0)
		o.logger.Warn("report rejected", "report_id", id, "error", ErrQueueFull)
		return id, ErrQueueFull
	}
}

// RunOnce computes job id and records the outcome. Computation errors and
// panics put the job in Error; the returned error only reports a failure to
// persist that outcome.
func (o *Orchestrator) RunOnce(ctx context.Context, id string) error {
	started := o.now()
	rows, err := o.compute(ctx, started)
	if err != nil {
		o.logger.Warn("report computation failed", "report_id", id, "error", err)
		if ferr := o.store.FailReport(ctx, id, err.Error(), o.now()); ferr != nil {
			return fmt.Errorf("failing report %s: %w", id, ferr)
		}
		observability.RecordReportFinished(StatusError, o.now().Sub(started))
		return nil
	}

	if err := o.store.CompleteReport(ctx, id, toStorage(rows), o.now()); err != nil {
		return fmt.Errorf("completing report %s: %w", id, err)
	}
	observability.RecordReportFinished(StatusComplete, o.now().Sub(started))
	o.logger.Info("report complete", "report_id", id, "rows", len(rows), "elapsed", o.now().Sub(started))
	return nil
}

func (o *Orchestrator) compute(ctx context.Context, now time.Time) (rows []monitor.Row, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("report computation panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return o.engine.ComputeAll(ctx, now.UTC())
}

// Status returns the current status of job id.
func (o *Orchestrator) Status(ctx context.Context, id string) (string, error) {
	r, err := o.get(ctx, id)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// Fetch returns job id with its rows when Complete, or with its current
// status and no rows otherwise.
func (o *Orchestrator) Fetch(ctx context.Context, id string) (Job, error) {
	r, err := o.get(ctx, id)
	if err != nil {
		return Job{}, err
	}

	job := Job{ID: r.ID, Status: r.Status, CreatedAt: r.CreatedAt, Error: r.Error}
	if !r.CompletedAt.IsZero() {
		at := r.CompletedAt
		job.CompletedAt = &at
	}
	if r.Status != StatusComplete {
		return job, nil
	}

	rows, err := o.store.ReportRows(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("loading rows for report %s: %w", id, err)
	}
	job.Rows = fromStorage(rows)
	return job, nil
}

func (o *Orchestrator) get(ctx context.Context, id string) (storage.Report, error) {
	r, err := o.store.GetReport(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Report{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return storage.Report{}, fmt.Errorf("loading report %s: %w", id, err)
	}
	return r, nil
}

func toStorage(rows []monitor.Row) []storage.ReportRow {
	out := make([]storage.ReportRow, len(rows))
	for i, r := range rows {
		out[i] = storage.ReportRow(r)
	}
	return out
}

func fromStorage(rows []storage.ReportRow) []monitor.Row {
	out := make([]monitor.Row, len(rows))
	for i, r := range rows {
		out[i] = monitor.Row(r)
	}
	return out
}
