// Package monitor computes per-store uptime and downtime over the report
// horizons. All storage access happens here; the calendar and uptime
// packages it composes are pure.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/storemon/internal/calendar"
	"github.com/kalambet/storemon/internal/observability"
	"github.com/kalambet/storemon/internal/storage"
	"github.com/kalambet/storemon/internal/uptime"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownStore is returned when a store's time zone cannot be determined.
	ErrUnknownStore = errors.New("unknown store")
	// ErrNoStores is returned when a multi-store run has nothing to report.
	ErrNoStores = errors.New("no stores could be resolved")
)

// Source is the read side of storage used by the engine.
type Source interface {
	ListStores(ctx context.Context) ([]string, error)
	Timezone(ctx context.Context, storeID string) (string, error)
	BusinessHours(ctx context.Context, storeID string) ([]storage.BusinessHours, error)
	Observations(ctx context.Context, storeID string, from, to time.Time) ([]uptime.Observation, error)
	LastObservationBefore(ctx context.Context, storeID string, t time.Time) (*uptime.Observation, error)
}

// endOfTime bounds "any observation at all" lookups.
var endOfTime = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Horizon is a trailing interval ending at the report instant.
type Horizon struct {
	Name string
	Span time.Duration
}

// Horizons lists the report horizons in output order.
var Horizons = []Horizon{
	{Name: "last_hour", Span: time.Hour},
	{Name: "last_day", Span: 24 * time.Hour},
	{Name: "last_week", Span: 7 * 24 * time.Hour},
}

// Row is the result for one store and one horizon, in minutes.
type Row struct {
	StoreID          string  `json:"store_id"`
	Horizon          string  `json:"horizon"`
	UptimeMinutes    float64 `json:"uptime_minutes"`
	DowntimeMinutes  float64 `json:"downtime_minutes"`
	ScheduledMinutes float64 `json:"scheduled_minutes"`
}

// Engine composes calendar resolution, accumulation and extrapolation.
type Engine struct {
	src         Source
	defaultTZ   string
	concurrency int
	logger      *slog.Logger
}

// NewEngine creates an Engine. defaultTZ is used for stores without a time
// zone record; when empty such stores are unknown. concurrency bounds the
// number of stores computed at once and defaults to 4.
func NewEngine(src Source, defaultTZ string, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Engine{
		src:         src,
		defaultTZ:   defaultTZ,
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

// ComputeAll computes every known store at now. Unknown stores are
// excluded; any other failure aborts the run. Rows are ordered by store id
// then horizon.
func (e *Engine) ComputeAll(ctx context.Context, now time.Time) ([]Row, error) {
	ids, err := e.src.ListStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing stores: %w", err)
	}

	perStore := make([][]Row, len(ids))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rows, err := e.ComputeStore(gCtx, id, now)
			if errors.Is(err, ErrUnknownStore) {
				e.logger.Warn("excluding store from report", "store_id", id, "error", err)
				observability.RecordStoreExcluded("unknown_store")
				return nil
			}
			if err != nil {
				return fmt.Errorf("store %s: %w", id, err)
			}
			perStore[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rows []Row
	for _, r := range perStore {
		rows = append(rows, r...)
	}
	if len(rows) == 0 {
		return nil, ErrNoStores
	}
	return rows, nil
}

// ComputeStore computes one row per horizon for storeID at now.
func (e *Engine) ComputeStore(ctx context.Context, storeID string, now time.Time) ([]Row, error) {
	now = now.UTC()

	hours, err := e.src.BusinessHours(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("loading business hours: %w", err)
	}
	loc, err := e.location(ctx, storeID, len(hours) > 0)
	if err != nil {
		return nil, err
	}
	schedule := e.schedule(storeID, hours)

	// One read covers every horizon; the widest horizon comes last.
	widest := now.Add(-Horizons[len(Horizons)-1].Span)
	obs, err := e.src.Observations(ctx, storeID, widest, now)
	if err != nil {
		return nil, fmt.Errorf("loading observations: %w", err)
	}
	seed, err := e.src.LastObservationBefore(ctx, storeID, widest)
	if err != nil {
		return nil, fmt.Errorf("loading last observation: %w", err)
	}
	if seed != nil {
		obs = append([]uptime.Observation{*seed}, obs...)
	}

	rows := make([]Row, 0, len(Horizons))
	for _, h := range Horizons {
		row, err := computeHorizon(schedule, loc, since(obs, now.Add(-h.Span)), now.Add(-h.Span), now)
		if err != nil {
			return nil, fmt.Errorf("horizon %s: %w", h.Name, err)
		}
		row.StoreID = storeID
		row.Horizon = h.Name
		rows = append(rows, row)
	}
	return rows, nil
}

// computeHorizon credits obs over the business windows of [start, now] and
// adds the extrapolated tail of the most recent window.
func computeHorizon(schedule calendar.Schedule, loc *time.Location, obs []uptime.Observation, start, now time.Time) (Row, error) {
	windows, err := calendar.Resolve(schedule, loc, start, now)
	if err != nil {
		return Row{}, err
	}
	totals, err := uptime.Accumulate(obs, windows)
	if err != nil {
		return Row{}, err
	}

	var last *uptime.Observation
	if len(obs) > 0 {
		last = &obs[len(obs)-1]
	}
	// Overnight rules are split at local midnight, so after midnight only the
	// post-midnight half is extrapolated. The earlier half keeps what Accumulate
	// credited to it.
	var current *calendar.Window
	if len(windows) > 0 {
		current = &windows[len(windows)-1]
	}
	tail, err := uptime.Extrapolate(last, current, now)
	if err != nil {
		return Row{}, err
	}

	return Row{
		UptimeMinutes:    totals.Uptime + tail.Uptime,
		DowntimeMinutes:  totals.Downtime + tail.Downtime,
		ScheduledMinutes: calendar.TotalMinutes(windows),
	}, nil
}

// since returns the observations at or after start, prefixed with the
// latest one before start so that forward-fill covers the range's head.
func since(obs []uptime.Observation, start time.Time) []uptime.Observation {
	i := sort.Search(len(obs), func(i int) bool { return !obs[i].At.Before(start) })
	if i > 0 {
		i--
	}
	return obs[i:]
}

// location resolves the store's zone. A store with no zone record, no
// business hours and no observations at all is unknown even when a default
// zone is configured.
func (e *Engine) location(ctx context.Context, storeID string, hasHours bool) (*time.Location, error) {
	name, err := e.src.Timezone(ctx, storeID)
	if errors.Is(err, storage.ErrNotFound) {
		if e.defaultTZ == "" {
			return nil, fmt.Errorf("%w: %s has no time zone", ErrUnknownStore, storeID)
		}
		if !hasHours {
			known, err := e.hasObservations(ctx, storeID)
			if err != nil {
				return nil, err
			}
			if !known {
				return nil, fmt.Errorf("%w: %s", ErrUnknownStore, storeID)
			}
		}
		name = e.defaultTZ
	} else if err != nil {
		return nil, fmt.Errorf("loading time zone: %w", err)
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s has invalid time zone %q", ErrUnknownStore, storeID, name)
	}
	return loc, nil
}

func (e *Engine) hasObservations(ctx context.Context, storeID string) (bool, error) {
	last, err := e.src.LastObservationBefore(ctx, storeID, endOfTime)
	if err != nil {
		return false, fmt.Errorf("loading last observation: %w", err)
	}
	return last != nil, nil
}

// schedule parses raw rules. A day with any malformed rule is treated as
// closed and logged.
func (e *Engine) schedule(storeID string, hours []storage.BusinessHours) calendar.Schedule {
	bad := make(map[int]bool)
	var rules []calendar.Rule
	for _, h := range hours {
		r, err := parseRule(h)
		if err != nil {
			e.logger.Warn("skipping malformed business hours", "store_id", storeID, "day_of_week", h.DayOfWeek, "error", err)
			observability.RecordRuleSkipped()
			bad[h.DayOfWeek] = true
			continue
		}
		rules = append(rules, r)
	}

	kept := rules[:0]
	for _, r := range rules {
		if !bad[r.DayOfWeek] {
			kept = append(kept, r)
		}
	}
	// parseRule already rejected out-of-range days.
	s, _ := calendar.NewSchedule(kept)
	return s
}

func parseRule(h storage.BusinessHours) (calendar.Rule, error) {
	if h.DayOfWeek < 0 || h.DayOfWeek > 6 {
		return calendar.Rule{}, fmt.Errorf("%w: day_of_week %d", calendar.ErrMalformedRule, h.DayOfWeek)
	}
	start, err := calendar.ParseClock(h.StartLocal)
	if err != nil {
		return calendar.Rule{}, err
	}
	end, err := calendar.ParseClock(h.EndLocal)
	if err != nil {
		return calendar.Rule{}, err
	}
	return calendar.Rule{DayOfWeek: h.DayOfWeek, Start: start, End: end}, nil
}
