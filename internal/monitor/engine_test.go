package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/storemon/internal/storage"
	"github.com/kalambet/storemon/internal/uptime"
)

// monday is 2023-01-23, a Monday.
func monday(h, m int) time.Time {
	return time.Date(2023, 1, 23, h, m, 0, 0, time.UTC)
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedS1 stores the reference scenario: UTC store open Monday 09:00-17:00
// observed active at 09:00, inactive at 11:00 and active again at 13:00.
func seedS1(t *testing.T, s *storage.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SetTimezone(ctx, "S1", "UTC"))
	require.NoError(t, s.SaveBusinessHours(ctx, []storage.BusinessHours{
		{StoreID: "S1", DayOfWeek: 0, StartLocal: "09:00:00", EndLocal: "17:00:00"},
	}))
	require.NoError(t, s.SaveObservations(ctx, []uptime.Observation{
		{StoreID: "S1", At: monday(9, 0), Status: uptime.Active},
		{StoreID: "S1", At: monday(11, 0), Status: uptime.Inactive},
		{StoreID: "S1", At: monday(13, 0), Status: uptime.Active},
	}))
}

func rowFor(t *testing.T, rows []Row, store, horizon string) Row {
	t.Helper()
	for _, r := range rows {
		if r.StoreID == store && r.Horizon == horizon {
			return r
		}
	}
	t.Fatalf("no row for %s/%s in %+v", store, horizon, rows)
	return Row{}
}

func TestComputeStore_ReferenceScenario(t *testing.T) {
	s := newStore(t)
	seedS1(t, s)
	e := NewEngine(s, "", 2)

	rows, err := e.ComputeStore(context.Background(), "S1", monday(14, 0))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	day := rowFor(t, rows, "S1", "last_day")
	assert.InDelta(t, 180, day.UptimeMinutes, 1e-9)
	assert.InDelta(t, 120, day.DowntimeMinutes, 1e-9)
	assert.InDelta(t, 300, day.ScheduledMinutes, 1e-9)

	hour := rowFor(t, rows, "S1", "last_hour")
	assert.InDelta(t, 60, hour.UptimeMinutes, 1e-9)
	assert.InDelta(t, 0, hour.DowntimeMinutes, 1e-9)
	assert.InDelta(t, 60, hour.ScheduledMinutes, 1e-9)
}

func TestComputeStore_WeekUnionsDistinctDays(t *testing.T) {
	s := newStore(t)
	seedS1(t, s)
	e := NewEngine(s, "", 2)

	rows, err := e.ComputeStore(context.Background(), "S1", monday(14, 0))
	require.NoError(t, err)

	// Previous Monday 14:00-17:00 plus this Monday 09:00-14:00.
	week := rowFor(t, rows, "S1", "last_week")
	assert.InDelta(t, 180+300, week.ScheduledMinutes, 1e-9)
	assert.InDelta(t, 180, week.UptimeMinutes, 1e-9)
	assert.InDelta(t, 120, week.DowntimeMinutes, 1e-9)
	assert.LessOrEqual(t, week.UptimeMinutes+week.DowntimeMinutes, week.ScheduledMinutes)
}

func TestComputeStore_HorizonOrder(t *testing.T) {
	s := newStore(t)
	seedS1(t, s)

	rows, err := NewEngine(s, "", 1).ComputeStore(context.Background(), "S1", monday(14, 0))
	require.NoError(t, err)
	var names []string
	for _, r := range rows {
		names = append(names, r.Horizon)
	}
	assert.Equal(t, []string{"last_hour", "last_day", "last_week"}, names)
}

func TestComputeStore_SeedsFromEarlierObservation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetTimezone(ctx, "S2", "UTC"))
	require.NoError(t, s.SaveBusinessHours(ctx, []storage.BusinessHours{
		{StoreID: "S2", DayOfWeek: 0, StartLocal: "09:00", EndLocal: "17:00"},
	}))
	// The only samples precede the last hour; the earlier one is inactive.
	require.NoError(t, s.SaveObservations(ctx, []uptime.Observation{
		{StoreID: "S2", At: monday(10, 0), Status: uptime.Inactive},
		{StoreID: "S2", At: monday(12, 0), Status: uptime.Active},
		{StoreID: "S2", At: monday(12, 30), Status: uptime.Inactive},
	}))

	rows, err := NewEngine(s, "", 1).ComputeStore(ctx, "S2", monday(14, 0))
	require.NoError(t, err)

	hour := rowFor(t, rows, "S2", "last_hour")
	assert.InDelta(t, 0, hour.UptimeMinutes, 1e-9)
	assert.InDelta(t, 60, hour.DowntimeMinutes, 1e-9)
}

func TestComputeStore_NoObservationsCountsElapsedAsDowntime(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetTimezone(ctx, "S3", "UTC"))
	require.NoError(t, s.SaveBusinessHours(ctx, []storage.BusinessHours{
		{StoreID: "S3", DayOfWeek: 0, StartLocal: "09:00", EndLocal: "17:00"},
	}))

	rows, err := NewEngine(s, "", 1).ComputeStore(ctx, "S3", monday(10, 30))
	require.NoError(t, err)

	day := rowFor(t, rows, "S3", "last_day")
	assert.InDelta(t, 0, day.UptimeMinutes, 1e-9)
	assert.InDelta(t, 90, day.DowntimeMinutes, 1e-9)
}

func TestComputeStore_ClosedNow(t *testing.T) {
	s := newStore(t)
	seedS1(t, s)

	// Monday 20:00 is after hours.
	rows, err := NewEngine(s, "", 1).ComputeStore(context.Background(), "S1", monday(20, 0))
	require.NoError(t, err)

	hour := rowFor(t, rows, "S1", "last_hour")
	assert.Zero(t, hour.ScheduledMinutes)
	assert.Zero(t, hour.UptimeMinutes)
	assert.Zero(t, hour.DowntimeMinutes)
}

func TestComputeStore_DefaultTimezone(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveBusinessHours(ctx, []storage.BusinessHours{
		{StoreID: "chi", DayOfWeek: 0, StartLocal: "09:00", EndLocal: "17:00"},
	}))

	// 15:00 UTC is 09:00 in Chicago (CST, UTC-6).
	rows, err := NewEngine(s, "America/Chicago", 1).ComputeStore(ctx, "chi", monday(16, 0))
	require.NoError(t, err)
	day := rowFor(t, rows, "chi", "last_day")
	assert.InDelta(t, 60, day.ScheduledMinutes, 1e-9)
}

func TestComputeStore_UnknownStore(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveObservations(ctx, []uptime.Observation{
		{StoreID: "ghost", At: monday(9, 0), Status: uptime.Active},
	}))

	t.Run("no zone and no default", func(t *testing.T) {
		_, err := NewEngine(s, "", 1).ComputeStore(ctx, "ghost", monday(10, 0))
		assert.ErrorIs(t, err, ErrUnknownStore)
	})

	t.Run("id never seen", func(t *testing.T) {
		_, err := NewEngine(s, "UTC", 1).ComputeStore(ctx, "nobody", monday(10, 0))
		assert.ErrorIs(t, err, ErrUnknownStore)
	})

	t.Run("observed store falls back to default", func(t *testing.T) {
		_, err := NewEngine(s, "UTC", 1).ComputeStore(ctx, "ghost", monday(10, 0))
		assert.NoError(t, err)
	})

	t.Run("invalid zone name", func(t *testing.T) {
		require.NoError(t, s.SetTimezone(ctx, "bad-zone", "Mars/Olympus_Mons"))
		_, err := NewEngine(s, "UTC", 1).ComputeStore(ctx, "bad-zone", monday(10, 0))
		assert.ErrorIs(t, err, ErrUnknownStore)
	})
}

func TestComputeStore_MalformedRuleClosesDay(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetTimezone(ctx, "S4", "UTC"))
	require.NoError(t, s.SaveBusinessHours(ctx, []storage.BusinessHours{
		{StoreID: "S4", DayOfWeek: 0, StartLocal: "09:00", EndLocal: "12:00"},
		{StoreID: "S4", DayOfWeek: 0, StartLocal: "nine", EndLocal: "17:00"},
		{StoreID: "S4", DayOfWeek: 6, StartLocal: "10:00", EndLocal: "11:00"},
	}))

	rows, err := NewEngine(s, "", 1).ComputeStore(ctx, "S4", monday(23, 0))
	require.NoError(t, err)

	week := rowFor(t, rows, "S4", "last_week")
	// Monday is closed; only Sunday 10:00-11:00 remains in the week.
	assert.InDelta(t, 60, week.ScheduledMinutes, 1e-9)
}

func TestComputeStore_NonNumericSecondsCloseDay(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetTimezone(ctx, "S5", "UTC"))
	require.NoError(t, s.SaveBusinessHours(ctx, []storage.BusinessHours{
		{StoreID: "S5", DayOfWeek: 0, StartLocal: "12:00:NaN", EndLocal: "13:00:00"},
		{StoreID: "S5", DayOfWeek: 0, StartLocal: "14:00:1e1", EndLocal: "15:00:00"},
	}))

	rows, err := NewEngine(s, "", 1).ComputeStore(ctx, "S5", monday(23, 0))
	require.NoError(t, err)

	for _, horizon := range []string{"last_hour", "last_day", "last_week"} {
		r := rowFor(t, rows, "S5", horizon)
		assert.Zero(t, r.ScheduledMinutes, horizon)
		assert.Zero(t, r.UptimeMinutes+r.DowntimeMinutes, horizon)
	}
}

func TestComputeStore_OvernightTailOnlyAfterMidnight(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetTimezone(ctx, "S6", "UTC"))
	// Sunday 22:00 to Monday 02:00, never observed.
	require.NoError(t, s.SaveBusinessHours(ctx, []storage.BusinessHours{
		{StoreID: "S6", DayOfWeek: 6, StartLocal: "22:00", EndLocal: "02:00"},
	}))

	rows, err := NewEngine(s, "", 1).ComputeStore(ctx, "S6", monday(1, 0))
	require.NoError(t, err)

	day := rowFor(t, rows, "S6", "last_day")
	assert.InDelta(t, 180, day.ScheduledMinutes, 1e-9)
	// Only Monday 00:00-01:00 is extrapolated; Sunday 22:00-24:00 is not credited.
	assert.InDelta(t, 60, day.DowntimeMinutes, 1e-9)
	assert.Zero(t, day.UptimeMinutes)
}

func TestComputeAll_ExcludesUnknownStores(t *testing.T) {
	s := newStore(t)
	seedS1(t, s)
	require.NoError(t, s.SaveObservations(context.Background(), []uptime.Observation{
		{StoreID: "ghost", At: monday(9, 0), Status: uptime.Active},
	}))

	rows, err := NewEngine(s, "", 2).ComputeAll(context.Background(), monday(14, 0))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, "S1", r.StoreID)
	}
}

func TestComputeAll_NoStores(t *testing.T) {
	s := newStore(t)

	_, err := NewEngine(s, "UTC", 2).ComputeAll(context.Background(), monday(14, 0))
	assert.ErrorIs(t, err, ErrNoStores)
}

func TestComputeAll_AllUnknown(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveObservations(context.Background(), []uptime.Observation{
		{StoreID: "ghost", At: monday(9, 0), Status: uptime.Active},
	}))

	_, err := NewEngine(s, "", 2).ComputeAll(context.Background(), monday(14, 0))
	assert.ErrorIs(t, err, ErrNoStores)
}

func TestComputeAll_OrderedByStore(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.SetTimezone(ctx, id, "UTC"))
	}

	rows, err := NewEngine(s, "", 3).ComputeAll(ctx, monday(14, 0))
	require.NoError(t, err)
	require.Len(t, rows, 9)
	assert.Equal(t, "a", rows[0].StoreID)
	assert.Equal(t, "b", rows[3].StoreID)
	assert.Equal(t, "c", rows[6].StoreID)
}

type failingSource struct {
	*storage.Store
}

func (f failingSource) Observations(context.Context, string, time.Time, time.Time) ([]uptime.Observation, error) {
	return nil, errors.New("disk on fire")
}

func TestComputeAll_PropagatesSourceErrors(t *testing.T) {
	s := newStore(t)
	seedS1(t, s)

	_, err := NewEngine(failingSource{s}, "", 1).ComputeAll(context.Background(), monday(14, 0))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoStores)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestSince(t *testing.T) {
	obs := []uptime.Observation{
		{At: monday(9, 0)}, {At: monday(10, 0)}, {At: monday(11, 0)},
	}

	assert.Len(t, since(obs, monday(8, 0)), 3)
	assert.Equal(t, monday(9, 0), since(obs, monday(10, 0))[0].At)
	assert.Equal(t, monday(10, 0), since(obs, monday(10, 30))[0].At)
	assert.Len(t, since(obs, monday(12, 0)), 1)
	assert.Empty(t, since(nil, monday(12, 0)))
}
