package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/storemon/internal/uptime"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := openTestStore(t)

	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}

	var timeout int
	if err := s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestPendingMigrations_EmptyAfterOpen(t *testing.T) {
	s := openTestStore(t)

	pending, err := s.pendingMigrations()
	if err != nil {
		t.Fatalf("pendingMigrations: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want none", pending)
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) != 2 {
		t.Fatalf("applied %d migrations, want 2", len(versions))
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_observations_store_ts", "idx_business_hours_store_day", "idx_reports_status"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestObservations_RangeAndOrder(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2023, 1, 23, 9, 0, 0, 0, time.UTC)

	err := s.SaveObservations(ctx, []uptime.Observation{
		{StoreID: "s1", At: base.Add(2 * time.Hour), Status: uptime.Active},
		{StoreID: "s1", At: base, Status: uptime.Inactive},
		{StoreID: "s1", At: base.Add(time.Hour), Status: uptime.Active},
		{StoreID: "s1", At: base.Add(time.Hour), Status: uptime.Inactive},
		{StoreID: "s2", At: base, Status: uptime.Active},
		{StoreID: "s1", At: base.Add(5 * time.Hour), Status: uptime.Active},
	})
	if err != nil {
		t.Fatalf("SaveObservations: %v", err)
	}

	got, err := s.Observations(ctx, "s1", base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d observations, want 4", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].At.Before(got[i-1].At) {
			t.Errorf("observations not sorted at %d: %v", i, got)
		}
	}
	// Same-timestamp samples keep insertion order.
	if got[1].Status != uptime.Active || got[2].Status != uptime.Inactive {
		t.Errorf("tie order = %s,%s, want active,inactive", got[1].Status, got[2].Status)
	}
	if !got[0].At.Equal(base) || got[0].StoreID != "s1" {
		t.Errorf("first = %+v, want s1 at %s", got[0], base)
	}
}

func TestObservations_MicrosecondPrecision(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2023, 1, 22, 12, 9, 39, 388884000, time.UTC)

	if err := s.SaveObservations(ctx, []uptime.Observation{{StoreID: "s1", At: at, Status: uptime.Active}}); err != nil {
		t.Fatalf("SaveObservations: %v", err)
	}
	got, err := s.Observations(ctx, "s1", at, at)
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(got) != 1 || !got[0].At.Equal(at) {
		t.Errorf("got %v, want single observation at %s", got, at)
	}
}

func TestSaveObservations_RejectsUnknownStatus(t *testing.T) {
	s := openTestStore(t)
	err := s.SaveObservations(ctx, []uptime.Observation{{StoreID: "s1", At: time.Now(), Status: "maybe"}})
	if err == nil {
		t.Fatal("expected CHECK constraint error")
	}
	n, _ := s.CountObservations(ctx)
	if n != 0 {
		t.Errorf("CountObservations = %d, want 0 after rollback", n)
	}
}

func TestLastObservationBefore(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2023, 1, 23, 9, 0, 0, 0, time.UTC)

	none, err := s.LastObservationBefore(ctx, "s1", base)
	if err != nil {
		t.Fatalf("LastObservationBefore: %v", err)
	}
	if none != nil {
		t.Fatalf("got %+v, want nil", none)
	}

	s.SaveObservations(ctx, []uptime.Observation{
		{StoreID: "s1", At: base.Add(-2 * time.Hour), Status: uptime.Active},
		{StoreID: "s1", At: base.Add(-time.Hour), Status: uptime.Active},
		{StoreID: "s1", At: base.Add(-time.Hour), Status: uptime.Inactive},
		{StoreID: "s1", At: base, Status: uptime.Active},
	})

	last, err := s.LastObservationBefore(ctx, "s1", base)
	if err != nil {
		t.Fatalf("LastObservationBefore: %v", err)
	}
	if last == nil || !last.At.Equal(base.Add(-time.Hour)) || last.Status != uptime.Inactive {
		t.Errorf("last = %+v, want inactive at %s", last, base.Add(-time.Hour))
	}
}

func TestBusinessHours(t *testing.T) {
	s := openTestStore(t)
	err := s.SaveBusinessHours(ctx, []BusinessHours{
		{StoreID: "s1", DayOfWeek: 2, StartLocal: "09:00:00", EndLocal: "17:00:00"},
		{StoreID: "s1", DayOfWeek: 0, StartLocal: "18:00:00", EndLocal: "22:00:00"},
		{StoreID: "s1", DayOfWeek: 0, StartLocal: "08:00:00", EndLocal: "12:00:00"},
		{StoreID: "s2", DayOfWeek: 0, StartLocal: "00:00:00", EndLocal: "23:59:59"},
	})
	if err != nil {
		t.Fatalf("SaveBusinessHours: %v", err)
	}

	all, err := s.BusinessHours(ctx, "s1")
	if err != nil {
		t.Fatalf("BusinessHours: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d rules, want 3", len(all))
	}
	if all[0].DayOfWeek != 0 || all[0].StartLocal != "08:00:00" {
		t.Errorf("first rule = %+v, want Monday 08:00:00", all[0])
	}

	monday, err := s.BusinessHoursForDay(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("BusinessHoursForDay: %v", err)
	}
	if len(monday) != 2 {
		t.Errorf("got %d Monday rules, want 2", len(monday))
	}

	sunday, err := s.BusinessHoursForDay(ctx, "s1", 6)
	if err != nil {
		t.Fatalf("BusinessHoursForDay: %v", err)
	}
	if len(sunday) != 0 {
		t.Errorf("got %d Sunday rules, want 0", len(sunday))
	}
}

func TestTimezone(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Timezone(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Timezone error = %v, want ErrNotFound", err)
	}

	if err := s.SetTimezone(ctx, "s1", "America/Chicago"); err != nil {
		t.Fatalf("SetTimezone: %v", err)
	}
	if err := s.SetTimezone(ctx, "s1", "Asia/Beirut"); err != nil {
		t.Fatalf("SetTimezone overwrite: %v", err)
	}

	tz, err := s.Timezone(ctx, "s1")
	if err != nil {
		t.Fatalf("Timezone: %v", err)
	}
	if tz != "Asia/Beirut" {
		t.Errorf("Timezone = %q, want %q", tz, "Asia/Beirut")
	}
}

func TestListStores_UnionAcrossTables(t *testing.T) {
	s := openTestStore(t)
	s.SaveObservations(ctx, []uptime.Observation{{StoreID: "c", At: time.Now(), Status: uptime.Active}})
	s.SaveBusinessHours(ctx, []BusinessHours{{StoreID: "a", DayOfWeek: 0, StartLocal: "09:00", EndLocal: "10:00"}})
	s.SetTimezone(ctx, "b", "UTC")
	s.SetTimezone(ctx, "c", "UTC")

	ids, err := s.ListStores(ctx)
	if err != nil {
		t.Fatalf("ListStores: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("ListStores = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ListStores[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestReplaceDataset(t *testing.T) {
	s := openTestStore(t)
	s.SaveObservations(ctx, []uptime.Observation{{StoreID: "old", At: time.Now(), Status: uptime.Active}})
	s.SetTimezone(ctx, "old", "UTC")

	err := s.ReplaceDataset(ctx, Dataset{
		Observations:  []uptime.Observation{{StoreID: "new", At: time.Now(), Status: uptime.Inactive}},
		BusinessHours: []BusinessHours{{StoreID: "new", DayOfWeek: 1, StartLocal: "09:00", EndLocal: "17:00"}},
		Timezones:     []StoreTimezone{{StoreID: "new", Timezone: "America/Denver"}},
	})
	if err != nil {
		t.Fatalf("ReplaceDataset: %v", err)
	}

	ids, _ := s.ListStores(ctx)
	if len(ids) != 1 || ids[0] != "new" {
		t.Errorf("ListStores = %v, want [new]", ids)
	}
}

func TestReportLifecycle_Complete(t *testing.T) {
	s := openTestStore(t)
	created := time.Date(2023, 1, 25, 10, 0, 0, 0, time.UTC)

	if err := s.CreateReport(ctx, Report{ID: "r1", CreatedAt: created}); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	r, err := s.GetReport(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if r.Status != ReportRunning {
		t.Errorf("Status = %q, want %q", r.Status, ReportRunning)
	}
	if !r.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", r.CreatedAt, created)
	}

	rows := []ReportRow{
		{StoreID: "s1", Horizon: "last_week", UptimeMinutes: 10, DowntimeMinutes: 2, ScheduledMinutes: 12},
		{StoreID: "s1", Horizon: "last_hour", UptimeMinutes: 1.5, DowntimeMinutes: 0.5, ScheduledMinutes: 60},
		{StoreID: "s0", Horizon: "last_day", UptimeMinutes: 3, DowntimeMinutes: 4, ScheduledMinutes: 7},
	}
	if err := s.CompleteReport(ctx, "r1", rows, created.Add(time.Minute)); err != nil {
		t.Fatalf("CompleteReport: %v", err)
	}

	r, _ = s.GetReport(ctx, "r1")
	if r.Status != ReportComplete {
		t.Errorf("Status = %q, want %q", r.Status, ReportComplete)
	}
	if r.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}

	got, err := s.ReportRows(ctx, "r1")
	if err != nil {
		t.Fatalf("ReportRows: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	if got[0].StoreID != "s0" || got[1].Horizon != "last_hour" || got[2].Horizon != "last_week" {
		t.Errorf("rows out of order: %+v", got)
	}
	if got[1].UptimeMinutes != 1.5 {
		t.Errorf("UptimeMinutes = %v, want 1.5", got[1].UptimeMinutes)
	}
}

func TestReportLifecycle_StatusIsMonotone(t *testing.T) {
	s := openTestStore(t)
	s.CreateReport(ctx, Report{ID: "r1"})

	if err := s.FailReport(ctx, "r1", "boom", time.Now()); err != nil {
		t.Fatalf("FailReport: %v", err)
	}

	err := s.CompleteReport(ctx, "r1", []ReportRow{{StoreID: "s1", Horizon: "last_hour"}}, time.Now())
	if !errors.Is(err, ErrReportFinalized) {
		t.Fatalf("CompleteReport error = %v, want ErrReportFinalized", err)
	}

	r, _ := s.GetReport(ctx, "r1")
	if r.Status != ReportError || r.Error != "boom" {
		t.Errorf("report = %+v, want Error/boom", r)
	}
	rows, _ := s.ReportRows(ctx, "r1")
	if len(rows) != 0 {
		t.Errorf("got %d rows on failed report, want 0", len(rows))
	}
}

func TestReportNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetReport(ctx, "missing"); err != ErrNotFound {
		t.Errorf("GetReport error = %v, want ErrNotFound", err)
	}
	if err := s.FailReport(ctx, "missing", "x", time.Now()); err != ErrNotFound {
		t.Errorf("FailReport error = %v, want ErrNotFound", err)
	}
}

func TestFailRunningReports(t *testing.T) {
	s := openTestStore(t)
	s.CreateReport(ctx, Report{ID: "running-1"})
	s.CreateReport(ctx, Report{ID: "running-2"})
	s.CreateReport(ctx, Report{ID: "done"})
	s.CompleteReport(ctx, "done", nil, time.Now())

	n, err := s.FailRunningReports(ctx, "interrupted", time.Now())
	if err != nil {
		t.Fatalf("FailRunningReports: %v", err)
	}
	if n != 2 {
		t.Errorf("FailRunningReports = %d, want 2", n)
	}

	r, _ := s.GetReport(ctx, "done")
	if r.Status != ReportComplete {
		t.Errorf("done.Status = %q, want Complete", r.Status)
	}
	r, _ = s.GetReport(ctx, "running-1")
	if r.Status != ReportError || r.Error != "interrupted" {
		t.Errorf("running-1 = %+v, want Error/interrupted", r)
	}
}
