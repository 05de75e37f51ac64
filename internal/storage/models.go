package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrReportFinalized is returned when a report that already left the
// Running state is transitioned again.
var ErrReportFinalized = errors.New("report already finalized")

// Report job statuses.
const (
	ReportRunning  = "Running"
	ReportComplete = "Complete"
	ReportError    = "Error"
)

// BusinessHours is one raw business-hours row as ingested. Clock times are
// kept as text so that malformed rows can be detected by the caller.
type BusinessHours struct {
	StoreID    string
	DayOfWeek  int // 0 = Monday
	StartLocal string
	EndLocal   string
}

// StoreTimezone maps a store to an IANA zone name.
type StoreTimezone struct {
	StoreID  string
	Timezone string
}

type Report struct {
	ID          string
	Status      string // "Running", "Complete", "Error"
	CreatedAt   time.Time
	CompletedAt time.Time
	Error       string
}

// ReportRow is one store x horizon result line.
type ReportRow struct {
	StoreID          string
	Horizon          string
	UptimeMinutes    float64
	DowntimeMinutes  float64
	ScheduledMinutes float64
}
