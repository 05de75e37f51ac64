// Package calendar turns a store's weekly local business hours into concrete
// UTC business windows.
package calendar

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedRule is returned when a business-hours clock time cannot be parsed.
	ErrMalformedRule = errors.New("malformed business hours rule")
	// ErrInvalidRange is returned when a range ends before it starts.
	ErrInvalidRange = errors.New("invalid time range")
	// ErrNilLocation is returned when no time zone is supplied.
	ErrNilLocation = errors.New("nil location")
)

// Clock is a local wall-clock time of day, stored as an offset from midnight.
// 24:00 is allowed and denotes the end of the day.
type Clock time.Duration

// ParseClock parses HH:MM, HH:MM:SS or HH:MM:SS.ffffff.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRule, s)
	}

	h, ok := digits(parts[0], 2)
	if !ok || h > 24 {
		return 0, fmt.Errorf("%w: hour in %q", ErrMalformedRule, s)
	}
	m, ok := digits(parts[1], 2)
	if !ok || m > 59 {
		return 0, fmt.Errorf("%w: minute in %q", ErrMalformedRule, s)
	}
	var sec, frac time.Duration
	if len(parts) == 3 {
		whole, fraction, hasFrac := strings.Cut(parts[2], ".")
		n, ok := digits(whole, 2)
		if !ok || n > 59 {
			return 0, fmt.Errorf("%w: second in %q", ErrMalformedRule, s)
		}
		sec = time.Duration(n) * time.Second
		if hasFrac {
			f, ok := digits(fraction, 9)
			if !ok {
				return 0, fmt.Errorf("%w: second in %q", ErrMalformedRule, s)
			}
			for i := len(fraction); i < 9; i++ {
				f *= 10
			}
			frac = time.Duration(f)
		}
	}
	if h == 24 && (m != 0 || sec != 0 || frac != 0) {
		return 0, fmt.Errorf("%w: %q is past end of day", ErrMalformedRule, s)
	}

	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + sec + frac
	return Clock(d), nil
}

// digits parses 1 to maxLen ASCII digits. Signs, exponents and NaN are rejected.
func digits(s string, maxLen int) (int, bool) {
	if s == "" || len(s) > maxLen {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func (c Clock) String() string {
	d := time.Duration(c)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}

// on returns the instant of c on the local date (y, mo, d) in loc.
func (c Clock) on(y int, mo time.Month, d int, loc *time.Location) time.Time {
	dur := time.Duration(c)
	h := int(dur / time.Hour)
	dur -= time.Duration(h) * time.Hour
	m := int(dur / time.Minute)
	dur -= time.Duration(m) * time.Minute
	s := int(dur / time.Second)
	ns := int(dur - time.Duration(s)*time.Second)
	return time.Date(y, mo, d, h, m, s, ns, loc)
}

// Weekday converts a time.Weekday to the 0 = Monday convention used by
// business hours rules.
func Weekday(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// Rule is one business-hours interval on a given day of week (0 = Monday).
// End before Start means the interval crosses local midnight.
type Rule struct {
	DayOfWeek int
	Start     Clock
	End       Clock
}

// Schedule is a store's weekly business hours indexed by day of week.
type Schedule map[int][]Rule

// NewSchedule groups rules by day of week. Rules with an out-of-range day
// are rejected.
func NewSchedule(rules []Rule) (Schedule, error) {
	s := make(Schedule, 7)
	for _, r := range rules {
		if r.DayOfWeek < 0 || r.DayOfWeek > 6 {
			return nil, fmt.Errorf("%w: day_of_week %d", ErrMalformedRule, r.DayOfWeek)
		}
		s[r.DayOfWeek] = append(s[r.DayOfWeek], r)
	}
	return s, nil
}

// Window is a concrete UTC interval [Start, End) during which a store is open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Minutes returns the length of the window in fractional minutes.
func (w Window) Minutes() float64 { return w.Duration().Minutes() }

// TotalMinutes sums the lengths of ws.
func TotalMinutes(ws []Window) float64 {
	var total float64
	for _, w := range ws {
		total += w.Minutes()
	}
	return total
}

// Resolve returns the ordered, non-overlapping UTC business windows of
// schedule within [start, end], computed in loc.
func Resolve(schedule Schedule, loc *time.Location, start, end time.Time) ([]Window, error) {
	if loc == nil {
		return nil, ErrNilLocation
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if !end.After(start) || len(schedule) == 0 {
		return nil, nil
	}

	// The day before start is included because an overnight rule on it can
	// spill into the range.
	first := start.In(loc).AddDate(0, 0, -1)
	last := end.In(loc)
	day := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, loc)
	lastDay := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, loc)

	var windows []Window
	for !day.After(lastDay) {
		y, mo, d := day.Date()
		for _, r := range schedule[Weekday(day.Weekday())] {
			for _, w := range r.windowsOn(y, mo, d, loc) {
				if c, ok := clip(w, start, end); ok {
					windows = append(windows, c)
				}
			}
		}
		day = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
	}

	return merge(windows), nil
}

func (r Rule) windowsOn(y int, mo time.Month, d int, loc *time.Location) []Window {
	switch {
	case r.Start == r.End:
		return nil
	case r.Start < r.End:
		return []Window{{Start: r.Start.on(y, mo, d, loc).UTC(), End: r.End.on(y, mo, d, loc).UTC()}}
	default:
		midnight := time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
		ny, nmo, nd := midnight.Date()
		return []Window{
			{Start: r.Start.on(y, mo, d, loc).UTC(), End: midnight.UTC()},
			{Start: midnight.UTC(), End: r.End.on(ny, nmo, nd, loc).UTC()},
		}
	}
}

func clip(w Window, start, end time.Time) (Window, bool) {
	if w.Start.Before(start) {
		w.Start = start
	}
	if w.End.After(end) {
		w.End = end
	}
	if !w.End.After(w.Start) {
		return Window{}, false
	}
	w.Start = w.Start.UTC()
	w.End = w.End.UTC()
	return w, true
}

// merge sorts windows and coalesces strictly overlapping ones. Touching
// windows are kept apart.
func merge(ws []Window) []Window {
	if len(ws) < 2 {
		return ws
	}
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].Start.Equal(ws[j].Start) {
			return ws[i].End.Before(ws[j].End)
		}
		return ws[i].Start.Before(ws[j].Start)
	})

	out := ws[:1]
	for _, w := range ws[1:] {
		prev := &out[len(out)-1]
		if w.Start.Before(prev.End) {
			if w.End.After(prev.End) {
				prev.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}
