// Package uptime reconstructs uptime and downtime from sparse status samples.
//
// The single interpolation rule is forward-fill: a store's status, once
// observed, is assumed to hold until the next observation contradicts it.
// Only time inside business windows is ever credited.
package uptime

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/storemon/internal/calendar"
)

var (
	ErrUnsortedObservations = errors.New("observations not sorted by timestamp")
	ErrInvalidWindow        = errors.New("invalid business window")
	ErrUnknownStatus        = errors.New("unknown status")
)

// Status is the sampled state of a store.
type Status string

const (
	Active   Status = "active"
	Inactive Status = "inactive"
)

// ParseStatus accepts the two known status strings.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case Active, Inactive:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Observation is a single timestamped status sample.
type Observation struct {
	StoreID string
	At      time.Time
	Status  Status
}

// Totals holds accumulated minutes.
type Totals struct {
	Uptime   float64
	Downtime float64
}

// Add returns the element-wise sum of t and o.
func (t Totals) Add(o Totals) Totals {
	return Totals{Uptime: t.Uptime + o.Uptime, Downtime: t.Downtime + o.Downtime}
}

func (t *Totals) credit(s Status, d time.Duration) {
	if s == Active {
		t.Uptime += d.Minutes()
	} else {
		t.Downtime += d.Minutes()
	}
}

// Accumulate credits each interval between adjacent observations to the
// status of the earlier one, counting only the portion inside windows.
// Time before the first or after the last observation is not credited.
func Accumulate(obs []Observation, windows []calendar.Window) (Totals, error) {
	if err := validateWindows(windows); err != nil {
		return Totals{}, err
	}
	for i := range obs {
		if _, err := ParseStatus(string(obs[i].Status)); err != nil {
			return Totals{}, err
		}
		if i > 0 && obs[i].At.Before(obs[i-1].At) {
			return Totals{}, fmt.Errorf("%w: index %d", ErrUnsortedObservations, i)
		}
	}

	var totals Totals
	w := 0
	for i := 0; i+1 < len(obs) && w < len(windows); i++ {
		from, to := obs[i].At, obs[i+1].At
		if !to.After(from) {
			continue
		}
		for w < len(windows) && !windows[w].End.After(from) {
			w++
		}
		// Later pairs may still overlap windows[w], so only k advances here.
		for k := w; k < len(windows) && windows[k].Start.Before(to); k++ {
			totals.credit(obs[i].Status, overlap(from, to, windows[k]))
		}
	}
	return totals, nil
}

// Tail is the extrapolated share of the current business window.
type Tail struct {
	Uptime        float64
	Downtime      float64
	WindowMinutes float64
}

// Extrapolate forward-fills last across the unobserved part of window up to
// now. With no window it returns zeros. With no prior observation the
// elapsed part of the window counts as downtime. WindowMinutes is always the
// full length of window.
func Extrapolate(last *Observation, window *calendar.Window, now time.Time) (Tail, error) {
	if window == nil {
		return Tail{}, nil
	}
	if !window.End.After(window.Start) {
		return Tail{}, fmt.Errorf("%w: end %s not after start %s", ErrInvalidWindow, window.End, window.Start)
	}

	tail := Tail{WindowMinutes: window.Minutes()}
	end := window.End
	if now.Before(end) {
		end = now
	}

	if last == nil {
		if end.After(window.Start) {
			tail.Downtime = end.Sub(window.Start).Minutes()
		}
		return tail, nil
	}
	if _, err := ParseStatus(string(last.Status)); err != nil {
		return Tail{}, err
	}

	from := last.At
	if from.Before(window.Start) {
		from = window.Start
	}
	if !end.After(from) {
		return tail, nil
	}
	var t Totals
	t.credit(last.Status, end.Sub(from))
	tail.Uptime, tail.Downtime = t.Uptime, t.Downtime
	return tail, nil
}

func overlap(from, to time.Time, w calendar.Window) time.Duration {
	start, end := from, to
	if w.Start.After(start) {
		start = w.Start
	}
	if w.End.Before(end) {
		end = w.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

func validateWindows(ws []calendar.Window) error {
	for i, w := range ws {
		if !w.End.After(w.Start) {
			return fmt.Errorf("%w: window %d end not after start", ErrInvalidWindow, i)
		}
		if i > 0 && w.Start.Before(ws[i-1].End) {
			return fmt.Errorf("%w: window %d overlaps or precedes window %d", ErrInvalidWindow, i, i-1)
		}
	}
	return nil
}
