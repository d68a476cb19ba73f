package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the layout used for every date the loader reads or writes.
const DateLayout = "2006-01-02"

// ErrInvalidWindow is returned when a window's start is not before its end.
var ErrInvalidWindow = errors.New("invalid window: start must be before end")

// DateWindow is a half-open [Start, End) range of whole days.
type DateWindow struct {
	Start time.Time
	End   time.Time
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewDateWindow creates a window with both endpoints normalized to whole days
func NewDateWindow(start, end time.Time) (DateWindow, error) {
	w := DateWindow{Start: Day(start), End: Day(end)}
	if !w.Start.Before(w.End) {
		return DateWindow{}, fmt.Errorf("%w: [%s, %s)", ErrInvalidWindow, w.Start.Format(DateLayout), w.End.Format(DateLayout))
	}
	return w, nil
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date '%s': expected YYYY-MM-DD", s)
	}
	return t, nil
}

// ParseDateWindow parses two YYYY-MM-DD dates into a window
func ParseDateWindow(start, end string) (DateWindow, error) {
	s, err := ParseDate(start)
	if err != nil {
		return DateWindow{}, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return DateWindow{}, err
	}
	return NewDateWindow(s, e)
}

// Shift moves both endpoints by the given number of days.
func (w DateWindow) Shift(days int) DateWindow {
	if days == 0 {
		return w
	}
	return DateWindow{Start: w.Start.AddDate(0, 0, days), End: w.End.AddDate(0, 0, days)}
}

// Contains reports whether t's calendar day lies in [Start, End).
func (w DateWindow) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(w.Start) && d.Before(w.End)
}

// Days enumerates the calendar days of the window in ascending order.
func (w DateWindow) Days() []time.Time {
	var days []time.Time
	for d := w.Start; d.Before(w.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Len returns the number of days in the window.
func (w DateWindow) Len() int {
	return int(w.End.Sub(w.Start).Hours() / 24)
}

// FileWindow is the window used to select input files. Files for business
// day D are delivered on D+1.
func (w DateWindow) FileWindow() DateWindow {
	return w.Shift(1)
}

// WithStart returns a copy of the window starting at start. The end is kept.
func (w DateWindow) WithStart(start time.Time) DateWindow {
	return DateWindow{Start: Day(start), End: w.End}
}

// EndingBy returns the window with its end moved back to t's day when it
// ends later. A window starting on or after t's day is returned unchanged.
func (w DateWindow) EndingBy(t time.Time) DateWindow {
	end := Day(t)
	if !w.End.After(end) || !w.Start.Before(end) {
		return w
	}
	return DateWindow{Start: w.Start, End: end}
}

// StartsOnOrAfter reports whether the window starts on or after t's day.
func (w DateWindow) StartsOnOrAfter(t time.Time) bool {
	return !w.Start.Before(Day(t))
}

// IsZero reports whether the window is unset.
func (w DateWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// String returns the window as [start, end)
func (w DateWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(DateLayout), w.End.Format(DateLayout))
}

// MarshalJSON renders the window with plain dates
func (w DateWindow) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}{
		Start: w.Start.Format(DateLayout),
		End:   w.End.Format(DateLayout),
	})
}

// UnmarshalJSON parses a window rendered by MarshalJSON
func (w *DateWindow) UnmarshalJSON(data []byte) error {
	var aux struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	parsed, err := ParseDateWindow(aux.Start, aux.End)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
