package loader

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/us"

	"golang-trust-loader/internal/models"
)

// Expectation says on which delivery days a file source must have a file
// before a scheduled run may start.
type Expectation int

const (
	// ExpectNone never holds a run back. Feeds with irregular deliveries use it.
	ExpectNone Expectation = iota
	// ExpectDaily expects a file on every delivery day.
	ExpectDaily
	// ExpectBusinessDays expects a file on weekdays that are not US federal
	// holidays.
	ExpectBusinessDays
)

var businessCalendar = func() *cal.BusinessCalendar {
	c := cal.NewBusinessCalendar()
	c.AddHoliday(us.Holidays...)
	return c
}()

// IsBusinessDay reports whether d is a weekday and not a US federal holiday.
func IsBusinessDay(d time.Time) bool {
	return businessCalendar.IsWorkday(models.Day(d))
}

// AvailabilityChecker is implemented by extractors that read delivered files.
type AvailabilityChecker interface {
	// Missing returns the delivery days of w that still lack a file. Days
	// after today are never expected; a folder that does not exist yet
	// holds no files.
	Missing(ctx context.Context, env *Env, l *Loader, w models.DateWindow, today time.Time) ([]time.Time, error)
}

// Missing implements AvailabilityChecker
func (f FileExtractor) Missing(ctx context.Context, env *Env, l *Loader, w models.DateWindow, today time.Time) ([]time.Time, error) {
	if f.Await == ExpectNone {
		return nil, nil
	}
	fw := f.fileWindow(l.Window(w))

	var expected []time.Time
	for _, d := range fw.Days() {
		if d.After(models.Day(today)) {
			break
		}
		if f.Await == ExpectBusinessDays && !IsBusinessDay(d) {
			continue
		}
		expected = append(expected, d)
	}
	if len(expected) == 0 {
		return nil, nil
	}

	jobs, err := f.discover(ctx, env, fw)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	delivered := make(map[time.Time]bool, len(jobs))
	for _, j := range jobs {
		delivered[models.Day(j.Date)] = true
	}

	var missing []time.Time
	for _, d := range expected {
		if !delivered[d] {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// Missing returns the delivery days the loader is still waiting for. Loaders
// that do not read files are always ready.
func (l *Loader) Missing(ctx context.Context, env *Env, w models.DateWindow, today time.Time) ([]time.Time, error) {
	checker, ok := l.Extractor.(AvailabilityChecker)
	if !ok {
		return nil, nil
	}
	return checker.Missing(ctx, env, l, w, today)
}
