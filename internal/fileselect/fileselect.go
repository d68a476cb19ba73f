// Package fileselect decides which input files belong to a processing
// window. Selection is a pure decision: no file is opened or moved.
package fileselect

import (
	"path"
	"strings"
	"time"

	"golang-trust-loader/internal/models"
)

// FileDateMetadataKey is the object metadata entry that carries a logical
// file date, preferred over the object's last-modified time.
const FileDateMetadataKey = "file-date"

// FileRef is a candidate file: a local directory entry or an object
// storage listing entry.
type FileRef struct {
	Path     string            `json:"path"`
	ModTime  time.Time         `json:"modTime"`
	Size     int64             `json:"size"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Name returns the base name of the file or object key.
func (f FileRef) Name() string {
	return path.Base(strings.ReplaceAll(f.Path, "\\", "/"))
}

// Strategy tests a file against a window and returns its effective date.
type Strategy interface {
	Evaluate(ref FileRef, w models.DateWindow) (bool, time.Time)
}

// DateFormat is the order of date parts embedded in file names.
type DateFormat string

const (
	FormatYMD DateFormat = "ymd"
	FormatMDY DateFormat = "mdy"
)

// FilenameDateStrategy matches files whose path contains the formatted
// token of a day in the window. Days are scanned in ascending order and the
// first match wins, so a name carrying several date-like substrings resolves
// to the earliest matching day.
type FilenameDateStrategy struct {
	Format DateFormat
	Dashes bool
}

// Token formats d the way it appears in file names.
func (s FilenameDateStrategy) Token(d time.Time) string {
	sep := ""
	if s.Dashes {
		sep = "-"
	}
	if s.Format == FormatMDY {
		return d.Format("01" + sep + "02" + sep + "2006")
	}
	return d.Format("2006" + sep + "01" + sep + "02")
}

// Evaluate implements Strategy
func (s FilenameDateStrategy) Evaluate(ref FileRef, w models.DateWindow) (bool, time.Time) {
	for _, d := range w.Days() {
		if strings.Contains(ref.Path, s.Token(d)) {
			return true, d
		}
	}
	return false, time.Time{}
}

// ModifiedTimeStrategy matches files by their last-modified time, or by the
// file-date metadata value when object storage supplies one.
type ModifiedTimeStrategy struct{}

// Evaluate implements Strategy
func (ModifiedTimeStrategy) Evaluate(ref FileRef, w models.DateWindow) (bool, time.Time) {
	effective := ref.ModTime
	if v, ok := ref.Metadata[FileDateMetadataKey]; ok {
		if d, err := models.ParseDate(v); err == nil {
			effective = d
		}
	}
	if effective.IsZero() {
		return false, time.Time{}
	}
	return w.Contains(effective), models.Day(effective)
}

// ExcludeFunc reports whether a path must be skipped after the date test.
type ExcludeFunc func(path string) bool

// Selector applies a strategy and then an exclusion predicate.
type Selector struct {
	Strategy Strategy
	Exclude  ExcludeFunc
}

// Select decides inclusion of ref in w and returns its effective date.
// The date is returned even when the exclusion predicate rejects the file.
func (s Selector) Select(ref FileRef, w models.DateWindow) (bool, time.Time) {
	included, date := s.Strategy.Evaluate(ref, w)
	if !included {
		return false, date
	}
	if s.Exclude != nil && s.Exclude(ref.Path) {
		return false, date
	}
	return true, date
}

// ExcludeTempFiles skips Office lock files and thumbnail caches.
func ExcludeTempFiles(p string) bool {
	name := FileRef{Path: p}.Name()
	return strings.HasPrefix(name, "~$") || strings.EqualFold(name, "Thumbs.db") || strings.HasPrefix(name, ".")
}

// RequireExtension excludes every file whose extension is not listed.
func RequireExtension(exts ...string) ExcludeFunc {
	return func(p string) bool {
		ext := strings.ToLower(path.Ext(p))
		for _, e := range exts {
			if ext == strings.ToLower(e) {
				return false
			}
		}
		return true
	}
}

// RequireNameContains excludes files whose base name lacks substr.
func RequireNameContains(substr string) ExcludeFunc {
	return func(p string) bool {
		return !strings.Contains(strings.ToLower(FileRef{Path: p}.Name()), strings.ToLower(substr))
	}
}

// Any combines predicates; a path is excluded when any of them excludes it.
func Any(preds ...ExcludeFunc) ExcludeFunc {
	return func(p string) bool {
		for _, pred := range preds {
			if pred != nil && pred(p) {
				return true
			}
		}
		return false
	}
}
