// Package parsers turns input report files into lazy row sequences.
//
// Parsers only split a file into header-keyed rows; mapping a row to a
// transaction record is the job of the source that owns the report layout.
//
// Example usage:
//
//	parser := parsers.ForFile("Cybersource_2024-01-02.csv", parsers.DefaultConfig())
//	for row, err := range parser.Rows(ctx, path) {
//		if err != nil {
//			return err
//		}
//		amount := row.Get("Amount")
//	}
package parsers

import (
	"bufio"
	"context"
	"io"
	"iter"
	"path/filepath"
	"strings"
	"unicode/utf8"

	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

const utf8BOM = "\ufeff"

// Config holds configuration for row parsing
type Config struct {
	HasHeader     bool
	Delimiter     rune
	Comment       rune
	SkipEmptyRows bool
	// RequiredColumns must all be present in the header. For spreadsheets
	// the first row holding all of them is taken as the header, so report
	// preambles above it are skipped.
	RequiredColumns []string
	Sheet           string
	// SheetPrefix picks the first sheet whose name starts with it when
	// Sheet is empty.
	SheetPrefix      string
	ValidateEncoding bool
	// MaxHeaderScan bounds the rows searched for a spreadsheet header.
	MaxHeaderScan int
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HasHeader:        true,
		Delimiter:        ',',
		SkipEmptyRows:    true,
		ValidateEncoding: true,
		MaxHeaderScan:    50,
	}
}

// RowParser parses one file into a lazy sequence of rows
type RowParser interface {
	Rows(ctx context.Context, path string) iter.Seq2[Row, error]
}

// ForFile picks the parser for the file extension
func ForFile(path string, config *Config) RowParser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return NewXLSXParser(config)
	default:
		return NewCSVParser(config)
	}
}

// Row is one data row with header-keyed access
type Row struct {
	File   string
	Line   int
	Fields []string
	header *Header
}

// Get returns the trimmed value of the named column, or "" when absent
func (r Row) Get(name string) string {
	if r.header == nil {
		return ""
	}
	i := r.header.Index(name)
	if i < 0 || i >= len(r.Fields) {
		return ""
	}
	return strings.TrimSpace(r.Fields[i])
}

// Has reports whether the header has the named column
func (r Row) Has(name string) bool {
	return r.header != nil && r.header.Index(name) >= 0
}

// Header maps column names to indices
type Header struct {
	Names []string
	index map[string]int
}

// NewHeader builds a header from raw column names
func NewHeader(names []string) *Header {
	h := &Header{Names: cleanHeaders(names), index: make(map[string]int)}
	for i, n := range h.Names {
		if _, dup := h.index[n]; !dup {
			h.index[n] = i
		}
	}
	return h
}

// Index returns the index of a column by name, or -1 if not found
func (h *Header) Index(name string) int {
	if i, ok := h.index[name]; ok {
		return i
	}
	lower := strings.ToLower(strings.TrimSpace(name))
	for header, i := range h.index {
		if strings.ToLower(header) == lower {
			return i
		}
	}
	return -1
}

// HasAll reports whether every name is a column
func (h *Header) HasAll(names []string) bool {
	for _, n := range names {
		if h.Index(n) < 0 {
			return false
		}
	}
	return true
}

// cleanHeaders removes whitespace and a leading byte order mark
func cleanHeaders(headers []string) []string {
	cleaned := make([]string, len(headers))
	for i, header := range headers {
		if i == 0 {
			header = strings.TrimPrefix(header, utf8BOM)
		}
		cleaned[i] = strings.TrimSpace(header)
	}
	return cleaned
}

// isEmptyRecord checks if all fields in a record are empty or whitespace
func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// validateEncoding checks that the first lines of r are valid UTF-8
func validateEncoding(r io.Reader, path string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() && line < 100 {
		line++
		if !utf8.Valid(scanner.Bytes()) {
			err := apperrors.NewRowError(apperrors.CodeFileCorrupted,
				&apperrors.RowContext{File: path, Row: line}, "invalid UTF-8 encoding", nil)
			err.WithSuggestion("save the report in UTF-8 encoding")
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.FileError(apperrors.CodeFileCorrupted, path, err)
	}
	return nil
}

// Map converts a row sequence with fn. fn returns ok=false to skip a row,
// e.g. report total lines. The first error ends the sequence.
func Map[R any](rows iter.Seq2[Row, error], fn func(Row) (R, bool, error)) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		var zero R
		for row, err := range rows {
			if err != nil {
				yield(zero, err)
				return
			}
			r, ok, err := fn(row)
			if err != nil {
				yield(zero, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func parserLogger(component string) logger.Logger {
	return logger.GetGlobalLogger().WithComponent(component)
}
