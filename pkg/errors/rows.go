package errors

import (
	"fmt"
	"path/filepath"
	"strings"
)

// RowContext locates a value inside an input file.
type RowContext struct {
	File     string `json:"file"`
	Row      int    `json:"row"`
	Column   string `json:"column,omitempty"`
	Value    string `json:"value,omitempty"`
	Expected string `json:"expected,omitempty"`
}

// RowError is a parse failure for one row of an input file. A row error
// fails the whole file: the file stays unmarked and is retried next run.
type RowError struct {
	*AppError
	Location *RowContext `json:"location"`
}

// Error implements the error interface with the row location appended
func (e *RowError) Error() string {
	msg := e.AppError.Error()
	if e.Location == nil {
		return msg
	}

	location := fmt.Sprintf("at %s", filepath.Base(e.Location.File))
	if e.Location.Row > 0 {
		location += fmt.Sprintf(":%d", e.Location.Row)
	}
	if e.Location.Column != "" {
		location += fmt.Sprintf(" column '%s'", e.Location.Column)
	}
	return msg + " " + location
}

// Unwrap exposes the AppError so category checks work through a RowError.
func (e *RowError) Unwrap() error {
	return e.AppError
}

// NewRowError creates a row-level parse error
func NewRowError(code ErrorCode, loc *RowContext, message string, cause error) *RowError {
	base := newOrWrap(cause, CategoryFile, code, message)
	if loc != nil {
		base.WithContext("file", loc.File).
			WithContext("row", loc.Row)
		if loc.Column != "" {
			base.WithContext("column", loc.Column)
		}
		if loc.Value != "" {
			base.WithContext("value", loc.Value)
		}
	}
	return &RowError{AppError: base, Location: loc}
}

// InvalidAmountError reports a value that is not a decimal number.
func InvalidAmountError(file string, row int, column, value string) *RowError {
	err := NewRowError(CodeInvalidRow, &RowContext{
		File:     file,
		Row:      row,
		Column:   column,
		Value:    value,
		Expected: "decimal number",
	}, "invalid amount format", nil)
	err.WithSuggestion("remove currency symbols and use decimal format (1250.50)")
	return err
}

// InvalidDateError reports a value that matches none of the accepted layouts.
func InvalidDateError(file string, row int, column, value string) *RowError {
	err := NewRowError(CodeInvalidRow, &RowContext{
		File:     file,
		Row:      row,
		Column:   column,
		Value:    value,
		Expected: "date",
	}, "invalid date format", nil)
	err.WithSuggestion("use YYYY-MM-DD or MM/DD/YYYY dates")
	return err
}

// MissingColumnError reports header columns the parser requires but did not find.
func MissingColumnError(file string, expected, actual []string) *RowError {
	missing := findMissingColumns(expected, actual)
	err := NewRowError(CodeMissingColumn, &RowContext{
		File:     file,
		Row:      1,
		Expected: strings.Join(expected, ", "),
	}, fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")), nil)
	err.WithSuggestion("check that the report layout has not changed upstream")
	return err
}

func findMissingColumns(expected, actual []string) []string {
	actualSet := make(map[string]bool)
	for _, col := range actual {
		actualSet[strings.ToLower(strings.TrimSpace(col))] = true
	}

	var missing []string
	for _, col := range expected {
		if !actualSet[strings.ToLower(strings.TrimSpace(col))] {
			missing = append(missing, col)
		}
	}
	return missing
}
