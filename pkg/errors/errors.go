package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	// CategoryConfiguration errors are fatal and raised before any store
	// connection is made.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryWindow covers invalid or unresolvable processing windows.
	CategoryWindow ErrorCategory = "window"
	// CategoryStore covers per-batch insert and extract failures.
	CategoryStore ErrorCategory = "store"
	// CategoryFile covers per-file parse and insert failures.
	CategoryFile ErrorCategory = "file"
	// CategoryMatch covers per-loader match rule failures.
	CategoryMatch    ErrorCategory = "match"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Configuration errors
	CodeInvalidConfig   ErrorCode = "invalid_config"
	CodeMissingConfig   ErrorCode = "missing_config"
	CodeConfigConflict  ErrorCode = "config_conflict"
	CodeUntrustedLoader ErrorCode = "untrusted_loader"

	// Window errors
	CodeInvalidWindow ErrorCode = "invalid_window"
	CodeNoPriorWindow ErrorCode = "no_prior_window"
	CodeInvalidDate   ErrorCode = "invalid_date"

	// Store errors
	CodeConnectionFailed ErrorCode = "connection_failed"
	CodeBatchFailed      ErrorCode = "batch_failed"
	CodeExtractFailed    ErrorCode = "extract_failed"
	CodeTrimFailed       ErrorCode = "trim_failed"

	// File errors
	CodeFileNotFound     ErrorCode = "file_not_found"
	CodeFileListing      ErrorCode = "file_listing"
	CodeFileFetch        ErrorCode = "file_fetch"
	CodeFileCorrupted    ErrorCode = "file_corrupted"
	CodeInvalidRow       ErrorCode = "invalid_row"
	CodeMissingColumn    ErrorCode = "missing_column"
	CodeFilesUnavailable ErrorCode = "files_unavailable"

	// Match errors
	CodeMatchingFailed ErrorCode = "matching_failed"
	CodeCleanFailed    ErrorCode = "clean_failed"
	CodeStatsFailed    ErrorCode = "stats_failed"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// AppError is the base error type for all application errors
type AppError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", msg, e.Suggestion)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns the process exit code for the error. Only errors that
// stop a run before any work is attempted produce a non-zero code; recovered
// per-batch, per-file and per-loader failures never reach the exit path.
func (e *AppError) GetExitCode() int {
	switch e.Category {
	case CategoryConfiguration:
		return 2
	case CategoryWindow:
		return 3
	case CategoryStore:
		return 4
	case CategoryFile, CategoryMatch, CategoryInternal:
		return 5
	default:
		return 1
	}
}

// Recoverable reports whether the run may continue past this error.
func (e *AppError) Recoverable() bool {
	switch e.Category {
	case CategoryStore, CategoryFile, CategoryMatch:
		return e.Code != CodeConnectionFailed
	default:
		return false
	}
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *AppError) WithSuggestion(suggestion string) *AppError {
	e.Suggestion = suggestion
	return e
}

// New creates a new AppError
func New(category ErrorCategory, code ErrorCode, message string) *AppError {
	return &AppError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with AppError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	return &AppError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func newOrWrap(err error, category ErrorCategory, code ErrorCode, message string) *AppError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *AppError {
	var message, suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the command flags and configuration file for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this setting as a flag, environment variable or config entry"
	case CodeConfigConflict:
		message = fmt.Sprintf("configuration conflict with setting '%s': %v", setting, value)
		suggestion = "supply both values together or neither"
	case CodeUntrustedLoader:
		message = fmt.Sprintf("unauthorized loader: %v", value)
		suggestion = "run 'trustloader loaders' to list the available loaders"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return newOrWrap(err, CategoryConfiguration, code, message).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// WindowError creates an error about the processing window
func WindowError(code ErrorCode, start, end string, err error) *AppError {
	var message, suggestion string

	switch code {
	case CodeInvalidWindow:
		message = fmt.Sprintf("invalid window [%s, %s): start must be before end", start, end)
		suggestion = "use an end date after the start date"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date in window [%s, %s)", start, end)
		suggestion = "use the YYYY-MM-DD date format"
	case CodeNoPriorWindow:
		message = "no previous successful window recorded in job history"
		suggestion = "seed job history with: trustloader history seed --start YYYY-MM-DD --end YYYY-MM-DD"
	default:
		message = fmt.Sprintf("window error [%s, %s)", start, end)
		suggestion = "check the window dates"
	}

	return newOrWrap(err, CategoryWindow, code, message).
		WithSuggestion(suggestion).
		WithContext("start", start).
		WithContext("end", end)
}

// StoreError creates a store-related error for the given loader operation
func StoreError(code ErrorCode, operation string, err error) *AppError {
	var message, suggestion string

	switch code {
	case CodeConnectionFailed:
		message = fmt.Sprintf("connection failed during %s", operation)
		suggestion = "check the store DSN and the connect retry settings"
	case CodeBatchFailed:
		message = fmt.Sprintf("batch insert failed during %s", operation)
		suggestion = "the batch was rolled back; re-run the window once the cause is fixed"
	case CodeExtractFailed:
		message = fmt.Sprintf("extract failed during %s", operation)
		suggestion = "check the upstream store availability"
	case CodeTrimFailed:
		message = fmt.Sprintf("trim failed during %s", operation)
		suggestion = "the trim was rolled back; loading continues on top of existing rows"
	default:
		message = fmt.Sprintf("store error during %s", operation)
		suggestion = "check the store and try again"
	}

	return newOrWrap(err, CategoryStore, code, message).
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// FileError creates a file-related error
func FileError(code ErrorCode, path string, err error) *AppError {
	var message, suggestion string

	switch code {
	case CodeFileNotFound:
		message = fmt.Sprintf("file not found: %s", path)
		suggestion = "check if the input folder is correct and the file exists"
	case CodeFileListing:
		message = fmt.Sprintf("could not list files under: %s", path)
		suggestion = "check the folder or bucket prefix and access rights"
	case CodeFileFetch:
		message = fmt.Sprintf("could not fetch object: %s", path)
		suggestion = "check bucket access; the file will be retried next run"
	case CodeFileCorrupted:
		message = fmt.Sprintf("file could not be parsed or loaded: %s", path)
		suggestion = "the file was left unprocessed and will be retried next run"
	case CodeFilesUnavailable:
		message = fmt.Sprintf("input files did not arrive: %s", path)
		suggestion = "the window stays pending in job history; re-run once the files are delivered"
	default:
		message = fmt.Sprintf("file error: %s", path)
		suggestion = "check the file and try again"
	}

	return newOrWrap(err, CategoryFile, code, message).
		WithSuggestion(suggestion).
		WithContext("file_path", path)
}

// MatchError creates a reconciliation matching error
func MatchError(code ErrorCode, loader string, err error) *AppError {
	var message, suggestion string

	switch code {
	case CodeMatchingFailed:
		message = fmt.Sprintf("match rules failed for loader %s", loader)
		suggestion = "the loader's match transaction was rolled back; re-run the date"
	case CodeCleanFailed:
		message = fmt.Sprintf("could not clean match tables for loader %s", loader)
		suggestion = "check the match table names"
	case CodeStatsFailed:
		message = fmt.Sprintf("stats collection failed for %s", loader)
		suggestion = "stats are recomputed fully on the next run"
	default:
		message = fmt.Sprintf("match error for loader %s", loader)
		suggestion = "review the match rules"
	}

	return newOrWrap(err, CategoryMatch, code, message).
		WithSuggestion(suggestion).
		WithContext("loader", loader)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *AppError {
	return newOrWrap(err, CategoryInternal, code, fmt.Sprintf("unexpected error during %s", operation)).
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total      int                   `json:"total"`
	ByCategory map[ErrorCategory]int `json:"by_category"`
	ByCode     map[ErrorCode]int     `json:"by_code"`
	Errors     []*AppError           `json:"errors"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*AppError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}
	if summary.Errors == nil {
		summary.Errors = []*AppError{}
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// AsAppError extracts an AppError from an error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCategory reports whether err carries an AppError of the given category.
func IsCategory(err error, category ErrorCategory) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Category == category
}

// WrapIfNeeded wraps an error if it's not already an AppError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := AsAppError(err); ok {
		return appErr
	}

	return Wrap(err, category, code, message)
}
