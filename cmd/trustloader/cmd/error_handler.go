package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// CLIErrorHandler turns command errors into user-facing messages and exit codes
type CLIErrorHandler struct {
	out     io.Writer
	logger  logger.Logger
	verbose bool
}

// NewCLIErrorHandler creates a handler writing to out
func NewCLIErrorHandler(out io.Writer, verbose bool) *CLIErrorHandler {
	return &CLIErrorHandler{
		out:     out,
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: verbose,
	}
}

// HandleError prints err and returns the process exit code
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Debug("Command failed")

	if appErr, ok := errors.AsAppError(err); ok {
		return h.handleAppError(appErr)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleAppError(err *errors.AppError) int {
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(h.out, "\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	fmt.Fprintf(h.out, "\n%s\n", categoryHelp(err.Category))

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
	}
	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	switch {
	case isPermissionError(err):
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have access\n")
		return 2
	case isDiskFullError(err):
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	fmt.Fprintf(h.out, "Error: %v\n", err)
	if !h.verbose {
		fmt.Fprintf(h.out, "\nRun with --verbose for more detail, or --help for usage\n")
	}
	return 1
}

func categoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryConfiguration:
		return `Configuration error help:
• Check your command-line flags and the --config file
• Environment overrides use the TRUSTLOADER_ prefix, e.g. TRUSTLOADER_STORE_DSN
• Use 'trustloader loaders' to see the allow-listed loaders
• Use 'trustloader load --help' to see all available options`

	case errors.CategoryWindow:
		return `Window error help:
• Dates use YYYY-MM-DD and the end date is exclusive
• The start date must be before the end date
• Without --start/--end a successful execution must exist in job history
• Use 'trustloader history seed --start ... --end ...' to record one`

	case errors.CategoryStore:
		return `Store error help:
• Check the store DSN and that the database is reachable
• Verify the working tables exist or enable load.ensure_schema
• Check the user has insert and delete rights on the working tables`

	case errors.CategoryFile:
		return `File error help:
• Check the input folder or bucket and the source file names
• Verify the file has the expected header row and column order
• Ensure you have proper permissions to read the file`

	default:
		return `For more help:
• Use 'trustloader --help' for general help
• Use 'trustloader load --help' for command-specific help
• Run with --verbose to see the underlying error`
	}
}

func isPermissionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return os.IsPermission(err) ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "access denied")
}

func isDiskFullError(err error) bool {
	if err == syscall.ENOSPC {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space left") ||
		strings.Contains(msg, "disk full") ||
		strings.Contains(msg, "device full")
}
