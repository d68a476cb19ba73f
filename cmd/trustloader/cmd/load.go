package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"golang-trust-loader/cmd/trustloader/config"
	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/orchestrator"
	"golang-trust-loader/internal/reporter"
	"golang-trust-loader/internal/sources"
	"golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

type loadOptions struct {
	start        string
	end          string
	loaderName   string
	trim         bool
	addRecords   bool
	outputFormat string
	outputFile   string
	progress     bool

	window *models.DateWindow
}

func newLoadCmd(v *viper.Viper) *cobra.Command {
	opts := &loadOptions{}
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load every source for a window and reconcile it",
		Long: `Load trims each source's working table for the window, loads the window's
rows and files in batches, runs the match rules for the last day of the
window and records per-day stats.

Without --start/--end the window continues after the last successful run in
job history. Such a full run first waits until every file source has its
delivery-day files (see load.await_files, load.poll_interval and
load.poll_attempts).

A failing loader is reported and the run moves on to the next one; only an
invalid configuration, an unresolvable window or input files that never
arrived fail the command.

Examples:
  # Continue after the last successful run
  trustloader load

  # Reload one week without touching job history
  trustloader load --start 2024-01-01 --end 2024-01-08

  # Only add Cybersource rows, keeping what is already loaded
  trustloader load --loader Cybersource --trim=false

  # Four file workers, JSON report to a file
  trustloader load --workers 4 --output-format json --output-file report.json`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), v, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.start, "start", "", "window start date, inclusive (YYYY-MM-DD)")
	flags.StringVar(&opts.end, "end", "", "window end date, exclusive (YYYY-MM-DD)")
	flags.StringVarP(&opts.loaderName, "loader", "l", "", "run a single loader: "+strings.Join(sources.Names(), ", "))
	flags.BoolVar(&opts.trim, "trim", true, "delete the window's rows before loading")
	flags.BoolVar(&opts.addRecords, "addRecords", true, "load the window's rows and files")
	flags.StringVarP(&opts.outputFormat, "output-format", "f", "console", "output format: console, json, csv")
	flags.StringVarP(&opts.outputFile, "output-file", "o", "", "output file path (default: stdout)")
	flags.BoolVar(&opts.progress, "progress", false, "show progress indicators")
	flags.Int("workers", 1, "file workers per loader; 1 loads files sequentially")
	flags.Int("batch-size", 0, "rows per insert batch (default from config)")
	flags.String("input-dir", "", "folder holding the source files (default from config)")
	flags.Bool("await-files", true, "hold a scheduled full run until the input files arrived")

	_ = v.BindPFlag("load.workers", flags.Lookup("workers"))
	_ = v.BindPFlag("load.batch_size", flags.Lookup("batch-size"))
	_ = v.BindPFlag("input.dir", flags.Lookup("input-dir"))
	_ = v.BindPFlag("load.await_files", flags.Lookup("await-files"))
	return cmd
}

// validate checks flags that do not need the configuration.
func (o *loadOptions) validate() error {
	if (o.start == "") != (o.end == "") {
		return errors.ConfigurationError(errors.CodeConfigConflict, "start/end", o.start+"/"+o.end, nil).
			WithSuggestion("Pass --start and --end together, or neither to resume from job history")
	}
	if o.start != "" {
		w, err := parseWindow(o.start, o.end)
		if err != nil {
			return err
		}
		o.window = &w
	}

	if o.loaderName != "" {
		name, err := sources.Sanitize(o.loaderName)
		if err != nil {
			return err
		}
		o.loaderName = name
	}

	switch reporter.OutputFormat(o.outputFormat) {
	case reporter.FormatConsole, reporter.FormatJSON, reporter.FormatCSV:
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", o.outputFormat, nil).
			WithSuggestion("Use one of: console, json, csv")
	}

	if o.outputFile != "" {
		dir := filepath.Dir(o.outputFile)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "output-file", o.outputFile, err).
				WithSuggestion("Create the output directory first")
		}
	}
	return nil
}

// parseWindow parses --start/--end into a window error on failure.
func parseWindow(start, end string) (models.DateWindow, error) {
	w, err := models.ParseDateWindow(start, end)
	if err == nil {
		return w, nil
	}
	code := errors.CodeInvalidDate
	if stderrors.Is(err, models.ErrInvalidWindow) {
		code = errors.CodeInvalidWindow
	}
	return models.DateWindow{}, errors.WindowError(code, start, end, err)
}

func runLoad(ctx context.Context, v *viper.Viper, opts *loadOptions, stdout, stderr io.Writer) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Close(log)
	logger.SetGlobalLogger(log)

	plan, err := sources.Resolve(cfg.Load.Priority, opts.loaderName, log)
	if err != nil {
		return err
	}

	rc, err := config.NewRunContext(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			log.WithError(err).Warn("Closing run resources failed")
		}
	}()

	orch := orchestrator.New(rc, cfg.Matcher)
	if opts.progress {
		orch.AddProgressCallback(func(p orchestrator.Progress) {
			fmt.Fprintf(stderr, "\r[%d/%d] %-16s %-12s (%.1f%% complete)",
				p.CompletedSteps, p.TotalSteps, p.Phase, p.Loader, p.PercentComplete)
		})
	}

	summary, err := orch.Run(ctx, orchestrator.RunOptions{
		Window:     opts.window,
		Loaders:    plan.Loaders,
		Trim:       opts.trim,
		AddRecords: opts.addRecords,
		Await:      cfg.AwaitFiles(opts.loaderName),
	})
	if opts.progress {
		fmt.Fprintln(stderr)
	}
	if err != nil {
		return err
	}

	output := stdout
	if opts.outputFile != "" {
		f, err := os.Create(opts.outputFile)
		if err != nil {
			return errors.FileError(errors.CodeFileNotFound, opts.outputFile, err).
				WithSuggestion("Check that the output directory is writable")
		}
		defer f.Close()
		output = f
	}

	generator, err := reporter.NewSafeReportGenerator(config.CreateReportConfig(opts.outputFormat), log)
	if err != nil {
		return err
	}
	return generator.GenerateReportSafely(summary, output)
}
