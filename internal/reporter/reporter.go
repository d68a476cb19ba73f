// Package reporter renders the summary of a run.
//
// Supported output formats:
//   - Console: human-readable sections for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one row per loader for spreadsheet applications
//
// Example usage:
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{Format: reporter.FormatJSON})
//	if err != nil {
//		return err
//	}
//	err = generator.GenerateReport(summary, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/orchestrator"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// Detail level options
	IncludeFiles bool `json:"include_files"`
	IncludeRules bool `json:"include_rules"`
	IncludeStats bool `json:"include_stats"`

	// MaxFiles caps the files listed per loader on the console. Zero lists all.
	MaxFiles int `json:"max_files"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:       FormatConsole,
		IncludeFiles: true,
		IncludeRules: true,
		IncludeStats: true,
		MaxFiles:     10,
		CSVDelimiter: ',',
		CSVHeaders:   true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxFiles < 0 {
		return fmt.Errorf("max files cannot be negative, got %d", c.MaxFiles)
	}
	if c.Format == FormatCSV && c.CSVDelimiter == 0 {
		return fmt.Errorf("csv delimiter cannot be empty")
	}
	return nil
}

// ReportGenerator generates run reports in various formats
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}
	return &ReportGenerator{config: config}, nil
}

// GenerateReport writes the report of summary to writer
func (rg *ReportGenerator) GenerateReport(summary *orchestrator.Summary, writer io.Writer) error {
	if summary == nil {
		return fmt.Errorf("run summary cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(summary, writer)
	case FormatJSON:
		return rg.generateJSONReport(summary, writer)
	case FormatCSV:
		return rg.generateCSVReport(summary, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// generateConsoleReport generates a human-readable console report
func (rg *ReportGenerator) generateConsoleReport(s *orchestrator.Summary, writer io.Writer) error {
	p := &printer{w: writer}

	p.printf("LOAD RUN REPORT\n")
	p.printf("Run ID:   %s\n", s.RunID)
	p.printf("Window:   %s\n", formatWindow(s.Window))
	if s.NothingToDo {
		p.printf("\nStart date in the future, nothing to do.\n")
		return p.err
	}
	p.printf("Matched:  %s\n", formatDate(s.MatchDate))
	if s.ExecutionID != "" {
		p.printf("Execution: %s\n", s.ExecutionID)
	}
	p.printf("Started:  %s\n", s.StartedAt.Format(time.RFC3339))
	p.printf("Duration: %v\n\n", s.Duration.Round(time.Millisecond))

	p.printf("=== PHASES ===\n")
	for _, ph := range s.Phases {
		p.printf("  %-16s ok: %-4d failed: %-4d skipped: %d\n", ph.Phase, ph.Succeeded, ph.Failed, ph.Skipped)
	}
	p.printf("\n")

	if len(s.Loaders) > 0 {
		p.printf("=== LOADERS ===\n")
		for _, l := range s.Loaders {
			rg.printLoader(p, l)
		}
		p.printf("\n")
	}

	if rg.config.IncludeStats && (len(s.Stats) > 0 || s.StatsErr != nil) {
		p.printf("=== STATS ===\n")
		if s.StatsErr != nil {
			p.printf("  error: %v\n", s.StatsErr)
		}
		for _, st := range sortedStats(s.Stats) {
			p.printf("  %s  %-16s count: %-6d total: %s\n", formatDate(st.Date), st.Source, st.Count, st.Total.StringFixed(2))
		}
		p.printf("\n")
	}

	if s.Succeeded() {
		p.printf("Result: SUCCESS (%d records loaded)\n", s.TotalRecords())
	} else {
		p.printf("Result: COMPLETED WITH %d FAILURES (%d records loaded)\n", s.Failures(), s.TotalRecords())
	}
	return p.err
}

func (rg *ReportGenerator) printLoader(p *printer, l orchestrator.LoaderOutcome) {
	status := "ok"
	if len(l.Errors()) > 0 {
		status = "FAILED"
	}
	p.printf("%s [%s] window %s\n", l.Name, status, formatWindow(l.Window))
	if l.Trimmed > 0 {
		p.printf("  trimmed:  %d rows\n", l.Trimmed)
	}
	if l.Load != nil {
		p.printf("  loaded:   %d rows in %d batches, amount %s\n",
			l.Load.Rows.Committed, l.Load.Rows.Batches, l.Load.Rows.Amount.StringFixed(2))
		if rg.config.IncludeFiles && len(l.Load.Files) > 0 {
			p.printf("  files:    %d (%d failed)\n", len(l.Load.Files), l.Load.FailedFiles())
			for i, f := range l.Load.Files {
				if rg.config.MaxFiles > 0 && i >= rg.config.MaxFiles {
					p.printf("    ... and %d more\n", len(l.Load.Files)-rg.config.MaxFiles)
					break
				}
				p.printf("    - %s %s\n", f.File, fileStatus(f.Skipped, f.Result))
			}
		}
	}
	if l.Match != nil && !l.Match.Skipped && rg.config.IncludeRules {
		for _, r := range l.Match.Rules {
			p.printf("  rule %-24s %s: %d rows", r.Name, r.Kind, r.Rows)
			if r.Enriched > 0 {
				p.printf(", %d enriched", r.Enriched)
			}
			p.printf("\n")
		}
	}
	for _, err := range l.Errors() {
		p.printf("  error:    %v\n", err)
	}
}

// generateJSONReport generates a structured JSON report
func (rg *ReportGenerator) generateJSONReport(s *orchestrator.Summary, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rg.buildReport(s))
}

// generateCSVReport writes one row per loader
func (rg *ReportGenerator) generateCSVReport(s *orchestrator.Summary, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		headers := []string{
			"Run_ID",
			"Loader",
			"Window_Start",
			"Window_End",
			"Trimmed",
			"Records",
			"Batches",
			"Amount",
			"Files",
			"Failed_Files",
			"Matched_Rows",
			"Status",
			"Errors",
		}
		if err := csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for _, l := range rg.buildReport(s).Loaders {
		record := []string{
			s.RunID,
			l.Name,
			l.WindowStart,
			l.WindowEnd,
			strconv.FormatInt(l.Trimmed, 10),
			strconv.Itoa(l.Records),
			strconv.Itoa(l.Batches),
			l.Amount.StringFixed(2),
			strconv.Itoa(len(l.Files)),
			strconv.Itoa(l.FailedFiles),
			strconv.FormatInt(l.MatchedRows, 10),
			l.Status,
			strings.Join(l.Errors, "; "),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write loader record: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// Report is the serializable form of a run summary. Errors are rendered as
// messages since error values do not marshal.
type Report struct {
	RunID        string                      `json:"run_id"`
	WindowStart  string                      `json:"window_start"`
	WindowEnd    string                      `json:"window_end"`
	MatchDate    string                      `json:"match_date,omitempty"`
	ExecutionID  string                      `json:"execution_id,omitempty"`
	NothingToDo  bool                        `json:"nothing_to_do,omitempty"`
	Succeeded    bool                        `json:"succeeded"`
	Failures     int                         `json:"failures"`
	TotalRecords int                         `json:"total_records"`
	Phases       []orchestrator.PhaseOutcome `json:"phases"`
	Loaders      []LoaderReport              `json:"loaders"`
	Stats        []StatReport                `json:"stats,omitempty"`
	StatsError   string                      `json:"stats_error,omitempty"`
	StartedAt    time.Time                   `json:"started_at"`
	FinishedAt   time.Time                   `json:"finished_at"`
	Duration     string                      `json:"duration"`
}

// LoaderReport is one loader's line in a Report.
type LoaderReport struct {
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	WindowStart string          `json:"window_start"`
	WindowEnd   string          `json:"window_end"`
	Trimmed     int64           `json:"trimmed"`
	Records     int             `json:"records"`
	Batches     int             `json:"batches"`
	Amount      decimal.Decimal `json:"amount"`
	Files       []FileReport    `json:"files,omitempty"`
	FailedFiles int             `json:"failed_files"`
	Rules       []RuleReport    `json:"rules,omitempty"`
	MatchedRows int64           `json:"matched_rows"`
	Errors      []string        `json:"errors,omitempty"`
}

// FileReport is one input file of a loader.
type FileReport struct {
	File    string `json:"file"`
	Status  string `json:"status"`
	Records int    `json:"records"`
	Lost    int    `json:"lost,omitempty"`
}

// RuleReport is the outcome of one match rule.
type RuleReport struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Rows     int64  `json:"rows"`
	Enriched int64  `json:"enriched,omitempty"`
}

// StatReport is one stat snapshot.
type StatReport struct {
	Date   string          `json:"date"`
	Source string          `json:"source"`
	Count  int64           `json:"count"`
	Total  decimal.Decimal `json:"total"`
}

func (rg *ReportGenerator) buildReport(s *orchestrator.Summary) Report {
	r := Report{
		RunID:        s.RunID,
		WindowStart:  formatDate(s.Window.Start),
		WindowEnd:    formatDate(s.Window.End),
		ExecutionID:  s.ExecutionID,
		NothingToDo:  s.NothingToDo,
		Succeeded:    s.Succeeded(),
		Failures:     s.Failures(),
		TotalRecords: s.TotalRecords(),
		Phases:       s.Phases,
		Loaders:      make([]LoaderReport, 0, len(s.Loaders)),
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
		Duration:     s.Duration.String(),
	}
	if !s.MatchDate.IsZero() {
		r.MatchDate = formatDate(s.MatchDate)
	}

	for _, l := range s.Loaders {
		lr := LoaderReport{
			Name:        l.Name,
			Status:      "ok",
			WindowStart: formatDate(l.Window.Start),
			WindowEnd:   formatDate(l.Window.End),
			Trimmed:     l.Trimmed,
			Amount:      decimal.Zero,
		}
		if l.Load != nil {
			lr.Records = l.Load.Rows.Committed
			lr.Batches = l.Load.Rows.Batches
			lr.Amount = l.Load.Rows.Amount
			lr.FailedFiles = l.Load.FailedFiles()
			if rg.config.IncludeFiles {
				for _, f := range l.Load.Files {
					lr.Files = append(lr.Files, FileReport{
						File:    f.File,
						Status:  fileStatus(f.Skipped, f.Result),
						Records: f.Result.Committed,
						Lost:    f.Result.Lost,
					})
				}
			}
		}
		if l.Match != nil {
			for _, o := range l.Match.Rules {
				lr.MatchedRows += o.Rows
				if rg.config.IncludeRules {
					lr.Rules = append(lr.Rules, RuleReport{Name: o.Name, Kind: string(o.Kind), Rows: o.Rows, Enriched: o.Enriched})
				}
			}
		}
		for _, err := range l.Errors() {
			lr.Errors = append(lr.Errors, err.Error())
		}
		if len(lr.Errors) > 0 {
			lr.Status = "failed"
		}
		r.Loaders = append(r.Loaders, lr)
	}

	if rg.config.IncludeStats {
		for _, st := range sortedStats(s.Stats) {
			r.Stats = append(r.Stats, StatReport{Date: formatDate(st.Date), Source: st.Source, Count: st.Count, Total: st.Total})
		}
	}
	if s.StatsErr != nil {
		r.StatsError = s.StatsErr.Error()
	}
	return r
}

// UpdateConfiguration updates the report generator configuration
func (rg *ReportGenerator) UpdateConfiguration(config *ReportConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid report configuration: %w", err)
	}
	rg.config = config
	return nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

// printer keeps the first write error so sections can be written without
// checking every line.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func fileStatus(skipped bool, r models.BatchResult) string {
	switch {
	case skipped:
		return "skipped (already processed)"
	case r.Failed():
		return fmt.Sprintf("failed after %d rows: %v", r.Committed, r.Err)
	default:
		return fmt.Sprintf("%d rows", r.Committed)
	}
}

func sortedStats(stats []models.StatSnapshot) []models.StatSnapshot {
	out := append([]models.StatSnapshot(nil), stats...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

func formatWindow(w models.DateWindow) string {
	if w.IsZero() {
		return "-"
	}
	return w.String()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(models.DateLayout)
}
