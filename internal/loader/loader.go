// Package loader implements the per-source load contract: trim the working
// table for a window, load fresh rows into it, and expose the match rules
// and match tables the matcher needs.
//
// A Loader is assembled from small parts instead of being subclassed: a
// Trimmer decides what is deleted before a reload, an Extractor produces
// the rows, and Rules/MatchTables/Stats describe reconciliation.
package loader

import (
	"context"
	"fmt"
	"time"

	"golang-trust-loader/internal/filesource"
	"golang-trust-loader/internal/ledger"
	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/pipeline"
	"golang-trust-loader/internal/store"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// Trimmer removes the rows a reload of the window will replace.
type Trimmer interface {
	Trim(ctx context.Context, tx *store.Tx, table string, w models.DateWindow) (int64, error)
}

// DeleteFrom deletes every row whose Field is on or after the window start.
type DeleteFrom struct {
	Field string
}

// Trim implements Trimmer
func (d DeleteFrom) Trim(ctx context.Context, tx *store.Tx, table string, w models.DateWindow) (int64, error) {
	if !models.ValidIdentifier(d.Field) {
		return 0, fmt.Errorf("invalid trim field '%s'", d.Field)
	}
	res, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s >= ?", table, d.Field), w.Start.Format(models.DateLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// NoTrim keeps every row. Ledger-backed sources use it since their files
// are never re-read.
type NoTrim struct{}

// Trim implements Trimmer
func (NoTrim) Trim(context.Context, *store.Tx, string, models.DateWindow) (int64, error) {
	return 0, nil
}

// Extractor streams a source's rows for a window into the loader's table.
type Extractor interface {
	Extract(ctx context.Context, env *Env, l *Loader, w models.DateWindow) LoadResult
}

// StatSpec names one table summarized per date by the stats collector.
type StatSpec struct {
	// Source is the label stored with the snapshot.
	Source       string
	Table        string
	DateColumn   string
	AmountColumn string
}

// Loader is a registered source.
type Loader struct {
	Name  string
	Table string

	Trimmer   Trimmer
	Extractor Extractor

	// Rules returns the match rules for a date. Nil means no rules.
	Rules       func(date time.Time) []models.MatchRule
	MatchTables []string
	Stats       []StatSpec

	// WindowOffsetDays shifts the run window for this source.
	WindowOffsetDays int
	// FixedStart, when set, replaces the window start.
	FixedStart time.Time
}

// Env carries the shared collaborators a load needs. It is built once per
// run and passed to every loader.
type Env struct {
	// DB is the working store the loaders write to.
	DB *store.DB
	// Upstream is read by query extractors; nil means DB.
	Upstream *store.DB
	Ledger   *ledger.Ledger
	// Objects, when set, replaces InputDir as the file source.
	Objects   filesource.ObjectStore
	InputDir  string
	Exec      Strategy
	ChunkSize int
	Logger    logger.Logger
}

func (e *Env) upstream() *store.DB {
	if e.Upstream != nil {
		return e.Upstream
	}
	return e.DB
}

func (e *Env) strategy() Strategy {
	if e.Exec == nil {
		return Sequential{}
	}
	return e.Exec
}

func (e *Env) log() logger.Logger {
	if e.Logger == nil {
		return logger.GetGlobalLogger()
	}
	return e.Logger
}

func (e *Env) pipelineOptions(l *Loader, log logger.Logger) pipeline.Options {
	return pipeline.Options{ChunkSize: e.ChunkSize, Logger: log, Operation: l.Name}
}

// Validate checks the loader definition
func (l *Loader) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("loader name cannot be empty")
	}
	if !models.ValidIdentifier(l.Table) {
		return fmt.Errorf("loader %s: invalid table '%s'", l.Name, l.Table)
	}
	if l.Extractor == nil {
		return fmt.Errorf("loader %s: no extractor", l.Name)
	}
	for _, t := range l.MatchTables {
		if !models.ValidIdentifier(t) {
			return fmt.Errorf("loader %s: invalid match table '%s'", l.Name, t)
		}
	}
	for _, s := range l.Stats {
		for _, id := range []string{s.Table, s.DateColumn, s.AmountColumn} {
			if !models.ValidIdentifier(id) {
				return fmt.Errorf("loader %s: invalid stats identifier '%s'", l.Name, id)
			}
		}
	}
	return nil
}

// Window returns the loader's effective window for a run window.
func (l *Loader) Window(w models.DateWindow) models.DateWindow {
	eff := w.Shift(l.WindowOffsetDays)
	if !l.FixedStart.IsZero() {
		eff = eff.WithStart(l.FixedStart)
	}
	return eff
}

// Trim deletes the rows the window will reload, in one transaction.
func (l *Loader) Trim(ctx context.Context, db *store.DB, w models.DateWindow) (int64, error) {
	trimmer := l.Trimmer
	if trimmer == nil {
		trimmer = NoTrim{}
	}
	eff := l.Window(w)

	var deleted int64
	err := db.InTx(ctx, func(tx *store.Tx) error {
		n, err := trimmer.Trim(ctx, tx, l.Table, eff)
		deleted = n
		return err
	})
	if err != nil {
		return 0, apperrors.StoreError(apperrors.CodeTrimFailed, "trim "+l.Name, err).
			WithContext("loader", l.Name).
			WithContext("window", eff.String())
	}
	return deleted, nil
}

// Load extracts the window's rows into the loader's table. Failures are
// reported in the result.
func (l *Loader) Load(ctx context.Context, env *Env, w models.DateWindow) LoadResult {
	eff := l.Window(w)
	log := env.log().WithFields(logger.Fields{"loader": l.Name, "window": eff.String()})
	log.Info("Loading source")

	start := time.Now()
	result := l.Extractor.Extract(ctx, env, l, eff)
	result.Loader = l.Name
	result.Window = eff
	result.Duration = time.Since(start)

	if err := result.Err(); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"records":      result.Rows.Committed,
			"failed_files": result.FailedFiles(),
		}).Error("Source load finished with failures")
	} else {
		log.WithFields(logger.Fields{
			"records": result.Rows.Committed,
			"amount":  result.Rows.Amount.StringFixed(2),
			"files":   len(result.Files),
		}).Info("Source loaded")
	}
	return result
}

// MatchRules returns the loader's rules for date
func (l *Loader) MatchRules(date time.Time) []models.MatchRule {
	if l.Rules == nil {
		return nil
	}
	return l.Rules(models.Day(date))
}

// CleanMatchTables empties the loader's match tables inside tx so match
// results are recomputed from scratch.
func (l *Loader) CleanMatchTables(ctx context.Context, tx *store.Tx) error {
	for _, table := range l.MatchTables {
		if !models.ValidIdentifier(table) {
			return fmt.Errorf("invalid match table '%s'", table)
		}
		if _, err := tx.Exec(ctx, tx.Dialect().Truncate(table)); err != nil {
			return apperrors.MatchError(apperrors.CodeCleanFailed, l.Name, err).
				WithContext("table", table)
		}
	}
	return nil
}

// FileResult is the outcome of loading one file.
type FileResult struct {
	File    string             `json:"file"`
	Date    time.Time          `json:"date"`
	Skipped bool               `json:"skipped,omitempty"`
	Result  models.BatchResult `json:"result"`
}

// LoadResult is the outcome of one loader's Load.
type LoadResult struct {
	Loader   string             `json:"loader"`
	Window   models.DateWindow  `json:"window"`
	Rows     models.BatchResult `json:"rows"`
	Files    []FileResult       `json:"files,omitempty"`
	Duration time.Duration      `json:"duration"`
	// ListErr is set when input files could not be listed at all.
	ListErr error `json:"-"`
}

// Err returns the first failure of the load, if any
func (r LoadResult) Err() error {
	if r.ListErr != nil {
		return r.ListErr
	}
	return r.Rows.Err
}

// FailedFiles counts the files that did not load completely
func (r LoadResult) FailedFiles() int {
	n := 0
	for _, f := range r.Files {
		if f.Result.Failed() {
			n++
		}
	}
	return n
}
