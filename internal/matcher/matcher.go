// Package matcher runs reconciliation rules against the working store.
//
// Rules are evaluated per loader: the loader's match tables are emptied and
// every rule is applied in a single transaction, so a date can be re-matched
// any number of times with the same outcome and a rule never lands
// partially.
//
// Example usage:
//
//	m := matcher.New(db, matcher.DefaultConfig(), log)
//	result := m.Match(ctx, cardPayment, matchDate)
//	if result.Err != nil {
//		// the loader's match tables are unchanged
//	}
package matcher

import (
	"context"
	"fmt"
	"time"

	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/store"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// DefaultStatsTable holds the collected StatSnapshots.
const DefaultStatsTable = "stats"

// Config holds matcher settings
type Config struct {
	StatsTable string `mapstructure:"stats_table"`
}

// DefaultConfig returns the default matcher configuration
func DefaultConfig() Config {
	return Config{StatsTable: DefaultStatsTable}
}

// Matcher evaluates loader match rules and collects stats.
type Matcher struct {
	db     *store.DB
	config Config
	log    logger.Logger
	now    func() time.Time
}

// New creates a Matcher over the working store
func New(db *store.DB, config Config, log logger.Logger) *Matcher {
	if config.StatsTable == "" {
		config.StatsTable = DefaultStatsTable
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Matcher{db: db, config: config, log: log.WithComponent("matcher"), now: time.Now}
}

// RuleOutcome reports the rows one rule wrote.
type RuleOutcome struct {
	Name     string           `json:"name"`
	Kind     models.MatchKind `json:"kind"`
	Rows     int64            `json:"rows"`
	Enriched int64            `json:"enriched,omitempty"`
}

// MatchResult is the outcome of matching one loader for one date.
type MatchResult struct {
	Loader string        `json:"loader"`
	Date   time.Time     `json:"date"`
	Rules  []RuleOutcome `json:"rules,omitempty"`
	// Skipped is set for loaders without rules.
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Match cleans the loader's match tables and applies its rules for date in
// one transaction. A loader without rules is a no-op.
func (m *Matcher) Match(ctx context.Context, l *loader.Loader, date time.Time) MatchResult {
	date = models.Day(date)
	result := MatchResult{Loader: l.Name, Date: date}
	log := m.log.WithFields(logger.Fields{"loader": l.Name, "match_date": date.Format(models.DateLayout)})

	rules := l.MatchRules(date)
	if len(rules) == 0 {
		result.Skipped = true
		log.Debug("Loader has no match rules")
		return result
	}

	stmts := make([]compiled, 0, len(rules))
	for _, rule := range rules {
		c, err := compile(rule)
		if err != nil {
			result.Err = apperrors.MatchError(apperrors.CodeMatchingFailed, l.Name, err).WithContext("rule", rule.Name)
			log.WithError(result.Err).Error("Invalid match rule")
			return result
		}
		stmts = append(stmts, c)
	}

	start := time.Now()
	var outcomes []RuleOutcome
	err := m.db.InTx(ctx, func(tx *store.Tx) error {
		outcomes = outcomes[:0]
		if err := l.CleanMatchTables(ctx, tx); err != nil {
			return err
		}
		for _, c := range stmts {
			o, err := apply(ctx, tx, c)
			if err != nil {
				return apperrors.MatchError(apperrors.CodeMatchingFailed, l.Name, err).WithContext("rule", c.rule.Name)
			}
			outcomes = append(outcomes, o)
		}
		return nil
	})
	result.Duration = time.Since(start)
	if err != nil {
		result.Err = apperrors.WrapIfNeeded(err, apperrors.CategoryMatch, apperrors.CodeMatchingFailed, "match "+l.Name)
		log.WithError(result.Err).Error("Matching rolled back")
		return result
	}

	result.Rules = outcomes
	for _, o := range outcomes {
		log.WithFields(logger.Fields{"rule": o.Name, "rows": o.Rows, "enriched": o.Enriched}).Info("Applied match rule")
	}
	return result
}

// MatchAll matches every loader in order, one transaction per loader. A
// failing loader does not stop the others.
func (m *Matcher) MatchAll(ctx context.Context, loaders []*loader.Loader, date time.Time) []MatchResult {
	results := make([]MatchResult, 0, len(loaders))
	for _, l := range loaders {
		results = append(results, m.Match(ctx, l, date))
	}
	return results
}

func apply(ctx context.Context, tx *store.Tx, c compiled) (RuleOutcome, error) {
	o := RuleOutcome{Name: c.rule.Name, Kind: c.rule.Kind}

	res, err := tx.Exec(ctx, c.insert.query, c.insert.args...)
	if err != nil {
		return o, err
	}
	if o.Rows, err = res.RowsAffected(); err != nil {
		return o, fmt.Errorf("rows affected: %w", err)
	}

	if c.enrich != nil {
		res, err := tx.Exec(ctx, c.enrich.query, c.enrich.args...)
		if err != nil {
			return o, fmt.Errorf("enrich: %w", err)
		}
		if o.Enriched, err = res.RowsAffected(); err != nil {
			return o, fmt.Errorf("rows affected: %w", err)
		}
	}
	return o, nil
}
