package models

import (
	"fmt"
	"regexp"
	"time"
)

// MatchKind selects how the matcher evaluates a rule.
type MatchKind string

const (
	// PromoteIfUnmatched copies source rows for the date into the target,
	// skipping rows whose key already exists in the target (first writer wins)
	// and, when a counterpart is set, rows the counterpart already holds.
	PromoteIfUnmatched MatchKind = "promote_if_unmatched"
	// FlagUnmatched copies source rows for the date into the target when the
	// counterpart has no row with the same key on the date or within
	// AdjacentDays after it (only after it with AfterOnly).
	FlagUnmatched MatchKind = "flag_unmatched"
)

// KeyPair joins a source column to a counterpart column.
type KeyPair struct {
	Source      string `json:"source"`
	Counterpart string `json:"counterpart"`
}

// Enrichment copies a counterpart identifier onto flagged rows when a
// counterpart row shows up within Days after the match date.
type Enrichment struct {
	Column string `json:"column"`
	From   string `json:"from"`
	Days   int    `json:"days"`
}

// MatchRule is a reconciliation rule keyed to a single date. Rules are data:
// the matcher turns them into parameterized statements.
type MatchRule struct {
	Name   string    `json:"name"`
	Kind   MatchKind `json:"kind"`
	Date   time.Time `json:"date"`
	Source string    `json:"source"`
	Target string    `json:"target"`
	// Columns copied from source to target; defaults to TransactionColumns.
	Columns    []string `json:"columns,omitempty"`
	DateColumn string   `json:"dateColumn"`
	// TargetKeys de-duplicate promotions against rows already in Target.
	TargetKeys []KeyPair `json:"targetKeys,omitempty"`

	Counterpart            string    `json:"counterpart,omitempty"`
	CounterpartKeys        []KeyPair `json:"counterpartKeys,omitempty"`
	CounterpartDateColumns []string  `json:"counterpartDateColumns,omitempty"`
	AdjacentDays           int       `json:"adjacentDays,omitempty"`
	// AfterOnly requires the counterpart date to be strictly after the rule
	// date, so a counterpart row on the date itself does not match.
	AfterOnly bool `json:"afterOnly,omitempty"`
	// CounterpartFilter is a trusted predicate over the counterpart alias c,
	// with ? placeholders bound to FilterArgs.
	CounterpartFilter string `json:"counterpartFilter,omitempty"`
	FilterArgs        []any  `json:"filterArgs,omitempty"`
	// SourceSelect replaces the source table with a trusted derived table
	// (for example an aggregate); it takes no parameters.
	SourceSelect string `json:"sourceSelect,omitempty"`

	Enrich *Enrichment `json:"enrich,omitempty"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier reports whether s is safe to splice into a statement as a
// table or column name.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// CopyColumns returns the columns copied by the rule.
func (r MatchRule) CopyColumns() []string {
	if len(r.Columns) > 0 {
		return r.Columns
	}
	return TransactionColumns
}

// Validate checks the rule shape and every identifier it carries
func (r MatchRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("match rule name cannot be empty")
	}
	if r.Kind != PromoteIfUnmatched && r.Kind != FlagUnmatched {
		return fmt.Errorf("match rule %s: unknown kind '%s'", r.Name, r.Kind)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("match rule %s: date cannot be zero", r.Name)
	}
	if r.AdjacentDays < 0 {
		return fmt.Errorf("match rule %s: adjacent days cannot be negative", r.Name)
	}

	idents := []string{r.Target, r.DateColumn}
	if r.SourceSelect == "" {
		idents = append(idents, r.Source)
	}
	idents = append(idents, r.CopyColumns()...)
	for _, k := range r.TargetKeys {
		idents = append(idents, k.Source, k.Counterpart)
	}

	switch r.Kind {
	case PromoteIfUnmatched:
		if len(r.TargetKeys) == 0 {
			return fmt.Errorf("match rule %s: promote needs target keys", r.Name)
		}
		if r.Counterpart != "" && len(r.CounterpartKeys) == 0 {
			return fmt.Errorf("match rule %s: counterpart needs keys", r.Name)
		}
	case FlagUnmatched:
		if r.Counterpart == "" || len(r.CounterpartKeys) == 0 {
			return fmt.Errorf("match rule %s: flag needs a counterpart and keys", r.Name)
		}
		if len(r.CounterpartDateColumns) == 0 {
			return fmt.Errorf("match rule %s: flag needs counterpart date columns", r.Name)
		}
	}

	if r.Counterpart != "" {
		idents = append(idents, r.Counterpart)
		idents = append(idents, r.CounterpartDateColumns...)
		for _, k := range r.CounterpartKeys {
			idents = append(idents, k.Source, k.Counterpart)
		}
	}
	if r.Enrich != nil {
		if r.Kind != FlagUnmatched {
			return fmt.Errorf("match rule %s: enrichment only applies to flag rules", r.Name)
		}
		idents = append(idents, r.Enrich.Column, r.Enrich.From)
	}

	for _, id := range idents {
		if !ValidIdentifier(id) {
			return fmt.Errorf("match rule %s: invalid identifier '%s'", r.Name, id)
		}
	}
	return nil
}
