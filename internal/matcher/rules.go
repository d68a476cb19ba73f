package matcher

import (
	"fmt"
	"strings"

	"golang-trust-loader/internal/models"
)

// statement is one parameterized statement with ? placeholders.
type statement struct {
	query string
	args  []any
}

// compiled holds the statements of one rule.
type compiled struct {
	rule   models.MatchRule
	insert statement
	enrich *statement
}

// compile turns a rule into statements. Identifiers were validated by
// rule.Validate; values are always bound.
func compile(rule models.MatchRule) (compiled, error) {
	if err := rule.Validate(); err != nil {
		return compiled{}, err
	}

	date := rule.Date.Format(models.DateLayout)
	cols := rule.CopyColumns()

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s)\nSELECT %s\nFROM %s s\nWHERE s.%s = ?",
		rule.Target, strings.Join(cols, ", "), qualify("s", cols), sourceExpr(rule), rule.DateColumn)
	args := []any{date}

	if len(rule.TargetKeys) > 0 {
		fmt.Fprintf(&b, "\n  AND NOT EXISTS (SELECT 1 FROM %s t WHERE %s)", rule.Target, keyJoin("t", "s", rule.TargetKeys))
	}
	if rule.Counterpart != "" {
		to := rule.Date.AddDate(0, 0, rule.AdjacentDays).Format(models.DateLayout)
		pred, predArgs := counterpartExists(rule, "s", date, to)
		fmt.Fprintf(&b, "\n  AND NOT EXISTS (%s)", pred)
		args = append(args, predArgs...)
	}

	c := compiled{rule: rule, insert: statement{query: b.String(), args: args}}
	if rule.Enrich != nil && rule.Enrich.Days > 0 {
		c.enrich = compileEnrich(rule, date)
	}
	return c, nil
}

// compileEnrich fills Enrich.Column on the rule's flagged rows from the
// first counterpart row found within Enrich.Days after the date.
func compileEnrich(rule models.MatchRule, date string) *statement {
	to := rule.Date.AddDate(0, 0, rule.Enrich.Days).Format(models.DateLayout)
	pred, predArgs := counterpartExists(rule, rule.Target, date, to)
	lookup := strings.Replace(pred, "SELECT 1 FROM", fmt.Sprintf("SELECT c.%s FROM", rule.Enrich.From), 1)

	query := fmt.Sprintf("UPDATE %[1]s SET %[2]s = (%[3]s LIMIT 1)\nWHERE %[1]s.%[4]s = ? AND %[1]s.%[2]s IS NULL AND EXISTS (%[5]s)",
		rule.Target, rule.Enrich.Column, lookup, rule.DateColumn, pred)

	args := make([]any, 0, 2*len(predArgs)+1)
	args = append(args, predArgs...)
	args = append(args, date)
	args = append(args, predArgs...)
	return &statement{query: query, args: args}
}

// counterpartExists builds the subquery selecting counterpart rows that
// match the outer row's keys with a date column in [from, to], or in
// (from, to] for AfterOnly rules.
func counterpartExists(rule models.MatchRule, outer, from, to string) (string, []any) {
	parts := []string{keyJoin("c", outer, rule.CounterpartKeys)}
	var args []any

	lower := ">="
	if rule.AfterOnly {
		lower = ">"
	}
	if len(rule.CounterpartDateColumns) > 0 {
		ranges := make([]string, 0, len(rule.CounterpartDateColumns))
		for _, col := range rule.CounterpartDateColumns {
			ranges = append(ranges, fmt.Sprintf("(c.%[1]s %[2]s ? AND c.%[1]s <= ?)", col, lower))
			args = append(args, from, to)
		}
		parts = append(parts, "("+strings.Join(ranges, " OR ")+")")
	}
	if rule.CounterpartFilter != "" {
		parts = append(parts, "("+rule.CounterpartFilter+")")
		args = append(args, rule.FilterArgs...)
	}
	return fmt.Sprintf("SELECT 1 FROM %s c WHERE %s", rule.Counterpart, strings.Join(parts, " AND ")), args
}

func sourceExpr(rule models.MatchRule) string {
	if rule.SourceSelect != "" {
		return "(" + rule.SourceSelect + ")"
	}
	return rule.Source
}

func keyJoin(inner, outer string, keys []models.KeyPair) string {
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf("%s.%s = %s.%s", inner, k.Counterpart, outer, k.Source)
	}
	return strings.Join(conds, " AND ")
}

func qualify(alias string, cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = alias + "." + c
	}
	return strings.Join(q, ", ")
}
