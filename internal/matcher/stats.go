package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/store"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// StatsSchema returns the DDL of the stats table.
func StatsSchema(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	stat_date TEXT NOT NULL,
	source TEXT NOT NULL,
	txn_count INTEGER NOT NULL,
	total NUMERIC NOT NULL,
	collected_at TEXT NOT NULL,
	UNIQUE (stat_date, source)
)`, table)
}

// CollectStats recomputes per-date count and total for every stat spec of
// the loaders over the window, and replaces the stored snapshots of those
// sources in one transaction.
func (m *Matcher) CollectStats(ctx context.Context, loaders []*loader.Loader, w models.DateWindow) ([]models.StatSnapshot, error) {
	if !models.ValidIdentifier(m.config.StatsTable) {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "stats_table", m.config.StatsTable, nil)
	}
	from := w.Start.Format(models.DateLayout)
	to := w.End.Format(models.DateLayout)
	collectedAt := m.now().UTC().Format(time.RFC3339)

	var snapshots []models.StatSnapshot
	err := m.db.InTx(ctx, func(tx *store.Tx) error {
		snapshots = snapshots[:0]
		for _, l := range loaders {
			for _, spec := range l.Stats {
				found, err := collectSpec(ctx, tx, spec, from, to)
				if err != nil {
					return apperrors.StoreError(apperrors.CodeStatsFailed, "stats "+l.Name, err).
						WithContext("loader", l.Name).
						WithContext("table", spec.Table)
				}
				if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE source = ? AND stat_date >= ? AND stat_date < ?", m.config.StatsTable),
					spec.Source, from, to); err != nil {
					return apperrors.StoreError(apperrors.CodeStatsFailed, "replace stats", err).WithContext("loader", l.Name)
				}
				for _, s := range found {
					if _, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (stat_date, source, txn_count, total, collected_at) VALUES (?, ?, ?, ?, ?)", m.config.StatsTable),
						s.Date.Format(models.DateLayout), s.Source, s.Count, s.Total, collectedAt); err != nil {
						return apperrors.StoreError(apperrors.CodeStatsFailed, "insert stats", err).WithContext("loader", l.Name)
					}
				}
				snapshots = append(snapshots, found...)
			}
		}
		return nil
	})
	if err != nil {
		m.log.WithError(err).WithField("window", w.String()).Error("Stats collection rolled back")
		return nil, apperrors.WrapIfNeeded(err, apperrors.CategoryStore, apperrors.CodeStatsFailed, "collect stats")
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Key() < snapshots[j].Key() })
	m.log.WithFields(logger.Fields{"window": w.String(), "snapshots": len(snapshots)}).Info("Collected stats")
	return snapshots, nil
}

func collectSpec(ctx context.Context, tx *store.Tx, spec loader.StatSpec, from, to string) ([]models.StatSnapshot, error) {
	query := fmt.Sprintf(`SELECT %[1]s, COUNT(*), COALESCE(SUM(%[2]s), 0)
FROM %[3]s
WHERE %[1]s >= ? AND %[1]s < ?
GROUP BY %[1]s
ORDER BY %[1]s`, spec.DateColumn, spec.AmountColumn, spec.Table)

	rows, err := tx.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatSnapshot
	for rows.Next() {
		var (
			date  any
			count int64
			total decimal.Decimal
		)
		if err := rows.Scan(&date, &count, &total); err != nil {
			return nil, err
		}
		d, err := models.DateValue(date)
		if err != nil {
			return nil, err
		}
		out = append(out, models.StatSnapshot{Date: d, Source: spec.Source, Count: count, Total: total.Round(2)})
	}
	return out, rows.Err()
}
