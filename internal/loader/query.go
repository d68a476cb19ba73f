package loader

import (
	"context"
	"iter"

	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/pipeline"
	apperrors "golang-trust-loader/pkg/errors"
)

// QueryExtractor reads rows from the upstream store with a trusted query
// selecting TransactionColumns in order, followed by ExtraColumns.
type QueryExtractor struct {
	Query string
	// Args binds the query's placeholders for a window. Nil binds the
	// window start and end as dates.
	Args func(w models.DateWindow) []any
	// ExtraColumns are source-specific columns copied as-is after the
	// canonical ones.
	ExtraColumns []string
}

// Extract implements Extractor
func (q QueryExtractor) Extract(ctx context.Context, env *Env, l *Loader, w models.DateWindow) LoadResult {
	args := []any{w.Start.Format(models.DateLayout), w.End.Format(models.DateLayout)}
	if q.Args != nil {
		args = q.Args(w)
	}

	log := env.log().WithField("loader", l.Name)
	columns := append(append([]string{}, models.TransactionColumns...), q.ExtraColumns...)
	target := pipeline.Target{Table: l.Table, Columns: columns}
	rows := queryRows(ctx, env, q.Query, args, len(q.ExtraColumns))
	return LoadResult{Rows: pipeline.InsertAll(ctx, env.DB, target, rows, env.pipelineOptions(l, log))}
}

// extendedRecord is a transaction with trailing source-specific values.
type extendedRecord struct {
	models.TransactionRecord
	extra []any
}

// Values implements pipeline.Record
func (r extendedRecord) Values() []any {
	return append(r.TransactionRecord.Values(), r.extra...)
}

// queryRows runs query when iteration starts and yields scanned records.
func queryRows(ctx context.Context, env *Env, query string, args []any, extra int) iter.Seq2[extendedRecord, error] {
	return func(yield func(extendedRecord, error) bool) {
		rows, err := env.upstream().Query(ctx, query, args...)
		if err != nil {
			yield(extendedRecord{}, apperrors.StoreError(apperrors.CodeExtractFailed, "query upstream", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			r := extendedRecord{extra: make([]any, extra)}
			dest := make([]any, extra)
			for i := range r.extra {
				dest[i] = &r.extra[i]
			}
			txn, err := models.ScanTransaction(func(canonical ...any) error {
				return rows.Scan(append(canonical, dest...)...)
			})
			if err != nil {
				yield(r, apperrors.StoreError(apperrors.CodeExtractFailed, "scan upstream row", err))
				return
			}
			r.TransactionRecord = txn
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(extendedRecord{}, apperrors.StoreError(apperrors.CodeExtractFailed, "read upstream rows", err))
		}
	}
}
