// Package pipeline streams normalized rows into a table in chunks, one
// transaction per chunk.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/store"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// DefaultChunkSize is the number of rows committed per transaction.
const DefaultChunkSize = 1000

// Record is a row that can be inserted by the pipeline
type Record interface {
	Values() []any
	RecordAmount() decimal.Decimal
}

// Target is the destination table and its column order
type Target struct {
	Table   string
	Columns []string
}

// Validate checks the target identifiers
func (t Target) Validate() error {
	if !models.ValidIdentifier(t.Table) {
		return fmt.Errorf("invalid target table '%s'", t.Table)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("target %s has no columns", t.Table)
	}
	for _, c := range t.Columns {
		if !models.ValidIdentifier(c) {
			return fmt.Errorf("invalid column '%s' on %s", c, t.Table)
		}
	}
	return nil
}

// Options tune a single InsertAll call
type Options struct {
	ChunkSize int
	// MaxRowsPerStatement caps the rows of one multi-row INSERT; zero derives
	// it from the dialect's parameter limit.
	MaxRowsPerStatement int
	Logger              logger.Logger
	// Operation names the load in logs and errors, e.g. "CardPayment".
	Operation string
}

// InsertAll drains rows into target. Rows are buffered up to ChunkSize and
// each full chunk, plus the final partial one, is inserted and committed in
// its own transaction. The first extract or insert error rolls back the
// in-flight chunk only and stops the stream: chunks committed before it stand
// and the result reports the rows lost with the failed chunk.
func InsertAll[R Record](ctx context.Context, db *store.DB, target Target, rows iter.Seq2[R, error], opts Options) models.BatchResult {
	result := models.BatchResult{Target: target.Table}
	if err := target.Validate(); err != nil {
		result.Err = apperrors.InternalError(apperrors.CodeUnexpectedError, "insert into "+target.Table, err)
		return result
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	perStatement := opts.MaxRowsPerStatement
	if perStatement <= 0 {
		perStatement = db.Dialect().MaxParams / len(target.Columns)
	}
	perStatement = max(1, min(perStatement, chunkSize))

	log := opts.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	op := opts.Operation
	if op == "" {
		op = target.Table
	}
	log = log.WithFields(logger.Fields{"operation": op, "table": target.Table})

	progress := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: "load " + op,
		Logger:    log,
	})

	buf := make([]R, 0, chunkSize)
	flush := func() bool {
		if len(buf) == 0 {
			return true
		}
		if err := insertChunk(ctx, db, target, buf, perStatement); err != nil {
			result.Lost = len(buf)
			result.Err = apperrors.StoreError(apperrors.CodeBatchFailed, op, err).
				WithContext("table", target.Table).
				WithContext("lost_records", len(buf))
			return false
		}
		result.Batches++
		result.Committed += len(buf)
		for _, r := range buf {
			result.Amount = result.Amount.Add(r.RecordAmount())
		}
		progress.Add(int64(len(buf)))
		buf = buf[:0]
		return true
	}

	start := time.Now()
	for row, err := range rows {
		if err != nil {
			result.Lost = len(buf)
			result.Err = apperrors.WrapIfNeeded(err, apperrors.CategoryStore, apperrors.CodeExtractFailed, "extract failed during "+op)
			break
		}
		buf = append(buf, row)
		if len(buf) >= chunkSize && !flush() {
			break
		}
	}
	if result.Err == nil {
		flush()
	}

	fields := logger.Fields{
		"records":  result.Committed,
		"amount":   result.Amount.StringFixed(2),
		"batches":  result.Batches,
		"duration": time.Since(start).String(),
	}
	if result.Err != nil {
		progress.CompleteWithError(result.Err)
		fields["lost_records"] = result.Lost
		log.WithError(result.Err).WithFields(fields).Error("Load stopped; in-flight batch rolled back")
		return result
	}
	progress.Complete()
	log.WithFields(fields).Info("Finished load")
	return result
}

// insertChunk writes rows in one transaction using multi-row INSERTs of at
// most perStatement rows.
func insertChunk[R Record](ctx context.Context, db *store.DB, target Target, rows []R, perStatement int) error {
	return db.InTx(ctx, func(tx *store.Tx) error {
		for i := 0; i < len(rows); i += perStatement {
			part := rows[i:min(i+perStatement, len(rows))]
			query, args, err := buildInsert(target, part)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func buildInsert[R Record](target Target, rows []R) (string, []any, error) {
	row := store.Placeholders(len(target.Columns))

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(target.Table)
	b.WriteString(" (")
	b.WriteString(strings.Join(target.Columns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(target.Columns))
	for i, r := range rows {
		values := r.Values()
		if len(values) != len(target.Columns) {
			return "", nil, fmt.Errorf("row has %d values, %s expects %d", len(values), target.Table, len(target.Columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
		args = append(args, values...)
	}
	return b.String(), args, nil
}

// FromSlice adapts a slice to the row sequence InsertAll consumes.
func FromSlice[R any](rows []R) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}
