package jobhistory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/store"
)

// DefaultTable is the job-history table name.
const DefaultTable = "job_exec_history"

// Schema returns the DDL of the job-history table.
func Schema(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	start_date TEXT NOT NULL,
	end_date TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT
)`, table)
}

// ErrNotFound is returned for an unknown execution id.
var ErrNotFound = errors.New("job execution not found")

// SQLHistory keeps job history in the working store.
type SQLHistory struct {
	db    *store.DB
	table string
	now   func() time.Time
}

// NewSQLHistory creates a SQLHistory over table, or DefaultTable when empty
func NewSQLHistory(db *store.DB, table string) (*SQLHistory, error) {
	if table == "" {
		table = DefaultTable
	}
	if !models.ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid job history table '%s'", table)
	}
	return &SQLHistory{db: db, table: table, now: time.Now}, nil
}

// LastSuccessful implements History
func (h *SQLHistory) LastSuccessful(ctx context.Context) (*Execution, error) {
	query := fmt.Sprintf(`SELECT id, start_date, end_date, status, started_at, COALESCE(finished_at, '')
FROM %s WHERE status = ?
ORDER BY end_date DESC, started_at DESC
LIMIT 1`, h.table)

	var r record
	err := h.db.QueryRow(ctx, query, string(StatusSuccess)).
		Scan(&r.ID, &r.StartDate, &r.EndDate, &r.Status, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job history: %w", err)
	}
	return r.execution()
}

// Start implements History
func (h *SQLHistory) Start(ctx context.Context, w models.DateWindow) (*Execution, error) {
	r := newRecord(uuid.NewString(), w, h.now())
	query := fmt.Sprintf("INSERT INTO %s (id, start_date, end_date, status, started_at) VALUES (?, ?, ?, ?, ?)", h.table)
	if _, err := h.db.Exec(ctx, query, r.ID, r.StartDate, r.EndDate, string(r.Status), r.StartedAt); err != nil {
		return nil, fmt.Errorf("insert job execution: %w", err)
	}
	return r.execution()
}

// Finish implements History
func (h *SQLHistory) Finish(ctx context.Context, id string, status Status) error {
	query := fmt.Sprintf("UPDATE %s SET status = ?, finished_at = ? WHERE id = ?", h.table)
	res, err := h.db.Exec(ctx, query, string(status), h.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("update job execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Discard implements History
func (h *SQLHistory) Discard(ctx context.Context, id string) error {
	if _, err := h.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", h.table), id); err != nil {
		return fmt.Errorf("delete job execution: %w", err)
	}
	return nil
}

// Recent lists up to limit executions, newest window first.
func (h *SQLHistory) Recent(ctx context.Context, limit int) ([]Execution, error) {
	query := fmt.Sprintf(`SELECT id, start_date, end_date, status, started_at, COALESCE(finished_at, '')
FROM %s ORDER BY end_date DESC, started_at DESC LIMIT ?`, h.table)
	rows, err := h.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query job history: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.ID, &r.StartDate, &r.EndDate, &r.Status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		e, err := r.execution()
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
