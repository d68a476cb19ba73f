// Package ledger records which input files were fully ingested so that
// file-based sources never load the same file twice.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/store"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

// DefaultTable is the processed-files table name.
const DefaultTable = "processed_files"

// Schema returns the DDL of the processed-files table.
func Schema(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	file_name TEXT NOT NULL UNIQUE,
	processed_at TEXT NOT NULL
)`, table)
}

// Ledger is the processed-file ledger. Claim makes check-then-mark atomic
// per file within the process; the UNIQUE file name protects it across
// processes.
type Ledger struct {
	db      *store.DB
	table   string
	log     logger.Logger
	now     func() time.Time
	seen    *cache.Cache
	mu      sync.Mutex
	claimed map[string]struct{}
}

// New creates a ledger over table, or DefaultTable when empty
func New(db *store.DB, table string, log logger.Logger) (*Ledger, error) {
	if table == "" {
		table = DefaultTable
	}
	if !models.ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid ledger table '%s'", table)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Ledger{
		db:      db,
		table:   table,
		log:     log.WithComponent("ledger"),
		now:     time.Now,
		seen:    cache.New(time.Hour, 2*time.Hour),
		claimed: make(map[string]struct{}),
	}, nil
}

// IsProcessed reports whether fileName was marked processed
func (l *Ledger) IsProcessed(ctx context.Context, fileName string) (bool, error) {
	if _, found := l.seen.Get(fileName); found {
		return true, nil
	}

	n, err := l.db.Count(ctx, l.table, "file_name = ?", fileName)
	if err != nil {
		return false, apperrors.StoreError(apperrors.CodeExtractFailed, "ledger lookup", err).
			WithContext("file", fileName)
	}
	if n > 0 {
		l.seen.Set(fileName, struct{}{}, cache.DefaultExpiration)
		return true, nil
	}
	return false, nil
}

// MarkProcessed records fileName. Callers mark a file only after every
// batch of it committed. Marking an already marked file is a no-op.
func (l *Ledger) MarkProcessed(ctx context.Context, fileName string) error {
	query := fmt.Sprintf(`INSERT INTO %[1]s (file_name, processed_at)
SELECT CAST(? AS TEXT), CAST(? AS TEXT)
WHERE NOT EXISTS (SELECT 1 FROM %[1]s WHERE file_name = ?)`, l.table)

	at := l.now().UTC().Format(time.RFC3339)
	if _, err := l.db.Exec(ctx, query, fileName, at, fileName); err != nil {
		return apperrors.StoreError(apperrors.CodeBatchFailed, "ledger mark", err).
			WithContext("file", fileName)
	}
	l.seen.Set(fileName, struct{}{}, cache.DefaultExpiration)
	l.log.WithField("file", fileName).Debug("File marked processed")
	return nil
}

// Claim reserves fileName for the caller. ok is false when the file is
// already processed or claimed by another worker. The caller must call
// release once it has marked the file or given up on it.
func (l *Ledger) Claim(ctx context.Context, fileName string) (release func(), ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.claimed[fileName]; busy {
		return func() {}, false, nil
	}
	processed, err := l.IsProcessed(ctx, fileName)
	if err != nil {
		return func() {}, false, err
	}
	if processed {
		return func() {}, false, nil
	}

	l.claimed[fileName] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.claimed, fileName)
			l.mu.Unlock()
		})
	}, true, nil
}

// Entries lists every processed file, oldest first
func (l *Ledger) Entries(ctx context.Context) ([]models.ProcessedFileEntry, error) {
	rows, err := l.db.Query(ctx, fmt.Sprintf("SELECT file_name, processed_at FROM %s ORDER BY processed_at, file_name", l.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ProcessedFileEntry
	for rows.Next() {
		var name, at string
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		e := models.ProcessedFileEntry{FileName: name}
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			e.ProcessedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
