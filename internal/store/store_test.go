package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang-trust-loader/internal/store"
	"golang-trust-loader/internal/store/storetest"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

const itemsDDL = `CREATE TABLE IF NOT EXISTS items (name TEXT NOT NULL UNIQUE, qty INTEGER NOT NULL)`

func TestDialect_Rebind(t *testing.T) {
	pg, err := store.DialectFor(store.DriverPostgres)
	require.NoError(t, err)
	lite, err := store.DialectFor(store.DriverSQLite)
	require.NoError(t, err)

	query := "SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)", pg.Rebind(query))
	assert.Equal(t, query, lite.Rebind(query))

	assert.Equal(t, "TRUNCATE TABLE x", pg.Truncate("x"))
	assert.Equal(t, "DELETE FROM x", lite.Truncate("x"))
	assert.Contains(t, pg.AutoIncrementPK("id"), "BIGSERIAL")
	assert.Contains(t, lite.AutoIncrementPK("id"), "AUTOINCREMENT")

	_, err = store.DialectFor("mssql")
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "(?)", store.Placeholders(1))
	assert.Equal(t, "(?, ?, ?)", store.Placeholders(3))
	assert.Equal(t, "()", store.Placeholders(0))
}

func TestConfig_Validate(t *testing.T) {
	valid := store.DefaultConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *store.Config)
	}{
		{"unknown driver", func(c *store.Config) { c.Driver = "oracle" }},
		{"empty dsn", func(c *store.Config) { c.DSN = " " }},
		{"no retries", func(c *store.Config) { c.ConnectRetries = 0 }},
		{"negative interval", func(c *store.Config) { c.RetryInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestOpen_InvalidConfigIsConfigurationError(t *testing.T) {
	_, err := store.Open(context.Background(), store.Config{Driver: "oracle", DSN: "x", ConnectRetries: 1}, logger.Discard())
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConfiguration))
}

func TestInTx_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, itemsDDL)

	err := db.InTx(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, "INSERT INTO items (name, qty) VALUES (?, ?)", "a", 1)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO items (name, qty) VALUES (?, ?)", "b", 2); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := db.Count(ctx, "items", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rolled back insert must not be visible")

	n, err = db.Count(ctx, "items", "name = ?", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInTx_ConstraintViolationRollsBackWholeTransaction(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, itemsDDL)

	err := db.InTx(ctx, func(tx *store.Tx) error {
		for _, name := range []string{"x", "y", "x"} {
			if _, err := tx.Exec(ctx, "INSERT INTO items (name, qty) VALUES (?, 1)", name); err != nil {
				return err
			}
		}
		return nil
	})
	require.Error(t, err)

	n, err := db.Count(ctx, "items", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTx_Query(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, itemsDDL)

	_, err := db.Exec(ctx, "INSERT INTO items (name, qty) VALUES (?, ?), (?, ?)", "a", 1, "b", 2)
	require.NoError(t, err)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	var total int
	require.NoError(t, tx.QueryRow(ctx, "SELECT SUM(qty) FROM items WHERE qty >= ?", 1).Scan(&total))
	assert.Equal(t, 3, total)

	rows, err := tx.Query(ctx, "SELECT name FROM items ORDER BY name")
	require.NoError(t, err)
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Err())
	rows.Close()
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, store.DriverSQLite, tx.Dialect().Driver)
}
