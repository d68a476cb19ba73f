package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver names a database/sql driver registered by this package.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "pgx"
)

// Dialect holds the statement differences between the supported stores.
// Statements are always written with ? placeholders.
type Dialect struct {
	Driver Driver
	// MaxParams is the bound parameter limit of a single statement.
	MaxParams int
}

// DialectFor returns the dialect of a driver
func DialectFor(d Driver) (Dialect, error) {
	switch d {
	case DriverSQLite:
		return Dialect{Driver: DriverSQLite, MaxParams: 32766}, nil
	case DriverPostgres:
		return Dialect{Driver: DriverPostgres, MaxParams: 65535}, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported store driver '%s'", d)
	}
}

// Rebind rewrites ? placeholders for the dialect. Question marks inside
// single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d.Driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Truncate returns the statement that empties a table inside a transaction.
func (d Dialect) Truncate(table string) string {
	if d.Driver == DriverPostgres {
		return "TRUNCATE TABLE " + table
	}
	return "DELETE FROM " + table
}

// AutoIncrementPK is the column definition of a surrogate integer key.
func (d Dialect) AutoIncrementPK(column string) string {
	if d.Driver == DriverPostgres {
		return column + " BIGSERIAL PRIMARY KEY"
	}
	return column + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Placeholders returns n comma separated ? placeholders in parentheses.
func Placeholders(n int) string {
	if n <= 0 {
		return "()"
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}
