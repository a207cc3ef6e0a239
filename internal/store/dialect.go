package store

import (
	"strconv"
	"strings"
)

// Dialect abstracts the SQL differences between the supported databases.
type Dialect interface {
	// Name returns the database/sql driver name.
	Name() string

	// Rebind converts ? placeholders to the dialect's form.
	Rebind(query string) string

	// BoolType and BlobType return column types for the schema.
	BoolType() string
	BlobType() string

	// ForUpdate returns the row locking clause for SELECT, or "".
	ForUpdate() string
}

// SQLiteDialect implements [Dialect] for modernc.org/sqlite.
type SQLiteDialect struct{}

var _ Dialect = SQLiteDialect{}

func (SQLiteDialect) Name() string               { return "sqlite" }
func (SQLiteDialect) Rebind(query string) string { return query }
func (SQLiteDialect) BoolType() string           { return "INTEGER" }
func (SQLiteDialect) BlobType() string           { return "BLOB" }
func (SQLiteDialect) ForUpdate() string          { return "" }

// PostgresDialect implements [Dialect] for the pgx stdlib driver.
type PostgresDialect struct{}

var _ Dialect = PostgresDialect{}

func (PostgresDialect) Name() string               { return "pgx" }
func (PostgresDialect) Rebind(query string) string { return convertPlaceholders(query) }
func (PostgresDialect) BoolType() string           { return "BOOLEAN" }
func (PostgresDialect) BlobType() string           { return "BYTEA" }
func (PostgresDialect) ForUpdate() string          { return "FOR UPDATE" }

// convertPlaceholders rewrites ? placeholders as $1, $2, ...
func convertPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 10)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
