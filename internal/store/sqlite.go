package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/jpalmerr/vidiboard/internal/clock"
)

// OpenSQLite opens (or creates) a SQLite database at path.
//
// SQLite allows a single writer, so the pool is limited to one connection
// and concurrent callers queue in database/sql.
func OpenSQLite(ctx context.Context, path string, clk clock.Clock) (*SQLStore, error) {
	connStr := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
		connStr += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := NewSQLStore(ctx, db, SQLiteDialect{}, clk)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
