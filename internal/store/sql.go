package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/vidiboard/internal/clock"
)

const schemaVersion = 1

const recordColumns = `id, name, owner, tags, permanent, ttl_ns, created_at, updated_at, last_accessed_at, definition, definition_hash`

// SQLStore is a [Store] backed by database/sql.
//
// Timestamps are stored as unix nanoseconds, tags as a JSON array and the
// canonical definition as a zstd-compressed blob next to its hash.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock
}

// NewSQLStore wraps an open database, creating the schema if needed.
// A nil clock uses the wall clock.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, clk clock.Clock) (*SQLStore, error) {
	if clk == nil {
		clk = clock.Real()
	}
	s := &SQLStore{db: db, dialect: dialect, clock: clk}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS dashboards (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			permanent %s NOT NULL,
			ttl_ns BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_accessed_at BIGINT NOT NULL,
			definition %s NOT NULL,
			definition_hash TEXT NOT NULL
		)`, s.dialect.BoolType(), s.dialect.BlobType()),
		`CREATE INDEX IF NOT EXISTS idx_dashboards_owner ON dashboards(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_dashboards_permanent ON dashboards(permanent)`,
		`CREATE INDEX IF NOT EXISTS idx_dashboards_created_at ON dashboards(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dashboards_updated_at ON dashboards(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dashboards_last_accessed_at ON dashboards(last_accessed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM schema_version WHERE version = ?`), schemaVersion).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`),
			schemaVersion, s.clock.Now().UnixNano())
		return err
	}
	return nil
}

// Put creates or replaces a record inside a transaction.
func (s *SQLStore) Put(ctx context.Context, def Definition, opts PutOptions) (Record, bool, error) {
	if err := validatePut(def, &opts); err != nil {
		return Record{}, false, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now()
	createdAt := now
	found := true

	var existing int64
	err = tx.QueryRowContext(ctx, s.q(`SELECT created_at FROM dashboards WHERE id = ? `+s.dialect.ForUpdate()), opts.ID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		return Record{}, false, fmt.Errorf("lookup %s: %w", opts.ID, err)
	default:
		createdAt = time.Unix(0, existing).UTC()
	}

	rec := Record{
		ID:             opts.ID,
		Name:           opts.Name,
		Owner:          opts.Owner,
		Tags:           opts.Tags,
		Permanent:      opts.Permanent,
		TTL:            opts.TTL,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Definition:     def,
	}

	tags, err := encodeTags(rec.Tags)
	if err != nil {
		return Record{}, false, err
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO dashboards (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner = excluded.owner,
			tags = excluded.tags,
			permanent = excluded.permanent,
			ttl_ns = excluded.ttl_ns,
			updated_at = excluded.updated_at,
			last_accessed_at = excluded.last_accessed_at,
			definition = excluded.definition,
			definition_hash = excluded.definition_hash`),
		rec.ID, rec.Name, rec.Owner, tags, rec.Permanent, int64(rec.TTL),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), rec.LastAccessedAt.UnixNano(),
		compressDefinition(def), def.Hash())
	if err != nil {
		return Record{}, false, fmt.Errorf("write %s: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, false, fmt.Errorf("commit put: %w", err)
	}
	return rec, !found, nil
}

// Get bumps the access time and returns the record in one statement.
func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`UPDATE dashboards SET last_accessed_at = ? WHERE id = ? RETURNING `+recordColumns),
		s.clock.Now().UnixNano(), id)
	return scanRecord(row)
}

// Peek returns the record without bumping its access time.
func (s *SQLStore) Peek(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+` FROM dashboards WHERE id = ?`), id)
	return scanRecord(row)
}

// Patch applies a partial update inside a transaction.
func (s *SQLStore) Patch(ctx context.Context, id string, patch Patch) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin patch: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		s.q(`SELECT `+recordColumns+` FROM dashboards WHERE id = ? `+s.dialect.ForUpdate()), id))
	if err != nil {
		return Record{}, err
	}

	patch.apply(&rec, s.clock.Now())

	tags, err := encodeTags(rec.Tags)
	if err != nil {
		return Record{}, err
	}

	_, err = tx.ExecContext(ctx, s.q(`UPDATE dashboards SET
			name = ?, owner = ?, tags = ?, permanent = ?, ttl_ns = ?,
			updated_at = ?, definition = ?, definition_hash = ?
		WHERE id = ?`),
		rec.Name, rec.Owner, tags, rec.Permanent, int64(rec.TTL),
		rec.UpdatedAt.UnixNano(), compressDefinition(rec.Definition), rec.Hash(), id)
	if err != nil {
		return Record{}, fmt.Errorf("patch %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit patch: %w", err)
	}
	return rec, nil
}

// Delete removes a record.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dashboards WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return requireAffected(res)
}

// Touch bumps the access time.
func (s *SQLStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE dashboards SET last_accessed_at = ? WHERE id = ?`),
		s.clock.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return requireAffected(res)
}

// List returns a page of matching records.
func (s *SQLStore) List(ctx context.Context, q ListQuery) ([]Record, error) {
	q = q.Normalize()

	var (
		where []string
		args  []any
	)
	if q.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, q.Owner)
	}
	if q.Name != "" {
		where = append(where, "name = ?")
		args = append(args, q.Name)
	}
	if q.Tag != "" {
		tag, err := json.Marshal(q.Tag)
		if err != nil {
			return nil, err
		}
		where = append(where, "tags LIKE ?")
		args = append(args, "%"+string(tag)+"%")
	}
	if q.Permanent != nil {
		where = append(where, "permanent = ?")
		args = append(args, *q.Permanent)
	}

	query := `SELECT ` + recordColumns + ` FROM dashboards`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id %s LIMIT %d OFFSET %d", q.Sort, order, order, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list dashboards: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Sweep deletes expired records, re-checking expiry in each DELETE.
func (s *SQLStore) Sweep(ctx context.Context, now time.Time, skip func(id string) bool) ([]string, error) {
	const expired = `permanent = ? AND ttl_ns > 0 AND last_accessed_at < ? - ttl_ns`
	nowNs := now.UnixNano()

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id FROM dashboards WHERE `+expired), false, nowNs)
	if err != nil {
		return nil, fmt.Errorf("scan expired: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var deleted []string
	for _, id := range candidates {
		if skip != nil && skip(id) {
			continue
		}
		res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dashboards WHERE id = ? AND `+expired), id, false, nowNs)
		if err != nil {
			return deleted, fmt.Errorf("evict %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                            Record
		tags, hash                     string
		ttl, created, updated, touched int64
		blob                           []byte
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Owner, &tags, &rec.Permanent, &ttl,
		&created, &updated, &touched, &blob, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan dashboard: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return Record{}, fmt.Errorf("decode tags of %s: %w", rec.ID, err)
	}
	rec.Tags = NormalizeTags(rec.Tags)
	rec.TTL = time.Duration(ttl)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	rec.LastAccessedAt = time.Unix(0, touched).UTC()

	rec.Definition, err = decompressDefinition(blob, hash)
	if err != nil {
		return Record{}, fmt.Errorf("decode definition of %s: %w", rec.ID, err)
	}
	return rec, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(data), nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
