package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/vidiboard/internal/clock"
)

// MemoryStore is an in-memory implementation of [Store].
//
// Records are keyed by id and guarded by a single RWMutex, so every
// operation is atomic per record. Contents are lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	clock   clock.Clock
}

// NewMemoryStore creates a new in-memory [Store] implementation.
//
// A nil clock uses the wall clock. The store is immediately ready for use.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		records: make(map[string]Record),
		clock:   clk,
	}
}

// Put creates or replaces a record.
func (m *MemoryStore) Put(_ context.Context, def Definition, opts PutOptions) (Record, bool, error) {
	if err := validatePut(def, &opts); err != nil {
		return Record{}, false, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	rec := Record{
		ID:             opts.ID,
		Name:           opts.Name,
		Owner:          opts.Owner,
		Tags:           opts.Tags,
		Permanent:      opts.Permanent,
		TTL:            opts.TTL,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Definition:     def,
	}

	existing, found := m.records[opts.ID]
	if found {
		rec.CreatedAt = existing.CreatedAt
	}
	m.records[opts.ID] = rec
	return rec.clone(), !found, nil
}

// Get returns a record and bumps its access time.
func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.LastAccessedAt = m.clock.Now()
	m.records[id] = rec
	return rec.clone(), nil
}

// Peek returns a record without bumping its access time.
func (m *MemoryStore) Peek(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

// Patch applies a partial update.
func (m *MemoryStore) Patch(_ context.Context, id string, patch Patch) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec = rec.clone()
	patch.apply(&rec, m.clock.Now())
	m.records[id] = rec
	return rec.clone(), nil
}

// Delete removes a record.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

// Touch bumps a record's access time.
func (m *MemoryStore) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.LastAccessedAt = m.clock.Now()
	m.records[id] = rec
	return nil
}

// List returns a page of matching records.
//
// The returned slice is a snapshot; modifications do not affect the store.
func (m *MemoryStore) List(_ context.Context, q ListQuery) ([]Record, error) {
	q = q.Normalize()

	m.mu.RLock()
	matched := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if q.matches(rec) {
			matched = append(matched, rec.clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(a, b Record) int {
		c := q.sortKey(a).Compare(q.sortKey(b))
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if !q.Ascending {
			c = -c
		}
		return c
	})

	if q.Offset >= len(matched) {
		return []Record{}, nil
	}
	end := min(q.Offset+q.Limit, len(matched))
	return matched[q.Offset:end], nil
}

// Sweep deletes expired records.
func (m *MemoryStore) Sweep(ctx context.Context, now time.Time, skip func(id string) bool) ([]string, error) {
	m.mu.RLock()
	candidates := make([]string, 0)
	for id, rec := range m.records {
		if rec.Expired(now) {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	var deleted []string
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if skip != nil && skip(id) {
			continue
		}

		// re-check under the write lock: a Get since the scan may have
		// bumped the access time
		m.mu.Lock()
		rec, ok := m.records[id]
		if ok && rec.Expired(now) {
			delete(m.records, id)
			deleted = append(deleted, id)
		}
		m.mu.Unlock()
	}
	return deleted, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }
