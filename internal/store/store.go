package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when no record exists for an id, including records
// that have been evicted.
var ErrNotFound = errors.New("dashboard not found")

// ErrInvalidID is returned for ids outside the accepted character set.
var ErrInvalidID = errors.New("invalid dashboard id")

const maxIDLength = 128

// Record is a stored dashboard.
//
// Records returned by a [Store] are copies; modifying them does not affect
// the store.
type Record struct {
	// ID is the opaque unique identifier.
	ID string

	// Name, Owner and Tags are optional descriptive metadata.
	Name  string
	Owner string
	Tags  []string

	// Permanent records are never evicted. TTL is ignored when set.
	Permanent bool

	// TTL is the idle time after which the record may be evicted.
	// Zero means the record does not expire.
	TTL time.Duration

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time

	Definition Definition
}

// Hash returns the hash of the record's current definition.
func (r Record) Hash() string { return r.Definition.Hash() }

// Expired reports whether the record is eligible for eviction at now.
func (r Record) Expired(now time.Time) bool {
	if r.Permanent || r.TTL <= 0 {
		return false
	}
	return now.Sub(r.LastAccessedAt) > r.TTL
}

func (r Record) clone() Record {
	r.Tags = slices.Clone(r.Tags)
	return r
}

// PutOptions carries the metadata written by [Store.Put].
type PutOptions struct {
	// ID selects the record to create or replace. When empty the store
	// generates a new id.
	ID string

	Name      string
	Owner     string
	Tags      []string
	Permanent bool
	TTL       time.Duration
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name  *string
	Owner *string

	// Tags replaces the tag set when non-nil. AddTags and RemoveTags are
	// applied afterwards.
	Tags       []string
	AddTags    []string
	RemoveTags []string

	// Permanent set to true clears the TTL.
	Permanent *bool
	TTL       *time.Duration

	Definition *Definition
}

// apply mutates r in place and reports whether the definition changed.
func (p Patch) apply(r *Record, now time.Time) bool {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Owner != nil {
		r.Owner = *p.Owner
	}

	tags := r.Tags
	if p.Tags != nil {
		tags = p.Tags
	}
	tags = append(slices.Clone(tags), p.AddTags...)
	if len(p.RemoveTags) > 0 {
		remove := NormalizeTags(p.RemoveTags)
		tags = slices.DeleteFunc(tags, func(t string) bool {
			_, found := slices.BinarySearch(remove, strings.TrimSpace(t))
			return found
		})
	}
	r.Tags = NormalizeTags(tags)

	if p.Permanent != nil {
		r.Permanent = *p.Permanent
	}
	if p.TTL != nil {
		r.TTL = *p.TTL
	}
	if r.Permanent {
		r.TTL = 0
	}

	changed := false
	if p.Definition != nil && !p.Definition.IsZero() && p.Definition.Hash() != r.Definition.Hash() {
		r.Definition = *p.Definition
		changed = true
	}

	r.UpdatedAt = now
	return changed
}

// SortField selects the ordering column of [Store.List].
type SortField string

const (
	SortCreatedAt      SortField = "created_at"
	SortUpdatedAt      SortField = "updated_at"
	SortLastAccessedAt SortField = "last_accessed_at"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListQuery filters and pages [Store.List].
type ListQuery struct {
	Owner     string
	Name      string
	Tag       string
	Permanent *bool

	Sort SortField
	// Ascending reverses the default newest-first order.
	Ascending bool

	Limit  int
	Offset int
}

// Normalize fills defaults and clamps paging values.
func (q ListQuery) Normalize() ListQuery {
	switch q.Sort {
	case SortCreatedAt, SortUpdatedAt, SortLastAccessedAt:
	default:
		q.Sort = SortUpdatedAt
	}
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.Tag = strings.TrimSpace(q.Tag)
	return q
}

func (q ListQuery) matches(r Record) bool {
	if q.Owner != "" && r.Owner != q.Owner {
		return false
	}
	if q.Name != "" && r.Name != q.Name {
		return false
	}
	if q.Tag != "" && !slices.Contains(r.Tags, q.Tag) {
		return false
	}
	if q.Permanent != nil && r.Permanent != *q.Permanent {
		return false
	}
	return true
}

func (q ListQuery) sortKey(r Record) time.Time {
	switch q.Sort {
	case SortCreatedAt:
		return r.CreatedAt
	case SortLastAccessedAt:
		return r.LastAccessedAt
	default:
		return r.UpdatedAt
	}
}

// Store persists dashboard records.
//
// Store implementations must be safe for concurrent access, and each
// operation must be atomic with respect to a single record.
type Store interface {
	// Put creates or fully replaces a record. It reports whether the record
	// was created. A replace keeps CreatedAt and sets UpdatedAt and
	// LastAccessedAt to now.
	Put(ctx context.Context, def Definition, opts PutOptions) (Record, bool, error)

	// Get returns a record and bumps its LastAccessedAt.
	Get(ctx context.Context, id string) (Record, error)

	// Peek returns a record without bumping its access time.
	Peek(ctx context.Context, id string) (Record, error)

	// Patch applies a partial update and returns the new record.
	Patch(ctx context.Context, id string, patch Patch) (Record, error)

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// Touch bumps LastAccessedAt without reading the record.
	Touch(ctx context.Context, id string) error

	// List returns the records matching q.
	List(ctx context.Context, q ListQuery) ([]Record, error)

	// Sweep deletes every expired record for which skip returns false and
	// returns the deleted ids. Each deletion re-checks expiry atomically, so
	// a concurrent Get that bumps the access time keeps the record alive.
	Sweep(ctx context.Context, now time.Time, skip func(id string) bool) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}

// NormalizeTags trims, de-duplicates and sorts tags, dropping empty values.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ValidID reports whether id can name a dashboard. Ids are 1 to 128
// characters from [A-Za-z0-9._-] and are never "." or "..".
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLength || id == "." || id == ".." {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func validatePut(def Definition, opts *PutOptions) error {
	if opts.ID != "" && !ValidID(opts.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, opts.ID)
	}
	if def.IsZero() {
		return fmt.Errorf("%w: empty document", ErrInvalidDefinition)
	}
	opts.Tags = NormalizeTags(opts.Tags)
	if opts.Permanent || opts.TTL < 0 {
		opts.TTL = 0
	}
	return nil
}
