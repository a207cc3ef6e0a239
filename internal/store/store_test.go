package store

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalmerr/vidiboard/internal/clock"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, clk clock.Clock) Store

func storeFactories(t *testing.T) map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T, clk clock.Clock) Store {
			return NewMemoryStore(clk)
		},
		"sqlite": func(t *testing.T, clk clock.Clock) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "dashboards.db"), clk)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	if dsn := os.Getenv("VIDIBOARD_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T, clk clock.Clock) Store {
			s, err := OpenPostgres(context.Background(), PostgresConfig{DSN: dsn}, clk)
			require.NoError(t, err)
			_, err = s.DB().Exec(`DELETE FROM dashboards`)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return factories
}

// runStoreTests runs fn against every available Store implementation.
func runStoreTests(t *testing.T, fn func(t *testing.T, s Store, clk *clock.Fake)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFake(testEpoch)
			fn(t, factory(t, clk), clk)
		})
	}
}

func TestStore_PutGetTimestamps(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		ctx := context.Background()
		def := MustParseDefinition(`{"plots":[{"kind":"line"}]}`)

		rec, created, err := s.Put(ctx, def, PutOptions{ID: "d1", Name: "run-1", Tags: []string{"b", "a", "b"}})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, []string{"a", "b"}, rec.Tags)

		clk.Advance(time.Second)
		got, err := s.Get(ctx, "d1")
		require.NoError(t, err)

		assert.Equal(t, def.Hash(), got.Hash())
		assert.Equal(t, "run-1", got.Name)
		assert.True(t, got.CreatedAt.Equal(testEpoch))
		assert.True(t, got.LastAccessedAt.Equal(testEpoch.Add(time.Second)))
		assert.False(t, got.LastAccessedAt.Before(got.CreatedAt))
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

		peeked, err := s.Peek(ctx, "d1")
		require.NoError(t, err)
		assert.True(t, peeked.LastAccessedAt.Equal(got.LastAccessedAt))
	})
}

func TestStore_PutReplaceKeepsCreatedAt(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		ctx := context.Background()

		_, _, err := s.Put(ctx, MustParseDefinition(`{"v":1}`), PutOptions{ID: "d1"})
		require.NoError(t, err)

		clk.Advance(time.Minute)
		def2 := MustParseDefinition(`{"v":2}`)
		rec, created, err := s.Put(ctx, def2, PutOptions{ID: "d1", Owner: "ana"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.True(t, rec.CreatedAt.Equal(testEpoch))
		assert.True(t, rec.UpdatedAt.Equal(testEpoch.Add(time.Minute)))

		got, err := s.Peek(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, def2.Hash(), got.Hash())
		assert.Equal(t, "ana", got.Owner)
		assert.True(t, got.CreatedAt.Equal(testEpoch))
	})
}

func TestStore_PutGeneratesID(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		rec, created, err := s.Put(context.Background(), MustParseDefinition(`{}`), PutOptions{})
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEmpty(t, rec.ID)
	})
}

func TestStore_PutRejectsEmptyDefinition(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		_, _, err := s.Put(context.Background(), Definition{}, PutOptions{ID: "d1"})
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})
}

func TestStore_PutRejectsUnsafeID(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		for _, id := range []string{"..", "a/b", "with space", "../etc"} {
			_, _, err := s.Put(context.Background(), MustParseDefinition(`{}`), PutOptions{ID: id})
			assert.ErrorIs(t, err, ErrInvalidID, "id %q", id)
		}
	})
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"d1", true},
		{"3f2b9c1e-7d4a-4e8b-9a55-0c1d2e3f4a5b", true},
		{"run_42.v2", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{"héllo", false},
		{strings.Repeat("x", 129), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidID(tt.id), "ValidID(%q)", tt.id)
	}
}

func TestStore_NotFound(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Peek(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Patch(ctx, "missing", Patch{})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
		assert.ErrorIs(t, s.Touch(ctx, "missing"), ErrNotFound)
	})
}

func TestStore_Patch(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		ctx := context.Background()
		def := MustParseDefinition(`{"plots":[]}`)
		_, _, err := s.Put(ctx, def, PutOptions{ID: "d1", Tags: []string{"a", "b"}, TTL: time.Hour})
		require.NoError(t, err)

		clk.Advance(time.Second)
		name := "renamed"
		rec, err := s.Patch(ctx, "d1", Patch{Name: &name, AddTags: []string{"c"}, RemoveTags: []string{"a"}})
		require.NoError(t, err)
		assert.Equal(t, "renamed", rec.Name)
		assert.Equal(t, []string{"b", "c"}, rec.Tags)
		assert.Equal(t, def.Hash(), rec.Hash(), "metadata patch must not change the hash")
		assert.True(t, rec.UpdatedAt.Equal(testEpoch.Add(time.Second)))

		permanent := true
		rec, err = s.Patch(ctx, "d1", Patch{Permanent: &permanent})
		require.NoError(t, err)
		assert.True(t, rec.Permanent)
		assert.Zero(t, rec.TTL, "permanent clears the ttl")

		def2 := MustParseDefinition(`{"plots":[{}]}`)
		rec, err = s.Patch(ctx, "d1", Patch{Definition: &def2})
		require.NoError(t, err)
		assert.Equal(t, def2.Hash(), rec.Hash())

		got, err := s.Peek(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, def2.Hash(), got.Hash())
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, 1, got.Definition.PlotCount())
	})
}

func TestStore_DeleteAndTouch(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		ctx := context.Background()
		_, _, err := s.Put(ctx, MustParseDefinition(`{}`), PutOptions{ID: "d1"})
		require.NoError(t, err)

		clk.Advance(5 * time.Second)
		require.NoError(t, s.Touch(ctx, "d1"))
		rec, err := s.Peek(ctx, "d1")
		require.NoError(t, err)
		assert.True(t, rec.LastAccessedAt.Equal(testEpoch.Add(5*time.Second)))

		require.NoError(t, s.Delete(ctx, "d1"))
		_, err = s.Get(ctx, "d1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_List(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		ctx := context.Background()
		def := MustParseDefinition(`{}`)

		seed := []PutOptions{
			{ID: "a", Owner: "ana", Name: "exp", Tags: []string{"gpu"}},
			{ID: "b", Owner: "ana", Tags: []string{"cpu"}, Permanent: true},
			{ID: "c", Owner: "bo", Name: "exp", Tags: []string{"gpu", "long"}},
		}
		for _, opts := range seed {
			_, _, err := s.Put(ctx, def, opts)
			require.NoError(t, err)
			clk.Advance(time.Second)
		}

		ids := func(recs []Record) []string {
			out := make([]string, len(recs))
			for i, r := range recs {
				out[i] = r.ID
			}
			return out
		}

		all, err := s.List(ctx, ListQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, ids(all), "default is updated_at descending")

		asc, err := s.List(ctx, ListQuery{Sort: SortCreatedAt, Ascending: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(asc))

		owned, err := s.List(ctx, ListQuery{Owner: "ana", Ascending: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(owned))

		tagged, err := s.List(ctx, ListQuery{Tag: "gpu", Ascending: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(tagged))

		named, err := s.List(ctx, ListQuery{Name: "exp", Ascending: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids(named))

		permanent := true
		perm, err := s.List(ctx, ListQuery{Permanent: &permanent})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(perm))

		page, err := s.List(ctx, ListQuery{Ascending: true, Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(page))

		empty, err := s.List(ctx, ListQuery{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_SweepEvictsIdleButNotPermanent(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		ctx := context.Background()
		def := MustParseDefinition(`{}`)

		_, _, err := s.Put(ctx, def, PutOptions{ID: "idle", TTL: time.Minute})
		require.NoError(t, err)
		_, _, err = s.Put(ctx, def, PutOptions{ID: "forever", Permanent: true, TTL: time.Minute})
		require.NoError(t, err)
		_, _, err = s.Put(ctx, def, PutOptions{ID: "no-ttl"})
		require.NoError(t, err)
		_, _, err = s.Put(ctx, def, PutOptions{ID: "watched", TTL: time.Minute})
		require.NoError(t, err)

		clk.Advance(30 * time.Second)
		deleted, err := s.Sweep(ctx, clk.Now(), nil)
		require.NoError(t, err)
		assert.Empty(t, deleted, "nothing has been idle longer than its ttl")

		clk.Advance(time.Minute)
		deleted, err = s.Sweep(ctx, clk.Now(), func(id string) bool { return id == "watched" })
		require.NoError(t, err)
		assert.Equal(t, []string{"idle"}, deleted)

		_, err = s.Get(ctx, "idle")
		assert.ErrorIs(t, err, ErrNotFound)
		for _, id := range []string{"forever", "no-ttl", "watched"} {
			_, err := s.Peek(ctx, id)
			assert.NoError(t, err, id)
		}
	})
}

func TestStore_SweepWithLongestTTL(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		ctx := context.Background()
		def := MustParseDefinition(`{}`)

		_, _, err := s.Put(ctx, def, PutOptions{ID: "ancient", TTL: time.Duration(math.MaxInt64)})
		require.NoError(t, err)
		_, _, err = s.Put(ctx, def, PutOptions{ID: "idle", TTL: time.Minute})
		require.NoError(t, err)

		clk.Advance(2 * time.Minute)
		deleted, err := s.Sweep(ctx, clk.Now(), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"idle"}, deleted)

		rec, err := s.Peek(ctx, "ancient")
		require.NoError(t, err)
		assert.Equal(t, time.Duration(math.MaxInt64), rec.TTL)
	})
}

func TestStore_GetKeepsRecordAlive(t *testing.T) {
	runStoreTests(t, func(t *testing.T, s Store, clk *clock.Fake) {
		ctx := context.Background()
		_, _, err := s.Put(ctx, MustParseDefinition(`{}`), PutOptions{ID: "d1", TTL: time.Minute})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			clk.Advance(50 * time.Second)
			_, err := s.Get(ctx, "d1")
			require.NoError(t, err)
			deleted, err := s.Sweep(ctx, clk.Now(), nil)
			require.NoError(t, err)
			assert.Empty(t, deleted)
		}
	})
}
