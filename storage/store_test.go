package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reddit-marker/pkg/marker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	s, err := Open(context.Background(), backend, MarkerSchema(), MarkerMigrations(), testLogger())
	require.NoError(t, err)
	return s
}

func testUser(name string) *marker.User {
	return &marker.User{
		Username:        name,
		DisplayUsername: name,
		Created:         1_600_000_000,
		Updated:         1_700_000_000,
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())

	cursor := "t1_abc"
	user := testUser("alice")
	user.LastComment = &cursor
	user.LinkKarma = 12
	require.NoError(t, s.Set(ctx, TableUsers, user))

	got, err := GetAs[marker.User](ctx, s, TableUsers, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, user, got)

	raw, err := s.Get(ctx, TableUsers, "alice")
	require.NoError(t, err)
	assert.Equal(t, float64(SchemaVersion), raw[VersionField])
	assert.NotContains(t, raw, "lastLink")
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())

	got, err := GetAs[marker.User](context.Background(), s, TableUsers, "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		table  string
		record any
		field  string
	}{
		{
			name:   "unknown table",
			table:  "comments",
			record: map[string]any{"id": "x"},
		},
		{
			name:  "extra field",
			table: TableTags,
			record: map[string]any{
				"id": 1, "name": "n", "color": "#fff", "type": "t", "settings": map[string]any{}, "updated": 1,
				"owner": "bob",
			},
			field: "owner",
		},
		{
			name:   "missing required field",
			table:  TableTags,
			record: map[string]any{"id": 1, "name": "n", "color": "#fff", "type": "t", "updated": 1},
			field:  "settings",
		},
		{
			name:  "null required field",
			table: TableTags,
			record: map[string]any{
				"id": 1, "name": nil, "color": "#fff", "type": "t", "settings": map[string]any{}, "updated": 1,
			},
			field: "name",
		},
		{
			name:  "dangling foreign key",
			table: TablePosts,
			record: &marker.Post{
				ID: "t1_a", Author: "ghost", Subreddit: "golang", Created: 1, Updated: 1,
			},
			field: "author",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := NewMemoryBackend()
			s := newTestStore(t, backend)

			err := s.Set(ctx, tt.table, tt.record)
			require.Error(t, err)
			assert.ErrorIs(t, err, marker.ErrValidation)

			var verr *marker.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)

			rows, err := s.List(ctx, TablePosts, nil, "")
			if tt.table == TablePosts {
				require.NoError(t, err)
				assert.Empty(t, rows)
				assert.Empty(t, backend.Rows(TablePosts))
			}
		})
	}
}

func TestSetNullableNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())
	require.NoError(t, s.Set(ctx, TableUsers, testUser("bob")))

	err := s.Set(ctx, TablePosts, map[string]any{
		"id": "t3_x", "author": "bob", "subreddit": "go", "created": 1, "score": 1,
		"controversiality": 0, "quarantine": false, "nsfw": false, "updated": 1, "linkId": nil,
	})
	require.NoError(t, err)

	raw, err := s.Get(ctx, TablePosts, "t3_x")
	require.NoError(t, err)
	assert.NotContains(t, raw, "linkId")
}

func TestInsertUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())

	err := s.Update(ctx, TableUsers, testUser("carol"))
	assert.ErrorIs(t, err, marker.ErrNotFound)

	require.NoError(t, s.Insert(ctx, TableUsers, testUser("carol")))

	err = s.Insert(ctx, TableUsers, testUser("carol"))
	assert.ErrorIs(t, err, marker.ErrAlreadyExists)

	updated := testUser("carol")
	updated.Followers = 7
	require.NoError(t, s.Update(ctx, TableUsers, updated))

	got, err := GetAs[marker.User](ctx, s, TableUsers, "carol")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Followers)
}

func seedStats(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, s.Set(ctx, TableUsers, testUser(u)))
	}
	for _, st := range []marker.UserStat{
		{Username: "bob", Subreddit: "golang", SubredditDisplay: "golang"},
		{Username: "alice", Subreddit: "rust", SubredditDisplay: "rust"},
		{Username: "alice", Subreddit: "golang", SubredditDisplay: "golang"},
	} {
		require.NoError(t, s.Set(ctx, TableStats, st))
	}
}

func TestListByIndexAndCompositeKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())
	seedStats(t, s)

	stats, err := ListAs[marker.UserStat](ctx, s, TableStats, Only("alice"), "username")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "golang", stats[0].Subreddit)
	assert.Equal(t, "rust", stats[1].Subreddit)

	all, err := ListAs[marker.UserStat](ctx, s, TableStats, nil, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alice", all[0].Username)
	assert.Equal(t, "bob", all[2].Username)

	one, err := GetAs[marker.UserStat](ctx, s, TableStats, []string{"bob", "golang"})
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "bob", one.Username)

	ranged, err := ListAs[marker.UserStat](ctx, s, TableStats, Bound("b", nil, false, false), "subreddit")
	require.NoError(t, err)
	assert.Len(t, ranged, 3)

	ranged, err = ListAs[marker.UserStat](ctx, s, TableStats, Bound("golang", "golang", true, false), "subreddit")
	require.NoError(t, err)
	assert.Empty(t, ranged)

	_, err = s.List(ctx, TableStats, nil, "karma")
	assert.ErrorIs(t, err, marker.ErrValidation)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())
	seedStats(t, s)

	tag := &marker.Tag{ID: 42, Name: "gophers", Color: "#00add8", Type: "SubredditActivity", Settings: json.RawMessage(`{}`)}
	require.NoError(t, s.Set(ctx, TableTags, tag))
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, s.Set(ctx, TableUserTags, &marker.UserTag{
			Username: u,
			TagID:    42,
			TagData:  []marker.ScopeResult{{Subreddit: "golang", Score: 1, Posts: 1}},
		}))
	}

	n, err := s.Delete(ctx, TableTags, Only(uint32(42)), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assigned, err := s.List(ctx, TableUserTags, nil, "")
	require.NoError(t, err)
	assert.Empty(t, assigned)

	n, err = s.Delete(ctx, TableUsers, Only("alice"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := ListAs[marker.UserStat](ctx, s, TableStats, nil, "")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "bob", stats[0].Username)
}

func TestDeleteBlockedByReference(t *testing.T) {
	ctx := context.Background()
	schema := Schema{
		Version: 1,
		Tables: []Table{
			{Name: "parents", Columns: []Column{{Name: "id", Version: 1}}},
			{Name: "children", Columns: []Column{{Name: "id", Version: 1}, {Name: "parent", Version: 1, ForeignTable: "parents"}}},
		},
	}
	s, err := Open(ctx, NewMemoryBackend(), schema, nil, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "parents", map[string]any{"id": "p"}))
	require.NoError(t, s.Set(ctx, "children", map[string]any{"id": "c", "parent": "p"}))

	_, err = s.Delete(ctx, "parents", Only("p"), "")
	assert.ErrorIs(t, err, marker.ErrValidation)

	parent, err := s.Get(ctx, "parents", "p")
	require.NoError(t, err)
	assert.NotNil(t, parent)
}

func TestUniqueAndMultiEntry(t *testing.T) {
	ctx := context.Background()
	schema := Schema{
		Version: 1,
		Tables: []Table{{
			Name: "accounts",
			Columns: []Column{
				{Name: "id", Version: 1},
				{Name: "email", Version: 1, Unique: true},
				{Name: "labels", Version: 1, MultiEntry: true},
			},
		}},
	}
	s, err := Open(ctx, NewMemoryBackend(), schema, nil, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "accounts", map[string]any{"id": "a", "email": "a@x", "labels": []string{"red", "blue"}}))
	require.NoError(t, s.Set(ctx, "accounts", map[string]any{"id": "b", "email": "b@x", "labels": []string{"blue"}}))

	err = s.Set(ctx, "accounts", map[string]any{"id": "c", "email": "a@x", "labels": []string{}})
	assert.ErrorIs(t, err, marker.ErrValidation)

	// Rewriting a row with its own unique value is allowed.
	require.NoError(t, s.Set(ctx, "accounts", map[string]any{"id": "a", "email": "a@x", "labels": []string{"red"}}))

	blue, err := s.List(ctx, "accounts", Only("blue"), "labels")
	require.NoError(t, err)
	require.Len(t, blue, 1)
	assert.Equal(t, "b", blue[0]["id"])

	red, err := s.List(ctx, "accounts", Only("red"), "labels")
	require.NoError(t, err)
	require.Len(t, red, 1)
	assert.Equal(t, "a", red[0]["id"])
}

func TestOpenMigratesFromV1(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.SetVersion(ctx, 1))
	require.NoError(t, backend.Put(ctx, TableUsers, `"dave"`, []byte(`{"username":"dave","displayUsername":"Dave","profileName":"","profileDescription":"","created":1,"linkKarma":0,"commentKarma":0,"followers":0,"updated":1,"dbVersion":1}`)))
	require.NoError(t, backend.Put(ctx, TableStats, `["dave","golang"]`, []byte(`{"username":"dave","subreddit":"golang","linkCount":1,"linkKarma":5,"commentCount":0,"commentKarma":0,"updated":1,"dbVersion":1}`)))

	s := newTestStore(t, backend)

	stat, err := GetAs[marker.UserStat](ctx, s, TableStats, []string{"dave", "golang"})
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, "golang", stat.SubredditDisplay)
	assert.Equal(t, 5, stat.LinkKarma)

	raw, err := s.Get(ctx, TableUsers, "dave")
	require.NoError(t, err)
	assert.Equal(t, float64(SchemaVersion), raw[VersionField])

	snap, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, snap.Version)
}

func TestOpenMigrationErrors(t *testing.T) {
	tests := []struct {
		name    string
		version int
	}{
		{name: "newer than schema", version: SchemaVersion + 1},
		{name: "far newer than schema", version: SchemaVersion + 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			backend := NewMemoryBackend()
			require.NoError(t, backend.SetVersion(ctx, tt.version))

			_, err := Open(ctx, backend, MarkerSchema(), MarkerMigrations(), testLogger())
			require.Error(t, err)
			assert.ErrorIs(t, err, marker.ErrMigration)
		})
	}

	t.Run("older version without migration", func(t *testing.T) {
		ctx := context.Background()
		backend := NewMemoryBackend()
		require.NoError(t, backend.SetVersion(ctx, 1))

		_, err := Open(ctx, backend, MarkerSchema(), nil, testLogger())
		var merr *marker.MigrationError
		require.True(t, errors.As(err, &merr))
		assert.Equal(t, 1, merr.From)
		assert.Equal(t, SchemaVersion, merr.To)
	})
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)
	seedStats(t, s)

	require.NoError(t, s.Clear(ctx))

	users, err := s.List(ctx, TableUsers, nil, "")
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Empty(t, backend.Rows(TableStats))

	snap, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, snap.Version)
}

func TestDurableBackendsReopen(t *testing.T) {
	tests := []struct {
		name string
		open func(t *testing.T, dir string) Backend
	}{
		{
			name: "file",
			open: func(t *testing.T, dir string) Backend {
				b, err := NewFileBackend(filepath.Join(dir, "data"), testLogger())
				require.NoError(t, err)
				return b
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T, dir string) Backend {
				b, err := NewSQLiteBackend(filepath.Join(dir, "marker.db"), testLogger())
				require.NoError(t, err)
				return b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			s := newTestStore(t, tt.open(t, dir))
			seedStats(t, s)
			_, err := s.Delete(ctx, TableStats, Only([]string{"bob", "golang"}), "")
			require.NoError(t, err)
			require.NoError(t, s.Close())

			reopened := newTestStore(t, tt.open(t, dir))
			defer reopened.Close()

			stats, err := ListAs[marker.UserStat](ctx, reopened, TableStats, nil, "")
			require.NoError(t, err)
			require.Len(t, stats, 2)
			assert.Equal(t, "alice", stats[0].Username)
			assert.Equal(t, "golang", stats[0].Subreddit)

			user, err := GetAs[marker.User](ctx, reopened, TableUsers, "bob")
			require.NoError(t, err)
			require.NotNil(t, user)
		})
	}
}

func TestOpenFailedMigrationKeepsRows(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.SetVersion(ctx, 1))
	require.NoError(t, backend.Put(ctx, TableUsers, `"dave"`, []byte(`{"username":"dave","displayUsername":"Dave","profileName":"","profileDescription":"","created":1,"linkKarma":0,"commentKarma":0,"followers":0,"updated":1,"dbVersion":1}`)))
	require.NoError(t, backend.Put(ctx, TableStats, `["dave","golang"]`, []byte(`{"username":"dave","subreddit":"golang","linkCount":1,"linkKarma":5,"commentCount":0,"commentKarma":0,"updated":1,"legacyField":true,"dbVersion":1}`)))

	for range 2 {
		_, err := Open(ctx, backend, MarkerSchema(), MarkerMigrations(), testLogger())
		require.Error(t, err)
		assert.ErrorIs(t, err, marker.ErrMigration)
		assert.ErrorIs(t, err, marker.ErrValidation)
		assert.Contains(t, err.Error(), "migration from schema version 1 to 2 failed")

		snap, err := backend.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, snap.Version)
		assert.Len(t, backend.Rows(TableUsers), 1)
		assert.Len(t, backend.Rows(TableStats), 1)
	}
}

func TestSoleKeySkipsUniqueScan(t *testing.T) {
	schema := MarkerSchema()
	for _, tbl := range schema.Tables {
		for _, col := range tbl.Columns {
			if col.Unique {
				assert.False(t, tbl.soleKey(col.Name), "%s.%s is the primary key", tbl.Name, col.Name)
			}
		}
	}

	users, ok := schema.table(TableUsers)
	require.True(t, ok)
	assert.True(t, users.soleKey("username"))
	stats, ok := schema.table(TableStats)
	require.True(t, ok)
	assert.False(t, stats.soleKey("username"))

	ctx := context.Background()
	s, err := Open(ctx, NewMemoryBackend(), Schema{
		Version: 1,
		Tables:  []Table{{Name: "items", Columns: []Column{{Name: "id", Version: 1, Unique: true}, {Name: "n", Version: 1}}}},
	}, nil, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "items", map[string]any{"id": "a", "n": 1}))
	require.NoError(t, s.Set(ctx, "items", map[string]any{"id": "a", "n": 2}))
	require.NoError(t, s.Set(ctx, "items", map[string]any{"id": "b", "n": 2}))

	items, err := s.List(ctx, "items", nil, "")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestDeleteBlockedLeavesEveryMatch(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	schema := Schema{
		Version: 1,
		Tables: []Table{
			{Name: "parents", Columns: []Column{{Name: "id", Version: 1}}},
			{Name: "pets", Columns: []Column{{Name: "id", Version: 1}, {Name: "owner", Version: 1, ForeignTable: "parents", CascadeDelete: true}}},
			{Name: "children", Columns: []Column{{Name: "id", Version: 1}, {Name: "parent", Version: 1, ForeignTable: "parents"}}},
		},
	}
	s, err := Open(ctx, backend, schema, nil, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "parents", map[string]any{"id": "p1"}))
	require.NoError(t, s.Set(ctx, "parents", map[string]any{"id": "p2"}))
	require.NoError(t, s.Set(ctx, "pets", map[string]any{"id": "rex", "owner": "p1"}))
	require.NoError(t, s.Set(ctx, "children", map[string]any{"id": "c", "parent": "p2"}))

	n, err := s.Delete(ctx, "parents", nil, "")
	assert.ErrorIs(t, err, marker.ErrValidation)
	assert.Equal(t, 0, n)

	parents, err := s.List(ctx, "parents", nil, "")
	require.NoError(t, err)
	assert.Len(t, parents, 2)
	pet, err := s.Get(ctx, "pets", "rex")
	require.NoError(t, err)
	assert.NotNil(t, pet)
	assert.Len(t, backend.Rows("parents"), 2)
	assert.Len(t, backend.Rows("pets"), 1)
}

func TestSetAllValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := newTestStore(t, backend)
	require.NoError(t, s.Set(ctx, TableUsers, testUser("amy")))

	post := &marker.Post{ID: "t1_a", Author: "amy", Subreddit: "golang", Created: 1, Updated: 1}
	orphan := &marker.UserStat{Username: "nobody", Subreddit: "golang"}

	err := s.SetAll(ctx,
		Write{Table: TablePosts, Value: post},
		Write{Table: TableStats, Value: orphan},
	)
	assert.ErrorIs(t, err, marker.ErrValidation)
	assert.Empty(t, backend.Rows(TablePosts))

	got, err := GetAs[marker.Post](ctx, s, TablePosts, "t1_a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SetAll(ctx,
		Write{Table: TablePosts, Value: post},
		Write{Table: TableStats, Value: &marker.UserStat{Username: "amy", Subreddit: "golang", CommentCount: 1}},
	))
	assert.Len(t, backend.Rows(TablePosts), 1)
	assert.Len(t, backend.Rows(TableStats), 1)
}
