package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "user/x", json.RawMessage(`1`)))

		value, err := s.Get(ctx, "user/x")
		require.NoError(t, err)
		assert.JSONEq(t, `1`, string(value))

		require.NoError(t, s.Delete(ctx, "user/x"))
		_, err = s.Get(ctx, "user/x")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteMissingIsNoop", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Delete(ctx, "ghost"))
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "client/a", json.RawMessage(`{"n":1}`)))
		require.NoError(t, s.Put(ctx, "client/b", json.RawMessage(`{"n":2}`)))
		require.NoError(t, s.Put(ctx, "client/c", json.RawMessage(`{"n":3}`)))
		require.NoError(t, s.Put(ctx, "connected/a", json.RawMessage(`{}`)))

		entries, err := s.List(ctx, ListOptions{Prefix: "client/"})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "client/a", entries[0].Key)
		assert.Equal(t, "client/b", entries[1].Key)
		assert.Equal(t, "client/c", entries[2].Key)
	})

	t.Run("ListStartAndLimit", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "k/1", json.RawMessage(`1`)))
		require.NoError(t, s.Put(ctx, "k/2", json.RawMessage(`2`)))
		require.NoError(t, s.Put(ctx, "k/3", json.RawMessage(`3`)))
		require.NoError(t, s.Put(ctx, "k/4", json.RawMessage(`4`)))

		entries, err := s.List(ctx, ListOptions{Prefix: "k/", Start: "k/2", Limit: 2})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "k/2", entries[0].Key)
		assert.Equal(t, "k/3", entries[1].Key)
	})

	t.Run("DeleteAll", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "user/a", json.RawMessage(`1`)))
		require.NoError(t, s.Put(ctx, "user/b", json.RawMessage(`2`)))
		require.NoError(t, s.Put(ctx, "version", json.RawMessage(`5`)))

		require.NoError(t, s.DeleteAll(ctx, "user/"))

		entries, err := s.List(ctx, ListOptions{Prefix: "user/"})
		require.NoError(t, err)
		assert.Empty(t, entries)

		value, err := s.Get(ctx, "version")
		require.NoError(t, err)
		assert.JSONEq(t, `5`, string(value))
	})

	t.Run("ApplyBatch", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "user/old", json.RawMessage(`"stale"`)))
		require.NoError(t, s.Put(ctx, "gone/a", json.RawMessage(`1`)))
		require.NoError(t, s.Put(ctx, "gone/b", json.RawMessage(`2`)))

		batch := &Batch{}
		batch.Put("version", json.RawMessage(`1`))
		batch.Put("client/c1", json.RawMessage(`{"lastMutationID":1}`))
		batch.Delete("user/old")
		batch.ClearPrefix("gone/")

		require.NoError(t, s.Apply(ctx, batch))
		require.NoError(t, s.Flush(ctx))

		value, err := s.Get(ctx, "version")
		require.NoError(t, err)
		assert.JSONEq(t, `1`, string(value))

		_, err = s.Get(ctx, "user/old")
		assert.ErrorIs(t, err, ErrNotFound)

		entries, err := s.List(ctx, ListOptions{Prefix: "gone/"})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenBadger(BadgerOptions{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "k", json.RawMessage(`"abc"`)))

	value, err := s.Get(ctx, "k")
	require.NoError(t, err)
	value[1] = 'X'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `"abc"`, string(again))
}
