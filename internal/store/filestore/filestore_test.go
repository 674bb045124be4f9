package filestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-project/converge/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteRemovesKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteAbsentKeyIsNotError(t *testing.T) {
	s := newStore(t)
	assert.NoError(t, s.Delete(context.Background(), "missing"))
}

func TestListFiltersByPrefix(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "task:1", []byte("a")))
	require.NoError(t, s.Put(ctx, "task:2", []byte("b")))
	require.NoError(t, s.Put(ctx, "pool:1", []byte("c")))

	keys, err := s.List(ctx, "task:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"task:1", "task:2"}, keys)
}

func TestPutIfAbsentOnlyWritesOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ok, err := s.PutIfAbsent(ctx, "k", []byte("first"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.PutIfAbsent(ctx, "k", []byte("second"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestKeysWithSlashesAreSanitized(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "pool/../etc", []byte("v")))

	got, err := s.Get(ctx, "pool/../etc")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
