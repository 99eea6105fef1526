package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/recall/runtime/blob"
)

func TestPutGetRoundtrip(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := blob.TurnKey("t1", "obj-1")
	require.NoError(t, store.Put(ctx, key, []byte("payload"), "text/plain"))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestPutReplacesContent(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("first"), ""))
	require.NoError(t, store.Put(ctx, "k", []byte("second"), ""))

	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestGetMissingKey(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("data"), ""))
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestListByPrefix(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "turns/t1/a", []byte("1"), ""))
	require.NoError(t, store.Put(ctx, "turns/t1/b", []byte("2"), ""))
	require.NoError(t, store.Put(ctx, "turns/t2/c", []byte("3"), ""))

	keys, err := store.List(ctx, "turns/t1/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"turns/t1/a", "turns/t1/b"}, keys)
}

func TestKeyEscapeRejected(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	err = store.Put(context.Background(), "../outside", []byte("x"), "")
	require.Error(t, err)
}

func TestPresignUnsupported(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.PresignGet(context.Background(), "k", 0)
	assert.ErrorIs(t, err, blob.ErrPresignUnsupported)
}
