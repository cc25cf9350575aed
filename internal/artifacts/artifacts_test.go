package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, PrefixModelCard+"m1", doc{Name: "m1", Score: 0.9}))

	var got doc
	require.NoError(t, s.Get(ctx, PrefixModelCard+"m1", &got))
	assert.Equal(t, doc{Name: "m1", Score: 0.9}, got)

	ok, err := s.Exists(ctx, PrefixModelCard+"m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	var got doc
	err := s.Get(context.Background(), "snapshot/none", &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrefixIteration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, PrefixSnapshot+"b", doc{Name: "b"}))
	require.NoError(t, s.Put(ctx, PrefixSnapshot+"a", doc{Name: "a"}))
	require.NoError(t, s.Put(ctx, PrefixModelCard+"c", doc{Name: "c"}))

	keys, err := s.Keys(ctx, PrefixSnapshot)
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot/a", "snapshot/b"}, keys)

	var names []string
	err = s.Each(ctx, PrefixModelCard, func(key string, value []byte) error {
		names = append(names, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"card/c"}, names)

	require.NoError(t, s.Delete(ctx, PrefixSnapshot+"a"))
	keys, _ = s.Keys(ctx, PrefixSnapshot)
	assert.Equal(t, []string{"snapshot/b"}, keys)
}
