package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveLiteralIPSkipsLookup(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)

	addr, err := r.Resolve(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", addr)
	require.Equal(t, 0, r.Len())
}

func TestResolveCachesHostnameAnswer(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)

	addr, err := r.Resolve(context.Background(), "localhost")
	require.NoError(t, err)
	require.NotEmpty(t, addr)
	require.Equal(t, 1, r.Len())

	again, err := r.Resolve(context.Background(), "localhost")
	require.NoError(t, err)
	require.Equal(t, addr, again)
	require.Equal(t, 1, r.Len(), "second lookup should hit the cache, not grow it")
}
