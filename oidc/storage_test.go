package oidc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewMemoryStorage()
	_, ok := s.GetItem("k")
	require.False(ok)

	s.SetItem("k", "v")
	v, ok := s.GetItem("k")
	require.True(ok)
	require.Equal("v", v)

	s.SetItem("k", "v2")
	v, _ = s.GetItem("k")
	require.Equal("v2", v)

	s.RemoveItem("k")
	_, ok = s.GetItem("k")
	require.False(ok)
	// removing twice is fine
	s.RemoveItem("k")
}
