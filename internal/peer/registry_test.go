package peer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/homatransport/homa/internal/peer"
)

func TestRegistryGetIsIdempotent(t *testing.T) {
	reg := peer.NewRegistry()
	a := reg.Get("2001:db8::1")
	b := reg.Get("2001:db8::1")
	require.Same(t, a, b)
	require.Equal(t, 1, reg.Len())

	c := reg.Get("2001:db8::2")
	require.NotSame(t, a, c)
	require.Equal(t, 2, reg.Len())
}
