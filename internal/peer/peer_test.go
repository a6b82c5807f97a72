package peer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/homatransport/homa/internal/peer"
	"github.com/homatransport/homa/internal/wire"
)

// Scenario 9 (spec §8): cutoff propagation.
func TestCutoffPropagation(t *testing.T) {
	p := peer.New("2001:db8::1")

	h := wire.CutoffsHeader{CutoffVersion: 144} // 400 mod 256, matching scenario intent
	for i := 1; i < wire.NumUnschedCutoffs; i++ {
		h.UnschedCutoffs[i] = int32(i * 10)
	}
	p.SetCutoffs(h)

	vector, version := p.Cutoffs()
	require.Equal(t, uint8(144), version)
	for i := 1; i < wire.NumUnschedCutoffs; i++ {
		require.Equal(t, int32(i*10), vector[i])
	}
}

func TestOutstandingResendsLifecycle(t *testing.T) {
	p := peer.New("peer")
	require.Equal(t, int32(0), p.OutstandingResends())
	p.IncResends()
	p.IncResends()
	require.Equal(t, int32(2), p.OutstandingResends())
	p.ResetResends()
	require.Equal(t, int32(0), p.OutstandingResends())
}

func TestPendingAckRingBounded(t *testing.T) {
	p := peer.New("peer")
	for i := 0; i < peer.DefaultMaxPendingAcks+3; i++ {
		p.AddPendingAck(wire.AckDesc{ClientId: uint64(i)})
	}
	acks := p.DrainPendingAcks()
	require.Len(t, acks, peer.DefaultMaxPendingAcks)
	// Oldest entries were dropped; the ring keeps the most recent ones.
	require.Equal(t, uint64(3), acks[0].ClientId)

	// Draining clears the ring.
	require.Empty(t, p.DrainPendingAcks())
}

func TestCutoffCooldownGatesResends(t *testing.T) {
	cd := peer.NewCutoffCooldown()
	require.True(t, cd.Ready())
	cd.NoteSent()
	require.False(t, cd.Ready())
	cd.Reset()
	require.True(t, cd.Ready())
}
