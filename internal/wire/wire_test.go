package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/homatransport/homa/internal/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := wire.Header{SrcPort: 80, DstPort: 8080, Type: wire.TypeData, SenderId: 0xdeadbeef}
	buf := wire.EncodeHeader(nil, h)
	require.Len(t, buf, wire.CommonHeaderLen)

	got, rest, err := wire.DecodeHeader(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, h, got)
}

func TestDataHeaderRoundTrip(t *testing.T) {
	common := wire.Header{SrcPort: 1, DstPort: 2, SenderId: 42}
	data := wire.DataHeader{
		MessageLength: 10000,
		Incoming:      10000,
		CutoffVersion: 3,
		Retransmit:    true,
		Seg: wire.Segment{
			Offset:        1400,
			SegmentLength: 1400,
			Ack:           wire.AckDesc{ClientPort: 5, ServerPort: 6, ClientId: 7},
		},
	}

	buf := wire.EncodeData(nil, common, data)
	gotCommon, rest, err := wire.DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, wire.TypeData, gotCommon.Type)

	gotData, rest, err := wire.DecodeData(rest)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, data, gotData)
}

func TestGrantHeaderRoundTrip(t *testing.T) {
	common := wire.Header{SenderId: 1}
	g := wire.GrantHeader{Offset: 11400, Priority: 3}
	buf := wire.EncodeGrant(nil, common, g)
	_, rest, err := wire.DecodeHeader(buf)
	require.NoError(t, err)
	got, rest, err := wire.DecodeGrant(rest)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, g, got)
}

func TestResendHeaderRoundTrip(t *testing.T) {
	common := wire.Header{SenderId: 1}
	r := wire.ResendHeader{Offset: 1400, Length: 7200, Priority: 2}
	buf := wire.EncodeResend(nil, common, r)
	_, rest, err := wire.DecodeHeader(buf)
	require.NoError(t, err)
	got, rest, err := wire.DecodeResend(rest)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, r, got)
}

func TestCutoffsHeaderRoundTrip(t *testing.T) {
	common := wire.Header{SenderId: 1}
	c := wire.CutoffsHeader{CutoffVersion: 400 & 0xff}
	for i := range c.UnschedCutoffs {
		c.UnschedCutoffs[i] = int32(i * 100)
	}
	buf := wire.EncodeCutoffs(nil, common, c)
	_, rest, err := wire.DecodeHeader(buf)
	require.NoError(t, err)
	got, rest, err := wire.DecodeCutoffs(rest)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, c, got)
}

func TestAckHeaderRoundTrip(t *testing.T) {
	common := wire.Header{SenderId: 1}
	a := wire.AckHeader{Acks: []wire.AckDesc{
		{ClientPort: 1, ServerPort: 2, ClientId: 3},
		{ClientPort: 4, ServerPort: 5, ClientId: 7},
	}}
	buf := wire.EncodeAck(nil, common, a)
	_, rest, err := wire.DecodeHeader(buf)
	require.NoError(t, err)
	got, rest, err := wire.DecodeAck(rest)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, a, got)
}

func TestIsClientID(t *testing.T) {
	require.True(t, wire.IsClientID(0))
	require.True(t, wire.IsClientID(42))
	require.False(t, wire.IsClientID(1))
	require.False(t, wire.IsClientID(43))
}

func TestDecodeHeaderShort(t *testing.T) {
	_, _, err := wire.DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}
