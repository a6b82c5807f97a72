// Package wire implements Homa's on-the-wire packet header layouts (spec
// §6). All multibyte fields are network byte order. Encoding/decoding is
// hand-rolled against the spec rather than generated, the way the teacher
// repo hand-packs its own wire-adjacent fields (routepb/macaddr.go) instead
// of reaching for a serialization framework.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the packet's type-specific header.
type Type uint8

const (
	TypeData Type = iota + 1
	TypeGrant
	TypeResend
	TypeUnknown
	TypeBusy
	TypeCutoffs
	TypeNeedAck
	TypeAck
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeGrant:
		return "GRANT"
	case TypeResend:
		return "RESEND"
	case TypeUnknown:
		return "UNKNOWN"
	case TypeBusy:
		return "BUSY"
	case TypeCutoffs:
		return "CUTOFFS"
	case TypeNeedAck:
		return "NEED_ACK"
	case TypeAck:
		return "ACK"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// NumUnschedCutoffs is the fixed size of a peer's unscheduled-cutoff
// priority vector (spec §6 CUTOFFS).
const NumUnschedCutoffs = 8

// CommonHeaderLen is the wire size, in bytes, of Header.
const CommonHeaderLen = 2 + 2 + 1 + 8

// Header is the common packet header preceding every type-specific one.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Type     Type
	SenderId uint64
}

// IsClientID reports whether id was assigned by the client (even) as
// opposed to a server-side remapping (odd), per spec §6.
func IsClientID(id uint64) bool {
	return id&1 == 0
}

// EncodeHeader appends the common header to dst in network byte order.
func EncodeHeader(dst []byte, h Header) []byte {
	var buf [CommonHeaderLen]byte
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	buf[4] = byte(h.Type)
	binary.BigEndian.PutUint64(buf[5:13], h.SenderId)
	return append(dst, buf[:]...)
}

// DecodeHeader parses the common header from the front of data, returning
// the header and the remaining bytes.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < CommonHeaderLen {
		return Header{}, nil, fmt.Errorf("wire: short packet: %d bytes, need %d", len(data), CommonHeaderLen)
	}
	h := Header{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Type:     Type(data[4]),
		SenderId: binary.BigEndian.Uint64(data[5:13]),
	}
	return h, data[CommonHeaderLen:], nil
}

// Segment is the DATA header's seg(offset, segment_length, ack) field.
type Segment struct {
	Offset        int64
	SegmentLength int32
	Ack           AckDesc
}

// DataHeader is the DATA type-specific header.
type DataHeader struct {
	MessageLength int64
	Incoming      int64
	CutoffVersion uint8
	Retransmit    bool
	Seg           Segment
}

const dataHeaderLen = 8 + 8 + 1 + 1 + 8 + 4 + ackDescLen

// EncodeData appends a DATA header (and its common header) to dst.
func EncodeData(dst []byte, common Header, h DataHeader) []byte {
	common.Type = TypeData
	dst = EncodeHeader(dst, common)

	var buf [dataHeaderLen]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.MessageLength))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.Incoming))
	buf[16] = h.CutoffVersion
	if h.Retransmit {
		buf[17] = 1
	}
	binary.BigEndian.PutUint64(buf[18:26], uint64(h.Seg.Offset))
	binary.BigEndian.PutUint32(buf[26:30], uint32(h.Seg.SegmentLength))
	encodeAckDesc(buf[30:30+ackDescLen], h.Seg.Ack)
	return append(dst, buf[:]...)
}

// DecodeData parses a DATA type-specific header (the common header must
// already have been consumed by DecodeHeader).
func DecodeData(data []byte) (DataHeader, []byte, error) {
	if len(data) < dataHeaderLen {
		return DataHeader{}, nil, fmt.Errorf("wire: short DATA header: %d bytes, need %d", len(data), dataHeaderLen)
	}
	h := DataHeader{
		MessageLength: int64(binary.BigEndian.Uint64(data[0:8])),
		Incoming:      int64(binary.BigEndian.Uint64(data[8:16])),
		CutoffVersion: data[16],
		Retransmit:    data[17] != 0,
		Seg: Segment{
			Offset:        int64(binary.BigEndian.Uint64(data[18:26])),
			SegmentLength: int32(binary.BigEndian.Uint32(data[26:30])),
			Ack:           decodeAckDesc(data[30 : 30+ackDescLen]),
		},
	}
	return h, data[dataHeaderLen:], nil
}

// GrantHeader is the GRANT type-specific header.
type GrantHeader struct {
	Offset   int64
	Priority uint8
}

const grantHeaderLen = 8 + 1

func EncodeGrant(dst []byte, common Header, h GrantHeader) []byte {
	common.Type = TypeGrant
	dst = EncodeHeader(dst, common)
	var buf [grantHeaderLen]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Offset))
	buf[8] = h.Priority
	return append(dst, buf[:]...)
}

func DecodeGrant(data []byte) (GrantHeader, []byte, error) {
	if len(data) < grantHeaderLen {
		return GrantHeader{}, nil, fmt.Errorf("wire: short GRANT header: %d bytes, need %d", len(data), grantHeaderLen)
	}
	h := GrantHeader{
		Offset:   int64(binary.BigEndian.Uint64(data[0:8])),
		Priority: data[8],
	}
	return h, data[grantHeaderLen:], nil
}

// ResendHeader is the RESEND type-specific header.
type ResendHeader struct {
	Offset   int64
	Length   int64
	Priority uint8
}

const resendHeaderLen = 8 + 8 + 1

func EncodeResend(dst []byte, common Header, h ResendHeader) []byte {
	common.Type = TypeResend
	dst = EncodeHeader(dst, common)
	var buf [resendHeaderLen]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Offset))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.Length))
	buf[16] = h.Priority
	return append(dst, buf[:]...)
}

func DecodeResend(data []byte) (ResendHeader, []byte, error) {
	if len(data) < resendHeaderLen {
		return ResendHeader{}, nil, fmt.Errorf("wire: short RESEND header: %d bytes, need %d", len(data), resendHeaderLen)
	}
	h := ResendHeader{
		Offset:   int64(binary.BigEndian.Uint64(data[0:8])),
		Length:   int64(binary.BigEndian.Uint64(data[8:16])),
		Priority: data[16],
	}
	return h, data[resendHeaderLen:], nil
}

// CutoffsHeader is the CUTOFFS type-specific header.
type CutoffsHeader struct {
	UnschedCutoffs [NumUnschedCutoffs]int32
	CutoffVersion  uint8
}

const cutoffsHeaderLen = NumUnschedCutoffs*4 + 1

func EncodeCutoffs(dst []byte, common Header, h CutoffsHeader) []byte {
	common.Type = TypeCutoffs
	dst = EncodeHeader(dst, common)
	var buf [cutoffsHeaderLen]byte
	for i, c := range h.UnschedCutoffs {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], uint32(c))
	}
	buf[cutoffsHeaderLen-1] = h.CutoffVersion
	return append(dst, buf[:]...)
}

func DecodeCutoffs(data []byte) (CutoffsHeader, []byte, error) {
	if len(data) < cutoffsHeaderLen {
		return CutoffsHeader{}, nil, fmt.Errorf("wire: short CUTOFFS header: %d bytes, need %d", len(data), cutoffsHeaderLen)
	}
	var h CutoffsHeader
	for i := range h.UnschedCutoffs {
		h.UnschedCutoffs[i] = int32(binary.BigEndian.Uint32(data[i*4 : i*4+4]))
	}
	h.CutoffVersion = data[cutoffsHeaderLen-1]
	return h, data[cutoffsHeaderLen:], nil
}

// AckDesc identifies one acknowledged RPC within an ACK packet's body.
type AckDesc struct {
	ClientPort uint16
	ServerPort uint16
	ClientId   uint64
}

const ackDescLen = 2 + 2 + 8

func encodeAckDesc(dst []byte, a AckDesc) {
	binary.BigEndian.PutUint16(dst[0:2], a.ClientPort)
	binary.BigEndian.PutUint16(dst[2:4], a.ServerPort)
	binary.BigEndian.PutUint64(dst[4:12], a.ClientId)
}

func decodeAckDesc(data []byte) AckDesc {
	return AckDesc{
		ClientPort: binary.BigEndian.Uint16(data[0:2]),
		ServerPort: binary.BigEndian.Uint16(data[2:4]),
		ClientId:   binary.BigEndian.Uint64(data[4:12]),
	}
}

// AckHeader is the ACK type-specific header.
type AckHeader struct {
	Acks []AckDesc
}

// EncodeAck appends an ACK header (and its common header) to dst.
func EncodeAck(dst []byte, common Header, h AckHeader) []byte {
	common.Type = TypeAck
	dst = EncodeHeader(dst, common)
	dst = append(dst, byte(len(h.Acks)))
	for _, a := range h.Acks {
		var buf [ackDescLen]byte
		encodeAckDesc(buf[:], a)
		dst = append(dst, buf[:]...)
	}
	return dst
}

func DecodeAck(data []byte) (AckHeader, []byte, error) {
	if len(data) < 1 {
		return AckHeader{}, nil, fmt.Errorf("wire: short ACK header")
	}
	numAcks := int(data[0])
	data = data[1:]
	need := numAcks * ackDescLen
	if len(data) < need {
		return AckHeader{}, nil, fmt.Errorf("wire: short ACK body: %d bytes, need %d", len(data), need)
	}
	h := AckHeader{Acks: make([]AckDesc, numAcks)}
	for i := range h.Acks {
		h.Acks[i] = decodeAckDesc(data[i*ackDescLen : (i+1)*ackDescLen])
	}
	return h, data[need:], nil
}
