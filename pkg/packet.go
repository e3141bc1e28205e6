package rudp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/netstack/tcpip/header"
)

// Protocol parameters shared by both endpoints.
const (
	MaxPayload        = 1000 // payload bytes per data segment
	DefaultRecvWindow = 64   // advertised receive window, in packets
	MaxSackBlocks     = 4    // selective-ack ranges carried by one ACK

	HeaderLen = 16

	DataTimeoutMs         = 100  // data-phase retransmission timeout
	EmulatedDataTimeoutMs = 300  // data timeout once link emulation is on
	HandshakeTimeoutMs    = 1000 // handshake / close step timeout base
	MaxTries              = 5    // retries per handshake / close step

	// maxCwnd caps the congestion window; matches DefaultRecvWindow.
	maxCwnd = 64.0
)

// Header flag bits.
const (
	FlagSYN  uint8 = 0x01
	FlagACK  uint8 = 0x02
	FlagFIN  uint8 = 0x04
	FlagDATA uint8 = 0x08
)

var (
	ErrShortPacket = errors.New("packet shorter than header")
	ErrBadChecksum = errors.New("checksum mismatch")
)

// Header is the fixed 16-byte packet header. Multi-byte fields travel in
// network byte order. The checksum covers the whole serialized packet with
// the checksum field zeroed.
type Header struct {
	Seq      uint32 // sequence number (DATA, SYN, FIN)
	Ack      uint32 // cumulative ack: everything below this was received
	Len      uint16 // payload length
	Wnd      uint16 // advertised receive window, in packets
	Checksum uint16
	Flags    uint8
	Reserved uint8 // zero on send, ignored on receive
}

// isPureAck reports whether the packet is acknowledgement-only. Pure ACKs
// bypass the link-emulation shim so the feedback path stays clean.
func (h Header) isPureAck() bool {
	return h.Flags&FlagACK != 0 && h.Flags&(FlagSYN|FlagFIN|FlagDATA) == 0
}

func (h Header) String() string {
	return fmt.Sprintf("Header{Seq:%d Ack:%d Len:%d Wnd:%d Flags:%#02x}",
		h.Seq, h.Ack, h.Len, h.Wnd, h.Flags)
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Seq)
	binary.BigEndian.PutUint32(buf[4:8], h.Ack)
	binary.BigEndian.PutUint16(buf[8:10], h.Len)
	binary.BigEndian.PutUint16(buf[10:12], h.Wnd)
	binary.BigEndian.PutUint16(buf[12:14], h.Checksum)
	buf[14] = h.Flags
	buf[15] = h.Reserved
}

func parseHeader(buf []byte) Header {
	return Header{
		Seq:      binary.BigEndian.Uint32(buf[0:4]),
		Ack:      binary.BigEndian.Uint32(buf[4:8]),
		Len:      binary.BigEndian.Uint16(buf[8:10]),
		Wnd:      binary.BigEndian.Uint16(buf[10:12]),
		Checksum: binary.BigEndian.Uint16(buf[12:14]),
		Flags:    buf[14],
		Reserved: buf[15],
	}
}

// marshalPacket lays the header then the payload contiguously and fills in
// Len and Checksum.
func marshalPacket(hdr Header, payload []byte) []byte {
	hdr.Len = uint16(len(payload))
	hdr.Checksum = 0
	hdr.Reserved = 0
	buf := make([]byte, HeaderLen+len(payload))
	putHeader(buf, hdr)
	copy(buf[HeaderLen:], payload)
	binary.BigEndian.PutUint16(buf[12:14], ^header.Checksum(buf, 0))
	return buf
}

// parsePacket validates one datagram and splits it into header and payload.
// The payload is copied out so the read buffer can be reused. Short packets
// and checksum mismatches are rejected; the Len field is not interpreted on
// receive, the datagram boundary is authoritative.
func parsePacket(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, ErrShortPacket
	}
	got := binary.BigEndian.Uint16(buf[12:14])
	binary.BigEndian.PutUint16(buf[12:14], 0)
	want := ^header.Checksum(buf, 0)
	binary.BigEndian.PutUint16(buf[12:14], got)
	if got != want {
		return Header{}, nil, ErrBadChecksum
	}
	payload := make([]byte, len(buf)-HeaderLen)
	copy(payload, buf[HeaderLen:])
	return parseHeader(buf), payload, nil
}

// SackBlock is an inclusive range of out-of-order segments held by the
// receiver above its cumulative ack.
type SackBlock struct {
	Start uint32
	End   uint32
}

const sackBlockLen = 8

// appendSackPayload encodes blocks as a big-endian uint16 count followed by
// (start, end) uint32 pairs.
func appendSackPayload(dst []byte, blocks []SackBlock) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(blocks)))
	for _, b := range blocks {
		dst = binary.BigEndian.AppendUint32(dst, b.Start)
		dst = binary.BigEndian.AppendUint32(dst, b.End)
	}
	return dst
}

// parseSackPayload decodes at most MaxSackBlocks blocks, stopping at a
// truncated block. Anything unparsable just yields fewer blocks; selective
// acks are hints, not obligations.
func parseSackPayload(payload []byte) []SackBlock {
	if len(payload) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	if n > MaxSackBlocks {
		n = MaxSackBlocks
	}
	blocks := make([]SackBlock, 0, n)
	off := 2
	for i := 0; i < n; i++ {
		if off+sackBlockLen > len(payload) {
			break
		}
		blocks = append(blocks, SackBlock{
			Start: binary.BigEndian.Uint32(payload[off : off+4]),
			End:   binary.BigEndian.Uint32(payload[off+4 : off+8]),
		})
		off += sackBlockLen
	}
	return blocks
}
