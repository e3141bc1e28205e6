package rudp

import (
	"io"
	"net"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// segment is one buffered out-of-order payload keyed by sequence number.
type segment struct {
	seq     uint32
	payload []byte
}

func lessSegment(a, b segment) bool { return a.seq < b.seq }

// rxState tracks reassembly progress. Everything below expected has been
// written to the sink in order; everything in the buffer sits above it.
type rxState struct {
	expected uint32
	window   int
	buf      *btree.BTreeG[segment]
}

func newRxState(window int) *rxState {
	return &rxState{
		expected: 1,
		window:   window,
		buf:      btree.NewG(8, lessSegment),
	}
}

// ingest buffers one DATA payload and drains any in-order run to the sink.
// Segments below expected and duplicates of buffered segments are ignored;
// the caller still acks so a lost ACK gets repaired.
func (r *rxState) ingest(seq uint32, payload []byte, sink io.Writer) error {
	if seq < r.expected {
		return nil
	}
	if _, ok := r.buf.Get(segment{seq: seq}); !ok {
		r.buf.ReplaceOrInsert(segment{seq: seq, payload: payload})
	}
	for {
		seg, ok := r.buf.Get(segment{seq: r.expected})
		if !ok {
			break
		}
		if _, err := sink.Write(seg.payload); err != nil {
			return errors.Wrap(err, "write output")
		}
		r.buf.Delete(segment{seq: r.expected})
		r.expected++
	}
	return nil
}

// sackBlocks walks the buffered sequences in ascending order and merges
// them into at most MaxSackBlocks contiguous runs above the cumulative ack.
func (r *rxState) sackBlocks() []SackBlock {
	var blocks []SackBlock
	var cur SackBlock
	open := false
	r.buf.Ascend(func(seg segment) bool {
		switch {
		case seg.seq < r.expected:
			// Already drained; cannot happen after ingest, but keep the
			// walk defined for any state.
		case !open:
			cur = SackBlock{Start: seg.seq, End: seg.seq}
			open = true
		case seg.seq == cur.End+1:
			cur.End = seg.seq
		default:
			blocks = append(blocks, cur)
			if len(blocks) >= MaxSackBlocks {
				open = false
				return false
			}
			cur = SackBlock{Start: seg.seq, End: seg.seq}
		}
		return true
	})
	if open && len(blocks) < MaxSackBlocks {
		blocks = append(blocks, cur)
	}
	return blocks
}

// ackHeader builds the cumulative ack and window advertisement for the
// current state. The advertised window never reaches zero; one slot stays
// reserved so the sender cannot stall indefinitely.
func (r *rxState) ackHeader() Header {
	avail := r.window - r.buf.Len()
	if avail < 1 {
		avail = 1
	}
	return Header{Ack: r.expected, Wnd: uint16(avail), Flags: FlagACK}
}

// RunReceiver binds port, performs the handshake, streams the peer's data
// into sink in order and completes the passive side of the four-way close.
// The window is the advertised receive credit in packets.
func RunReceiver(port uint16, sink io.Writer, window int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: int(port)})
	if err != nil {
		return errors.Wrapf(err, "bind port %d", port)
	}
	return serveReceiver(conn, sink, window)
}

// serveReceiver runs the receiver on an already-bound socket and closes it
// when done.
func serveReceiver(conn *net.UDPConn, sink io.Writer, window int) error {
	c := newNetConn(conn, LinkOptions{})
	defer c.close()

	client, err := c.receiverHandshake(uint16(window))
	if err != nil {
		return err
	}

	rx := newRxState(window)
	for {
		hdr, payload, _, err := c.recv(0)
		if err != nil {
			continue
		}
		switch {
		case hdr.Flags&FlagDATA != 0:
			if err := rx.ingest(hdr.Seq, payload, sink); err != nil {
				return err
			}
			ackHdr := rx.ackHeader()
			sack := appendSackPayload(nil, rx.sackBlocks())
			if err := c.send(client, ackHdr, sack); err != nil {
				return err
			}
		case hdr.Flags&FlagFIN != 0:
			log.Infof("[receiver] recv FIN")
			return c.receiverClose(client, hdr.Seq, uint16(window))
		}
	}
}
