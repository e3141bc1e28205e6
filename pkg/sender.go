package rudp

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Data segments are numbered from 1; the handshake owns sequence 0.
const firstDataSeq = 1

// sendSlot holds one data segment and its transmission bookkeeping.
type sendSlot struct {
	hdr     Header
	payload []byte

	sent  bool
	acked bool

	firstSentAt time.Time // first flight, frozen thereafter; RTT baseline
	lastSentAt  time.Time // most recent flight; retransmit timer baseline
}

// sendFunc transmits one packet to the connected peer.
type sendFunc func(hdr Header, payload []byte) error

// txState is the sender engine: the slot window, the Reno congestion
// machine and the transfer statistics. It is single-threaded; the run loop
// interleaves filling the window, consuming acks and scanning timers.
type txState struct {
	slots []*sendSlot
	base  int // smallest index not yet acked
	next  int // next index to transmit

	cwnd     float64
	ssthresh float64
	peerWnd  uint16

	lastAckSeq     uint32
	dupAcks        int
	inFastRecovery bool
	recoverSeq     uint32 // highest sequence in flight when recovery began

	timeout time.Duration
	send    sendFunc
	stats   *Stats
}

func newTxState(slots []*sendSlot, peerWnd uint16, timeout time.Duration, send sendFunc) *txState {
	if peerWnd == 0 {
		peerWnd = 1
	}
	return &txState{
		slots:      slots,
		cwnd:       1,
		ssthresh:   16,
		peerWnd:    peerWnd,
		lastAckSeq: firstDataSeq - 1,
		timeout:    timeout,
		send:       send,
		stats:      &Stats{},
	}
}

// makeSlots slices the input stream into MaxPayload-sized segments numbered
// from firstDataSeq. An empty stream yields no slots.
func makeSlots(in io.Reader) ([]*sendSlot, error) {
	var slots []*sendSlot
	seq := uint32(firstDataSeq)
	for {
		chunk := make([]byte, MaxPayload)
		n, err := io.ReadFull(in, chunk)
		if n > 0 {
			slots = append(slots, &sendSlot{
				hdr:     Header{Seq: seq, Flags: FlagDATA},
				payload: chunk[:n],
			})
			seq++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return slots, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read input")
		}
	}
}

func (t *txState) lastSeq() uint32 {
	return uint32(firstDataSeq + len(t.slots) - 1)
}

// windowLimit bounds in-flight segments by the congestion window, the
// peer's advertised window and what remains unacked.
func (t *txState) windowLimit() int {
	limit := t.cwnd
	if w := float64(t.peerWnd); w < limit {
		limit = w
	}
	if rest := float64(len(t.slots) - t.base); rest < limit {
		limit = rest
	}
	return int(limit)
}

// fillWindow transmits fresh segments until the window is full.
func (t *txState) fillWindow(now time.Time) error {
	limit := t.windowLimit()
	for t.next < len(t.slots) && t.next-t.base < limit {
		slot := t.slots[t.next]
		if slot.firstSentAt.IsZero() {
			slot.firstSentAt = now
			t.stats.markStart(now)
		}
		slot.lastSentAt = now
		slot.sent = true
		if err := t.send(slot.hdr, slot.payload); err != nil {
			return err
		}
		t.stats.PacketsSent++
		t.next++
	}
	return nil
}

// markAcked marks the slot holding seq acked, crediting delivered bytes and
// sampling RTT off its first flight. Reports whether the slot was newly
// acked.
func (t *txState) markAcked(seq uint32, now time.Time) bool {
	idx := int(seq) - firstDataSeq
	if idx < 0 || idx >= len(t.slots) {
		return false
	}
	slot := t.slots[idx]
	if slot.acked {
		return false
	}
	slot.acked = true
	t.stats.BytesDelivered += uint64(len(slot.payload))
	if !slot.firstSentAt.IsZero() {
		t.stats.sampleRTT(now.Sub(slot.firstSentAt))
	}
	return true
}

// handleAck consumes one ACK packet in full: flow-control update, Reno
// classification, cumulative marking, selective marking, then window
// advance and growth.
func (t *txState) handleAck(hdr Header, payload []byte, now time.Time) error {
	if hdr.Flags&FlagACK == 0 {
		return nil
	}

	t.peerWnd = hdr.Wnd
	if t.peerWnd == 0 {
		t.peerWnd = 1
	}

	switch {
	case hdr.Ack > t.lastAckSeq:
		t.lastAckSeq = hdr.Ack
		t.dupAcks = 0
		if t.inFastRecovery && hdr.Ack > t.recoverSeq {
			t.inFastRecovery = false
			t.cwnd = min(t.ssthresh, maxCwnd)
		}
	case hdr.Ack == t.lastAckSeq:
		t.dupAcks++
		if !t.inFastRecovery && t.dupAcks >= 3 && t.base < len(t.slots) {
			if err := t.enterFastRecovery(now); err != nil {
				return err
			}
		} else if t.inFastRecovery {
			// Each further duplicate ack means one more segment left the
			// network; inflate the window by one.
			t.cwnd = min(t.cwnd+1, maxCwnd)
		}
	default:
		// A reordered old ack.
		t.dupAcks = 0
	}

	anyNew := false

	// Cumulative range: everything strictly below the ack value.
	if hdr.Ack >= firstDataSeq {
		high := hdr.Ack - 1
		if last := t.lastSeq(); high > last {
			high = last
		}
		for seq := uint32(firstDataSeq); seq <= high; seq++ {
			if t.markAcked(seq, now) {
				anyNew = true
			}
		}
	}

	// Selective blocks, bounded to the valid slot range.
	for _, blk := range parseSackPayload(payload) {
		start := blk.Start
		if start < firstDataSeq {
			start = firstDataSeq
		}
		end := blk.End
		if last := t.lastSeq(); end > last {
			end = last
		}
		for seq := start; seq <= end; seq++ {
			if t.markAcked(seq, now) {
				anyNew = true
			}
		}
	}

	if anyNew {
		for t.base < len(t.slots) && t.slots[t.base].acked {
			t.base++
		}
		if t.cwnd < t.ssthresh {
			t.cwnd++ // slow start
		} else {
			t.cwnd += 1 / t.cwnd // congestion avoidance
		}
		if t.cwnd > maxCwnd {
			t.cwnd = maxCwnd
		}
	}
	return nil
}

// enterFastRecovery reacts to the third duplicate ack: set ssthresh to half
// of cwnd,
// inflate cwnd by the three departed segments and retransmit the presumed
// lost head of the window immediately.
func (t *txState) enterFastRecovery(now time.Time) error {
	head := t.slots[t.base]
	if !head.sent || head.acked {
		return nil
	}
	t.ssthresh = max(t.cwnd/2, 2)
	t.cwnd = min(t.ssthresh+3, maxCwnd)
	t.inFastRecovery = true
	if t.next > 0 {
		t.recoverSeq = t.slots[t.next-1].hdr.Seq
	} else {
		t.recoverSeq = head.hdr.Seq
	}

	head.lastSentAt = now
	if err := t.send(head.hdr, head.payload); err != nil {
		return err
	}
	t.stats.PacketsSent++
	t.stats.Retransmissions++
	return nil
}

// checkTimeouts retransmits every in-window slot whose retransmit timer has
// expired, cutting the congestion window once per expired slot. The cut
// leaves cwnd equal to ssthresh, so growth resumes in congestion avoidance
// rather than slow start; dupAcks and the fast-recovery flag are left
// untouched.
func (t *txState) checkTimeouts(now time.Time) error {
	for i := t.base; i < t.next; i++ {
		slot := t.slots[i]
		if !slot.sent || slot.acked {
			continue
		}
		if now.Sub(slot.lastSentAt) <= t.timeout {
			continue
		}

		slot.lastSentAt = now
		if err := t.send(slot.hdr, slot.payload); err != nil {
			return err
		}
		t.stats.PacketsSent++
		t.stats.Retransmissions++

		t.ssthresh = max(t.cwnd/2, 2)
		t.cwnd = t.ssthresh
	}
	return nil
}

// RunSender connects to server, performs the handshake, transfers the
// whole input stream reliably and closes the connection. wnd is the
// sender's own advertised window carried in the handshake packets. The
// returned statistics are valid on success.
func RunSender(server *net.UDPAddr, in io.Reader, wnd int, opts LinkOptions) (*Stats, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, errors.Wrap(err, "open socket")
	}
	c := newNetConn(conn, opts)
	defer c.close()

	peerWnd, err := c.senderHandshake(server, uint16(wnd))
	if err != nil {
		return nil, err
	}

	slots, err := makeSlots(in)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		log.Infof("[sender] input empty, nothing to send")
	}

	tx := newTxState(slots, peerWnd, opts.dataTimeout(), func(hdr Header, payload []byte) error {
		return c.send(server, hdr, payload)
	})

	for tx.base < len(tx.slots) {
		if err := tx.fillWindow(time.Now()); err != nil {
			return nil, err
		}
		if hdr, payload, _, err := c.recv(dataPollInterval); err == nil {
			if err := tx.handleAck(hdr, payload, time.Now()); err != nil {
				return nil, err
			}
		}
		// Timers run after ack processing so a freshly acked slot is never
		// redundantly retransmitted in the same iteration.
		if err := tx.checkTimeouts(time.Now()); err != nil {
			return nil, err
		}
	}
	tx.stats.markEnd(time.Now())

	if err := c.senderClose(server, uint16(wnd)); err != nil {
		return nil, err
	}
	return tx.stats, nil
}
