package rudp

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentPacket struct {
	hdr     Header
	payload []byte
}

// newTestTx builds a sender engine over a recording send seam: nslots
// one-byte segments, no sockets involved.
func newTestTx(nslots int, peerWnd uint16) (*txState, *[]sentPacket) {
	sent := &[]sentPacket{}
	slots := make([]*sendSlot, nslots)
	for i := range slots {
		slots[i] = &sendSlot{
			hdr:     Header{Seq: uint32(firstDataSeq + i), Flags: FlagDATA},
			payload: []byte{byte(i)},
		}
	}
	tx := newTxState(slots, peerWnd, 100*time.Millisecond, func(hdr Header, payload []byte) error {
		*sent = append(*sent, sentPacket{hdr, payload})
		return nil
	})
	return tx, sent
}

func ackOf(ack uint32, wnd uint16) Header {
	return Header{Ack: ack, Wnd: wnd, Flags: FlagACK}
}

func TestMakeSlotsSegmentation(t *testing.T) {
	slots, err := makeSlots(bytes.NewReader(patternBytes(4096)))
	require.NoError(t, err)
	require.Len(t, slots, 5)
	for i, slot := range slots {
		assert.EqualValues(t, i+1, slot.hdr.Seq)
		assert.Equal(t, FlagDATA, slot.hdr.Flags)
	}
	assert.Len(t, slots[3].payload, MaxPayload)
	assert.Len(t, slots[4].payload, 96)
}

func TestMakeSlotsEmptyInput(t *testing.T) {
	slots, err := makeSlots(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestFillWindowRespectsWindows(t *testing.T) {
	tx, sent := newTestTx(10, 2)
	now := time.Now()

	// cwnd starts at 1: one segment in flight.
	require.NoError(t, tx.fillWindow(now))
	assert.Len(t, *sent, 1)
	assert.Equal(t, 1, tx.next)

	// The peer window caps growth below cwnd.
	tx.cwnd = 4
	require.NoError(t, tx.fillWindow(now))
	assert.Len(t, *sent, 2)

	// In flight never exceeds min(cwnd, peerWnd).
	inFlight := tx.next - tx.base
	assert.LessOrEqual(t, inFlight, int(min(tx.cwnd, float64(tx.peerWnd))))

	tx.cwnd = 8
	tx.peerWnd = 64
	require.NoError(t, tx.fillWindow(now))
	assert.Len(t, *sent, 8)
	assert.EqualValues(t, 8, tx.stats.PacketsSent)
}

func TestFillWindowBoundedByRemaining(t *testing.T) {
	tx, sent := newTestTx(3, 64)
	tx.cwnd = 64
	require.NoError(t, tx.fillWindow(time.Now()))
	assert.Len(t, *sent, 3)
	assert.Equal(t, 3, tx.next)
}

func TestProgressAckSlowStart(t *testing.T) {
	tx, _ := newTestTx(5, 64)
	now := time.Now()
	require.NoError(t, tx.fillWindow(now))

	require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now.Add(time.Millisecond)))
	assert.EqualValues(t, 2, tx.lastAckSeq)
	assert.Equal(t, 1, tx.base)
	assert.True(t, tx.slots[0].acked)
	assert.InDelta(t, 2, tx.cwnd, 1e-9) // slow start: +1
	assert.EqualValues(t, 1, tx.stats.BytesDelivered)
}

func TestCongestionAvoidanceGrowth(t *testing.T) {
	tx, _ := newTestTx(5, 64)
	now := time.Now()
	tx.cwnd = 16 // at ssthresh: additive increase
	require.NoError(t, tx.fillWindow(now))

	require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now))
	assert.InDelta(t, 16+1.0/16, tx.cwnd, 1e-9)
}

func TestCwndCapped(t *testing.T) {
	tx, _ := newTestTx(70, 64)
	now := time.Now()
	tx.cwnd = 64
	tx.ssthresh = 2
	require.NoError(t, tx.fillWindow(now))
	require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now))
	assert.InDelta(t, 64, tx.cwnd, 1e-9)
}

func TestTripleDuplicateAckEntersFastRecovery(t *testing.T) {
	tx, sent := newTestTx(6, 64)
	now := time.Now()
	tx.cwnd = 8
	require.NoError(t, tx.fillWindow(now))
	require.Len(t, *sent, 6)

	// First ack progresses to 2 and grows cwnd to 9.
	require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now))
	require.InDelta(t, 9, tx.cwnd, 1e-9)

	// Two duplicates: counted, nothing else.
	require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now))
	require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now))
	assert.Equal(t, 2, tx.dupAcks)
	assert.False(t, tx.inFastRecovery)
	require.Len(t, *sent, 6)

	// Third duplicate: halve, inflate by three, retransmit the head.
	require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now))
	assert.True(t, tx.inFastRecovery)
	assert.InDelta(t, 4.5, tx.ssthresh, 1e-9)
	assert.InDelta(t, 7.5, tx.cwnd, 1e-9)
	assert.EqualValues(t, 6, tx.recoverSeq)
	require.Len(t, *sent, 7)
	assert.EqualValues(t, 2, (*sent)[6].hdr.Seq)
	assert.EqualValues(t, 1, tx.stats.Retransmissions)

	// Further duplicates inflate cwnd by one each.
	require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now))
	assert.InDelta(t, 8.5, tx.cwnd, 1e-9)
	require.Len(t, *sent, 7)
}

func TestFastRecoveryExitDeflatesToSsthresh(t *testing.T) {
	tx, _ := newTestTx(6, 64)
	now := time.Now()
	tx.cwnd = 8
	require.NoError(t, tx.fillWindow(now))

	require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now))
	for i := 0; i < 3; i++ {
		require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now))
	}
	require.True(t, tx.inFastRecovery)
	require.EqualValues(t, 6, tx.recoverSeq)

	// An ack beyond the recovery point exits and deflates to ssthresh,
	// then the regular growth law applies on top.
	require.NoError(t, tx.handleAck(ackOf(7, 64), nil, now))
	assert.False(t, tx.inFastRecovery)
	assert.InDelta(t, 4.5+1/4.5, tx.cwnd, 1e-9)
	assert.Equal(t, 6, tx.base)
	assert.Zero(t, tx.dupAcks)
}

func TestOldAckIgnored(t *testing.T) {
	tx, _ := newTestTx(5, 64)
	now := time.Now()
	tx.cwnd = 8
	require.NoError(t, tx.fillWindow(now))
	require.NoError(t, tx.handleAck(ackOf(4, 64), nil, now))
	cwnd := tx.cwnd
	tx.dupAcks = 2

	// A reordered old ack only clears the duplicate counter.
	require.NoError(t, tx.handleAck(ackOf(2, 64), nil, now))
	assert.Zero(t, tx.dupAcks)
	assert.Equal(t, cwnd, tx.cwnd)
	assert.Equal(t, 3, tx.base)
}

func TestSackMarksSlotsAndSkipsRetransmission(t *testing.T) {
	tx, sent := newTestTx(5, 64)
	t0 := time.Now()
	tx.cwnd = 8
	require.NoError(t, tx.fillWindow(t0))
	require.Len(t, *sent, 5)

	sack := appendSackPayload(nil, []SackBlock{{Start: 3, End: 4}})
	require.NoError(t, tx.handleAck(ackOf(1, 64), sack, t0))
	assert.True(t, tx.slots[2].acked)
	assert.True(t, tx.slots[3].acked)
	assert.Equal(t, 0, tx.base) // head still missing

	// After the data timeout only the unacked slots go out again.
	tx.dupAcks = 2
	require.NoError(t, tx.checkTimeouts(t0.Add(150*time.Millisecond)))
	var resent []uint32
	for _, p := range (*sent)[5:] {
		resent = append(resent, p.hdr.Seq)
	}
	assert.Equal(t, []uint32{1, 2, 5}, resent)
	assert.EqualValues(t, 3, tx.stats.Retransmissions)

	// Timeout reaction leaves the duplicate-ack machinery untouched.
	assert.Equal(t, 2, tx.dupAcks)
	assert.False(t, tx.inFastRecovery)
}

func TestTimeoutHalvesWindowOncePerSlot(t *testing.T) {
	tx, sent := newTestTx(2, 64)
	t0 := time.Now()
	tx.cwnd = 8
	require.NoError(t, tx.fillWindow(t0))
	require.Len(t, *sent, 2)

	require.NoError(t, tx.checkTimeouts(t0.Add(150*time.Millisecond)))
	// Two expired slots, two successive cuts: 8 -> 4 -> 2.
	assert.InDelta(t, 2, tx.cwnd, 1e-9)
	assert.InDelta(t, 2, tx.ssthresh, 1e-9)

	// A fresh retransmission is not expired again within the timeout.
	require.NoError(t, tx.checkTimeouts(t0.Add(200*time.Millisecond)))
	assert.Len(t, *sent, 4)
}

func TestPeerWindowFloorOfOne(t *testing.T) {
	tx, _ := newTestTx(5, 64)
	require.NoError(t, tx.handleAck(ackOf(1, 0), nil, time.Now()))
	assert.EqualValues(t, 1, tx.peerWnd)
}

func TestCumulativeAckBeyondRangeClamped(t *testing.T) {
	tx, _ := newTestTx(3, 64)
	now := time.Now()
	tx.cwnd = 8
	require.NoError(t, tx.fillWindow(now))
	require.NoError(t, tx.handleAck(ackOf(100, 64), nil, now))
	assert.Equal(t, 3, tx.base)
	assert.EqualValues(t, 3, tx.stats.BytesDelivered)
}

func TestSendFailureIsFatal(t *testing.T) {
	boom := errors.New("socket gone")
	slots := []*sendSlot{{hdr: Header{Seq: 1, Flags: FlagDATA}, payload: []byte{1}}}
	tx := newTxState(slots, 64, 100*time.Millisecond, func(Header, []byte) error {
		return boom
	})
	assert.ErrorIs(t, tx.fillWindow(time.Now()), boom)
}
