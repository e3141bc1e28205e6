package rudp

import (
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
)

// dataPollInterval is the receive timeout during the data phase so the
// sender revisits its retransmit timers frequently.
const dataPollInterval = 10 * time.Millisecond

// LinkOptions configures loss and delay emulation on the forward path.
// The zero value is a clean link with the 100 ms data timeout.
type LinkOptions struct {
	DelayMs  int     // emulated one-way delay
	LossRate float64 // forward-path loss probability in [0,1]
	Enabled  bool    // emulation was requested on the command line
}

// NewLinkOptions normalizes delayMs and lossPercent and enables emulation,
// which also raises the data-phase timeout to EmulatedDataTimeoutMs.
func NewLinkOptions(delayMs int, lossPercent float64) LinkOptions {
	if delayMs < 0 {
		delayMs = 0
	}
	if lossPercent < 0 {
		lossPercent = 0
	}
	if lossPercent > 100 {
		lossPercent = 100
	}
	return LinkOptions{DelayMs: delayMs, LossRate: lossPercent / 100, Enabled: true}
}

func (o LinkOptions) dataTimeout() time.Duration {
	if o.Enabled {
		return EmulatedDataTimeoutMs * time.Millisecond
	}
	return DataTimeoutMs * time.Millisecond
}

// handshakeTimeout covers a full round trip on the emulated link.
func (o LinkOptions) handshakeTimeout() time.Duration {
	return time.Duration(HandshakeTimeoutMs+2*o.DelayMs) * time.Millisecond
}

// netConn owns one endpoint's UDP socket. The emulation shim applies to
// SYN, FIN and DATA transmissions only; pure ACKs always go out untouched.
// The shim lives on the sender's connection alone — the receiver constructs
// its netConn with zero options.
type netConn struct {
	conn      *net.UDPConn
	opts      LinkOptions
	rng       *rand.Rand
	rbuf      []byte
	hsTimeout time.Duration // per-try handshake / close receive timeout
}

func newNetConn(conn *net.UDPConn, opts LinkOptions) *netConn {
	seed := time.Now().UnixNano()
	return &netConn{
		conn:      conn,
		opts:      opts,
		rng:       rand.New(rand.NewSource(seed)),
		rbuf:      make([]byte, HeaderLen+MaxPayload),
		hsTimeout: opts.handshakeTimeout(),
	}
}

func (c *netConn) close() error { return c.conn.Close() }

// send serializes and transmits one packet to addr. An emulated drop
// reports success so the retransmission machinery upstream exercises
// naturally; a real write failure is fatal for the flow.
func (c *netConn) send(addr *net.UDPAddr, hdr Header, payload []byte) error {
	if !hdr.isPureAck() {
		if c.opts.LossRate > 0 && c.rng.Float64() < c.opts.LossRate {
			log.Debugf("link: dropping %v", hdr)
			return nil
		}
		if c.opts.DelayMs > 0 {
			time.Sleep(time.Duration(c.opts.DelayMs) * time.Millisecond)
		}
	}
	if _, err := c.conn.WriteToUDP(marshalPacket(hdr, payload), addr); err != nil {
		return errors.Wrap(err, "sendto")
	}
	return nil
}

// recv waits up to timeout for one valid packet; a zero timeout blocks.
// Deadline expiry, short packets and checksum mismatches all come back as
// errors that callers treat like loss.
func (c *netConn) recv(timeout time.Duration) (Header, []byte, *net.UDPAddr, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Header{}, nil, nil, errors.Wrap(err, "set read deadline")
	}
	n, from, err := c.conn.ReadFromUDP(c.rbuf)
	if err != nil {
		return Header{}, nil, nil, err
	}
	hdr, payload, err := parsePacket(c.rbuf[:n])
	if err != nil {
		log.Debugf("link: dropping packet from %v: %v", from, err)
		return Header{}, nil, nil, err
	}
	return hdr, payload, from, nil
}
