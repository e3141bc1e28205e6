package rudp

import (
	"net"

	"github.com/pkg/errors"
)

var (
	ErrHandshakeFailed = errors.New("handshake failed after max retries")
	ErrCloseFailed     = errors.New("four-way close failed after max retries")
)

// Handshake initial sequence numbers. The data stream numbers its segments
// from 1 independently of these; the values only need to be fixed and
// distinct so the ack = seq+1 checks hold on both sides.
const (
	senderISN   uint32 = 0
	receiverISN uint32 = 100
)

// senderHandshake drives the active side of the three-phase handshake:
// SYN, wait for SYN-ACK, final ACK. Returns the receiver's advertised
// window for the sender engine's initial flow-control bound.
func (c *netConn) senderHandshake(server *net.UDPAddr, wnd uint16) (uint16, error) {
	timeout := c.hsTimeout
	syn := Header{Seq: senderISN, Flags: FlagSYN, Wnd: wnd}

	for try := 0; try < MaxTries; try++ {
		log.Infof("[sender] send SYN")
		if err := c.send(server, syn, nil); err != nil {
			return 0, err
		}

		resp, _, _, err := c.recv(timeout)
		if err == nil &&
			resp.Flags&(FlagSYN|FlagACK) == FlagSYN|FlagACK &&
			resp.Ack == syn.Seq+1 {
			log.Infof("[sender] recv SYN-ACK")

			ack := Header{Seq: syn.Seq + 1, Ack: resp.Seq + 1, Flags: FlagACK, Wnd: wnd}
			if err := c.send(server, ack, nil); err != nil {
				return 0, err
			}
			log.Infof("[sender] handshake success")

			peerWnd := resp.Wnd
			if peerWnd == 0 {
				peerWnd = 1
			}
			return peerWnd, nil
		}
		log.Infof("[sender] handshake retry %d", try+1)
	}
	return 0, ErrHandshakeFailed
}

// receiverHandshake blocks for a SYN, replies with SYN-ACK and waits for
// the final ACK. On timeout or on a duplicate SYN the SYN-ACK is replayed
// for the same connection; a duplicate SYN never opens a second one.
func (c *netConn) receiverHandshake(wnd uint16) (*net.UDPAddr, error) {
	log.Infof("[receiver] wait for SYN...")

	var syn Header
	var client *net.UDPAddr
	for {
		hdr, _, from, err := c.recv(0)
		if err != nil {
			continue
		}
		if hdr.Flags&FlagSYN != 0 {
			syn, client = hdr, from
			break
		}
	}
	log.Infof("[receiver] recv SYN")

	synAck := Header{Seq: receiverISN, Ack: syn.Seq + 1, Flags: FlagSYN | FlagACK, Wnd: wnd}
	log.Infof("[receiver] send SYN-ACK")
	if err := c.send(client, synAck, nil); err != nil {
		return nil, err
	}

	timeout := c.hsTimeout
	for try := 0; try < MaxTries; try++ {
		hdr, _, _, err := c.recv(timeout)
		if err != nil {
			log.Infof("[receiver] wait ACK timeout, resend SYN-ACK")
			if err := c.send(client, synAck, nil); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.Flags&FlagSYN != 0 {
			// Our SYN-ACK was lost and the sender retried.
			log.Infof("[receiver] duplicate SYN, resend SYN-ACK")
			if err := c.send(client, synAck, nil); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.Flags&FlagDATA != 0 {
			// Data can only flow once the sender saw our SYN-ACK; the final
			// ACK was lost in flight. The segment itself will be
			// retransmitted once the data loop is up.
			log.Infof("[receiver] recv DATA, handshake success")
			return client, nil
		}
		if hdr.Flags&FlagACK != 0 && hdr.Ack == synAck.Seq+1 {
			log.Infof("[receiver] handshake success")
			return client, nil
		}
	}
	return nil, ErrHandshakeFailed
}

// senderClose runs the active side of the four-way close: FIN, wait for its
// ACK, wait for the peer's FIN, final ACK. Any timeout replays the FIN.
func (c *netConn) senderClose(server *net.UDPAddr, wnd uint16) error {
	timeout := c.hsTimeout
	fin := Header{Seq: 1, Flags: FlagFIN}

	for try := 0; try < MaxTries; try++ {
		log.Infof("[sender] send FIN")
		if err := c.send(server, fin, nil); err != nil {
			return err
		}

		resp, _, _, err := c.recv(timeout)
		if err != nil {
			log.Infof("[sender] FIN wait ACK timeout, retry")
			continue
		}
		if resp.Flags&FlagACK == 0 || resp.Ack != fin.Seq+1 {
			continue
		}
		log.Infof("[sender] recv ACK of FIN")

		peerFin, _, _, err := c.recv(timeout)
		if err != nil {
			log.Infof("[sender] wait peer FIN timeout, retry")
			continue
		}
		if peerFin.Flags&FlagFIN == 0 {
			continue
		}
		log.Infof("[sender] recv peer FIN")

		ack := Header{Ack: peerFin.Seq + 1, Flags: FlagACK, Wnd: wnd}
		if err := c.send(server, ack, nil); err != nil {
			return err
		}
		log.Infof("[sender] four-way close done")
		return nil
	}
	return ErrCloseFailed
}

// receiverClose acknowledges the sender's FIN and retires the connection
// with its own FIN. Loss of the very last ACK is tolerated: after MaxTries
// FIN replays the peer is assumed gone and the connection counts as closed.
func (c *netConn) receiverClose(client *net.UDPAddr, finSeq uint32, wnd uint16) error {
	ack := Header{Ack: finSeq + 1, Flags: FlagACK, Wnd: wnd}
	if err := c.send(client, ack, nil); err != nil {
		return err
	}
	log.Infof("[receiver] send ACK of FIN")

	fin := Header{Seq: 2, Flags: FlagFIN}
	timeout := c.hsTimeout

	for try := 0; try < MaxTries; try++ {
		log.Infof("[receiver] send FIN")
		if err := c.send(client, fin, nil); err != nil {
			return err
		}

		resp, _, _, err := c.recv(timeout)
		if err != nil {
			log.Infof("[receiver] wait last ACK timeout")
			continue
		}
		if resp.Flags&FlagACK != 0 && resp.Ack == fin.Seq+1 {
			log.Infof("[receiver] four-way close done")
			return nil
		}
	}
	log.Infof("[receiver] last ACK never arrived, closing anyway")
	return nil
}
