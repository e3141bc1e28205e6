package rudp

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats collects the sender-side transfer counters. They are observable
// output only; the engine's correctness does not depend on them.
type Stats struct {
	BytesDelivered  uint64 // payload bytes confirmed by the peer
	PacketsSent     uint64 // DATA transmissions, retransmissions included
	Retransmissions uint64

	rttSumUs   uint64
	rttSamples uint64

	start   time.Time
	end     time.Time
	started bool
}

// markStart pins the clock on the first-ever transmission.
func (s *Stats) markStart(now time.Time) {
	if !s.started {
		s.started = true
		s.start = now
	}
}

func (s *Stats) markEnd(now time.Time) { s.end = now }

// sampleRTT records one round-trip measured from a slot's first flight.
func (s *Stats) sampleRTT(d time.Duration) {
	if us := d.Microseconds(); us > 0 {
		s.rttSumUs += uint64(us)
		s.rttSamples++
	}
}

// LossRate approximates forward loss as retransmissions over total sends.
func (s *Stats) LossRate() float64 {
	if s.PacketsSent == 0 {
		return 0
	}
	return float64(s.Retransmissions) / float64(s.PacketsSent)
}

// AvgRTT is the mean sampled round-trip time in microseconds.
func (s *Stats) AvgRTT() float64 {
	if s.rttSamples == 0 {
		return 0
	}
	return float64(s.rttSumUs) / float64(s.rttSamples)
}

// Elapsed is the wall-clock span from the first send to completion.
func (s *Stats) Elapsed() time.Duration {
	if !s.started {
		return 0
	}
	return s.end.Sub(s.start)
}

// ThroughputMBps is delivered bytes over the elapsed span, in MiB/s.
func (s *Stats) ThroughputMBps() float64 {
	sec := s.Elapsed().Seconds()
	if sec <= 0 {
		sec = 1e-6
	}
	return float64(s.BytesDelivered) / sec / (1024 * 1024)
}

// Report renders the end-of-run statistics block.
func (s *Stats) Report(recvWindow int) string {
	mbps := s.ThroughputMBps()
	return fmt.Sprintf(
		"===== RUDP Statistics (Sender) =====\n"+
			"Bytes delivered:        %d bytes (%s)\n"+
			"Data packets sent:      %d (retransmissions=%d)\n"+
			"Approx. loss rate:      %.2f %%\n"+
			"Average RTT:            %.0f us\n"+
			"Throughput:             %.3f MB/s (%.3f Mbps)\n"+
			"Configured recv window: %d packets\n",
		s.BytesDelivered, humanize.Bytes(s.BytesDelivered),
		s.PacketsSent, s.Retransmissions,
		s.LossRate()*100,
		s.AvgRTT(),
		mbps, mbps*8,
		recvWindow,
	)
}
