package transport

import (
	"net"

	"github.com/nettask/nettaskd/pkg/wire"
)

// retransmitLoop is the single background worker described in spec.md
// §4.5: every RetransmitSleep it snapshots every peer's unacked packets
// and re-sends each one under a fresh sequence number.
func (e *Endpoint) retransmitLoop() {
	defer e.wg.Done()
	for e.sleepOrShutdown(e.cfg.RetransmitSleep) {
		e.retransmitOnce()
	}
}

func (e *Endpoint) retransmitOnce() {
	for peer, addr := range e.pool.ListPeers() {
		for _, pkt := range e.pool.ListUnacked(peer) {
			e.retransmitOne(peer, addr, pkt)
		}
	}

	if e.cfg.ReassemblyTTL > 0 {
		for peer, n := range e.pool.SweepReorderBuffers(e.cfg.ReassemblyTTL) {
			e.log.WithField("peer", peer).WithField("dropped_fragments", n).
				Warn("transport: dropped stale reorder-buffer fragments past reassembly_ttl")
		}
	}
}

func (e *Endpoint) retransmitOne(peer string, addr *net.UDPAddr, pkt *wire.Packet) {
	// 1. Read the current next_seq and local window.
	seq := e.pool.NextSeq(peer)
	localWindow := e.pool.GetLocalWindow(peer)

	// 2. Re-fragment the original payload under the live sequence space,
	// flags OR'd with RETRANSMISSION.
	fragments, next := e.codec.Build(pkt.Payload, seq, pkt.Flags|wire.FlagRetransmission, pkt.Type, pkt.Identifier, uint16(localWindow))
	e.pool.SetNextSeq(peer, next)
	if len(fragments) == 0 {
		return
	}
	// The original unacked entry stays keyed by its first seq_number; only
	// its tracked msg_id is refreshed to the retransmission's, so the ACK
	// that follows can still find it (pool.RemoveUnacked's fallback).
	e.pool.MarkRetransmitted(peer, pkt.Seq, fragments[0].MsgID)

	urgent := pkt.Flags.Has(wire.FlagUrgent)

	// 3. Honor peer_window per fragment, then send.
	for _, frag := range fragments {
		if !urgent {
			if !e.waitForWindow(peer) {
				return
			}
		}
		if _, err := e.writeRaw(addr, frag); err != nil {
			e.log.WithField("peer", peer).WithError(err).Warn("transport: retransmit failed")
			continue
		}
		e.metrics.PacketsRetransmitted.Inc()
	}
}
