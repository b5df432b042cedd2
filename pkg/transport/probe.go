package transport

import "github.com/nettask/nettaskd/pkg/wire"

// probeLoop is the second background worker of spec.md §4.6: it wakes
// every WindowProbeSleep and, for every peer whose advertised window has
// dropped to zero, sends an URGENT WINDOW_PROBE packet with an empty
// payload. The peer's receive path ACKs it carrying a fresh window_size,
// unblocking waitForWindow.
func (e *Endpoint) probeLoop() {
	defer e.wg.Done()
	for e.sleepOrShutdown(e.cfg.WindowProbeSleep) {
		e.probeOnce()
	}
}

func (e *Endpoint) probeOnce() {
	for peer, addr := range e.pool.ListPeers() {
		if e.pool.GetPeerWindow(peer) != 0 {
			continue
		}
		// Consume a fresh sequence number so the receiver's duplicate
		// detection never collides it with a later real message.
		seq := e.pool.NextSeq(peer)
		e.pool.SetNextSeq(peer, seq+1)
		probe := &wire.Packet{
			Version:    wire.Version,
			Seq:        seq,
			Flags:      wire.FlagUrgent | wire.FlagWindowProbe,
			Type:       wire.TypeUndefined,
			Window:     uint16(e.pool.GetLocalWindow(peer)),
			MsgID:      seq,
			Identifier: e.identifier,
		}
		if _, err := e.writeRaw(addr, probe); err != nil {
			e.log.WithField("peer", peer).WithError(err).Warn("transport: window probe failed")
		}
	}
}
