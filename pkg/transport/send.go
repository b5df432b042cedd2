package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nettask/nettaskd/pkg/wire"
)

// Send implements the 5-step send path of spec.md §4.4: it fragments
// payload, commits the new sequence counter, honors flow control unless
// URGENT is set, and tracks every fragment as unacked.
func (e *Endpoint) Send(peer string, payload []byte, flags wire.Flags, typ wire.MessageType) error {
	ps, ok := e.pool.Peer(peer)
	if !ok {
		return fmt.Errorf("transport: send to unknown peer %q", peer)
	}

	// 1. Acquire next_seq and the local window we advertise.
	seq := e.pool.NextSeq(peer)
	localWindow := e.pool.GetLocalWindow(peer)

	// 2. Build the packet list.
	packets, next := e.codec.Build(payload, seq, flags, typ, e.identifier, uint16(localWindow))

	// 3. Commit the new next_seq.
	e.pool.SetNextSeq(peer, next)

	// 4. Flow-control gate, unless URGENT.
	if !flags.Has(wire.FlagUrgent) {
		if !e.waitForWindow(peer) {
			return errors.New("transport: shutting down, send aborted")
		}
	}

	// 5. Send each fragment, then round-trip parse it and track as unacked.
	for _, pkt := range packets {
		if err := e.sendPacket(peer, ps.Addr, pkt); err != nil {
			return fmt.Errorf("transport: send to %q: %w", peer, err)
		}
	}
	return nil
}

// SendFirstConnection sends the zero-payload FIRST_CONNECTION message that
// opens a connection (spec.md §4.7: UNSEEN -> CONNECTED).
func (e *Endpoint) SendFirstConnection(peer string) error {
	if err := e.Send(peer, nil, wire.FlagUrgent, wire.TypeFirstConnection); err != nil {
		return err
	}
	e.setLifecycle(peer, stateConnected)
	return nil
}

// SendEndOfConnection sends EOC and marks the peer CLOSING (spec.md §4.7).
// EOC is URGENT (spec.md §4.7/§8 scenario 6): it must bypass flow control
// so a peer whose advertised window has dropped to zero still sees it
// immediately, instead of waiting on waitForWindow until the probe loop
// happens to recover the window.
func (e *Endpoint) SendEndOfConnection(peer string) error {
	if err := e.Send(peer, nil, wire.FlagUrgent, wire.TypeEOC); err != nil {
		return err
	}
	e.setLifecycle(peer, stateClosing)
	return nil
}

// waitForWindow blocks while the peer's advertised window is <= 0, waking
// periodically to re-check, and returns false if shutdown fires first.
func (e *Endpoint) waitForWindow(peer string) bool {
	for e.pool.GetPeerWindow(peer) == 0 {
		select {
		case <-e.shutdown:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return true
}

// writeRaw encodes and writes pkt without touching the unacked set — used
// for ACKs and for re-sending an already-tracked retransmission.
func (e *Endpoint) writeRaw(addr *net.UDPAddr, pkt *wire.Packet) ([]byte, error) {
	encoded, err := pkt.Encode()
	if err != nil {
		return nil, err
	}
	if err := e.conn.WriteTo(encoded, addr); err != nil {
		return nil, err
	}
	e.metrics.PacketsSent.Inc()
	return encoded, nil
}

// sendPacket writes pkt, round-trip parses it for a canonical form, and
// records it as unacked for peer.
func (e *Endpoint) sendPacket(peer string, addr *net.UDPAddr, pkt *wire.Packet) error {
	encoded, err := e.writeRaw(addr, pkt)
	if err != nil {
		return err
	}
	parsed, err := wire.Parse(encoded)
	if err != nil && !errors.Is(err, wire.ErrVersionMismatch) {
		return fmt.Errorf("round-trip parse of freshly built packet: %w", err)
	}
	e.pool.AddUnacked(peer, parsed)
	return nil
}
