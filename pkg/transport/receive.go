package transport

import (
	"errors"
	"net"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/nettask/nettaskd/pkg/metrics"
	"github.com/nettask/nettaskd/pkg/nms"
	"github.com/nettask/nettaskd/pkg/wire"
)

const recvBufferSize = 2048

// recvLoop owns the socket's read side: it polls with a short deadline so
// the shutdown flag is checked frequently (spec.md §5), and dispatches
// each datagram to a bounded worker pool sized by cfg.Workers.
func (e *Endpoint) recvLoop() {
	defer e.wg.Done()

	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-e.shutdown:
			return
		default:
		}

		_ = e.conn.conn.SetReadDeadline(time.Now().Add(e.cfg.RecvPollTimeout))
		n, addr, err := e.conn.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-e.shutdown:
				return
			default:
				e.log.WithError(err).Warn("transport: read failed")
				return
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		e.sem <- struct{}{}
		e.wg.Add(1)
		go func() {
			defer func() { <-e.sem; e.wg.Done() }()
			e.handleDatagram(data, addr)
		}()
	}
}

// handleDatagram implements the 9-step receive path of spec.md §4.3.
func (e *Endpoint) handleDatagram(data []byte, addr *net.UDPAddr) {
	e.metrics.PacketsReceived.Inc()

	// 1. Parse header.
	pkt, err := wire.Parse(data)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrVersionMismatch):
			e.log.WithField("addr", addr.String()).Warn("transport: version mismatch, continuing")
		case errors.Is(err, wire.ErrChecksumMismatch):
			e.metrics.DropCounter(metrics.DropChecksum).Inc()
			return
		default:
			e.metrics.DropCounter(metrics.DropMalformed).Inc()
			return
		}
	}

	// 2. peer = packet.identifier; update peer_window[peer].
	peer := pkt.Identifier
	e.pool.SetPeerWindow(peer, pkt.Window)
	e.metrics.PeerWindow.WithLabelValues(peer).Set(float64(pkt.Window))

	// 3. ACK=1: clear the matching unacked entry and stop.
	if pkt.Flags.Has(wire.FlagACK) {
		e.pool.RemoveUnacked(peer, pkt.Seq)
		return
	}

	// 4. FIRST_CONNECTION from an unknown peer (server side): admit it.
	_, known := e.pool.Peer(peer)
	if !known && e.role == RoleServer && pkt.Type == wire.TypeFirstConnection {
		e.pool.AddPeer(peer, addr)
		e.setLifecycle(peer, stateConnected)
		known = true
		e.log.WithFields(logrus.Fields{
			"peer": peer,
			"addr": addr.String(),
			"corr": xid.New().String(),
		}).Info("transport: peer connected")
	}

	// 5. Emit an ACK for every non-ACK packet before any side effect,
	// including duplicates and EOC.
	if err := e.sendACK(addr, pkt); err != nil {
		e.log.WithError(err).Warn("transport: failed to send ACK")
	}

	if !known {
		e.metrics.DropCounter(metrics.DropUnknownPeer).Inc()
		return
	}

	// 6/7. Duplicate suppression, then admit into the received set.
	if !e.pool.AdmitReceived(peer, pkt.Seq) {
		e.metrics.DropCounter(metrics.DropDuplicate).Inc()
		return
	}
	e.pool.IncNextSeq(peer)

	// 8. Reassemble.
	msg, ok := e.pool.ReorderAdmit(peer, pkt)
	e.metrics.ReorderBufferOccupancy.WithLabelValues(peer).Set(float64(e.pool.ReorderBufferLen(peer)))
	if !ok {
		return
	}

	// 9. Dispatch by message type.
	e.dispatch(peer, msg)
}

func (e *Endpoint) dispatch(peer string, msg *wire.Packet) {
	switch msg.Type {
	case wire.TypeFirstConnection:
		if e.role == RoleServer && e.tasks != nil {
			for _, task := range e.tasks.GetAgentTasks(peer) {
				if err := e.Send(peer, task.Body, 0, wire.TypeSendTasks); err != nil {
					e.log.WithField("peer", peer).WithError(err).Warn("transport: failed to dispatch pending task")
				}
			}
		}
	case wire.TypeSendTasks:
		if e.role == RoleAgent && e.tasks != nil {
			e.tasks.AddTask(nms.Task{ID: peer, Body: msg.Payload})
		}
		e.onMessage(peer, msg.Type, msg.Payload)
	case wire.TypeSendMetrics:
		e.onMessage(peer, msg.Type, msg.Payload)
	case wire.TypeEOC:
		e.setLifecycle(peer, stateClosing)
		e.onMessage(peer, msg.Type, msg.Payload)
	default:
		e.onMessage(peer, msg.Type, msg.Payload)
	}
}

func (e *Endpoint) sendACK(addr *net.UDPAddr, received *wire.Packet) error {
	ack := e.codec.BuildACK(received, e.identifier, uint16(e.pool.GetLocalWindow(received.Identifier)))
	_, err := e.writeRaw(addr, ack)
	return err
}
