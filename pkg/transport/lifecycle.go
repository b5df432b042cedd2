package transport

import "time"

type lifecycleState int

const (
	stateUnseen lifecycleState = iota
	stateConnected
	stateClosing
	stateClosed
)

// setLifecycle transitions peer per spec.md §4.7. UNSEEN and CONNECTED are
// implicit in whether pool.Peer(peer) exists; only CLOSING needs its own
// bookkeeping, since closerLoop must know when the CLOSING period began to
// enforce EOCAckTimeout.
func (e *Endpoint) setLifecycle(peer string, state lifecycleState) {
	switch state {
	case stateClosing:
		e.closingMu.Lock()
		if _, already := e.closing[peer]; !already {
			e.closing[peer] = time.Now()
		}
		e.closingMu.Unlock()
	case stateConnected:
		e.closingMu.Lock()
		delete(e.closing, peer)
		e.closingMu.Unlock()
	}
}

// closerLoop periodically promotes CLOSING peers to CLOSED: once their
// unacked buffer drains, or EOCAckTimeout elapses, whichever comes first
// (spec.md §4.7).
func (e *Endpoint) closerLoop() {
	defer e.wg.Done()
	for e.sleepOrShutdown(100 * time.Millisecond) {
		e.closeOnce()
	}
}

func (e *Endpoint) closeOnce() {
	e.closingMu.Lock()
	snapshot := make(map[string]time.Time, len(e.closing))
	for peer, since := range e.closing {
		snapshot[peer] = since
	}
	e.closingMu.Unlock()

	for peer, since := range snapshot {
		drained := len(e.pool.ListUnacked(peer)) == 0
		timedOut := time.Since(since) > e.cfg.EOCAckTimeout
		if !drained && !timedOut {
			continue
		}

		outcome := "drained"
		if timedOut && !drained {
			outcome = "timed_out"
			e.log.WithField("peer", peer).Warn("transport: EOC drain timed out, forcing close")
		}
		e.metrics.EOCDrainOutcomes.WithLabelValues(outcome).Inc()

		e.closingMu.Lock()
		delete(e.closing, peer)
		e.closingMu.Unlock()
		e.pool.RemovePeer(peer)
	}
}
