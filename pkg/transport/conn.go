package transport

import (
	"net"
	"sync"
)

// guardedConn wraps the endpoint's outgoing UDP socket in one mutex so the
// receive loop's ACKs, the retransmitter, the probe loop and the send path
// never interleave datagrams on the wire (spec.md §5).
type guardedConn struct {
	mu   sync.Mutex
	conn *net.UDPConn
}

func newGuardedConn(conn *net.UDPConn) *guardedConn {
	return &guardedConn{conn: conn}
}

func (g *guardedConn) WriteTo(b []byte, addr *net.UDPAddr) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.conn.WriteToUDP(b, addr)
	return err
}

func (g *guardedConn) Close() error {
	return g.conn.Close()
}
