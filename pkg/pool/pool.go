// Package pool holds the per-peer endpoint state shared between a NetTask
// endpoint's receive loop, send path, retransmitter and window-probe
// worker: sequence counters, the unacked buffer, the reorder buffer, the
// duplicate-detection set and the peer/local window advertisements.
//
// Every exported method takes Pool's single mutex, matching the source
// protocol's single-lock discipline (one threading.Lock guarding the whole
// pool) rather than a lock per peer — operations here are short and
// non-blocking, so contention is not a concern at NetTask's scale.
package pool

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/nettask/nettaskd/pkg/wire"
)

// bitmapWords covers the full 16-bit sequence space (65536 bits) so
// duplicate detection needs no wraparound policy: every sequence number has
// exactly one bit, for the lifetime of the peer.
const bitmapWords = 1 << 16 / 64

type seqBitmap [bitmapWords]uint64

func (b *seqBitmap) test(seq uint16) bool {
	return b[seq/64]&(1<<(seq%64)) != 0
}

func (b *seqBitmap) set(seq uint16) {
	b[seq/64] |= 1 << (seq % 64)
}

type reorderKey struct {
	msgID uint16
	seq   uint16
}

// reorderEntry pairs a held fragment with the time it was admitted, so a
// ReassemblyTTL sweep can find fragment groups that have waited too long
// for their missing siblings (spec.md §9 point 3).
type reorderEntry struct {
	pkt        *wire.Packet
	admittedAt time.Time
}

// PeerState is one peer's sliding-window endpoint state.
type PeerState struct {
	NextSeq     uint16
	Unacked     map[uint16]*wire.Packet
	reorder     map[reorderKey]reorderEntry
	received    seqBitmap
	PeerWindow  uint16
	LocalWindow int
	Addr        *net.UDPAddr // server-side only: last observed datagram source
}

func newPeerState(localWindowCap int) *PeerState {
	return &PeerState{
		NextSeq:     1,
		Unacked:     make(map[uint16]*wire.Packet),
		reorder:     make(map[reorderKey]reorderEntry),
		PeerWindow:  InitialWindowSize,
		LocalWindow: localWindowCap,
	}
}

// InitialWindowSize is the window advertisement assumed for a peer before
// any datagram from it has been observed.
const InitialWindowSize = 64

// Pool is the shared, mutable peer table. The zero value is not usable;
// construct with New.
type Pool struct {
	mu             sync.Mutex
	peers          map[string]*PeerState
	localWindowCap int
}

// New returns a Pool whose local reorder-buffer capacity (advertised as
// window_size to peers) is localWindowCap.
func New(localWindowCap int) *Pool {
	if localWindowCap <= 0 {
		localWindowCap = InitialWindowSize
	}
	return &Pool{
		peers:          make(map[string]*PeerState),
		localWindowCap: localWindowCap,
	}
}

// AddPeer creates peer state for id if absent (binding addr, which may be
// nil on the agent side where there is a single logical peer: the server)
// and returns it. Calling AddPeer again for an existing peer is a no-op
// that just returns the existing state — FIRST_CONNECTION retransmissions
// must not reset an in-progress session.
func (p *Pool) AddPeer(id string, addr *net.UDPAddr) *PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ps, ok := p.peers[id]; ok {
		if addr != nil {
			ps.Addr = addr
		}
		return ps
	}
	ps := newPeerState(p.localWindowCap)
	ps.Addr = addr
	p.peers[id] = ps
	return ps
}

// RemovePeer destroys all state for id.
func (p *Pool) RemovePeer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, id)
}

// Peer returns the peer's state, if any.
func (p *Pool) Peer(id string) (*PeerState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.peers[id]
	return ps, ok
}

// ListPeers returns a snapshot of every known peer's last observed address.
func (p *Pool) ListPeers() map[string]*net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*net.UDPAddr, len(p.peers))
	for id, ps := range p.peers {
		out[id] = ps.Addr
	}
	return out
}

// NextSeq returns the peer's current next_seq without advancing it.
func (p *Pool) NextSeq(id string) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.peers[id]; ok {
		return ps.NextSeq
	}
	return 1
}

// SetNextSeq commits a new next_seq, as the send path does after Codec.Build
// reports how many fragments it consumed.
func (p *Pool) SetNextSeq(id string, seq uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.peers[id]; ok {
		ps.NextSeq = seq
	}
}

// IncNextSeq advances the peer's next_seq by one and returns the new value.
func (p *Pool) IncNextSeq(id string) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.peers[id]
	if !ok {
		return 1
	}
	ps.NextSeq++
	return ps.NextSeq
}

// AddUnacked records pkt as in-flight, keyed by its own seq_number.
func (p *Pool) AddUnacked(id string, pkt *wire.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.peers[id]
	if !ok {
		return
	}
	ps.Unacked[pkt.Seq] = pkt
}

// RemoveUnacked clears the unacked entry matching seq. If no exact
// seq_number match exists, it falls back to matching by msg_id: a
// retransmission is re-sent under a fresh seq_number while the original
// unacked entry stays keyed by the sequence it was first sent under (see
// DESIGN.md, Open Question 1), so the ACK — which carries the
// retransmission's fresh seq_number as both seq_number and msg_id — would
// otherwise never clear the original entry.
func (p *Pool) RemoveUnacked(id string, seq uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.peers[id]
	if !ok {
		return false
	}
	if _, ok := ps.Unacked[seq]; ok {
		delete(ps.Unacked, seq)
		return true
	}
	for k, pkt := range ps.Unacked {
		if pkt.MsgID == seq {
			delete(ps.Unacked, k)
			return true
		}
	}
	return false
}

// MarkRetransmitted updates the in-flight entry originally sent under seq
// to record the msg_id it was most recently re-sent under, without
// changing its map key. RemoveUnacked's msg_id fallback relies on this: the
// ACK that follows a retransmission carries the retransmission's fresh
// seq_number as both seq_number and msg_id, not the original seq_number, so
// the original entry must expose that fresh value to be found.
func (p *Pool) MarkRetransmitted(id string, seq uint16, newMsgID uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.peers[id]
	if !ok {
		return
	}
	pkt, ok := ps.Unacked[seq]
	if !ok {
		return
	}
	updated := *pkt
	updated.MsgID = newMsgID
	ps.Unacked[seq] = &updated
}

// ListUnacked returns a snapshot of a peer's in-flight packets.
func (p *Pool) ListUnacked(id string) []*wire.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.peers[id]
	if !ok {
		return nil
	}
	out := make([]*wire.Packet, 0, len(ps.Unacked))
	for _, pkt := range ps.Unacked {
		out = append(out, pkt)
	}
	return out
}

// CountUnackedAll sums the in-flight packet count across every peer.
func (p *Pool) CountUnackedAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, ps := range p.peers {
		total += len(ps.Unacked)
	}
	return total
}

// AdmitReceived records seq as delivered for id, returning true the first
// time it is seen and false on any later duplicate.
func (p *Pool) AdmitReceived(id string, seq uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.peers[id]
	if !ok {
		return false
	}
	if ps.received.test(seq) {
		return false
	}
	ps.received.set(seq)
	return true
}

// GetPeerWindow returns the last window_size the peer advertised.
func (p *Pool) GetPeerWindow(id string) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.peers[id]; ok {
		return ps.PeerWindow
	}
	return 0
}

// SetPeerWindow records a fresh window_size advertisement from the peer.
func (p *Pool) SetPeerWindow(id string, window uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.peers[id]; ok {
		ps.PeerWindow = window
	}
}

// GetLocalWindow returns the free slots this pool advertises to id.
func (p *Pool) GetLocalWindow(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.peers[id]; ok {
		return ps.LocalWindow
	}
	return p.localWindowCap
}

// ReorderBufferLen reports how many fragments are currently held in id's
// reorder buffer, awaiting the rest of their message. Observability only.
func (p *Pool) ReorderBufferLen(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.peers[id]; ok {
		return len(ps.reorder)
	}
	return 0
}

// SweepReorderBuffers drops any fragment group whose oldest member has sat
// in the reorder buffer longer than ttl, across every peer, returning how
// many fragments were dropped per peer (for logging/metrics; spec.md §9
// point 3). Reclaimed fragments return their local_window credit. A ttl of
// zero is the caller's responsibility to avoid calling with.
func (p *Pool) SweepReorderBuffers(ttl time.Duration) map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	dropped := make(map[string]int)

	for id, ps := range p.peers {
		stale := make(map[uint16]bool)
		for k, entry := range ps.reorder {
			if entry.admittedAt.Before(cutoff) {
				stale[k.msgID] = true
			}
		}
		if len(stale) == 0 {
			continue
		}
		for k := range ps.reorder {
			if !stale[k.msgID] {
				continue
			}
			delete(ps.reorder, k)
			dropped[id]++
			ps.LocalWindow++
		}
		if ps.LocalWindow > p.localWindowCap {
			ps.LocalWindow = p.localWindowCap
		}
	}
	return dropped
}

// ReorderAdmit implements the §4.2 reassembly contract: admit fragment pkt
// into the peer's reorder buffer, and if it completes its message (every
// sequence from msg_id to the MORE_FRAGMENTS=0 fragment is present), return
// the reassembled packet and remove the fragments. Otherwise return
// (nil, false) to wait for the remaining fragments.
func (p *Pool) ReorderAdmit(id string, pkt *wire.Packet) (*wire.Packet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.peers[id]
	if !ok {
		return nil, false
	}

	ps.reorder[reorderKey{msgID: pkt.MsgID, seq: pkt.Seq}] = reorderEntry{pkt: pkt, admittedAt: time.Now()}
	if ps.LocalWindow > 0 {
		ps.LocalWindow--
	}

	var group []*wire.Packet
	var last *wire.Packet
	for k, entry := range ps.reorder {
		if k.msgID != pkt.MsgID {
			continue
		}
		group = append(group, entry.pkt)
		if !entry.pkt.Flags.Has(wire.FlagMoreFragments) {
			last = entry.pkt
		}
	}
	if last == nil {
		return nil, false
	}

	for seq := pkt.MsgID; seq <= last.Seq; seq++ {
		if _, present := ps.reorder[reorderKey{msgID: pkt.MsgID, seq: seq}]; !present {
			return nil, false
		}
	}

	sort.Slice(group, func(i, j int) bool { return group[i].Seq < group[j].Seq })

	var payload []byte
	for _, frag := range group {
		payload = append(payload, frag.Payload...)
	}

	for _, frag := range group {
		delete(ps.reorder, reorderKey{msgID: pkt.MsgID, seq: frag.Seq})
	}
	ps.LocalWindow += len(group)
	if ps.LocalWindow > p.localWindowCap {
		ps.LocalWindow = p.localWindowCap
	}

	first := group[0]
	reassembled := &wire.Packet{
		Version:    first.Version,
		Seq:        first.Seq,
		Flags:      first.Flags &^ wire.FlagMoreFragments,
		Type:       first.Type,
		Window:     first.Window,
		MsgID:      first.MsgID,
		Identifier: first.Identifier,
		Payload:    payload,
	}
	return reassembled, true
}
