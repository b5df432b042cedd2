package pool

import (
	"math/rand"
	"testing"
	"time"

	"github.com/nettask/nettaskd/pkg/wire"
	"github.com/stretchr/testify/require"
)

func buildFragments(t *testing.T, payload []byte) []*wire.Packet {
	t.Helper()
	codec := wire.NewCodec(wire.DefaultMTU)
	packets, _ := codec.Build(payload, 10000, 0, wire.TypeSendMetrics, "agent-1", 64)
	return packets
}

func TestReassemblyAnyArrivalOrderYieldsSamePayload(t *testing.T) {
	codec := wire.NewCodec(wire.DefaultMTU)
	payload := make([]byte, 4*(wire.DefaultMTU-wire.HeaderSize)+1)
	for i := range payload {
		payload[i] = byte(i)
	}
	packets, _ := codec.Build(payload, 10000, 0, wire.TypeSendMetrics, "agent-1", 64)
	require.Len(t, packets, 5)

	orders := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 0, 4, 1, 3},
	}

	for _, order := range orders {
		p := New(64)
		p.AddPeer("agent-1", nil)

		var reassembled *wire.Packet
		for _, idx := range order {
			if !p.AdmitReceived("agent-1", packets[idx].Seq) {
				continue
			}
			if msg, ok := p.ReorderAdmit("agent-1", packets[idx]); ok {
				reassembled = msg
			}
		}

		require.NotNil(t, reassembled, "order %v must complete the message", order)
		require.Equal(t, payload, reassembled.Payload)
	}
}

func TestReassemblyShuffled(t *testing.T) {
	packets := buildFragments(t, make([]byte, 5000))
	idx := rand.Perm(len(packets))

	p := New(64)
	p.AddPeer("agent-1", nil)

	var reassembled *wire.Packet
	for _, i := range idx {
		if msg, ok := p.ReorderAdmit("agent-1", packets[i]); ok {
			reassembled = msg
		}
	}
	require.NotNil(t, reassembled)
	require.Len(t, reassembled.Payload, 5000)
}

func TestReassemblySinglePacketReturnsImmediately(t *testing.T) {
	codec := wire.NewCodec(wire.DefaultMTU)
	packets, _ := codec.Build([]byte("hi"), 1, 0, wire.TypeSendMetrics, "a", 64)
	require.Len(t, packets, 1)

	p := New(64)
	p.AddPeer("a", nil)

	msg, ok := p.ReorderAdmit("a", packets[0])
	require.True(t, ok)
	require.Equal(t, []byte("hi"), msg.Payload)
}

func TestReassemblyWaitsForMissingFragment(t *testing.T) {
	packets := buildFragments(t, make([]byte, 5000))
	p := New(64)
	p.AddPeer("agent-1", nil)

	for i, pkt := range packets {
		if i == len(packets)-1 {
			continue // withhold the final fragment
		}
		_, ok := p.ReorderAdmit("agent-1", pkt)
		require.False(t, ok)
	}

	msg, ok := p.ReorderAdmit("agent-1", packets[len(packets)-1])
	require.True(t, ok)
	require.Len(t, msg.Payload, 5000)
}

func TestReorderBufferLenTracksPendingFragments(t *testing.T) {
	packets := buildFragments(t, make([]byte, 5000))
	p := New(64)
	p.AddPeer("agent-1", nil)

	for i, pkt := range packets {
		if i == len(packets)-1 {
			require.Equal(t, len(packets)-1, p.ReorderBufferLen("agent-1"))
			continue
		}
		p.ReorderAdmit("agent-1", pkt)
	}
	p.ReorderAdmit("agent-1", packets[len(packets)-1])
	require.Zero(t, p.ReorderBufferLen("agent-1"), "completed message must clear the reorder buffer")
}

func TestDuplicateFragmentOneUpwardDelivery(t *testing.T) {
	codec := wire.NewCodec(wire.DefaultMTU)
	packets, _ := codec.Build([]byte("single"), 42, 0, wire.TypeSendMetrics, "a", 64)

	p := New(64)
	p.AddPeer("a", nil)

	first := p.AdmitReceived("a", 42)
	second := p.AdmitReceived("a", 42)
	require.True(t, first)
	require.False(t, second, "duplicate sequence must be rejected by AdmitReceived")

	deliveries := 0
	if _, ok := p.ReorderAdmit("a", packets[0]); ok {
		deliveries++
	}
	require.Equal(t, 1, deliveries)
}

func TestUnackedRemovalByMsgIDFallback(t *testing.T) {
	codec := wire.NewCodec(wire.DefaultMTU)
	packets, _ := codec.Build([]byte("x"), 7, 0, wire.TypeSendMetrics, "a", 64)

	p := New(64)
	p.AddPeer("a", nil)
	p.AddUnacked("a", packets[0])

	// Simulate a retransmission under a fresh sequence number: the
	// original entry stays keyed by 7, but the retransmitter records that
	// it was last re-sent as msg_id 99.
	retransmitted, _ := codec.Build([]byte("x"), 99, wire.FlagRetransmission, wire.TypeSendMetrics, "a", 64)
	require.EqualValues(t, 99, retransmitted[0].MsgID)
	p.MarkRetransmitted("a", 7, retransmitted[0].MsgID)

	ok := p.RemoveUnacked("a", 99)
	require.True(t, ok, "ACK for the retransmitted seq must still clear the original entry")
	require.Empty(t, p.ListUnacked("a"))
}

func TestRemoveUnackedExactMatchTakesPriority(t *testing.T) {
	codec := wire.NewCodec(wire.DefaultMTU)
	packets, _ := codec.Build([]byte("x"), 7, 0, wire.TypeSendMetrics, "a", 64)

	p := New(64)
	p.AddPeer("a", nil)
	p.AddUnacked("a", packets[0])

	ok := p.RemoveUnacked("a", 7)
	require.True(t, ok)
	require.Empty(t, p.ListUnacked("a"))
}

func TestLocalWindowNeverNegative(t *testing.T) {
	p := New(2)
	p.AddPeer("a", nil)

	for i := uint16(0); i < 10; i++ {
		pkt := &wire.Packet{Seq: i, MsgID: i, Identifier: "a"}
		p.ReorderAdmit("a", pkt)
	}
	require.GreaterOrEqual(t, p.GetLocalWindow("a"), 0)
}

func TestSeqCounterMutators(t *testing.T) {
	p := New(64)
	p.AddPeer("a", nil)
	require.EqualValues(t, 1, p.NextSeq("a"), "next_seq starts at 1")

	p.SetNextSeq("a", 10)
	require.EqualValues(t, 10, p.NextSeq("a"))

	require.EqualValues(t, 11, p.IncNextSeq("a"))
	require.EqualValues(t, 11, p.NextSeq("a"))
}

func TestAddPeerIdempotent(t *testing.T) {
	p := New(64)
	ps1 := p.AddPeer("a", nil)
	ps1.NextSeq = 42
	ps2 := p.AddPeer("a", nil)
	require.EqualValues(t, 42, ps2.NextSeq, "re-adding an existing peer must not reset its state")
}

func TestSweepReorderBuffersDropsOnlyStaleGroups(t *testing.T) {
	p := New(64)
	p.AddPeer("a", nil)

	stale := &wire.Packet{Seq: 1, MsgID: 1, Identifier: "a", Flags: wire.FlagMoreFragments}
	_, done := p.ReorderAdmit("a", stale)
	require.False(t, done, "first fragment of a two-fragment message must wait for its sibling")

	time.Sleep(5 * time.Millisecond)

	fresh := &wire.Packet{Seq: 100, MsgID: 100, Identifier: "a", Flags: wire.FlagMoreFragments}
	_, done = p.ReorderAdmit("a", fresh)
	require.False(t, done)

	require.Equal(t, 2, p.ReorderBufferLen("a"))

	dropped := p.SweepReorderBuffers(2 * time.Millisecond)
	require.Equal(t, 1, dropped["a"], "only the group older than ttl should be dropped")
	require.Equal(t, 1, p.ReorderBufferLen("a"), "the fresh fragment must survive the sweep")
}
