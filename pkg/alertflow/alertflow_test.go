package alertflow

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nettask/nettaskd/pkg/metrics"
)

type recording struct {
	peer     string
	typeCode int
	message  string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []recording
	done  chan struct{}
}

func newRecordingSink(expect int) *recordingSink {
	return &recordingSink{done: make(chan struct{}, expect)}
}

func (s *recordingSink) SaveAlert(peer string, typeCode int, message string) {
	s.mu.Lock()
	s.calls = append(s.calls, recording{peer, typeCode, message})
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recordingSink) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.done:
		case <-time.After(time.Second):
			t.Fatalf("sink received only %d/%d expected calls", i, n)
		}
	}
}

func startListener(t *testing.T, sink *recordingSink) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	go func() {
		_ = Serve(addr, sink, metrics.New(nil), nil)
	}()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond, "alertflow listener never came up")
	return addr
}

func TestSendAndServeRoundTrip(t *testing.T) {
	sink := newRecordingSink(1)
	addr := startListener(t, sink)

	payload, err := json.Marshal(map[string]any{
		"3": map[string]any{"packet_loss": "12%", "alert_condition": "threshold exceeded"},
	})
	require.NoError(t, err)

	require.NoError(t, Send(addr, "agent-7", payload))
	sink.waitFor(t, 1)

	require.Equal(t, "agent-7", sink.calls[0].peer)
	require.Equal(t, 3, sink.calls[0].typeCode)
	require.Contains(t, sink.calls[0].message, "Packet loss 12%")
	require.Contains(t, sink.calls[0].message, "threshold exceeded")
}

func TestRecordWithMultipleAlertTypesDeliversOnePerEntry(t *testing.T) {
	sink := newRecordingSink(2)
	addr := startListener(t, sink)

	payload, err := json.Marshal(map[string]any{
		"0": map[string]any{"cpu_usage": "95%", "alert_condition": "above threshold"},
		"1": map[string]any{"ram_usage": "80%", "alert_condition": "above threshold"},
	})
	require.NoError(t, err)

	require.NoError(t, Send(addr, "agent-8", payload))
	sink.waitFor(t, 2)

	seen := map[int]string{}
	for _, c := range sink.calls {
		seen[c.typeCode] = c.message
	}
	require.Contains(t, seen[0], "CPU usage 95%")
	require.Contains(t, seen[1], "RAM usage 80%")
}

func TestInterfaceStatsAlertExpandsToOneMessagePerInterface(t *testing.T) {
	sink := newRecordingSink(2)
	addr := startListener(t, sink)

	payload, err := json.Marshal(map[string]any{
		"2": []map[string]any{
			{"interface": "eth0", "interface_stats": 120, "alert_condition": "packet rate exceeded"},
			{"interface": "eth1", "interface_stats": 340, "alert_condition": "packet rate exceeded"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, Send(addr, "agent-9", payload))
	sink.waitFor(t, 2)

	var messages []string
	for _, c := range sink.calls {
		require.Equal(t, 2, c.typeCode)
		messages = append(messages, c.message)
	}
	require.Contains(t, messages[0]+messages[1], "eth0")
	require.Contains(t, messages[0]+messages[1], "eth1")
}
