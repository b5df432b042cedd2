// Package alertflow implements the TCP-level framing for critical alerts
// described in spec.md §4.8: one record per connection, no retry, no
// length prefix — the connection close delimits the record. It sits
// alongside NetTask rather than depending on it.
package alertflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/nettask/nettaskd/pkg/metrics"
	"github.com/nettask/nettaskd/pkg/nms"
	"github.com/nettask/nettaskd/pkg/wire"
)

// Send dials addr, writes one AlertFlow record carrying payload, and
// closes. No retry is performed — alerts are best-effort.
func Send(addr, identifier string, payload json.RawMessage) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	encoded, err := wire.EncodeAlertRecord(&wire.AlertRecord{
		Identifier: identifier,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	_, err = conn.Write(encoded)
	return err
}

// Alert type codes, matching original_source/protocol/alert_flow.py's
// AlertFlow class constants.
const (
	alertCPUUsage       = 0
	alertRAMUsage       = 1
	alertInterfaceStats = 2
	alertPacketLoss     = 3
	alertJitter         = 4
)

// usageAlert covers CPU/RAM/packet-loss/jitter alerts, which all share the
// same {value, alert_condition} shape keyed by a type-specific field name.
type usageAlert struct {
	CPUUsage       any    `json:"cpu_usage,omitempty"`
	RAMUsage       any    `json:"ram_usage,omitempty"`
	PacketLoss     any    `json:"packet_loss,omitempty"`
	Jitter         any    `json:"jitter,omitempty"`
	AlertCondition string `json:"alert_condition"`
}

// interfaceAlert is one entry of an INTERFACE_STATS alert, which carries a
// list of per-interface readings instead of a single value.
type interfaceAlert struct {
	Interface      string `json:"interface"`
	InterfaceStats any    `json:"interface_stats"`
	AlertCondition string `json:"alert_condition"`
}

// decodeAlertMessages turns one alert-type entry of an AlertFlow record's
// JSON payload into the one or more human messages it represents (an
// INTERFACE_STATS entry carries a message per interface).
func decodeAlertMessages(typeCode int, raw json.RawMessage) ([]string, error) {
	switch typeCode {
	case alertCPUUsage:
		var a usageAlert
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("CPU usage %v. Alert condition: %s", a.CPUUsage, a.AlertCondition)}, nil
	case alertRAMUsage:
		var a usageAlert
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("RAM usage %v. Alert condition: %s", a.RAMUsage, a.AlertCondition)}, nil
	case alertPacketLoss:
		var a usageAlert
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("Packet loss %v. Alert condition: %s", a.PacketLoss, a.AlertCondition)}, nil
	case alertJitter:
		var a usageAlert
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("Jitter %v. Alert condition: %s", a.Jitter, a.AlertCondition)}, nil
	case alertInterfaceStats:
		var interfaces []interfaceAlert
		if err := json.Unmarshal(raw, &interfaces); err != nil {
			return nil, err
		}
		messages := make([]string, 0, len(interfaces))
		for _, iface := range interfaces {
			messages = append(messages, fmt.Sprintf(
				"Interface %s received %v packets. Alert condition: %s",
				iface.Interface, iface.InterfaceStats, iface.AlertCondition))
		}
		return messages, nil
	default:
		return nil, fmt.Errorf("alertflow: unknown alert type %d", typeCode)
	}
}

// Listener accepts AlertFlow connections and dispatches decoded records to
// an nms.AlertSink, grounded on the teacher's accept-loop shape in
// source/server/server.go (one goroutine per connection).
type Listener struct {
	ln      net.Listener
	sink    nms.AlertSink
	metrics *metrics.Registry
	log     *logrus.Entry
}

// Serve starts accepting AlertFlow connections on listenAddr. It blocks
// until the listener is closed.
func Serve(listenAddr string, sink nms.AlertSink, reg *metrics.Registry, log *logrus.Entry) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	if reg == nil {
		reg = metrics.New(nil)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Listener{ln: ln, sink: sink, metrics: reg, log: log}
	return l.acceptLoop()
}

func (l *Listener) acceptLoop() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()

	rec, err := wire.ReadAlertRecord(conn)
	if err != nil {
		if !errors.Is(err, wire.ErrVersionMismatch) {
			l.log.WithError(err).Warn("alertflow: malformed record, dropping")
			return
		}
		l.log.WithField("peer", rec.Identifier).WithError(err).Warn("alertflow: version mismatch, continuing")
	}

	// A record's payload is a dict keyed by alert-type code, each value
	// shaped per that type (original_source/nms_server/tcp.py:78-116); a
	// single record can carry several distinct alerts at once, and an
	// INTERFACE_STATS entry itself expands to one message per interface.
	var alerts map[string]json.RawMessage
	if err := json.Unmarshal(rec.Payload, &alerts); err != nil {
		l.log.WithError(err).Warn("alertflow: payload is not a well-formed alert map, dropping")
		return
	}
	l.metrics.AlertsAccepted.Inc()

	for key, raw := range alerts {
		typeCode, err := strconv.Atoi(key)
		if err != nil {
			l.log.WithField("key", key).Warn("alertflow: non-numeric alert type key, skipping")
			continue
		}
		messages, err := decodeAlertMessages(typeCode, raw)
		if err != nil {
			l.log.WithField("peer", rec.Identifier).WithError(err).Warn("alertflow: unparseable alert entry, skipping")
			continue
		}
		for _, message := range messages {
			if l.sink != nil {
				l.sink.SaveAlert(rec.Identifier, typeCode, message)
			}
			l.log.WithFields(logrus.Fields{"peer": rec.Identifier, "type": typeCode}).Warn(message)
		}
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
