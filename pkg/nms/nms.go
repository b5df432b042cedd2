// Package nms sketches the small downward-API surface the transport calls
// into (spec.md §6): a metrics sink, a task registry, and an alert sink.
// Persistence itself is an explicit external collaborator — none of the
// implementations here are normative, only the logging default the
// host processes fall back to when nothing else is wired.
package nms

import (
	"github.com/sirupsen/logrus"
)

// MetricsSink receives a peer's decoded SEND_METRICS payload.
type MetricsSink interface {
	SaveMetrics(peer string, payload map[string]any)
}

// TaskRegistry is consulted on both sides of the connection: the agent adds
// tasks it receives in SEND_TASKS, the server looks up pending tasks for a
// peer.
type TaskRegistry interface {
	AddTask(task Task)
	GetAgentTasks(peer string) []Task
}

// Task is the unit exchanged by SEND_TASKS; its body is host-defined.
type Task struct {
	ID   string
	Body []byte
}

// AlertSink receives one decoded alert message; a single AlertFlow record
// can yield several.
type AlertSink interface {
	SaveAlert(peer string, typeCode int, message string)
}

// LoggingSink is the default implementation of all three interfaces: it
// logs at Info/Warn and keeps nothing, matching the teacher's preference
// for a verbose console log over silent no-ops during development.
type LoggingSink struct {
	log *logrus.Entry
}

// NewLoggingSink returns a LoggingSink writing through log.
func NewLoggingSink(log *logrus.Entry) *LoggingSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LoggingSink{log: log}
}

func (s *LoggingSink) SaveMetrics(peer string, payload map[string]any) {
	s.log.WithFields(logrus.Fields{"peer": peer, "metrics": payload}).Info("metrics received")
}

func (s *LoggingSink) AddTask(task Task) {
	s.log.WithField("task_id", task.ID).Info("task added")
}

func (s *LoggingSink) GetAgentTasks(peer string) []Task {
	s.log.WithField("peer", peer).Debug("no pending tasks: using logging-only registry")
	return nil
}

func (s *LoggingSink) SaveAlert(peer string, typeCode int, message string) {
	s.log.WithFields(logrus.Fields{"peer": peer, "type": typeCode}).Warn(message)
}
