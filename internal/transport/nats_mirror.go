package transport

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/gitter-badger/zproc/internal/codec"
)

// NATSSubjectPrefix roots every change record published to JetStream.
// A given server instance publishes under NATSSubjectPrefix + ".<pid>".
const NATSSubjectPrefix = "zproc.changes"

// NATSMirror forwards change records to a NATS JetStream subject so
// out-of-process observers (a separate "zproc watch" invocation, a
// dashboard) can subscribe without a direct socket to the daemon.
// Publishing is fire-and-forget: a JetStream outage never blocks or fails
// a mutation, it only means the mirror falls behind.
type NATSMirror struct {
	js      nats.JetStreamContext
	subject string
}

// NewNATSMirror builds a mirror publishing to subject (typically
// NATSSubjectPrefix + "." + pid) using an already-connected JetStream
// context.
func NewNATSMirror(js nats.JetStreamContext, subject string) *NATSMirror {
	return &NATSMirror{js: js, subject: subject}
}

// Publish implements Mirror.
func (m *NATSMirror) Publish(rec codec.ChangeRecord) {
	if m == nil || m.js == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("zproc: nats mirror: marshal revision %d: %v", rec.Revision, err)
		return
	}
	if _, err := m.js.PublishAsync(m.subject, data); err != nil {
		log.Printf("zproc: nats mirror: publish to %s failed: %v", m.subject, err)
	}
}

// Subject returns the subject a subscriber should use.
func (m *NATSMirror) Subject() string {
	return m.subject
}

// SubjectForPID returns the conventional per-server subject.
func SubjectForPID(pid int) string {
	return fmt.Sprintf("%s.%d", NATSSubjectPrefix, pid)
}
