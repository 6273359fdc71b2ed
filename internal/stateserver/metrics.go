package stateserver

import "sync/atomic"

// Metrics are plain atomic counters, mirroring the daemon-style metrics
// this server is modeled on: cheap to update from any connection
// goroutine, read without locking for status/health reporting.
type Metrics struct {
	requests      atomic.Int64
	errors        atomic.Int64
	droppedEvents atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordRequest()       { m.requests.Add(1) }
func (m *Metrics) RecordError()         { m.errors.Add(1) }
func (m *Metrics) RecordDroppedEvent()  { m.droppedEvents.Add(1) }

// Snapshot is a point-in-time read of every counter, served as JSON by
// zprocd's /healthz endpoint.
type Snapshot struct {
	Requests      int64 `json:"requests"`
	Errors        int64 `json:"errors"`
	DroppedEvents int64 `json:"dropped_events"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Requests:      m.requests.Load(),
		Errors:        m.errors.Load(),
		DroppedEvents: m.droppedEvents.Load(),
	}
}
