package health

import (
	"sync"
	"time"
)

// Part names a piece of recipientd whose health is tracked
type Part string

const (
	PartStore  Part = "store"
	PartNATS   Part = "nats"
	PartCache  Part = "cache"
	PartWarmup Part = "warmup"
)

// awaiting is the message of a required part that has not reported yet
const awaiting = "awaiting first report"

// Monitor keeps the latest Status of each Part. Safe for concurrent use.
type Monitor struct {
	mu    sync.RWMutex
	parts map[Part]Status
	now   func() time.Time
}

// NewMonitor creates a monitor. Required parts count as degraded until they
// first report, so readiness is not claimed before they start.
func NewMonitor(required ...Part) *Monitor {
	m := &Monitor{
		parts: make(map[Part]Status, len(required)),
		now:   time.Now,
	}
	for _, p := range required {
		m.parts[p] = NewDegraded(string(p), awaiting)
	}
	return m
}

// Set records status for part. The status is renamed after the part and
// stamped when it carries no timestamp.
func (m *Monitor) Set(part Part, status Status) {
	status.Component = string(part)
	if status.Timestamp.IsZero() {
		status.Timestamp = m.now()
	}

	m.mu.Lock()
	m.parts[part] = status
	m.mu.Unlock()
}

// Healthy marks part healthy
func (m *Monitor) Healthy(part Part, message string) {
	m.Set(part, NewHealthy(string(part), message))
}

// Degraded marks part degraded
func (m *Monitor) Degraded(part Part, message string) {
	m.Set(part, NewDegraded(string(part), message))
}

// Unhealthy marks part unhealthy
func (m *Monitor) Unhealthy(part Part, message string) {
	m.Set(part, NewUnhealthy(string(part), message))
}

// Report marks part healthy with okMessage when err is nil, otherwise
// unhealthy with the sanitized error text.
func (m *Monitor) Report(part Part, err error, okMessage string) {
	m.Set(part, FromError(string(part), err, okMessage))
}

// Get returns the last status recorded for part
func (m *Monitor) Get(part Part) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.parts[part]
	return status, ok
}

// Overall aggregates every part under the system name
func (m *Monitor) Overall(system string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.parts))
	for _, s := range m.parts {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	return Aggregate(system, subs)
}
