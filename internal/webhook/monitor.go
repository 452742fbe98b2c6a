package webhook

import (
	"sync"
	"time"
)

const DefaultMonitorCapacity = 100

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeError     Outcome = "error"
)

// Delivery is one inbound request as seen by operators.
type Delivery struct {
	ReceivedAt time.Time `json:"received_at"`
	EventID    string    `json:"event_id,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Test       bool      `json:"test,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

// Monitor keeps the last N deliveries in memory for inspection. It is not
// consulted for deduplication.
type Monitor struct {
	mu    sync.Mutex
	buf   []Delivery
	next  int
	count int
	total map[Outcome]int
}

func NewMonitor(capacity int) *Monitor {
	if capacity <= 0 {
		capacity = DefaultMonitorCapacity
	}
	return &Monitor{buf: make([]Delivery, capacity), total: map[Outcome]int{}}
}

func (m *Monitor) Record(d Delivery) {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf[m.next] = d
	m.next = (m.next + 1) % len(m.buf)
	if m.count < len(m.buf) {
		m.count++
	}
	m.total[d.Outcome]++
}

// Recent returns up to limit deliveries, newest first. A non-positive
// limit returns everything retained.
func (m *Monitor) Recent(limit int) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > m.count {
		limit = m.count
	}
	out := make([]Delivery, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.buf)) % len(m.buf)
		out = append(out, m.buf[idx])
	}
	return out
}

// Totals counts every delivery since start by outcome, including those
// already evicted from the window.
func (m *Monitor) Totals() map[Outcome]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Outcome]int, len(m.total))
	for k, v := range m.total {
		out[k] = v
	}
	return out
}
