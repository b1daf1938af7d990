package alerts

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert kinds
const (
	KindReadOnly      = "read_only"
	KindResumed       = "resumed"
	KindRollover      = "day_rollover"
	KindIndeterminate = "indeterminate"
	KindReconciled    = "reconciled"
	KindPositionOpen  = "position_opened"
	KindPositionClose = "position_closed"
	KindFeedDown      = "feed_down"
)

// Alert is one operator notification.
type Alert struct {
	Kind      string            `json:"kind"`
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers alerts. Implementations must not block the caller.
type Notifier interface {
	Notify(a Alert)
}

// LogNotifier writes alerts to the structured log. It is the sink when Slack
// is not configured.
type LogNotifier struct{}

func (LogNotifier) Notify(a Alert) {
	kv := map[string]any{"kind": a.Kind, "severity": string(a.Severity), "title": a.Title}
	for k, v := range a.Fields {
		kv["field_"+k] = v
	}
	observ.Log("alert", kv)
}

// Multi fans an alert out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(a Alert) {
	for _, n := range m {
		if n != nil {
			n.Notify(a)
		}
	}
}

// Memory keeps alerts in memory, for tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	alerts []Alert
}

func (m *Memory) Notify(a Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
}

// Alerts returns a copy of everything received so far.
func (m *Memory) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// Kinds lists the received alert kinds in order.
func (m *Memory) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.alerts))
	for i, a := range m.alerts {
		out[i] = a.Kind
	}
	return out
}
