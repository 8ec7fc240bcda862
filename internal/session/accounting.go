package session

import (
	"sync"
	"time"
)

// ConsumptionEvent attributes one computed volume to a subject.
type ConsumptionEvent struct {
	SubjectID string    `json:"subjectId"`
	VolumeML  float64   `json:"volumeML"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsumptionSink receives volume events for the active subject. Aggregation
// into daily intake and goals lives outside this core.
type ConsumptionSink interface {
	Record(ev ConsumptionEvent)
}

// ConsumptionLog is an in-memory ConsumptionSink keeping the most recent
// events, used by the dashboard and by tests. Real deployments forward to the
// cloud profile store instead.
type ConsumptionLog struct {
	mu     sync.Mutex
	max    int
	events []ConsumptionEvent
}

func NewConsumptionLog(max int) *ConsumptionLog {
	if max <= 0 {
		max = 256
	}
	return &ConsumptionLog{max: max}
}

func (l *ConsumptionLog) Record(ev ConsumptionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
}

// Recent returns up to n most recent events, newest last.
func (l *ConsumptionLog) Recent(n int) []ConsumptionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]ConsumptionEvent, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

var _ ConsumptionSink = (*ConsumptionLog)(nil)
