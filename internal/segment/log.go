package segment

import (
	"sync"
	"time"
)

// Log is a session-scoped, append-only speaking activity log. Appends are
// cheap and never validate or pair; that happens in [Consolidate].
//
// Log is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	events []Event
	now    func() time.Time
}

// NewLog returns an empty log with room for capacity events.
func NewLog(capacity int) *Log {
	return &Log{
		events: make([]Event, 0, capacity),
		now:    time.Now,
	}
}

// Record appends an event for participantID stamped with the current time.
func (l *Log) Record(participantID string, kind Kind) {
	l.Append(Event{ParticipantID: participantID, Kind: kind, At: l.now()})
}

// Append adds ev to the log. A zero At is stamped with the current time.
func (l *Log) Append(ev Event) {
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Events returns a copy of the log in arrival order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
