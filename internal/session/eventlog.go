package session

import (
	"encoding/json"
	"sync"
	"time"
)

// EventKind distinguishes forwarded wire frames from synthetic notices.
type EventKind int

const (
	KindFrame EventKind = iota
	KindNotice
)

// Event is one display-layer entry: either an opaque main-channel frame or a
// synthetic system notice produced by the controller.
type Event struct {
	// ID is a stable identifier for synthetic notices so re-delivery never
	// duplicates them. Frames carry no ID and always append.
	ID   string
	Kind EventKind
	Raw  json.RawMessage
	Text string
	Time time.Time
}

// EventLog is the ordered display log. Entries with a stable ID are
// idempotent: appending the same ID twice records it once.
type EventLog struct {
	mu      sync.Mutex
	events  []Event
	seen    map[string]struct{}
	onEvent func(Event)
}

// NewEventLog creates a log; onEvent (optional) fires once per recorded entry.
func NewEventLog(onEvent func(Event)) *EventLog {
	return &EventLog{
		seen:    make(map[string]struct{}),
		onEvent: onEvent,
	}
}

// Append records an event. Duplicate stable IDs are dropped.
func (l *EventLog) Append(ev Event) {
	l.mu.Lock()
	if ev.ID != "" {
		if _, dup := l.seen[ev.ID]; dup {
			l.mu.Unlock()
			return
		}
		l.seen[ev.ID] = struct{}{}
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	l.events = append(l.events, ev)
	handler := l.onEvent
	l.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
}

// Events returns a copy of the log in arrival order.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of recorded events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
