package transport

import "context"

// DefaultEventLogSize is the event retention cap of the in-memory log.
const DefaultEventLogSize = 1000

// Event is one buffered outbound message. IDs are assigned by the owning
// Transport, strictly increasing from 1, and are never reused within a
// transport's lifetime.
type Event struct {
	ID   int64
	Data []byte
}

// EventLog is the bounded, ordered event buffer backing a Transport's SSE
// replay. Append is called with ids in strictly increasing order (the
// Transport serializes callers); implementations evict the oldest entries
// once their retention cap is reached. After returns the retained events
// with id greater than the cursor, in ascending id order.
type EventLog interface {
	Append(ctx context.Context, ev Event) error
	After(ctx context.Context, id int64) ([]Event, error)
}

// memoryLog is the canonical EventLog: a FIFO ring capped at max entries.
type memoryLog struct {
	events []Event
	max    int
}

func newMemoryLog(max int) *memoryLog {
	if max <= 0 {
		max = DefaultEventLogSize
	}
	return &memoryLog{max: max}
}

func (l *memoryLog) Append(_ context.Context, ev Event) error {
	if len(l.events) >= l.max {
		n := copy(l.events, l.events[1:])
		l.events = l.events[:n]
	}
	l.events = append(l.events, ev)
	return nil
}

func (l *memoryLog) After(_ context.Context, id int64) ([]Event, error) {
	// Events are stored in ascending id order; find the first id > cursor.
	idx := len(l.events)
	for i, ev := range l.events {
		if ev.ID > id {
			idx = i
			break
		}
	}
	if idx == len(l.events) {
		return nil, nil
	}
	out := make([]Event, len(l.events)-idx)
	copy(out, l.events[idx:])
	return out, nil
}
