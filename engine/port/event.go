package port

import (
	"gitlab.com/gomidi/midi/v2"
)

// Event is a short MIDI message at a frame offset within the cycle. It is a
// fixed-size value so event lists never allocate.
type Event struct {
	Frame uint32
	Data  [3]byte
	Len   uint8
}

// NewEvent copies up to three bytes of msg into an event.
func NewEvent(frame uint32, msg []byte) Event {
	e := Event{Frame: frame}
	e.Len = uint8(copy(e.Data[:], msg))
	return e
}

// Message returns the event bytes as a gomidi message. The result aliases
// the event, so it must not outlive it.
func (e *Event) Message() midi.Message {
	return midi.Message(e.Data[:e.Len])
}

// Equal reports whether two events carry the same bytes at the same frame.
func (e Event) Equal(o Event) bool {
	return e.Frame == o.Frame && e.Len == o.Len && e.Data == o.Data
}

// EventList is a fixed-capacity list of events kept sorted by frame.
// Events with equal frames keep their insertion order.
type EventList struct {
	events  []Event
	dropped uint64
}

// NewEventList creates a list holding at most capacity events.
func NewEventList(capacity int) *EventList {
	return &EventList{events: make([]Event, 0, capacity)}
}

func (l *EventList) Len() int { return len(l.events) }
func (l *EventList) Cap() int { return cap(l.events) }

// At returns the i-th event.
func (l *EventList) At(i int) *Event { return &l.events[i] }

// All returns the events in frame order. The slice is only valid until the
// list changes.
func (l *EventList) All() []Event { return l.events }

// Dropped returns how many events were rejected because the list was full.
func (l *EventList) Dropped() uint64 { return l.dropped }

// Clear removes every event.
func (l *EventList) Clear() {
	l.events = l.events[:0]
}

// upperBound returns the index of the first event with Frame > frame.
func (l *EventList) upperBound(frame uint32) int {
	lo, hi := 0, len(l.events)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if l.events[mid].Frame <= frame {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// lowerBound returns the index of the first event with Frame >= frame.
func (l *EventList) lowerBound(frame uint32) int {
	lo, hi := 0, len(l.events)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if l.events[mid].Frame < frame {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Add inserts e in frame order. It returns false and counts a drop when the
// list is full.
func (l *EventList) Add(e Event) bool {
	n := len(l.events)
	if n == cap(l.events) {
		l.dropped++
		return false
	}
	i := l.upperBound(e.Frame)
	l.events = l.events[:n+1]
	copy(l.events[i+1:], l.events[i:n])
	l.events[i] = e
	return true
}

// Contains reports whether an equal event is already present.
func (l *EventList) Contains(e Event) bool {
	for i := l.lowerBound(e.Frame); i < len(l.events) && l.events[i].Frame == e.Frame; i++ {
		if l.events[i].Equal(e) {
			return true
		}
	}
	return false
}

// Range returns the events with start <= Frame < end.
func (l *EventList) Range(start, end uint32) []Event {
	if end <= start {
		return nil
	}
	return l.events[l.lowerBound(start):l.lowerBound(end)]
}

// RemoveRange deletes the events with start <= Frame < end.
func (l *EventList) RemoveRange(start, end uint32) {
	if end <= start {
		return
	}
	lo, hi := l.lowerBound(start), l.lowerBound(end)
	if lo == hi {
		return
	}
	n := copy(l.events[lo:], l.events[hi:])
	l.events = l.events[:lo+n]
}
