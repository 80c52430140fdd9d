// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package turnproto

import (
	"fmt"
	"time"
)

// EventKind tags the Event variant.
type EventKind uint8

const (
	EventAck EventKind = iota + 1
	EventStatus
	EventPosition
	EventComment
	EventGeneric
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ACK"
	case EventStatus:
		return "STATUS"
	case EventPosition:
		return "POSITION"
	case EventComment:
		return "COMMENT"
	case EventGeneric:
		return "GENERIC"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is an inbound event delivered to consumers of the protocol engine.
// Only the fields belonging to Kind are meaningful.
type Event struct {
	Kind      EventKind
	Counter   uint8  // EventStatus
	Value     int32  // EventPosition
	Text      string // EventComment, trailing text of EventGeneric
	Code      byte   // EventGeneric
	Err       error  // EventError
	Timestamp time.Time
}

// AckEvent creates an acknowledgment event.
func AckEvent() Event { return Event{Kind: EventAck, Timestamp: time.Now()} }

// GenericEvent creates a generic single-byte reply event.
func GenericEvent(code byte) Event {
	return Event{Kind: EventGeneric, Code: code, Timestamp: time.Now()}
}

// ErrorEvent creates an error event carrying err.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err, Timestamp: time.Now()}
}

// IsArrival reports whether the event is an arrival notice.
func (e Event) IsArrival() bool {
	return e.Kind == EventGeneric && e.Code == OpArrived
}

func (e Event) String() string {
	switch e.Kind {
	case EventStatus:
		return fmt.Sprintf("STATUS counter=%d", e.Counter)
	case EventPosition:
		return fmt.Sprintf("POSITION steps=%d", e.Value)
	case EventComment:
		return fmt.Sprintf("COMMENT %q", e.Text)
	case EventGeneric:
		return fmt.Sprintf("GENERIC %s (%q)", FormatReplyCode(e.Code), e.Code)
	case EventError:
		return fmt.Sprintf("ERROR %v", e.Err)
	default:
		return e.Kind.String()
	}
}

// EventFromFrame maps a decoded frame to its inbound event.
func EventFromFrame(f Frame) (Event, error) {
	ev := Event{Timestamp: f.Timestamp}

	switch f.Opcode {
	case OpStatus:
		counter, ok := f.Counter()
		if !ok {
			return Event{}, fmt.Errorf("status frame: payload length %d", len(f.Payload))
		}
		ev.Kind = EventStatus
		ev.Counter = counter

	case OpPosReply:
		value, ok := f.Position()
		if !ok {
			return Event{}, fmt.Errorf("position frame: payload length %d", len(f.Payload))
		}
		ev.Kind = EventPosition
		ev.Value = value

	case OpComment:
		ev.Kind = EventComment
		ev.Text = f.Text()

	case OpAck:
		ev.Kind = EventAck

	default:
		ev.Kind = EventGeneric
		ev.Code = f.Opcode
		ev.Text = f.Text()
	}

	return ev, nil
}
