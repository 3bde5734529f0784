// Package webhook stores webhook registrations and delivers signed call
// lifecycle events to them.
package webhook

import (
	"errors"
	"fmt"
	"strings"
)

// Event is a call lifecycle event type.
type Event string

const (
	EventToolCall    Event = "tool.call"
	EventToolSuccess Event = "tool.success"
	EventToolError   Event = "tool.error"
)

// ErrUnknownEvent is returned by Trigger for event types outside the
// lifecycle set.
var ErrUnknownEvent = errors.New("webhook: unknown event type")

// Events lists the supported lifecycle events in emission order.
func Events() []Event {
	return []Event{EventToolCall, EventToolSuccess, EventToolError}
}

// Valid reports whether e is a supported event.
func (e Event) Valid() bool {
	switch e {
	case EventToolCall, EventToolSuccess, EventToolError:
		return true
	default:
		return false
	}
}

// ParseEvent validates a textual event type.
func ParseEvent(raw string) (Event, error) {
	e := Event(strings.TrimSpace(raw))
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, raw)
	}
	return e, nil
}
