package events

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Priority is the delivery tier of a listener. Higher tiers run first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the three tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// ParsePriority parses "high", "normal" or "low". Empty input yields normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown listener priority %q", s)
	}
}

// Outcome is what a listener decides about a cancelable event.
type Outcome int

const (
	// Proceed lets the action behind the event go ahead.
	Proceed Outcome = iota
	// Canceled vetoes the action behind the event.
	Canceled
)

// String returns "proceed" or "canceled".
func (o Outcome) String() string {
	if o == Canceled {
		return "canceled"
	}
	return "proceed"
}

// Merge combines two outcomes; any cancel wins.
func (o Outcome) Merge(other Outcome) Outcome {
	if o == Canceled || other == Canceled {
		return Canceled
	}
	return Proceed
}

// Listener receives events of the type it was registered for.
type Listener interface {
	HandleEvent(ctx context.Context, event any) (Outcome, error)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event any) (Outcome, error)

// HandleEvent calls f.
func (f ListenerFunc) HandleEvent(ctx context.Context, event any) (Outcome, error) {
	return f(ctx, event)
}

// ListenerID identifies one registration on a bus.
type ListenerID uint64

// TypeOf returns the event type key for E.
func TypeOf[E any]() reflect.Type {
	return reflect.TypeFor[E]()
}

// entry is one registered listener.
type entry struct {
	id        ListenerID
	modID     string
	eventType reflect.Type
	priority  Priority
	listener  Listener
}

// ListenerInfo describes a registration for inspection.
type ListenerInfo struct {
	ID        ListenerID
	ModID     string
	EventType reflect.Type
	Priority  Priority
}
