package events

import (
	"context"
	"fmt"
)

// On registers a typed listener for events of type E that never cancels.
func On[E any](b *Bus, modID string, priority Priority, fn func(ctx context.Context, event E) error) (ListenerID, error) {
	return b.RegisterListener(modID, TypeOf[E](), priority, typed(func(ctx context.Context, event E) (Outcome, error) {
		return Proceed, fn(ctx, event)
	}))
}

// OnCancelable registers a typed listener for events of type E that may
// veto the action behind the event by returning Canceled.
func OnCancelable[E any](b *Bus, modID string, priority Priority, fn func(ctx context.Context, event E) (Outcome, error)) (ListenerID, error) {
	return b.RegisterListener(modID, TypeOf[E](), priority, typed(fn))
}

// Typed adapts a typed handler to Listener.
func Typed[E any](fn func(ctx context.Context, event E) (Outcome, error)) Listener {
	return typed(fn)
}

func typed[E any](fn func(ctx context.Context, event E) (Outcome, error)) ListenerFunc {
	return func(ctx context.Context, event any) (Outcome, error) {
		e, ok := event.(E)
		if !ok {
			return Proceed, fmt.Errorf("listener expects %s, got %T", TypeOf[E](), event)
		}
		return fn(ctx, e)
	}
}
