// Package events implements the runtime's priority event bus.
//
// Listeners register for a concrete event type and a priority tier. An
// event is delivered to the listeners of its runtime type, HIGH before
// NORMAL before LOW, and in registration order within a tier:
//
//	events.On(bus, "core", events.PriorityHigh, func(ctx context.Context, e TurnStarted) error {
//		return nil
//	})
//	outcome, err := bus.Dispatch(ctx, TurnStarted{Turn: 3})
//
// Three dispatch modes exist. Dispatch delivers on the calling goroutine.
// DispatchAsync hands the same loop to the general executor pool and
// returns a future. DispatchOnMainThread queues the event until the owning
// loop calls DrainMainThread.
//
// Cancelable events are modeled as an Outcome returned by each listener.
// Delivery never stops early on a cancel; the dispatch reports Canceled when
// any listener canceled. A listener error or panic is logged with its mod
// id and counts as Proceed.
package events
