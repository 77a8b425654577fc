package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/executor"
)

type turnStarted struct {
	Turn int
}

type tileReplaced struct {
	ID string
}

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	opts = append([]Option{WithExecutorConfig(executor.Config{
		GeneralWorkers:   2,
		IOWorkers:        2,
		ScheduledWorkers: 1,
		ShutdownTimeout:  time.Second,
	})}, opts...)
	b := NewBus(opts...)
	t.Cleanup(func() {
		_ = b.Shutdown(context.Background())
	})
	return b
}

// recorder collects listener calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) listener(name string) func(context.Context, turnStarted) error {
	return func(context.Context, turnStarted) error {
		r.add(name)
		return nil
	}
}

func equalCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected calls %v, got %v", want, got)
		}
	}
}

func TestPriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"high", PriorityHigh, false},
		{"NORMAL", PriorityNormal, false},
		{"", PriorityNormal, false},
		{" low ", PriorityLow, false},
		{"urgent", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePriority(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParsePriority(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}

	if Canceled.Merge(Proceed) != Canceled || Proceed.Merge(Proceed) != Proceed {
		t.Error("Outcome.Merge should let any cancel win")
	}
}

func TestDispatch_PriorityOrder(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}

	// Registered out of order on purpose.
	mustOn(t, b, "m", PriorityLow, rec.listener("low"))
	mustOn(t, b, "m", PriorityNormal, rec.listener("normal-1"))
	mustOn(t, b, "m", PriorityHigh, rec.listener("high"))
	mustOn(t, b, "m", PriorityNormal, rec.listener("normal-2"))

	outcome, err := b.Dispatch(context.Background(), turnStarted{Turn: 1})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome != Proceed {
		t.Errorf("Expected proceed, got %s", outcome)
	}
	equalCalls(t, rec.get(), []string{"high", "normal-1", "normal-2", "low"})
}

func TestDispatch_OnlyMatchingType(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	mustOn(t, b, "m", PriorityNormal, rec.listener("turn"))

	if _, err := b.Dispatch(context.Background(), tileReplaced{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if len(rec.get()) != 0 {
		t.Errorf("Listener for another type was called: %v", rec.get())
	}

	// Pointer and value types are distinct keys.
	if _, err := b.Dispatch(context.Background(), &turnStarted{}); err != nil {
		t.Fatal(err)
	}
	if len(rec.get()) != 0 {
		t.Errorf("Value listener received a pointer event: %v", rec.get())
	}
}

func TestDispatch_IsolatesFailures(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}

	mustOn(t, b, "bad", PriorityHigh, func(context.Context, turnStarted) error {
		return errors.New("boom")
	})
	mustOn(t, b, "worse", PriorityHigh, func(context.Context, turnStarted) error {
		panic("kaboom")
	})
	mustOn(t, b, "good", PriorityLow, rec.listener("good"))

	outcome, err := b.Dispatch(context.Background(), turnStarted{})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if outcome != Proceed {
		t.Errorf("Failed listeners should not cancel, got %s", outcome)
	}
	equalCalls(t, rec.get(), []string{"good"})
}

func TestDispatch_CancelAggregates(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}

	if _, err := OnCancelable(b, "guard", PriorityHigh, func(context.Context, tileReplaced) (Outcome, error) {
		rec.add("guard")
		return Canceled, nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := OnCancelable(b, "other", PriorityLow, func(context.Context, tileReplaced) (Outcome, error) {
		rec.add("other")
		return Proceed, nil
	}); err != nil {
		t.Fatal(err)
	}

	outcome, err := b.Dispatch(context.Background(), tileReplaced{ID: "grass"})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Canceled {
		t.Errorf("Expected canceled, got %s", outcome)
	}
	equalCalls(t, rec.get(), []string{"guard", "other"})
}

func TestUnregister(t *testing.T) {
	t.Run("single listener", func(t *testing.T) {
		b := newTestBus(t)
		rec := &recorder{}
		id := mustOn(t, b, "m", PriorityNormal, rec.listener("a"))
		mustOn(t, b, "m", PriorityNormal, rec.listener("b"))

		ok, err := b.UnregisterListener("other", TypeOf[turnStarted](), id)
		if err != nil || ok {
			t.Fatalf("Unregistering under another mod should fail, got %v %v", ok, err)
		}
		ok, err = b.UnregisterListener("m", TypeOf[turnStarted](), id)
		if err != nil || !ok {
			t.Fatalf("UnregisterListener() = %v, %v", ok, err)
		}

		_, _ = b.Dispatch(context.Background(), turnStarted{})
		equalCalls(t, rec.get(), []string{"b"})
	})

	t.Run("whole mod", func(t *testing.T) {
		b := newTestBus(t)
		rec := &recorder{}
		mustOn(t, b, "a", PriorityHigh, rec.listener("a-turn"))
		mustOn(t, b, "b", PriorityNormal, rec.listener("b-turn"))
		if _, err := On(b, "a", PriorityNormal, func(context.Context, tileReplaced) error {
			rec.add("a-tile")
			return nil
		}); err != nil {
			t.Fatal(err)
		}

		n, err := b.UnregisterMod("a")
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("Expected 2 listeners removed, got %d", n)
		}

		_, _ = b.Dispatch(context.Background(), turnStarted{})
		_, _ = b.Dispatch(context.Background(), tileReplaced{})
		equalCalls(t, rec.get(), []string{"b-turn"})
		if b.ListenerCount() != 1 {
			t.Errorf("Expected 1 remaining listener, got %d", b.ListenerCount())
		}
	})

	t.Run("during dispatch", func(t *testing.T) {
		b := newTestBus(t)
		rec := &recorder{}
		mustOn(t, b, "first", PriorityHigh, func(context.Context, turnStarted) error {
			rec.add("first")
			_, err := b.UnregisterMod("second")
			return err
		})
		mustOn(t, b, "second", PriorityLow, rec.listener("second"))

		// The running dispatch keeps its snapshot; the next one does not see "second".
		_, _ = b.Dispatch(context.Background(), turnStarted{})
		_, _ = b.Dispatch(context.Background(), turnStarted{})
		equalCalls(t, rec.get(), []string{"first", "second", "first"})
	})
}

func TestDispatchAsync_PreservesOrder(t *testing.T) {
	b := newTestBus(t)
	rec := &recorder{}
	mustOn(t, b, "m", PriorityLow, rec.listener("low"))
	mustOn(t, b, "m", PriorityHigh, rec.listener("high"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := b.DispatchAsync(context.Background(), turnStarted{}).Await(ctx)
	if err != nil {
		t.Fatalf("DispatchAsync() error = %v", err)
	}
	if outcome != Proceed {
		t.Errorf("Expected proceed, got %s", outcome)
	}
	equalCalls(t, rec.get(), []string{"high", "low"})
}

func TestDispatchOnMainThread_FIFO(t *testing.T) {
	b := newTestBus(t)
	var got []int
	mustOn(t, b, "m", PriorityNormal, func(_ context.Context, e turnStarted) error {
		got = append(got, e.Turn)
		return nil
	})

	for i := 1; i <= 3; i++ {
		if err := b.DispatchOnMainThread(turnStarted{Turn: i}); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != 0 {
		t.Fatal("Main thread events must wait for a drain")
	}
	if b.PendingMainThread() != 3 {
		t.Errorf("Expected 3 pending events, got %d", b.PendingMainThread())
	}

	n, err := b.DrainMainThread(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("Expected [1 2 3] from 3 deliveries, got %v from %d", got, n)
	}
}

func TestDrainMainThread_CanceledContextRequeues(t *testing.T) {
	b := newTestBus(t)
	_ = b.DispatchOnMainThread(turnStarted{Turn: 1})
	_ = b.DispatchOnMainThread(turnStarted{Turn: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := b.DrainMainThread(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if n != 0 || b.PendingMainThread() != 2 {
		t.Errorf("Expected nothing delivered and 2 pending, got %d delivered, %d pending", n, b.PendingMainThread())
	}
}

func TestShutdown(t *testing.T) {
	t.Run("operations fail afterwards", func(t *testing.T) {
		b := newTestBus(t)
		if err := b.Shutdown(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := b.Shutdown(context.Background()); err != nil {
			t.Errorf("Second Shutdown() should be a no-op, got %v", err)
		}
		if !b.IsShutdown() {
			t.Error("Expected IsShutdown() to be true")
		}

		_, err := b.Dispatch(context.Background(), turnStarted{})
		if !engine.IsState(err) || engine.CodeOf(err) != engine.ErrCodeShutdown {
			t.Errorf("Expected shutdown state error from Dispatch, got %v", err)
		}
		if _, err := On(b, "m", PriorityNormal, func(context.Context, turnStarted) error { return nil }); !engine.IsState(err) {
			t.Errorf("Expected state error from On, got %v", err)
		}
		if _, err := b.DispatchAsync(context.Background(), turnStarted{}).Wait(); !engine.IsState(err) {
			t.Errorf("Expected state error from DispatchAsync, got %v", err)
		}
		if err := b.DispatchOnMainThread(turnStarted{}); !engine.IsState(err) {
			t.Errorf("Expected state error from DispatchOnMainThread, got %v", err)
		}
		if _, err := b.UnregisterMod("m"); !engine.IsState(err) {
			t.Errorf("Expected state error from UnregisterMod, got %v", err)
		}
	})

	t.Run("owned executor is released", func(t *testing.T) {
		b := newTestBus(t)
		_ = b.Shutdown(context.Background())
		if !b.Executor().IsShutdown() {
			t.Error("Expected owned executor to be shut down")
		}
	})

	t.Run("injected executor is left running", func(t *testing.T) {
		svc := executor.NewService(executor.Config{GeneralWorkers: 1, IOWorkers: 1, ScheduledWorkers: 1}, testLogger())
		defer svc.Shutdown(context.Background())

		b := NewBus(WithExecutor(svc))
		_ = b.Shutdown(context.Background())
		if svc.IsShutdown() {
			t.Error("Injected executor must not be shut down by the bus")
		}
	})
}

func mustOn(t *testing.T, b *Bus, modID string, p Priority, fn func(context.Context, turnStarted) error) ListenerID {
	t.Helper()
	id, err := On(b, modID, p, fn)
	if err != nil {
		t.Fatalf("On() error = %v", err)
	}
	return id
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
