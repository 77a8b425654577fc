package executor

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ScheduledTask is a handle to a delayed or periodic task.
type ScheduledTask struct {
	name   string
	at     time.Time
	period time.Duration
	run    func(ctx context.Context) error

	canceled atomic.Bool
	result   *Future[struct{}]

	// index is the heap index, -1 once popped
	index int
}

// Name returns the task name.
func (t *ScheduledTask) Name() string {
	return t.name
}

// Periodic reports whether the task repeats.
func (t *ScheduledTask) Periodic() bool {
	return t.period > 0
}

// Cancel prevents future runs. A run already in progress is not interrupted.
func (t *ScheduledTask) Cancel() {
	t.canceled.Store(true)
	t.result.complete(struct{}{}, errCanceled(t.name))
}

// Canceled reports whether Cancel was called or the scheduler shut down first.
func (t *ScheduledTask) Canceled() bool {
	return t.canceled.Load()
}

// Done is closed after a one-shot task ran, or once the task is canceled.
func (t *ScheduledTask) Done() <-chan struct{} {
	return t.result.Done()
}

// Wait blocks until Done and returns the run error, if any.
func (t *ScheduledTask) Wait() error {
	_, err := t.result.Wait()
	return err
}

// timerHeap orders scheduled tasks by due time.
type timerHeap []*ScheduledTask

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*ScheduledTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue hands due tasks to a dispatch function from a single goroutine.
type timerQueue struct {
	mu    sync.Mutex
	heap  timerHeap
	notif chan struct{}
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	dispatch func(t *ScheduledTask)
}

func newTimerQueue(dispatch func(t *ScheduledTask)) *timerQueue {
	q := &timerQueue{
		heap:     make(timerHeap, 0, 16),
		notif:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		dispatch: dispatch,
	}
	go q.loop()
	return q
}

func (q *timerQueue) push(t *ScheduledTask) {
	q.mu.Lock()
	heap.Push(&q.heap, t)
	q.mu.Unlock()

	select {
	case q.notif <- struct{}{}:
	default:
	}
}

// popDue removes every task due at now, skipping canceled ones.
func (q *timerQueue) popDue(now time.Time) []*ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*ScheduledTask
	for len(q.heap) > 0 && !q.heap[0].at.After(now) {
		t := heap.Pop(&q.heap).(*ScheduledTask)
		if !t.canceled.Load() {
			due = append(due, t)
		}
	}
	return due
}

func (q *timerQueue) next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].at, true
}

func (q *timerQueue) loop() {
	defer close(q.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, t := range q.popDue(time.Now()) {
			q.dispatch(t)
			if t.period > 0 && !t.canceled.Load() {
				t.at = t.at.Add(t.period)
				q.push(t)
			}
		}

		wait := time.Hour
		if at, ok := q.next(); ok {
			wait = time.Until(at)
			if wait < 0 {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-q.stop:
			return
		case <-q.notif:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
	}
}

// close stops the loop and cancels every pending task.
func (q *timerQueue) close() {
	q.once.Do(func() { close(q.stop) })
	<-q.done

	q.mu.Lock()
	pending := q.heap
	q.heap = nil
	q.mu.Unlock()

	for _, t := range pending {
		t.Cancel()
	}
}
