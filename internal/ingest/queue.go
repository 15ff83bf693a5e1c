package ingest

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// gpsQueueCap bounds how many plain GPS fixes may wait in a driver's queue:
// fixes arrive far more often than the ingest worker can usefully act on
// them, so the oldest waiting fix is dropped once the bound is exceeded.
// Completion events are never subject to this bound.
const gpsQueueCap = 3

// driverQueue buffers events for one driver between a concurrent Submit and
// the driver's single consumer goroutine, which is what gives ingest its
// per-driver ordering guarantee without serialising unrelated drivers.
// Events live in one arrival-ordered slice: a completion frame queued after
// a plain GPS frame is processed after it, so LastGPS always converges on
// the newest coordinate rather than whichever event kind drained first.
type driverQueue struct {
	mu      sync.Mutex
	events  []Event
	signal  chan struct{}
	started bool
}

func newDriverQueue() *driverQueue {
	return &driverQueue{signal: make(chan struct{}, 1)}
}

func (q *driverQueue) push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	if ev.CompletedStopID == "" {
		// Coalesce: once more than gpsQueueCap plain fixes are waiting,
		// drop the oldest one. Completions keep their slot regardless.
		waiting := 0
		for _, e := range q.events {
			if e.CompletedStopID == "" {
				waiting++
			}
		}
		if waiting > gpsQueueCap {
			for i, e := range q.events {
				if e.CompletedStopID == "" {
					q.events = append(q.events[:i], q.events[i+1:]...)
					break
				}
			}
		}
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop returns the oldest queued event, or ok=false if the queue is empty.
func (q *driverQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// Submit enqueues ev for driver-ordered processing, starting that driver's
// consumer goroutine on first use. It never blocks the caller.
func (w *Worker) Submit(ctx context.Context, ev Event) {
	value, _ := w.queues.LoadOrStore(ev.DriverID, newDriverQueue())
	q := value.(*driverQueue)

	q.mu.Lock()
	needsStart := !q.started
	q.started = true
	q.mu.Unlock()

	q.push(ev)

	if needsStart {
		go w.drain(ctx, ev.DriverID, q)
	}
}

func (w *Worker) drain(ctx context.Context, driverID string, q *driverQueue) {
	for range q.signal {
		for {
			ev, ok := q.pop()
			if !ok {
				break
			}
			if err := w.Process(ctx, ev); err != nil {
				w.logger.Warn("ingest event processing failed",
					zap.String("driver_id", driverID), zap.Error(err))
			}
		}
	}
}
