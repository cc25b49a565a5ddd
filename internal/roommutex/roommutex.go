// Package roommutex provides the per-room single-writer discipline the
// ingress pipeline depends on: a process-wide lock sharded by room_id
// rather than a single process-wide mutex, so unrelated rooms proceed in
// parallel while a given room's forward extremities and state
// computations are only ever touched by one writer at a time.
package roommutex

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locks hands out per-room write locks and bounded admission queues.
type Locks struct {
	mu         sync.Mutex
	rooms      map[string]*roomState
	queueDepth int64
}

type roomState struct {
	writer *semaphore.Weighted // weight 1: the room's single-writer lock
	queue  *semaphore.Weighted // weight queueDepth+1: the writer plus waiting callers
}

// New returns a Locks whose per-room admission queue holds at most
// queueDepth waiting callers (limits.ingress_queue_per_room).
func New(queueDepth int) *Locks {
	return &Locks{rooms: make(map[string]*roomState), queueDepth: int64(queueDepth)}
}

func (l *Locks) stateFor(roomID string) *roomState {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs, ok := l.rooms[roomID]
	if !ok {
		rs = &roomState{
			writer: semaphore.NewWeighted(1),
			queue:  semaphore.NewWeighted(l.queueDepth + 1),
		}
		l.rooms[roomID] = rs
	}
	return rs
}

// ErrQueueFull is returned by Acquire when a room's bounded admission queue
// is already full; callers surface this as a retryable Overloaded error.
var ErrQueueFull = errFull{}

type errFull struct{}

func (errFull) Error() string { return "roommutex: per-room ingress queue is full" }

// Release unlocks the room's writer lock and frees the admission slot
// acquired by a successful Acquire.
type Release func()

// Acquire blocks until the caller holds the write lock for roomID, returns
// ErrQueueFull immediately if the room's admission queue has no room, or
// returns ctx.Err() if the context is cancelled while waiting for the
// writer lock itself. The returned Release must be called exactly once,
// after the caller reaches a safe suspension point or finishes.
func Acquire(ctx context.Context, l *Locks, roomID string) (Release, error) {
	rs := l.stateFor(roomID)
	if !rs.queue.TryAcquire(1) {
		return nil, ErrQueueFull
	}
	if err := rs.writer.Acquire(ctx, 1); err != nil {
		rs.queue.Release(1)
		return nil, err
	}
	return func() {
		rs.writer.Release(1)
		rs.queue.Release(1)
	}, nil
}
