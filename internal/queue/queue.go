// Package queue provides the bounded FIFO that decouples stream acquisition
// from the consumer that descrambles, filters and writes it.
//
// A Queue holds at most Cap items. Producers block while it is full and the
// consumer blocks while it is empty; fullness is backpressure, never an
// error. A single end-of-stream marker terminates the sequence: once the
// consumer has seen it (as io.EOF) nothing else is ever dequeued. Shutdown
// turns every blocking wait into a prompt failure so teardown cannot
// deadlock.
package queue

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrShutdown is returned by every blocking operation once Shutdown
	// has been called.
	ErrShutdown = errors.New("queue: shut down")
	// ErrClosed is returned by Enqueue after the end marker was enqueued and
	// by Dequeue after the end marker was delivered.
	ErrClosed = errors.New("queue: closed")
)

// Queue is a bounded FIFO of chunks. It is safe for any number of producers;
// Release and WaitIdle assume a single consumer.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	idle     *sync.Cond

	// ring buffer; a nil entry is the end marker
	items []*Chunk
	head  int
	count int

	enqueued    uint64 // items ever enqueued, marker included
	released    uint64 // items consumed and released, marker included
	outstanding int    // dequeued chunks not yet released

	endQueued    bool
	endDelivered bool
	shutdown     bool
}

// New creates an empty queue holding at most capacity items.
func New(capacity int) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue: capacity must be positive, got %d", capacity)
	}
	q := &Queue{items: make([]*Chunk, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	q.idle = sync.NewCond(&q.mu)
	return q, nil
}

// Enqueue appends c at the tail, blocking while the queue is full.
// Ownership of c passes to the queue.
func (q *Queue) Enqueue(c *Chunk) error {
	if c == nil {
		return errors.New("queue: nil chunk")
	}
	return q.push(c)
}

// EnqueueEnd appends the end-of-stream marker. It blocks like Enqueue and
// may be called once; later calls return ErrClosed.
func (q *Queue) EnqueueEnd() error {
	return q.push(nil)
}

func (q *Queue) push(c *Chunk) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.shutdown {
			return ErrShutdown
		}
		if q.endQueued {
			return ErrClosed
		}
		if q.count < len(q.items) {
			break
		}
		q.notFull.Wait()
	}

	q.items[(q.head+q.count)%len(q.items)] = c
	q.count++
	q.enqueued++
	if c == nil {
		q.endQueued = true
	}
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes and returns the head chunk, blocking while the queue is
// empty. When the head is the end marker it returns io.EOF, exactly once;
// afterwards it returns ErrClosed without blocking.
//
// The caller owns the returned chunk and must call Release once it has been
// fully processed.
func (q *Queue) Dequeue() (*Chunk, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.shutdown {
			return nil, ErrShutdown
		}
		if q.endDelivered {
			return nil, ErrClosed
		}
		if q.count > 0 {
			break
		}
		q.notEmpty.Wait()
	}

	c := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.notFull.Signal()

	if c == nil {
		q.endDelivered = true
		q.released++
		q.idle.Broadcast()
		return nil, io.EOF
	}
	q.outstanding++
	return c, nil
}

// Release marks the most recently dequeued chunk as processed. Calling it
// without an outstanding chunk is a no-op.
func (q *Queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.outstanding == 0 {
		return
	}
	q.outstanding--
	q.released++
	q.idle.Broadcast()
}

// WaitIdle blocks until every item enqueued before the call has been
// dequeued and released. It returns ErrShutdown if the queue is shut down
// while waiting.
func (q *Queue) WaitIdle() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	target := q.enqueued
	for q.released < target {
		if q.shutdown {
			return ErrShutdown
		}
		q.idle.Wait()
	}
	if q.shutdown {
		return ErrShutdown
	}
	return nil
}

// Shutdown wakes every blocked producer, consumer and idle waiter. Queued
// chunks stay in place but can no longer be reached. It is idempotent.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		return
	}
	q.shutdown = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.idle.Broadcast()
}

// Len reports the number of queued items, end marker included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// InFlight reports queued items plus dequeued chunks not yet released.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count + q.outstanding
}

// Cap reports the capacity fixed at creation.
func (q *Queue) Cap() int { return len(q.items) }
