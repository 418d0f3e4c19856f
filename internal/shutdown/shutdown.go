// Package shutdown coordinates the termination of a recording session.
//
// A Coordinator moves RUNNING → STOPPING → STOPPED exactly once. Any number
// of triggers (signal, recording deadline, control message, I/O failure) may
// fire concurrently; the first one wins and the rest are no-ops.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultGrace is how long a graceful stop may take to drain before the
// queue is forcibly shut down.
const DefaultGrace = 5 * time.Second

// State is the lifecycle state of a session.
type State int32

const (
	Running State = iota
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Stop reasons used by the session.
const (
	ReasonSignal    = "signal"
	ReasonDeadline  = "deadline"
	ReasonControl   = "control"
	ReasonEOF       = "end of input"
	ReasonCancelled = "cancelled"
)

// ErrStopped is the context cause after a graceful stop.
var ErrStopped = errors.New("shutdown: session stopped")

// Queue is the part of the session queue the coordinator needs.
type Queue interface {
	Shutdown()
}

// Options configure a Coordinator.
type Options struct {
	// Grace bounds a graceful drain; zero selects DefaultGrace.
	Grace time.Duration
	Log   *slog.Logger
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Coordinator owns the liveness flag, the session context and the
// recording deadline.
type Coordinator struct {
	log   *slog.Logger
	queue Queue
	grace time.Duration
	now   func() time.Time

	state  atomic.Int32
	alive  atomic.Bool
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu     sync.Mutex
	reason string
	err    error
	timer  *time.Timer

	dl      sync.Mutex
	start   time.Time
	total   time.Duration
	finite  bool
	changed chan struct{}
}

// New creates a running Coordinator that shuts q down when stopping. The
// recording is indefinite until SetDeadline is called.
func New(q Queue, opts Options) *Coordinator {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Coordinator{
		log:     log.With("component", "shutdown"),
		queue:   q,
		grace:   opts.Grace,
		now:     opts.Now,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		changed: make(chan struct{}, 1),
		start:   opts.Now(),
	}
	c.alive.Store(true)
	return c
}

// Context is cancelled when the session leaves RUNNING.
func (c *Coordinator) Context() context.Context { return c.ctx }

// Alive reports whether the session is still RUNNING.
func (c *Coordinator) Alive() bool { return c.alive.Load() }

// State returns the lifecycle state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Stop begins a graceful stop: the liveness flag drops, the context is
// cancelled so acquisition enqueues the end marker, and the queue is shut
// down if the drain has not finished within the grace period. It returns
// false if the session was already stopping.
func (c *Coordinator) Stop(reason string) bool {
	if !c.transition(reason, nil) {
		return false
	}
	c.mu.Lock()
	c.timer = time.AfterFunc(c.grace, func() {
		c.log.Warn("drain exceeded grace period, shutting queue down", "grace", c.grace)
		c.queue.Shutdown()
	})
	c.mu.Unlock()
	return true
}

// Abort stops immediately because of err: the queue is shut down at once
// and every blocked goroutine wakes. It returns false if the session was
// already stopping; an abort during a graceful stop still shuts the queue
// down.
func (c *Coordinator) Abort(err error) bool {
	if err == nil {
		err = errors.New("shutdown: aborted")
	}
	won := c.transition("error", err)
	if !won {
		c.log.Debug("abort after stop", "error", err)
	}
	c.queue.Shutdown()
	return won
}

func (c *Coordinator) transition(reason string, err error) bool {
	if !c.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return false
	}
	c.alive.Store(false)
	c.mu.Lock()
	c.reason = reason
	c.err = err
	c.mu.Unlock()

	cause := err
	if cause == nil {
		cause = ErrStopped
	}
	c.cancel(cause)
	if err != nil {
		c.log.Error("session aborting", "error", err)
	} else {
		c.log.Info("session stopping", "reason", reason)
	}
	return true
}

// MarkStopped records that every session goroutine has exited.
func (c *Coordinator) MarkStopped() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	if c.state.Swap(int32(Stopped)) == int32(Stopped) {
		return
	}
	c.alive.Store(false)
	c.cancel(ErrStopped)
	close(c.done)
	c.log.Debug("session stopped", "reason", c.Reason())
}

// Done is closed once MarkStopped has been called.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Reason returns what triggered the stop, or "" while running.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Err returns the abort error, nil after a graceful stop.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
