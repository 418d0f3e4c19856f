package shutdown

import (
	"context"
	"time"
)

// SetDeadline restarts the recording clock at start with duration d.
func (c *Coordinator) SetDeadline(start time.Time, d time.Duration) {
	c.dl.Lock()
	c.start, c.total, c.finite = start, d, true
	c.dl.Unlock()
	c.notify()
}

// SetIndefinite restarts the clock at start with no deadline.
func (c *Coordinator) SetIndefinite(start time.Time) {
	c.dl.Lock()
	c.start, c.total, c.finite = start, 0, false
	c.dl.Unlock()
	c.notify()
}

// Extend lengthens a finite recording by d, or shortens it when d is
// negative. An indefinite recording is unaffected.
func (c *Coordinator) Extend(d time.Duration) {
	c.dl.Lock()
	finite := c.finite
	if finite {
		c.total += d
	}
	total := c.total
	c.dl.Unlock()

	if !finite {
		c.log.Info("extend ignored for indefinite recording", "extend", d)
		return
	}
	c.log.Info("recording extended", "extend", d, "total", total)
	c.notify()
}

// SetTotal sets the total duration measured from the recording start. If
// that much time has already elapsed the session stops.
func (c *Coordinator) SetTotal(d time.Duration) {
	if elapsed := c.Elapsed(); elapsed > d {
		c.log.Info("total recording time already elapsed", "total", d, "elapsed", elapsed)
		c.Stop(ReasonControl)
		return
	}
	c.dl.Lock()
	c.total, c.finite = d, true
	c.dl.Unlock()
	c.log.Info("total recording time set", "total", d)
	c.notify()
}

// Elapsed is the time since the recording start.
func (c *Coordinator) Elapsed() time.Duration {
	c.dl.Lock()
	defer c.dl.Unlock()
	return c.now().Sub(c.start)
}

// Remaining returns the time left and whether the recording is finite.
func (c *Coordinator) Remaining() (time.Duration, bool) {
	c.dl.Lock()
	defer c.dl.Unlock()
	if !c.finite {
		return 0, false
	}
	return c.total - c.now().Sub(c.start), true
}

// Expired reports whether a finite recording has reached its deadline.
func (c *Coordinator) Expired() bool {
	left, finite := c.Remaining()
	return finite && left <= 0
}

func (c *Coordinator) notify() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// WatchDeadline stops the session when the deadline passes. It re-arms on
// every deadline change and returns when ctx or the session context ends.
func (c *Coordinator) WatchDeadline(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		left, finite := c.Remaining()
		if finite && left <= 0 {
			c.Stop(ReasonDeadline)
			return nil
		}
		if !finite {
			left = time.Hour
		}
		timer.Reset(left)

		select {
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		case <-c.changed:
		case <-timer.C:
		}
	}
}
