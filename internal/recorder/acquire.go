package recorder

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/recdvb/internal/queue"
	"github.com/zsiec/recdvb/internal/shutdown"
	"github.com/zsiec/recdvb/internal/tuner"
)

// acquire reads chunks from the tuner into the queue while the session is
// alive and enqueues the end marker on the way out. Short reads and read
// timeouts are transient; io.EOF ends a finite source gracefully. Any other
// read error is returned.
func (s *Session) acquire() error {
	defer func() {
		if err := s.Queue.EnqueueEnd(); err != nil && !errors.Is(err, queue.ErrShutdown) {
			s.log.Debug("end marker not queued", "error", err)
		}
	}()

	shortLog := rate.Sometimes{Interval: 10 * time.Second}
	for s.Alive() {
		c := s.Pool.Get()
		n, err := s.Tuner.Read(c.Data)
		if n > 0 {
			c.Len = n
			s.bytesRead.Add(uint64(n))
			if qerr := s.Queue.Enqueue(c); qerr != nil {
				return nil
			}
			s.Metrics.ChunkRead()
		} else {
			s.Pool.Put(c)
		}

		switch {
		case err == nil && n > 0:
		case err == nil, tuner.IsTimeout(err):
			s.Metrics.ShortRead()
			shortLog.Do(func() {
				s.log.Debug("short read from tuner", "error", err)
			})
		case errors.Is(err, io.EOF):
			s.Coord.Stop(shutdown.ReasonEOF)
			return nil
		default:
			if !s.Alive() {
				// the tuner was closed to unblock a read during shutdown
				return nil
			}
			return fmt.Errorf("recorder: read: %w", err)
		}

		if s.Coord.Expired() {
			s.Coord.Stop(shutdown.ReasonDeadline)
		}
	}
	return nil
}
