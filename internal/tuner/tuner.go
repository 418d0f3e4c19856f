// Package tuner provides the stream sources a recording session reads from:
// a Linux DVB adapter, an SRT caller, or any plain reader such as a file.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Tuner is a source of raw transport stream bytes.
//
// Read blocks until data is available or the source's read timeout expires;
// a timeout is reported as an error satisfying IsTimeout and is transient.
// io.EOF ends a finite source.
type Tuner interface {
	Read(p []byte) (int, error)
	Retune(ctx context.Context, t Tuning) error
	Close() error
}

// Tuning selects what the source delivers.
type Tuning struct {
	Channel string
	Device  int
	// LNB is the requested LNB supply in volts: 0 (off), 11 or 15.
	LNB  int
	TSID uint16
}

// Voltage maps LNB to the frontend's voltage selector: 11V is 1, 15V is 2,
// anything else is off.
func (t Tuning) Voltage() int {
	switch t.LNB {
	case 11:
		return 1
	case 15:
		return 2
	}
	return 0
}

// ValidLNB reports whether v is an accepted LNB setting.
func ValidLNB(v int) bool { return v == 0 || v == 11 || v == 15 }

var (
	// ErrTimeout is returned by Read when no data arrived in time.
	ErrTimeout = errors.New("tuner: read timeout")
	// ErrRetuneUnsupported is returned by sources that cannot change channel.
	ErrRetuneUnsupported = errors.New("tuner: retune not supported")
)

// IsTimeout reports whether err is a transient read timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded)
}

// Stats captures source-level read counters. It logs as a group.
type Stats struct {
	Source    string
	Channel   string
	BytesRead int64
	ReadCount int64
	Retunes   int64
	Uptime    time.Duration
}

func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("source", s.Source),
		slog.String("channel", s.Channel),
		slog.Int64("bytes_read", s.BytesRead),
		slog.Int64("reads", s.ReadCount),
		slog.Int64("retunes", s.Retunes),
		slog.Duration("uptime", s.Uptime.Round(time.Millisecond)),
	)
}

// StatsReporter is implemented by every source in this package.
type StatsReporter interface {
	Stats() Stats
}

// counters is embedded by sources to record reads.
type counters struct {
	source    string
	startedAt time.Time
	channel   atomic.Value
	bytes     atomic.Int64
	reads     atomic.Int64
	retunes   atomic.Int64
}

func (c *counters) init(source, channel string) {
	c.source = source
	c.startedAt = time.Now()
	c.channel.Store(channel)
}

func (c *counters) recordRead(n int) {
	if n > 0 {
		c.bytes.Add(int64(n))
	}
	c.reads.Add(1)
}

func (c *counters) recordRetune(channel string) {
	c.channel.Store(channel)
	c.retunes.Add(1)
}

// Stats returns a snapshot of the read counters.
func (c *counters) Stats() Stats {
	ch, _ := c.channel.Load().(string)
	return Stats{
		Source:    c.source,
		Channel:   ch,
		BytesRead: c.bytes.Load(),
		ReadCount: c.reads.Load(),
		Retunes:   c.retunes.Load(),
		Uptime:    time.Since(c.startedAt),
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("tuner: %s: %w", op, err)
}
