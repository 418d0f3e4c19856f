package tuner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	srtLatencyNs   = 120_000_000
	srtDialTimeout = 10 * time.Second
)

// SRTConfig describes a remote SRT listener serving transport streams.
type SRTConfig struct {
	Address string
	// StreamIDPrefix is prepended to the channel to form the SRT stream ID.
	StreamIDPrefix string
	DialTimeout    time.Duration
	Log            *slog.Logger
}

// SRT pulls a transport stream from a remote SRT listener in caller mode.
// The channel selects the stream ID; retuning redials.
type SRT struct {
	counters
	cfg SRTConfig
	log *slog.Logger

	mu   sync.Mutex
	conn *srtgo.Conn
	gen  uint64
}

// DialSRT connects to cfg.Address requesting the stream for t.Channel.
func DialSRT(ctx context.Context, cfg SRTConfig, t Tuning) (*SRT, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("tuner: srt address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = srtDialTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &SRT{cfg: cfg, log: log.With("component", "srt-caller", "address", cfg.Address)}
	s.init("srt", t.Channel)

	conn, err := s.dial(ctx, t)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// StreamID returns the SRT stream ID requested for channel.
func (c SRTConfig) StreamID(channel string) string {
	if c.StreamIDPrefix == "" {
		return channel
	}
	return strings.TrimSuffix(c.StreamIDPrefix, "/") + "/" + channel
}

func (s *SRT) dial(ctx context.Context, t Tuning) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = s.cfg.StreamID(t.Channel)

	s.log.Info("dialing", "stream_id", cfg.StreamID)

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(s.cfg.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(s.cfg.DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, wrap("srt dial", res.err)
		}
		s.log.Info("connected", "stream_id", cfg.StreamID, "remote", res.conn.RemoteAddr())
		return res.conn, nil
	case <-timer.C:
		go closeLate(ch)
		return nil, fmt.Errorf("tuner: srt dial timed out after %s", s.cfg.DialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate drains an abandoned dial and closes any connection it produced.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

func (s *SRT) Read(p []byte) (int, error) {
	s.mu.Lock()
	conn, gen := s.conn, s.gen
	s.mu.Unlock()
	if conn == nil {
		return 0, errors.New("tuner: srt connection closed")
	}

	n, err := conn.Read(p)
	s.recordRead(n)
	if err != nil {
		s.mu.Lock()
		swapped := s.gen != gen
		s.mu.Unlock()
		if swapped {
			// the connection was replaced by Retune mid-read
			return n, ErrTimeout
		}
	}
	return n, err
}

// Retune dials the stream for t and swaps it in, closing the old
// connection.
func (s *SRT) Retune(ctx context.Context, t Tuning) error {
	conn, err := s.dial(ctx, t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.gen++
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	s.recordRetune(t.Channel)
	return nil
}

func (s *SRT) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.gen++
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}
