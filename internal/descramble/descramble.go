// Package descramble provides the optional descrambling stage of the
// recording pipeline. The stage is chosen once per session: Bypass copies
// the stream through, Exec pipes it through an external filter command.
package descramble

import (
	"context"
	"log/slog"
	"strconv"
)

// DefaultCommand is the ARIB STD-B25 stream filter run by Exec.
const DefaultCommand = "arib-b25-stream-test"

// DefaultRound is the MULTI2 round count used when none is configured.
const DefaultRound = 4

// Stage transforms captured stream bytes before demultiplexing.
type Stage interface {
	// Transform appends the output available for src to dst. Output may lag
	// input; the remainder is produced by Finish.
	Transform(dst, src []byte) ([]byte, error)
	// Finish flushes buffered output at the end of the session.
	Finish(dst []byte) ([]byte, error)
	// Close releases the stage without flushing.
	Close() error
}

// Options select and parameterise the stage.
type Options struct {
	Enabled bool
	Command string
	// Args precede the generated -r/-s/-m flags.
	Args  []string
	Round int
	Strip bool
	EMM   bool
}

// CommandArgs returns the argument list passed to the filter command.
func (o Options) CommandArgs() []string {
	round := o.Round
	if round <= 0 {
		round = DefaultRound
	}
	args := append([]string(nil), o.Args...)
	return append(args,
		"-r", strconv.Itoa(round),
		"-s", flag(o.Strip),
		"-m", flag(o.EMM),
	)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Open returns the stage described by opts. A filter that cannot be started
// degrades to Bypass with a warning: the still-scrambled stream is recorded
// rather than nothing.
func Open(ctx context.Context, opts Options, log *slog.Logger) Stage {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "descramble")
	if !opts.Enabled {
		return Bypass{}
	}
	e, err := StartExec(ctx, opts, log)
	if err != nil {
		log.Warn("descrambler unavailable, recording scrambled stream", "error", err)
		return Bypass{}
	}
	return e
}

// Bypass passes the stream through unchanged.
type Bypass struct{}

func (Bypass) Transform(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }
func (Bypass) Finish(dst []byte) ([]byte, error)         { return dst, nil }
func (Bypass) Close() error                              { return nil }
