// Package recorder wires a recording session: the acquisition loop, the
// pipeline that drains it, the control channel, signal handling and the
// shutdown sequence.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/recdvb/internal/config"
	"github.com/zsiec/recdvb/internal/control"
	"github.com/zsiec/recdvb/internal/descramble"
	"github.com/zsiec/recdvb/internal/metrics"
	"github.com/zsiec/recdvb/internal/pipeline"
	"github.com/zsiec/recdvb/internal/queue"
	"github.com/zsiec/recdvb/internal/shutdown"
	"github.com/zsiec/recdvb/internal/splitter"
	"github.com/zsiec/recdvb/internal/tuner"
)

// Options describe one recording.
type Options struct {
	Config *config.Config
	Tuning tuner.Tuning

	// RecTime bounds the recording unless Indefinite is set.
	RecTime    time.Duration
	Indefinite bool

	// Dest is the output path, "-" for standard output.
	Dest string
	// SIDs selects services in splitter syntax. Empty records the whole
	// stream.
	SIDs    string
	Decoder descramble.Options

	// Control enables the control socket; Signals installs the signal
	// handlers. Both are off in tests.
	Control bool
	Signals bool

	Metrics *metrics.Metrics
	Log     *slog.Logger

	// OpenTuner replaces the configured source.
	OpenTuner TunerFactory
	// Sink replaces the file named by Dest.
	Sink io.Writer
}

// Shared is the state every session goroutine works on.
type Shared struct {
	ID       string
	Queue    *queue.Queue
	Pool     *queue.Pool
	Splitter *splitter.Splitter
	Coord    *shutdown.Coordinator
	Metrics  *metrics.Metrics
	Tuner    tuner.Tuner

	bytesRead atomic.Uint64
	tuning    atomic.Pointer[tuner.Tuning]
}

// Alive reports whether the session is still recording.
func (s *Shared) Alive() bool { return s.Coord.Alive() }

// BytesRead is the number of bytes acquired from the tuner.
func (s *Shared) BytesRead() uint64 { return s.bytesRead.Load() }

// tunerAttrs returns the source counters as a log attribute when the tuner
// keeps them.
func (s *Shared) tunerAttrs() []any {
	if r, ok := s.Tuner.(tuner.StatsReporter); ok {
		return []any{"tuner", r.Stats()}
	}
	return nil
}

// Tuning returns the current tuning.
func (s *Shared) Tuning() tuner.Tuning { return *s.tuning.Load() }

// Session is one recording from open to close.
type Session struct {
	*Shared
	opts Options
	log  *slog.Logger

	pipeline *pipeline.Pipeline
	acquired chan struct{}
}

// New validates opts and prepares the queue, the splitter and the shutdown
// coordinator. Nothing is opened until Run.
func New(opts Options) (*Session, error) {
	if opts.Config == nil {
		def := config.Default()
		opts.Config = &def
	}
	cfg := opts.Config
	if opts.Dest == "" && opts.Sink == nil {
		return nil, errors.New("recorder: destination is required")
	}
	if !opts.Indefinite && opts.RecTime <= 0 {
		return nil, fmt.Errorf("%w: recording time must be positive", ErrRecTime)
	}

	id := uuid.NewString()
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", id, "channel", opts.Tuning.Channel)
	if opts.OpenTuner == nil {
		opts.OpenTuner = NewTunerFactory(cfg, log)
	}

	q, err := queue.New(cfg.QueueCapacity)
	if err != nil {
		return nil, err
	}
	sp, err := newSplitter(opts, cfg, log)
	if err != nil {
		return nil, err
	}

	shared := &Shared{
		ID:       id,
		Queue:    q,
		Pool:     queue.NewPool(cfg.ReadSize),
		Splitter: sp,
		Coord:    shutdown.New(q, shutdown.Options{Grace: cfg.Shutdown.Grace, Log: log}),
		Metrics:  opts.Metrics,
	}
	t := opts.Tuning
	shared.tuning.Store(&t)

	return &Session{
		Shared:   shared,
		opts:     opts,
		log:      log,
		acquired: make(chan struct{}),
	}, nil
}

// newSplitter builds the service filter. Without a service list the whole
// stream passes until a control message selects services.
func newSplitter(opts Options, cfg *config.Config, log *slog.Logger) (*splitter.Splitter, error) {
	sel, err := splitter.ParseSelection(opts.SIDs)
	if err != nil {
		return nil, err
	}
	if opts.Tuning.TSID != 0 {
		sel = sel.WithTSID(opts.Tuning.TSID)
	}
	policy := splitter.Strict
	if cfg.Splitter.KeepSI || sel.Empty() {
		policy = splitter.KeepSI
	}
	return splitter.New(sel,
		splitter.WithPolicy(policy),
		splitter.WithLogger(log),
		splitter.WithMaxServices(cfg.Splitter.MaxServices),
	)
}

// Run records until the deadline, a stop request, the end of a finite
// source or a fatal error. Cancelling ctx stops the recording gracefully.
// The returned error is the cause of an abnormal stop.
func (s *Session) Run(ctx context.Context) error {
	cfg := s.opts.Config
	tn, err := s.opts.OpenTuner(ctx, s.Tuning())
	if err != nil {
		return fmt.Errorf("recorder: open tuner: %w", err)
	}
	s.Tuner = tn
	defer tn.Close()

	sink := s.opts.Sink
	if sink == nil {
		f, err := OpenSink(s.opts.Dest)
		if err != nil {
			return err
		}
		defer func() {
			if err := f.Close(); err != nil {
				s.log.Error("closing output failed", "path", f.Path(), "error", err)
			}
		}()
		sink = f
	}

	stage := descramble.Open(context.WithoutCancel(ctx), s.opts.Decoder, s.log)
	defer stage.Close()

	s.pipeline, err = pipeline.New(pipeline.Config{
		Queue:    s.Queue,
		Pool:     s.Pool,
		Stage:    stage,
		Splitter: s.Splitter,
		Sink:     sink,
		Log:      s.log,
		Metrics:  s.Metrics,
	})
	if err != nil {
		return err
	}

	var msgs <-chan control.Message
	if s.opts.Control {
		l, err := control.Listen(s.Coord.Context(), control.SocketPath(cfg.Control.SocketDir, os.Getpid()), s.log)
		if err != nil {
			s.log.Warn("control socket unavailable", "error", err)
		} else {
			defer l.Close()
			msgs = l.Messages()
		}
	}

	var sigs *signalWaiter
	if s.opts.Signals {
		sigs = notifySignals()
		defer sigs.stop()
	}

	stopOnCancel := context.AfterFunc(ctx, func() { s.Coord.Stop(shutdown.ReasonCancelled) })
	defer stopOnCancel()

	start := time.Now()
	if s.opts.Indefinite {
		s.Coord.SetIndefinite(start)
	} else {
		s.Coord.SetDeadline(start, s.opts.RecTime)
	}
	s.log.Info("recording",
		"dest", s.opts.Dest,
		"sid", s.Splitter.Selection().String(),
		"rectime", s.opts.RecTime,
		"indefinite", s.opts.Indefinite,
	)

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		defer close(s.acquired)
		if err := s.acquire(); err != nil {
			s.Coord.Abort(err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := s.pipeline.Run(gctx); err != nil {
			s.Coord.Abort(err)
			return err
		}
		return nil
	})
	g.Go(func() error { return s.Coord.WatchDeadline(gctx) })
	g.Go(func() error { return s.unblockTuner(gctx) })
	if msgs != nil {
		g.Go(func() error { return s.applyControl(s.Coord.Context(), msgs) })
	}
	if sigs != nil {
		g.Go(func() error { return s.waitSignals(s.Coord.Context(), sigs) })
	}
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		g.Go(func() error {
			if err := s.Metrics.Serve(s.Coord.Context(), cfg.MetricsAddr, s.log); err != nil {
				s.log.Warn("metrics server stopped", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	s.Coord.MarkStopped()
	s.Splitter.Shutdown()

	st := s.Splitter.Stats()
	s.log.Info("recording finished", append([]any{
		"reason", s.Coord.Reason(),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"bytes_read", s.BytesRead(),
		"bytes_written", s.pipeline.BytesWritten(),
		"packets", st.Packets,
		"dropped", st.Dropped,
		"continuity_errors", st.ContinuityErrors,
		"crc_errors", st.CRCErrors,
	}, s.tunerAttrs()...)...)
	if cause := s.Coord.Err(); cause != nil {
		return cause
	}
	return err
}

// BytesWritten is the number of bytes written to the output.
func (s *Session) BytesWritten() uint64 {
	if s.pipeline == nil {
		return 0
	}
	return s.pipeline.BytesWritten()
}

// unblockTuner closes the tuner if acquisition is still stuck in a read a
// grace period after the session started stopping.
func (s *Session) unblockTuner(ctx context.Context) error {
	select {
	case <-s.Coord.Context().Done():
	case <-ctx.Done():
	case <-s.acquired:
		return nil
	}
	timer := time.NewTimer(s.opts.Config.Shutdown.Grace)
	defer timer.Stop()
	select {
	case <-s.acquired:
	case <-timer.C:
		s.log.Warn("tuner read did not return, closing tuner")
		_ = s.Tuner.Close()
	}
	return nil
}
