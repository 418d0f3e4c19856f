// Package pipeline drains the session queue into the output: every chunk
// is descrambled, filtered down to the selected services and written, in
// arrival order, until the end-of-stream marker arrives.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/recdvb/internal/descramble"
	"github.com/zsiec/recdvb/internal/metrics"
	"github.com/zsiec/recdvb/internal/queue"
	"github.com/zsiec/recdvb/internal/splitter"
)

// ErrSinkWrite wraps a failure to write the output. The session treats it
// as fatal.
var ErrSinkWrite = errors.New("pipeline: sink write failed")

// Source is the consumer side of the session queue.
type Source interface {
	Dequeue() (*queue.Chunk, error)
	Release()
	InFlight() int
	Shutdown()
}

// Demuxer is the subset of splitter.Splitter the pipeline drives.
// Accepting an interface here keeps the pipeline testable with stubs.
type Demuxer interface {
	Split(dst, src []byte) ([]byte, error)
	Stats() splitter.Stats
}

// Syncer is implemented by sinks that can flush to stable storage.
type Syncer interface {
	Sync() error
}

// Config wires a Pipeline.
type Config struct {
	Queue    Source
	Pool     *queue.Pool // optional; dequeued chunks are returned to it
	Stage    descramble.Stage
	Splitter Demuxer
	Sink     io.Writer
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

// Pipeline is the single consumer of a session queue.
type Pipeline struct {
	log      *slog.Logger
	queue    Source
	pool     *queue.Pool
	stage    descramble.Stage
	splitter Demuxer
	sink     io.Writer
	metrics  *metrics.Metrics

	stageBuf []byte
	outBuf   []byte

	bytesWritten    atomic.Uint64
	chunksProcessed atomic.Uint64
	startTime       time.Time
}

// New validates cfg and creates a Pipeline. A nil Stage means Bypass.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Queue == nil:
		return nil, errors.New("pipeline: queue is required")
	case cfg.Splitter == nil:
		return nil, errors.New("pipeline: splitter is required")
	case cfg.Sink == nil:
		return nil, errors.New("pipeline: sink is required")
	}
	if cfg.Stage == nil {
		cfg.Stage = descramble.Bypass{}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:      log.With("component", "pipeline"),
		queue:    cfg.Queue,
		pool:     cfg.Pool,
		stage:    cfg.Stage,
		splitter: cfg.Splitter,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
	}, nil
}

// BytesWritten is the number of output bytes written so far.
func (p *Pipeline) BytesWritten() uint64 { return p.bytesWritten.Load() }

// ChunksProcessed is the number of queue chunks consumed so far.
func (p *Pipeline) ChunksProcessed() uint64 { return p.chunksProcessed.Load() }

// Run consumes the queue until the end marker, then flushes the stage and
// syncs the sink. A graceful stop does not interrupt it; cancelling ctx
// shuts the queue down, as does a fatal error. A queue shut down before
// the end marker ends Run without error.
func (p *Pipeline) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.queue.Shutdown)
	defer stop()

	p.startTime = time.Now()
	for {
		c, err := p.queue.Dequeue()
		switch {
		case errors.Is(err, io.EOF):
			return p.finish()
		case errors.Is(err, queue.ErrShutdown):
			p.log.Warn("queue shut down before end of stream",
				"chunks", p.chunksProcessed.Load(),
				"bytes", p.bytesWritten.Load(),
			)
			return nil
		case err != nil:
			return fmt.Errorf("pipeline: dequeue: %w", err)
		}

		err = p.process(c)
		p.queue.Release()
		if p.pool != nil {
			p.pool.Put(c)
		}
		if err != nil {
			p.queue.Shutdown()
			return err
		}
	}
}

func (p *Pipeline) process(c *queue.Chunk) error {
	out, err := p.stage.Transform(p.stageBuf[:0], c.Bytes())
	if err != nil {
		p.bypass(err)
		out = append(out, c.Bytes()...)
	}
	p.stageBuf = out
	if err := p.filterAndWrite(p.stageBuf); err != nil {
		return err
	}
	p.chunksProcessed.Add(1)
	p.metrics.SetQueueDepth(p.queue.InFlight())
	return nil
}

// bypass replaces a failed descrambler with Bypass for the rest of the
// session. Output the filter produced before failing is kept.
func (p *Pipeline) bypass(cause error) {
	p.log.Warn("descrambler failed, recording scrambled stream", "error", cause)
	if err := p.stage.Close(); err != nil {
		p.log.Debug("closing failed descrambler", "error", err)
	}
	p.stage = descramble.Bypass{}
	p.metrics.DescramblerFailed()
}

func (p *Pipeline) filterAndWrite(b []byte) error {
	var err error
	p.outBuf, err = p.splitter.Split(p.outBuf[:0], b)
	p.metrics.ObserveSplitter(p.splitter.Stats())
	if err != nil {
		return fmt.Errorf("pipeline: split: %w", err)
	}
	return p.write(p.outBuf)
}

func (p *Pipeline) write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	n, err := p.sink.Write(b)
	if n > 0 {
		p.bytesWritten.Add(uint64(n))
		p.metrics.AddBytes(n)
	}
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}
	return nil
}

// finish flushes whatever the stage still buffers through the splitter and
// syncs the sink.
func (p *Pipeline) finish() error {
	tail, err := p.stage.Finish(p.stageBuf[:0])
	if err != nil {
		p.log.Warn("descrambler did not finish cleanly", "error", err)
	}
	if err := p.filterAndWrite(tail); err != nil {
		return err
	}
	if s, ok := p.sink.(Syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("%w: sync: %w", ErrSinkWrite, err)
		}
	}
	p.log.Info("end of stream",
		"chunks", p.chunksProcessed.Load(),
		"bytes", p.bytesWritten.Load(),
		"elapsed", time.Since(p.startTime).Round(time.Millisecond),
	)
	return nil
}
