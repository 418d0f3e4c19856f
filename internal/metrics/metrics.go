// Package metrics exposes Prometheus instruments for a recording session.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/recdvb/internal/splitter"
)

const namespace = "recdvb"

// Metrics holds the collectors of one session, registered on their own
// registry so that concurrent sessions in tests do not collide.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	BytesWritten      prometheus.Counter
	ChunksRead        prometheus.Counter
	ShortReads        prometheus.Counter
	QueueDepth        prometheus.Gauge
	Packets           *prometheus.CounterVec
	ContinuityErrors  prometheus.Counter
	CRCErrors         prometheus.Counter
	DiscardedSections prometheus.Counter
	TSIDMismatches    prometheus.Counter
	SyncLosses        prometheus.Counter
	TableRebuilds     *prometheus.CounterVec
	Services          prometheus.Gauge
	ControlMessages   *prometheus.CounterVec
	Retunes           *prometheus.CounterVec
	DescramblerFails  prometheus.Counter

	mu   sync.Mutex
	last splitter.Stats
}

// New creates the session collectors, adding the Go runtime and process
// collectors to the registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes of filtered transport stream written to the output",
		}),
		ChunksRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_read_total",
			Help:      "Chunks read from the tuner and queued",
		}),
		ShortReads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "short_reads_total",
			Help:      "Tuner reads that timed out or returned no data",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Chunks queued or being processed",
		}),
		Packets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Transport stream packets seen by the splitter by result",
		}, []string{"result"}),
		ContinuityErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuity_errors_total",
			Help:      "Continuity counter discontinuities",
		}),
		CRCErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crc_errors_total",
			Help:      "PSI sections discarded for a CRC32 mismatch",
		}),
		DiscardedSections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_sections_total",
			Help:      "PSI sections discarded as incomplete or oversized",
		}),
		TSIDMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tsid_mismatches_total",
			Help:      "PATs ignored because the transport stream id differed",
		}),
		SyncLosses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_losses_total",
			Help:      "Times the splitter resynchronised on the sync byte",
		}),
		TableRebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_rebuilds_total",
			Help:      "PID table rebuilds by triggering table",
		}, []string{"table"}),
		Services: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services",
			Help:      "Services currently tracked by the splitter",
		}),
		ControlMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control messages applied by result",
		}, []string{"result"}),
		Retunes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retunes_total",
			Help:      "Tuner retunes by result",
		}, []string{"result"}),
		DescramblerFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descrambler_failures_total",
			Help:      "Descrambler failures that switched the session to the scrambled stream",
		}),
	}
}

// AddBytes counts n bytes written to the output.
func (m *Metrics) AddBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.Add(float64(n))
}

// ChunkRead counts one queued chunk.
func (m *Metrics) ChunkRead() {
	if m == nil {
		return
	}
	m.ChunksRead.Inc()
}

// ShortRead counts one empty or timed out tuner read.
func (m *Metrics) ShortRead() {
	if m == nil {
		return
	}
	m.ShortReads.Inc()
}

// SetQueueDepth records the queue's in-flight count.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ControlMessage counts an applied control message.
func (m *Metrics) ControlMessage(err error) {
	if m == nil {
		return
	}
	m.ControlMessages.WithLabelValues(result(err)).Inc()
}

// Retune counts a retune attempt.
func (m *Metrics) Retune(err error) {
	if m == nil {
		return
	}
	m.Retunes.WithLabelValues(result(err)).Inc()
}

// DescramblerFailed counts a descrambler replaced by pass-through.
func (m *Metrics) DescramblerFailed() {
	if m == nil {
		return
	}
	m.DescramblerFails.Inc()
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ObserveSplitter adds the growth of the splitter's cumulative counters
// since the previous call. A counter that went backwards restarts the
// baseline.
func (m *Metrics) ObserveSplitter(s splitter.Stats) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	add := func(c prometheus.Counter, now, prev uint64) {
		if now > prev {
			c.Add(float64(now - prev))
		}
	}
	add(m.Packets.WithLabelValues("forwarded"), s.Forwarded, m.last.Forwarded)
	add(m.Packets.WithLabelValues("dropped"), s.Dropped, m.last.Dropped)
	add(m.ContinuityErrors, s.ContinuityErrors, m.last.ContinuityErrors)
	add(m.CRCErrors, s.CRCErrors, m.last.CRCErrors)
	add(m.DiscardedSections, s.DiscardedSections, m.last.DiscardedSections)
	add(m.TSIDMismatches, s.TSIDMismatches, m.last.TSIDMismatches)
	add(m.SyncLosses, s.SyncLosses, m.last.SyncLosses)
	add(m.TableRebuilds.WithLabelValues("pat"), s.PATRebuilds, m.last.PATRebuilds)
	add(m.TableRebuilds.WithLabelValues("pmt"), s.PMTRebuilds, m.last.PMTRebuilds)
	m.Services.Set(float64(s.Services))
	m.last = s
}

// Handler serves the session registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return <-errCh
}
