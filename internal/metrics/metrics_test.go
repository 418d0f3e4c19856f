package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/recdvb/internal/splitter"
)

func TestObserveSplitter_Deltas(t *testing.T) {
	t.Parallel()
	m := New()

	m.ObserveSplitter(splitter.Stats{Forwarded: 10, Dropped: 4, CRCErrors: 1, PATRebuilds: 1, Services: 2})
	m.ObserveSplitter(splitter.Stats{Forwarded: 25, Dropped: 4, CRCErrors: 3, PATRebuilds: 1, PMTRebuilds: 2, Services: 2})

	assert.Equal(t, 25.0, testutil.ToFloat64(m.Packets.WithLabelValues("forwarded")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Packets.WithLabelValues("dropped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CRCErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TableRebuilds.WithLabelValues("pat")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TableRebuilds.WithLabelValues("pmt")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Services))

	// A fresh splitter restarts its counters; only growth is added.
	m.ObserveSplitter(splitter.Stats{Forwarded: 5})
	m.ObserveSplitter(splitter.Stats{Forwarded: 7})
	assert.Equal(t, 27.0, testutil.ToFloat64(m.Packets.WithLabelValues("forwarded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Services))
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m := New()
	m.AddBytes(188 * 7)
	m.AddBytes(-1)
	m.ChunkRead()
	m.ChunkRead()
	m.ShortRead()
	m.SetQueueDepth(3)
	m.ControlMessage(nil)
	m.ControlMessage(errors.New("bad"))
	m.Retune(nil)
	m.DescramblerFailed()

	assert.Equal(t, float64(188*7), testutil.ToFloat64(m.BytesWritten))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksRead))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShortReads))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlMessages.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlMessages.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retunes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DescramblerFails))
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AddBytes(1)
		m.ChunkRead()
		m.ShortRead()
		m.SetQueueDepth(1)
		m.ControlMessage(nil)
		m.Retune(nil)
		m.DescramblerFailed()
		m.ObserveSplitter(splitter.Stats{Forwarded: 1})
	})
}

func TestHandler(t *testing.T) {
	t.Parallel()
	m := New()
	m.AddBytes(376)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "recdvb_bytes_written_total 376"), string(body))
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()
	m := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, "127.0.0.1:0", nil) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
