package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zsiec/recdvb/internal/config"
	"github.com/zsiec/recdvb/internal/control"
	"github.com/zsiec/recdvb/internal/pipeline"
	"github.com/zsiec/recdvb/internal/queue"
	"github.com/zsiec/recdvb/internal/shutdown"
	"github.com/zsiec/recdvb/internal/tstest"
	"github.com/zsiec/recdvb/internal/tuner"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func twoServices() *tstest.Generator {
	return tstest.New(0x7FE0,
		tstest.Service{SID: 101, PMTPID: 0x100, ES: []uint16{0x111, 0x112}},
		tstest.Service{SID: 102, PMTPID: 0x200, ES: []uint16{0x211, 0x212}},
	)
}

// fakeTuner serves queued bytes in reads of at most chunk bytes. When the
// data runs out it reports a timeout, or io.EOF once finished is set.
type fakeTuner struct {
	mu       sync.Mutex
	data     []byte
	chunk    int
	finished bool
	readErr  error
	retunes  []tuner.Tuning
	closed   bool
}

func (f *fakeTuner) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.readErr != nil {
		err := f.readErr
		f.mu.Unlock()
		return 0, err
	}
	if len(f.data) == 0 {
		fin := f.finished
		f.mu.Unlock()
		if fin {
			return 0, io.EOF
		}
		time.Sleep(2 * time.Millisecond)
		return 0, tuner.ErrTimeout
	}
	n := copy(p[:min(f.chunk, len(p))], f.data)
	f.data = f.data[n:]
	f.mu.Unlock()
	return n, nil
}

func (f *fakeTuner) Retune(_ context.Context, t tuner.Tuning) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retunes = append(f.retunes, t)
	return nil
}

func (f *fakeTuner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTuner) factory() TunerFactory {
	return func(context.Context, tuner.Tuning) (tuner.Tuner, error) { return f, nil }
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bytes.Clone(l.b.Bytes())
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.QueueCapacity = 16
	cfg.ReadSize = 188 * 8
	cfg.Shutdown.Grace = time.Second
	return &cfg
}

func assertPIDs(t *testing.T, ts []byte, allowed ...uint16) {
	t.Helper()
	require.Zero(t, len(ts)%188)
	for i, pid := range tstest.PIDs(ts) {
		if !slices.Contains(allowed, pid) {
			t.Fatalf("packet %d on unexpected PID 0x%X", i, pid)
		}
	}
}

func TestParseRecTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in         string
		want       time.Duration
		indefinite bool
		wantErr    bool
	}{
		{in: "-", indefinite: true},
		{in: "3600", want: time.Hour},
		{in: "1:30", want: 90 * time.Second},
		{in: "01:00:05", want: time.Hour + 5*time.Second},
		{in: "0", wantErr: true},
		{in: "1:60", wantErr: true},
		{in: "1:2:3:4", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "-30", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		d, indefinite, err := ParseRecTime(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrRecTime, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, d, tc.in)
		assert.Equal(t, tc.indefinite, indefinite, tc.in)
	}
}

func TestParseDuration_Signed(t *testing.T) {
	t.Parallel()
	d, err := ParseDuration("-1:00")
	require.NoError(t, err)
	assert.Equal(t, -time.Minute, d)

	d, err = ParseDuration("+45")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)
}

func TestOpenSink_CreatesParents(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "a", "b", "out.ts")
	s, err := OpenSink(path)
	require.NoError(t, err)
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, path, s.Path())
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	_, err := New(Options{Config: testConfig(), Indefinite: true})
	assert.Error(t, err, "destination required")

	_, err = New(Options{Config: testConfig(), Dest: "x.ts"})
	assert.ErrorIs(t, err, ErrRecTime)

	_, err = New(Options{Config: testConfig(), Dest: "x.ts", Indefinite: true, SIDs: "bogus"})
	assert.Error(t, err)

	s, err := New(Options{Config: testConfig(), Dest: "x.ts", Indefinite: true})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.True(t, s.Alive())
	assert.True(t, s.Splitter.Selection().Empty(), "no service list records everything")
}

func TestSession_RecordsSelectedService(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := &fakeTuner{data: twoServices().Stream(50), chunk: 1000, finished: true}
	var out lockedBuffer
	s, err := New(Options{
		Config:     testConfig(),
		Tuning:     tuner.Tuning{Channel: "27"},
		Indefinite: true,
		Sink:       &out,
		SIDs:       "101",
		Log:        quiet(),
		OpenTuner:  ft.factory(),
	})
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	got := out.Bytes()
	require.NotEmpty(t, got)
	assertPIDs(t, got, 0, 0x100, 0x111, 0x112)
	assert.Equal(t, shutdown.ReasonEOF, s.Coord.Reason())
	assert.Equal(t, shutdown.Stopped, s.Coord.State())
	assert.EqualValues(t, len(got), s.BytesWritten())
	assert.EqualValues(t, 50*7*188, s.BytesRead())
	assert.True(t, ft.closed)
}

func TestSession_FileSourceToFile(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	in := filepath.Join(dir, "in.ts")
	require.NoError(t, os.WriteFile(in, twoServices().Stream(20), 0o644))

	cfg := testConfig()
	cfg.Source = config.SourceFile
	dest := filepath.Join(dir, "rec", "out.ts")
	s, err := New(Options{
		Config:     cfg,
		Tuning:     tuner.Tuning{Channel: in},
		Indefinite: true,
		Dest:       dest,
		SIDs:       "sd2",
		Log:        quiet(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assertPIDs(t, got, 0, 0x200, 0x211, 0x212)
	progs, ok := tstest.Programs(got)
	require.True(t, ok)
	require.Len(t, progs, 1)
	assert.EqualValues(t, 102, progs[0].Number)
}

func TestSession_LogsTunerStats(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.ts")
	ts := twoServices().Stream(10)
	require.NoError(t, os.WriteFile(in, ts, 0o644))

	cfg := testConfig()
	cfg.Source = config.SourceFile
	var logs lockedBuffer
	s, err := New(Options{
		Config:     cfg,
		Tuning:     tuner.Tuning{Channel: in},
		Indefinite: true,
		Sink:       io.Discard,
		Log:        slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	text := string(logs.Bytes())
	assert.Contains(t, text, "recording finished")
	assert.Contains(t, text, "tuner.source=file")
	assert.Contains(t, text, fmt.Sprintf("tuner.bytes_read=%d", len(ts)))
}

func TestSession_WholeStreamWithoutSIDs(t *testing.T) {
	ts := twoServices().Stream(5)
	ft := &fakeTuner{data: bytes.Clone(ts), chunk: 777, finished: true}
	var out lockedBuffer
	s, err := New(Options{Config: testConfig(), Indefinite: true, Sink: &out, Log: quiet(), OpenTuner: ft.factory()})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, ts, out.Bytes())
}

func TestSession_Deadline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := &fakeTuner{chunk: 188}
	s, err := New(Options{
		Config:    testConfig(),
		RecTime:   50 * time.Millisecond,
		Sink:      io.Discard,
		Log:       quiet(),
		OpenTuner: ft.factory(),
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, shutdown.ReasonDeadline, s.Coord.Reason())
}

func TestSession_CancelStopsGracefully(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := &fakeTuner{chunk: 188}
	s, err := New(Options{Config: testConfig(), Indefinite: true, Sink: io.Discard, Log: quiet(), OpenTuner: ft.factory()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, "cancelled", s.Coord.Reason())
}

type failingSink struct{}

func (failingSink) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSession_SinkFailureAborts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := &fakeTuner{data: twoServices().Stream(200), chunk: 188 * 4}
	s, err := New(Options{Config: testConfig(), Indefinite: true, SIDs: "101", Sink: failingSink{}, Log: quiet(), OpenTuner: ft.factory()})
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.ErrorIs(t, err, pipeline.ErrSinkWrite)
	assert.Equal(t, "error", s.Coord.Reason())
}

func TestSession_ReadErrorAborts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	boom := errors.New("frontend lost lock")
	ft := &fakeTuner{chunk: 188, readErr: boom}
	s, err := New(Options{Config: testConfig(), Indefinite: true, Sink: io.Discard, Log: quiet(), OpenTuner: ft.factory()})
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestSession_OpenTunerFailure(t *testing.T) {
	t.Parallel()
	s, err := New(Options{
		Config:     testConfig(),
		Indefinite: true,
		Sink:       io.Discard,
		Log:        quiet(),
		OpenTuner: func(context.Context, tuner.Tuning) (tuner.Tuner, error) {
			return nil, errors.New("no such adapter")
		},
	})
	require.NoError(t, err)
	assert.Error(t, s.Run(context.Background()))
	assert.Zero(t, s.BytesWritten())
}

func TestSession_ControlStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir, err := os.MkdirTemp("", "recdvb")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg := testConfig()
	cfg.Control.SocketDir = dir
	ft := &fakeTuner{chunk: 188}
	s, err := New(Options{Config: cfg, Indefinite: true, Sink: io.Discard, Control: true, Log: quiet(), OpenTuner: ft.factory()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return control.Send(context.Background(), dir, os.Getpid(), control.Message{Stop: true}) == nil
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after stop message")
	}
	assert.Equal(t, shutdown.ReasonControl, s.Coord.Reason())
}

// A selection change must not affect data acquired before the message:
// the applier waits for the queue to drain first.
func TestApply_ReselectionWaitsForDrain(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var out lockedBuffer
	s, err := New(Options{Config: testConfig(), Indefinite: true, SIDs: "101", Sink: &out, Log: quiet()})
	require.NoError(t, err)
	p, err := pipeline.New(pipeline.Config{Queue: s.Queue, Splitter: s.Splitter, Sink: &out, Log: quiet()})
	require.NoError(t, err)

	gen := twoServices()
	enqueue := func(ts []byte) {
		for len(ts) > 0 {
			c := queue.NewChunk(188 * 8)
			c.Len = copy(c.Data, ts)
			ts = ts[c.Len:]
			require.NoError(t, s.Queue.Enqueue(c))
		}
	}
	enqueue(gen.Stream(8))

	applied := make(chan error, 1)
	go func() { applied <- s.apply(context.Background(), control.Message{SIDs: "102"}) }()

	select {
	case <-applied:
		t.Fatal("selection applied while the queue still held data")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "101", s.Splitter.Selection().String())

	ran := make(chan error, 1)
	go func() { ran <- p.Run(context.Background()) }()

	select {
	case err := <-applied:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("apply did not return after the queue drained")
	}
	before := out.Bytes()
	assertPIDs(t, before, 0, 0x100, 0x111, 0x112)

	enqueue(gen.Stream(4))
	require.NoError(t, s.Queue.EnqueueEnd())
	require.NoError(t, <-ran)

	after := out.Bytes()[len(before):]
	assertPIDs(t, after, 0, 0x200, 0x211, 0x212)
	assert.Contains(t, tstest.PIDs(after), uint16(0x211))
	assert.Equal(t, "102", s.Splitter.Selection().String())
}

func TestApply_RetuneAndTSID(t *testing.T) {
	t.Parallel()
	ft := &fakeTuner{}
	s, err := New(Options{Config: testConfig(), Tuning: tuner.Tuning{Channel: "27", Device: 1}, Indefinite: true, SIDs: "hd", Sink: io.Discard, Log: quiet()})
	require.NoError(t, err)
	s.Tuner = ft

	require.NoError(t, s.apply(context.Background(), control.Message{Channel: "BS15_0", TSID: 0x40F1}))

	require.Len(t, ft.retunes, 1)
	assert.Equal(t, tuner.Tuning{Channel: "BS15_0", Device: 1, TSID: 0x40F1}, ft.retunes[0])
	assert.Equal(t, "BS15_0", s.Tuning().Channel)
	sel := s.Splitter.Selection()
	assert.Equal(t, "hd", sel.String(), "reselection stays pending until the next PAT")

	// same tuning again is not a retune
	require.NoError(t, s.apply(context.Background(), control.Message{Channel: "BS15_0"}))
	assert.Len(t, ft.retunes, 1)
}

// statsTuner is a fakeTuner that keeps source counters.
type statsTuner struct{ *fakeTuner }

func (s statsTuner) Stats() tuner.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tuner.Stats{Source: "fake", Channel: "28", Retunes: int64(len(s.retunes))}
}

func TestApply_RetuneLogsTunerStats(t *testing.T) {
	t.Parallel()
	var logs lockedBuffer
	s, err := New(Options{Config: testConfig(), Tuning: tuner.Tuning{Channel: "27"}, Indefinite: true, Sink: io.Discard, Log: slog.New(slog.NewTextHandler(&logs, nil))})
	require.NoError(t, err)
	s.Tuner = statsTuner{&fakeTuner{}}

	require.NoError(t, s.apply(context.Background(), control.Message{Channel: "28"}))

	text := string(logs.Bytes())
	assert.Contains(t, text, "retuned")
	assert.Contains(t, text, "tuner.source=fake")
	assert.Contains(t, text, "tuner.retunes=1")
}

func TestApply_RecordingTime(t *testing.T) {
	t.Parallel()
	s, err := New(Options{Config: testConfig(), RecTime: time.Minute, Sink: io.Discard, Log: quiet()})
	require.NoError(t, err)
	s.Coord.SetDeadline(time.Now(), time.Minute)

	require.NoError(t, s.apply(context.Background(), control.Message{Extend: time.Minute}))
	left, finite := s.Coord.Remaining()
	require.True(t, finite)
	assert.Greater(t, left, 110*time.Second)

	require.NoError(t, s.apply(context.Background(), control.Message{Total: 30 * time.Second}))
	left, _ = s.Coord.Remaining()
	assert.LessOrEqual(t, left, 30*time.Second)
	assert.True(t, s.Alive())

	s.Coord.SetDeadline(time.Now().Add(-time.Hour), time.Hour)
	require.NoError(t, s.apply(context.Background(), control.Message{Total: time.Minute}))
	assert.False(t, s.Alive(), "a total shorter than the elapsed time stops the recording")
	s.Coord.MarkStopped()
}

func TestApply_Stop(t *testing.T) {
	t.Parallel()
	s, err := New(Options{Config: testConfig(), Indefinite: true, Sink: io.Discard, Log: quiet()})
	require.NoError(t, err)
	require.NoError(t, s.apply(context.Background(), control.Message{Stop: true}))
	assert.Equal(t, shutdown.Stopping, s.Coord.State())
	assert.Equal(t, shutdown.ReasonControl, s.Coord.Reason())
	s.Coord.MarkStopped()
}

func TestApply_InvalidSelection(t *testing.T) {
	t.Parallel()
	s, err := New(Options{Config: testConfig(), Indefinite: true, SIDs: "101", Sink: io.Discard, Log: quiet()})
	require.NoError(t, err)
	assert.Error(t, s.apply(context.Background(), control.Message{SIDs: "nope"}))
	assert.Equal(t, "101", s.Splitter.Selection().String())
}

func TestWaitSignals(t *testing.T) {
	s, err := New(Options{Config: testConfig(), Indefinite: true, Sink: io.Discard, Log: quiet()})
	require.NoError(t, err)

	w := notifySignals()
	defer w.stop()
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))

	done := make(chan error, 1)
	go func() { done <- s.waitSignals(context.Background(), w) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("signal not observed")
	}
	assert.Equal(t, shutdown.ReasonSignal, s.Coord.Reason())
	s.Coord.MarkStopped()
}
