package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/recdvb/internal/config"
	"github.com/zsiec/recdvb/internal/descramble"
	"github.com/zsiec/recdvb/internal/tstest"
)

func TestSessionOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = map[string]config.Channel{
		"nhk": {Channel: "bs15", SID: "101", TSID: 0x40F1},
	}

	t.Run("plain", func(t *testing.T) {
		opts, err := sessionOptions(&cfg, flags{device: 1, lnb: 15, sid: "hd", tsid: "0x10"}, []string{"27", "30:00", "out.ts"})
		require.NoError(t, err)
		assert.Equal(t, "27", opts.Tuning.Channel)
		assert.Equal(t, 1, opts.Tuning.Device)
		assert.Equal(t, 15, opts.Tuning.LNB)
		assert.EqualValues(t, 0x10, opts.Tuning.TSID)
		assert.Equal(t, 30*time.Minute, opts.RecTime)
		assert.False(t, opts.Indefinite)
		assert.Equal(t, "hd", opts.SIDs)
		assert.Equal(t, "out.ts", opts.Dest)
		assert.True(t, opts.Control)
		assert.True(t, opts.Signals)
		assert.Equal(t, descramble.DefaultRound, opts.Decoder.Round)
	})

	t.Run("logical channel", func(t *testing.T) {
		opts, err := sessionOptions(&cfg, flags{lch: true}, []string{"nhk", "-", "-"})
		require.NoError(t, err)
		assert.Equal(t, "bs15", opts.Tuning.Channel)
		assert.EqualValues(t, 0x40F1, opts.Tuning.TSID)
		assert.Equal(t, "101", opts.SIDs)
		assert.True(t, opts.Indefinite)
	})

	t.Run("flags override logical channel", func(t *testing.T) {
		opts, err := sessionOptions(&cfg, flags{lch: true, sid: "epg", tsid: "5"}, []string{"nhk", "60", "-"})
		require.NoError(t, err)
		assert.Equal(t, "epg", opts.SIDs)
		assert.EqualValues(t, 5, opts.Tuning.TSID)
	})

	t.Run("decoder", func(t *testing.T) {
		opts, err := sessionOptions(&cfg, flags{b25: true, round: 32, roundSet: true, strip: true, emm: true}, []string{"27", "60", "-"})
		require.NoError(t, err)
		assert.True(t, opts.Decoder.Enabled)
		assert.Equal(t, 32, opts.Decoder.Round)
		assert.True(t, opts.Decoder.Strip)
		assert.True(t, opts.Decoder.EMM)
		assert.Equal(t, cfg.Decoder.Command, opts.Decoder.Command)
	})

	for name, tc := range map[string]struct {
		f    flags
		args []string
	}{
		"unknown logical channel": {flags{lch: true}, []string{"missing", "60", "-"}},
		"bad lnb":                 {flags{lnb: 12}, []string{"27", "60", "-"}},
		"bad tsid":                {flags{tsid: "0xZZ"}, []string{"27", "60", "-"}},
		"bad rectime":             {flags{}, []string{"27", "later", "-"}},
		"zero rectime":            {flags{}, []string{"27", "0", "-"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := sessionOptions(&cfg, tc.f, tc.args)
			assert.Error(t, err)
		})
	}
}

func TestCommand_MissingArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"27", "60"})
	assert.Error(t, cmd.Execute())
}

func TestCommand_RecordsFile(t *testing.T) {
	sockets, err := os.MkdirTemp("", "recdvb")
	require.NoError(t, err)
	defer os.RemoveAll(sockets)
	t.Setenv("RECDVB_CONTROL_SOCKET_DIR", sockets)

	dir := t.TempDir()
	in := filepath.Join(dir, "in.ts")
	gen := tstest.New(0x7FE0,
		tstest.Service{SID: 101, PMTPID: 0x100, ES: []uint16{0x111}},
		tstest.Service{SID: 102, PMTPID: 0x200, ES: []uint16{0x211}},
	)
	require.NoError(t, os.WriteFile(in, gen.Stream(10), 0o644))
	out := filepath.Join(dir, "out.ts")

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--source", "file", "--sid", "102", in, "-", out})
	require.NoError(t, cmd.Execute())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	progs, ok := tstest.Programs(got)
	require.True(t, ok)
	require.Len(t, progs, 1)
	assert.EqualValues(t, 102, progs[0].Number)
	for _, pid := range tstest.PIDs(got) {
		assert.Contains(t, []uint16{0, 0x200, 0x211}, pid)
	}
}

func TestCommand_InvalidSource(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--source", "tape", "27", "60", "-"})
	assert.Error(t, cmd.Execute())
}
