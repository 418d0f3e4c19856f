// Command recdvb records a live transport stream from a DVB adapter, an SRT
// source or a file, optionally descrambling it and keeping only selected
// services.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/recdvb/internal/config"
	"github.com/zsiec/recdvb/internal/control"
	"github.com/zsiec/recdvb/internal/descramble"
	"github.com/zsiec/recdvb/internal/metrics"
	"github.com/zsiec/recdvb/internal/recorder"
	"github.com/zsiec/recdvb/internal/tuner"
)

var version = "dev"

type flags struct {
	b25         bool
	round       int
	roundSet    bool
	strip       bool
	emm         bool
	device      int
	lnb         int
	sid         string
	tsid        string
	lch         bool
	source      string
	configPath  string
	metricsAddr string
	debug       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:     "recdvb [flags] channel rectime destfile",
		Short:   "Record a live transport stream",
		Version: version,
		Long: `Record a live transport stream to destfile.

rectime is "-" for an indefinite recording, HH:MM:SS, MM:SS or seconds.
destfile "-" writes to standard output. While recording, recdvbctl can
retune, change services or adjust the recording time.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			f.roundSet = cmd.Flags().Changed("round")
			return run(cmd.Context(), f, args)
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.b25, "b25", false, "descramble with the external ARIB STD-B25 filter")
	fl.IntVar(&f.round, "round", descramble.DefaultRound, "MULTI2 round count for --b25")
	fl.BoolVar(&f.strip, "strip", false, "strip null packets when descrambling")
	fl.BoolVar(&f.emm, "emm", false, "process EMM when descrambling")
	fl.IntVar(&f.device, "dev", 0, "DVB adapter number")
	fl.IntVar(&f.lnb, "lnb", 0, "LNB supply voltage: 0, 11 or 15")
	fl.StringVar(&f.sid, "sid", "", "services to keep: SIDs or all, hd, sd1, sd2, sd3, 1seg, epg, epg1seg")
	fl.StringVar(&f.tsid, "tsid", "", "transport stream id, decimal or 0x hex")
	fl.BoolVar(&f.lch, "lch", false, "treat channel as a name from the configured channel table")
	fl.StringVar(&f.source, "source", "", "acquisition source: dvb, srt or file")
	fl.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fl.BoolVar(&f.debug, "debug", false, "debug logging")
	return cmd
}

func setupLogging(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

func run(ctx context.Context, f flags, args []string) error {
	log := setupLogging(f.debug)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		log.Error("configuration failed", "error", err)
		return err
	}
	if f.source != "" {
		cfg.Source = f.source
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Error("configuration failed", "error", err)
		return err
	}

	opts, err := sessionOptions(cfg, f, args)
	if err != nil {
		log.Error("invalid arguments", "error", err)
		return err
	}
	opts.Log = log
	if cfg.MetricsAddr != "" {
		opts.Metrics = metrics.New()
	}

	s, err := recorder.New(opts)
	if err != nil {
		log.Error("setup failed", "error", err)
		return err
	}
	log.Info("recdvb starting",
		"version", version,
		"session", s.ID,
		"source", cfg.Source,
		"pid", os.Getpid(),
		"control", control.SocketPath(cfg.Control.SocketDir, os.Getpid()),
	)
	if err := s.Run(ctx); err != nil {
		log.Error("recording failed", "error", err)
		return err
	}
	return nil
}

// sessionOptions turns the command line into session options.
func sessionOptions(cfg *config.Config, f flags, args []string) (recorder.Options, error) {
	channel, rectime, dest := args[0], args[1], args[2]

	tsid, err := control.ParseTSID(f.tsid)
	if err != nil {
		return recorder.Options{}, err
	}
	sids := f.sid
	if f.lch {
		ch, ok := cfg.ResolveChannel(channel)
		if !ok {
			return recorder.Options{}, fmt.Errorf("unknown logical channel %q", channel)
		}
		channel = ch.Channel
		if sids == "" {
			sids = ch.SID
		}
		if tsid == 0 {
			tsid = ch.TSID
		}
	}
	if !tuner.ValidLNB(f.lnb) {
		return recorder.Options{}, fmt.Errorf("invalid --lnb %d: want 0, 11 or 15", f.lnb)
	}
	d, indefinite, err := recorder.ParseRecTime(rectime)
	if err != nil {
		return recorder.Options{}, err
	}
	round := cfg.Decoder.Round
	if f.roundSet {
		round = f.round
	}

	return recorder.Options{
		Config: cfg,
		Tuning: tuner.Tuning{
			Channel: channel,
			Device:  f.device,
			LNB:     f.lnb,
			TSID:    tsid,
		},
		RecTime:    d,
		Indefinite: indefinite,
		Dest:       dest,
		SIDs:       sids,
		Decoder: descramble.Options{
			Enabled: f.b25,
			Command: cfg.Decoder.Command,
			Args:    cfg.Decoder.Args,
			Round:   round,
			Strip:   f.strip,
			EMM:     f.emm,
		},
		Control: true,
		Signals: true,
	}, nil
}
