package tuner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"text/template"
	"time"
)

// DefaultAdapterPath is the device directory template for DVB adapters.
const DefaultAdapterPath = "/dev/dvb/adapter{{.Device}}"

// DefaultReadTimeout bounds a single read from the dvr device.
const DefaultReadTimeout = time.Second

// DVBConfig describes how to reach a Linux DVB adapter.
type DVBConfig struct {
	// AdapterPath is a text/template over Tuning naming the adapter
	// directory; dvr0 is opened inside it.
	AdapterPath string
	// FrontendCommand is the argv, each element a text/template over Tuning,
	// of a long-running process that tunes the frontend and keeps it locked
	// (for example dvbv5-zap). It is restarted on every retune. Empty means
	// the frontend is tuned externally.
	FrontendCommand []string
	ReadTimeout     time.Duration
	Log             *slog.Logger
}

// DVB reads from /dev/dvb/adapterN/dvr0.
type DVB struct {
	counters
	cfg DVBConfig
	log *slog.Logger
	dvr *os.File

	mu       sync.Mutex
	frontend *exec.Cmd
	cancel   context.CancelFunc
	tuning   Tuning
}

// OpenDVB tunes the frontend for t and opens the dvr device.
func OpenDVB(ctx context.Context, cfg DVBConfig, t Tuning) (*DVB, error) {
	if cfg.AdapterPath == "" {
		cfg.AdapterPath = DefaultAdapterPath
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	d := &DVB{cfg: cfg, log: log.With("component", "dvb", "device", t.Device)}
	d.init("dvb", t.Channel)

	if err := d.startFrontend(ctx, t); err != nil {
		return nil, err
	}
	dir, err := render(cfg.AdapterPath, t)
	if err != nil {
		d.stopFrontend()
		return nil, err
	}
	dvr, err := os.OpenFile(dir+"/dvr0", os.O_RDONLY, 0)
	if err != nil {
		d.stopFrontend()
		return nil, wrap("open dvr", err)
	}
	d.dvr = dvr
	d.log.Info("dvr opened", "path", dvr.Name(), "channel", t.Channel)
	return d, nil
}

// Read reads from the dvr device, returning an IsTimeout error when no data
// arrived within the read timeout.
func (d *DVB) Read(p []byte) (int, error) {
	if err := d.dvr.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return 0, wrap("set deadline", err)
	}
	n, err := d.dvr.Read(p)
	d.recordRead(n)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrTimeout
	}
	return n, err
}

// Retune restarts the frontend command for t. The dvr device stays open.
func (d *DVB) Retune(ctx context.Context, t Tuning) error {
	d.stopFrontend()
	if err := d.startFrontend(ctx, t); err != nil {
		return err
	}
	d.recordRetune(t.Channel)
	d.log.Info("retuned", "channel", t.Channel)
	return nil
}

// Tuning returns the current tuning parameters.
func (d *DVB) Tuning() Tuning {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tuning
}

func (d *DVB) Close() error {
	d.stopFrontend()
	if d.dvr == nil {
		return nil
	}
	return d.dvr.Close()
}

func (d *DVB) startFrontend(ctx context.Context, t Tuning) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tuning = t
	if len(d.cfg.FrontendCommand) == 0 {
		return nil
	}

	argv, err := renderArgs(d.cfg.FrontendCommand, t)
	if err != nil {
		return err
	}
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(fctx, argv[0], argv[1:]...) // #nosec G204
	if err := cmd.Start(); err != nil {
		cancel()
		return wrap("start frontend", err)
	}
	d.frontend = cmd
	d.cancel = cancel
	d.log.Info("frontend started", "argv", argv, "pid", cmd.Process.Pid)
	return nil
}

func (d *DVB) stopFrontend() {
	d.mu.Lock()
	cmd, cancel := d.frontend, d.cancel
	d.frontend, d.cancel = nil, nil
	d.mu.Unlock()

	if cmd == nil {
		return
	}
	cancel()
	if err := cmd.Wait(); err != nil {
		d.log.Debug("frontend exited", "error", err)
	}
}

func render(text string, t Tuning) (string, error) {
	tmpl, err := template.New("arg").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", wrap("parse template", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, t); err != nil {
		return "", wrap("render template", err)
	}
	return buf.String(), nil
}

func renderArgs(args []string, t Tuning) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, a := range args {
		s, err := render(a, t)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if out[0] == "" {
		return nil, fmt.Errorf("tuner: empty frontend command")
	}
	return out, nil
}
