// Package config loads recorder settings.
//
// Precedence, lowest first: built-in defaults, the YAML file, RECDVB_*
// environment variables, then command-line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zsiec/recdvb/internal/descramble"
	"github.com/zsiec/recdvb/internal/queue"
	"github.com/zsiec/recdvb/internal/shutdown"
	"github.com/zsiec/recdvb/internal/splitter"
	"github.com/zsiec/recdvb/internal/tuner"
)

// Acquisition sources.
const (
	SourceDVB  = "dvb"
	SourceSRT  = "srt"
	SourceFile = "file"
)

// DefaultQueueCapacity is the number of chunks buffered between the tuner
// and the writer.
const DefaultQueueCapacity = 512

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the complete recorder configuration.
type Config struct {
	QueueCapacity int    `yaml:"queue_capacity"`
	ReadSize      int    `yaml:"read_size"`
	Source        string `yaml:"source"`

	DVB      DVB      `yaml:"dvb"`
	SRT      SRT      `yaml:"srt"`
	Decoder  Decoder  `yaml:"decoder"`
	Splitter Splitter `yaml:"splitter"`
	Control  Control  `yaml:"control"`
	Shutdown Shutdown `yaml:"shutdown"`

	MetricsAddr string `yaml:"metrics_addr"`

	// Channels maps logical channel names to physical tuning parameters.
	Channels map[string]Channel `yaml:"channels"`
}

type DVB struct {
	AdapterPath     string        `yaml:"adapter_path"`
	FrontendCommand []string      `yaml:"frontend_command"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
}

type SRT struct {
	Address        string        `yaml:"address"`
	StreamIDPrefix string        `yaml:"stream_id_prefix"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

type Decoder struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Round   int      `yaml:"round"`
}

type Splitter struct {
	KeepSI      bool `yaml:"keep_si"`
	MaxServices int  `yaml:"max_services"`
}

type Control struct {
	SocketDir string `yaml:"socket_dir"`
}

type Shutdown struct {
	Grace time.Duration `yaml:"grace"`
}

// Channel is one entry of the logical channel table.
type Channel struct {
	Channel string `yaml:"channel"`
	SID     string `yaml:"sid"`
	TSID    uint16 `yaml:"tsid"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		QueueCapacity: DefaultQueueCapacity,
		ReadSize:      queue.DefaultChunkSize,
		Source:        SourceDVB,
		DVB: DVB{
			AdapterPath: tuner.DefaultAdapterPath,
			ReadTimeout: tuner.DefaultReadTimeout,
		},
		SRT:      SRT{DialTimeout: 10 * time.Second},
		Decoder:  Decoder{Command: descramble.DefaultCommand, Round: descramble.DefaultRound},
		Splitter: Splitter{MaxServices: splitter.DefaultMaxServices},
		Shutdown: Shutdown{Grace: shutdown.DefaultGrace},
	}
}

// Validate reports every problem in c, joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.QueueCapacity < 1 {
		bad("queue_capacity must be at least 1, got %d", c.QueueCapacity)
	}
	if c.ReadSize < 188 || c.ReadSize%188 != 0 {
		bad("read_size must be a positive multiple of 188, got %d", c.ReadSize)
	}
	switch c.Source {
	case SourceDVB:
		if c.DVB.AdapterPath == "" {
			bad("dvb.adapter_path is required")
		}
	case SourceSRT:
		if c.SRT.Address == "" {
			bad("srt.address is required for source %q", SourceSRT)
		}
	case SourceFile:
	default:
		bad("source must be one of dvb, srt, file; got %q", c.Source)
	}
	if c.DVB.ReadTimeout < 0 {
		bad("dvb.read_timeout must not be negative")
	}
	if c.SRT.DialTimeout < 0 {
		bad("srt.dial_timeout must not be negative")
	}
	if c.Decoder.Command == "" {
		bad("decoder.command is required")
	}
	if c.Decoder.Round < 0 {
		bad("decoder.round must not be negative, got %d", c.Decoder.Round)
	}
	if c.Splitter.MaxServices < 1 {
		bad("splitter.max_services must be at least 1, got %d", c.Splitter.MaxServices)
	}
	if c.Shutdown.Grace <= 0 {
		bad("shutdown.grace must be positive, got %s", c.Shutdown.Grace)
	}

	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch := c.Channels[name]
		if ch.Channel == "" {
			bad("channels.%s.channel is required", name)
		}
		if ch.SID != "" {
			if _, err := splitter.ParseSelection(ch.SID); err != nil {
				bad("channels.%s.sid: %v", name, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ResolveChannel looks up a logical channel name.
func (c *Config) ResolveChannel(name string) (Channel, bool) {
	ch, ok := c.Channels[name]
	return ch, ok
}
