package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RECDVB_"

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the defaults, the optional YAML file at path and the process
// environment, and validates the result.
func Load(path string) (*Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment.
func LoadWith(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format %q (only YAML supported)", ext)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict parse: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("multiple documents or trailing content")
	}
	return nil
}

// applyEnv overrides cfg from RECDVB_* variables. Empty values are ignored.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	e := envReader{lookup: lookup}
	e.int("QUEUE_CAPACITY", &cfg.QueueCapacity)
	e.int("READ_SIZE", &cfg.ReadSize)
	e.string("SOURCE", &cfg.Source)
	e.string("DVB_ADAPTER_PATH", &cfg.DVB.AdapterPath)
	e.fields("DVB_FRONTEND_COMMAND", &cfg.DVB.FrontendCommand)
	e.duration("DVB_READ_TIMEOUT", &cfg.DVB.ReadTimeout)
	e.string("SRT_ADDRESS", &cfg.SRT.Address)
	e.string("SRT_STREAM_ID_PREFIX", &cfg.SRT.StreamIDPrefix)
	e.duration("SRT_DIAL_TIMEOUT", &cfg.SRT.DialTimeout)
	e.string("DECODER_COMMAND", &cfg.Decoder.Command)
	e.fields("DECODER_ARGS", &cfg.Decoder.Args)
	e.int("DECODER_ROUND", &cfg.Decoder.Round)
	e.bool("SPLITTER_KEEP_SI", &cfg.Splitter.KeepSI)
	e.int("SPLITTER_MAX_SERVICES", &cfg.Splitter.MaxServices)
	e.string("CONTROL_SOCKET_DIR", &cfg.Control.SocketDir)
	e.duration("SHUTDOWN_GRACE", &cfg.Shutdown.Grace)
	e.string("METRICS_ADDR", &cfg.MetricsAddr)
	return errors.Join(e.errs...)
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, EnvPrefix, key, v, err))
}

func (e *envReader) string(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) fields(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		*dst = strings.Fields(v)
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}
