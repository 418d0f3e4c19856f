package recorder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zsiec/recdvb/internal/config"
	"github.com/zsiec/recdvb/internal/tuner"
)

// TunerFactory opens the acquisition source for a tuning.
type TunerFactory func(ctx context.Context, t tuner.Tuning) (tuner.Tuner, error)

// NewTunerFactory returns the factory for the configured source. For the
// file source the channel names the input file.
func NewTunerFactory(cfg *config.Config, log *slog.Logger) TunerFactory {
	return func(ctx context.Context, t tuner.Tuning) (tuner.Tuner, error) {
		switch cfg.Source {
		case config.SourceDVB:
			d, err := tuner.OpenDVB(ctx, tuner.DVBConfig{
				AdapterPath:     cfg.DVB.AdapterPath,
				FrontendCommand: cfg.DVB.FrontendCommand,
				ReadTimeout:     cfg.DVB.ReadTimeout,
				Log:             log,
			}, t)
			if err != nil {
				return nil, err
			}
			return d, nil
		case config.SourceSRT:
			s, err := tuner.DialSRT(ctx, tuner.SRTConfig{
				Address:        cfg.SRT.Address,
				StreamIDPrefix: cfg.SRT.StreamIDPrefix,
				DialTimeout:    cfg.SRT.DialTimeout,
				Log:            log,
			}, t)
			if err != nil {
				return nil, err
			}
			return s, nil
		case config.SourceFile:
			r, err := tuner.OpenFile(t.Channel)
			if err != nil {
				return nil, err
			}
			return r, nil
		}
		return nil, fmt.Errorf("recorder: unknown source %q", cfg.Source)
	}
}
