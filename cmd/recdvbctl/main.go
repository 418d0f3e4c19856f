// Command recdvbctl reconfigures a running recdvb session through its
// control socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/recdvb/internal/config"
	"github.com/zsiec/recdvb/internal/control"
	"github.com/zsiec/recdvb/internal/recorder"
)

var version = "dev"

const sendTimeout = 5 * time.Second

type flags struct {
	pid        int
	channel    string
	sid        string
	tsid       string
	extend     string
	total      string
	stop       bool
	socketDir  string
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "recdvbctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:     "recdvbctl --pid PID [flags]",
		Short:   "Control a running recdvb session",
		Version: version,
		Long: `Send a reconfiguration request to the recdvb process PID.

Times accept HH:MM:SS, MM:SS or seconds; --extend may be negative to
shorten the recording.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := message(f)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			dir := f.socketDir
			if dir == "" {
				cfg, err := config.Load(f.configPath)
				if err != nil {
					return err
				}
				dir = cfg.Control.SocketDir
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
			defer cancel()
			if err := control.Send(ctx, dir, f.pid, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pid %d: %s\n", f.pid, m)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&f.pid, "pid", 0, "process id of the recdvb session")
	fl.StringVar(&f.channel, "channel", "", "retune to this channel")
	fl.StringVar(&f.sid, "sid", "", "new service list")
	fl.StringVar(&f.tsid, "tsid", "", "transport stream id, decimal or 0x hex")
	fl.StringVar(&f.extend, "extend", "", "extend the recording by this long")
	fl.StringVar(&f.total, "time", "", "set the total recording time")
	fl.BoolVar(&f.stop, "stop", false, "stop the recording")
	fl.StringVar(&f.socketDir, "socket-dir", "", "directory holding control sockets")
	fl.StringVar(&f.configPath, "config", "", "YAML configuration file")
	_ = cmd.MarkFlagRequired("pid")
	return cmd
}

// message builds the control message the flags ask for.
func message(f flags) (control.Message, error) {
	if f.pid <= 0 {
		return control.Message{}, fmt.Errorf("invalid --pid %d", f.pid)
	}
	m := control.Message{
		Channel: f.channel,
		SIDs:    f.sid,
		Stop:    f.stop,
	}
	var err error
	if m.TSID, err = control.ParseTSID(f.tsid); err != nil {
		return control.Message{}, err
	}
	if f.extend != "" {
		if m.Extend, err = recorder.ParseDuration(f.extend); err != nil {
			return control.Message{}, fmt.Errorf("--extend: %w", err)
		}
	}
	if f.total != "" {
		if m.Total, err = recorder.ParseDuration(f.total); err != nil {
			return control.Message{}, fmt.Errorf("--time: %w", err)
		}
		if m.Total <= 0 {
			return control.Message{}, errors.New("--time must be positive")
		}
	}
	if m.Empty() {
		return control.Message{}, errors.New("nothing to send")
	}
	return m, nil
}
