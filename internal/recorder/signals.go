package recorder

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/zsiec/recdvb/internal/shutdown"
)

// stopSignals end a recording gracefully.
var stopSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2}

type signalWaiter struct {
	ch chan os.Signal
}

// notifySignals starts catching the stop signals. A broken output pipe
// surfaces as a write error instead of killing the process.
func notifySignals() *signalWaiter {
	signal.Ignore(syscall.SIGPIPE)
	w := &signalWaiter{ch: make(chan os.Signal, 1)}
	signal.Notify(w.ch, stopSignals...)
	return w
}

func (w *signalWaiter) stop() { signal.Stop(w.ch) }

// waitSignals stops the session on the first stop signal.
func (s *Session) waitSignals(ctx context.Context, w *signalWaiter) error {
	select {
	case sig := <-w.ch:
		s.log.Info("received signal, stopping", "signal", sig)
		s.Coord.Stop(shutdown.ReasonSignal)
	case <-ctx.Done():
	}
	return nil
}
