package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/zsiec/recdvb/internal/control"
	"github.com/zsiec/recdvb/internal/shutdown"
	"github.com/zsiec/recdvb/internal/splitter"
)

// applyControl applies control messages in arrival order until ctx ends or
// the listener closes.
func (s *Session) applyControl(ctx context.Context, msgs <-chan control.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			err := s.apply(ctx, m)
			s.Metrics.ControlMessage(err)
			if err != nil {
				s.log.Warn("control message failed", "message", m.String(), "error", err)
			}
		}
	}
}

// apply waits until everything acquired before the message has been
// written, then retunes, changes the service selection and adjusts the
// recording time, in that order.
func (s *Session) apply(ctx context.Context, m control.Message) error {
	if m.Stop {
		s.Coord.Stop(shutdown.ReasonControl)
		return nil
	}
	if m.Empty() {
		return nil
	}
	if err := s.Queue.WaitIdle(); err != nil {
		return fmt.Errorf("recorder: waiting for queue to drain: %w", err)
	}

	var errs []error
	if m.Channel != "" || m.TSID != 0 {
		if err := s.retune(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	if m.SIDs != "" || m.TSID != 0 {
		if err := s.reselect(m); err != nil {
			errs = append(errs, err)
		}
	}
	if m.Extend != 0 {
		s.Coord.Extend(m.Extend)
	}
	if m.Total != 0 {
		s.Coord.SetTotal(m.Total)
	}
	return errors.Join(errs...)
}

func (s *Session) retune(ctx context.Context, m control.Message) error {
	t := s.Tuning()
	if m.Channel != "" {
		t.Channel = m.Channel
	}
	if m.TSID != 0 {
		t.TSID = m.TSID
	}
	if t == s.Tuning() {
		return nil
	}

	err := s.Tuner.Retune(ctx, t)
	s.Metrics.Retune(err)
	if err != nil {
		return fmt.Errorf("recorder: retune to %s: %w", t.Channel, err)
	}
	s.tuning.Store(&t)
	s.Splitter.Reset()
	s.log.Info("retuned", append([]any{"to", t.Channel, "tsid", t.TSID}, s.tunerAttrs()...)...)
	return nil
}

func (s *Session) reselect(m control.Message) error {
	sel := s.Splitter.Selection()
	if m.SIDs != "" {
		next, err := splitter.ParseSelection(m.SIDs)
		if err != nil {
			return err
		}
		if sel.HasTSID {
			next = next.WithTSID(sel.TSID)
		}
		sel = next
	}
	if m.TSID != 0 {
		sel = sel.WithTSID(m.TSID)
	}
	return s.Splitter.Reconfigure(sel)
}
