package descramble

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// Exec runs an external filter that reads the scrambled stream on stdin and
// writes the descrambled stream on stdout.
type Exec struct {
	log   *slog.Logger
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex
	out     []byte
	readErr error

	readDone  chan struct{}
	stderrEnd chan struct{}
	closeIn   sync.Once
	waitOnce  sync.Once
	waitErr   error
}

// StartExec launches the filter command described by opts.
func StartExec(ctx context.Context, opts Options, log *slog.Logger) (*Exec, error) {
	if log == nil {
		log = slog.Default()
	}
	name := opts.Command
	if name == "" {
		name = DefaultCommand
	}
	cmd := exec.CommandContext(ctx, name, opts.CommandArgs()...) // #nosec G204

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("descramble: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("descramble: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("descramble: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("descramble: start %s: %w", name, err)
	}

	e := &Exec{
		log:       log,
		cmd:       cmd,
		stdin:     stdin,
		readDone:  make(chan struct{}),
		stderrEnd: make(chan struct{}),
	}
	log.Info("descrambler started", "command", name, "args", opts.CommandArgs(), "pid", cmd.Process.Pid)

	go e.readLoop(stdout)
	go e.logStderr(stderr)
	return e, nil
}

func (e *Exec) readLoop(stdout io.Reader) {
	defer close(e.readDone)
	buf := make([]byte, 64*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.out = append(e.out, buf[:n]...)
			e.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.mu.Lock()
				e.readErr = err
				e.mu.Unlock()
			}
			return
		}
	}
}

func (e *Exec) logStderr(stderr io.Reader) {
	defer close(e.stderrEnd)
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		e.log.Debug("descrambler", "stderr", sc.Text())
	}
}

// Transform feeds src to the filter and appends whatever output it has
// produced so far.
func (e *Exec) Transform(dst, src []byte) ([]byte, error) {
	if len(src) > 0 {
		if _, err := e.stdin.Write(src); err != nil {
			return e.drain(dst), fmt.Errorf("descramble: write: %w", err)
		}
	}
	return e.drain(dst), nil
}

func (e *Exec) drain(dst []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	dst = append(dst, e.out...)
	e.out = e.out[:0]
	return dst
}

// Finish closes the filter's input, waits for it to exit and appends the
// remaining output.
func (e *Exec) Finish(dst []byte) ([]byte, error) {
	e.closeInput()
	<-e.readDone
	dst = e.drain(dst)
	if err := e.wait(); err != nil {
		return dst, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readErr != nil {
		return dst, fmt.Errorf("descramble: read: %w", e.readErr)
	}
	return dst, nil
}

// Close kills the filter and discards pending output.
func (e *Exec) Close() error {
	e.closeInput()
	select {
	case <-e.readDone:
	default:
		_ = e.cmd.Process.Kill()
		<-e.readDone
	}
	err := e.wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func (e *Exec) closeInput() {
	e.closeIn.Do(func() { _ = e.stdin.Close() })
}

// wait reaps the process once both output pipes are drained.
func (e *Exec) wait() error {
	e.waitOnce.Do(func() {
		<-e.stderrEnd
		if err := e.cmd.Wait(); err != nil {
			e.waitErr = fmt.Errorf("descramble: filter exited: %w", err)
		}
	})
	return e.waitErr
}
