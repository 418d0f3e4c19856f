package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	connTimeout = 5 * time.Second
	maxLineSize = 4096
)

// ErrRejected is returned by Send when the session refused the message.
var ErrRejected = errors.New("control: message rejected")

// SocketPath returns the control socket of the session running as pid.
func SocketPath(dir string, pid int) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("recdvb-%d.sock", pid))
}

// Listener accepts control messages on a Unix socket and delivers them, one
// at a time and in arrival order, on Messages.
type Listener struct {
	log  *slog.Logger
	ln   net.Listener
	path string
	msgs chan Message
	done chan struct{}
	once sync.Once
}

// Listen binds the socket at path, replacing a stale socket file, and serves
// until ctx is cancelled or Close is called.
func Listen(ctx context.Context, path string, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("control: remove stale socket: %w", err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listen: %w", err)
	}

	l := &Listener{
		log:  log.With("component", "control", "socket", path),
		ln:   ln,
		path: path,
		msgs: make(chan Message),
		done: make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.done:
		}
	}()
	go l.serve()
	l.log.Info("control socket listening")
	return l, nil
}

// Messages delivers accepted messages. It is closed when the listener stops.
func (l *Listener) Messages() <-chan Message { return l.msgs }

// Path returns the socket path.
func (l *Listener) Path() string { return l.path }

// Close stops accepting messages and removes the socket.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

func (l *Listener) serve() {
	defer close(l.msgs)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.Error("accept failed", "error", err)
			}
			return
		}
		if !l.handle(conn) {
			return
		}
	}
}

// handle reads messages from one connection, answering each with "ok" or
// "err <reason>". It returns false once the listener is closing.
func (l *Listener) handle(conn net.Conn) bool {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 256), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m, err := Parse(line)
		if err != nil {
			l.log.Warn("ignoring control message", "message", line, "error", err)
			fmt.Fprintf(conn, "err %v\n", err)
			continue
		}
		select {
		case l.msgs <- m:
			l.log.Info("control message received", "message", m.String())
			fmt.Fprintln(conn, "ok")
		case <-l.done:
			fmt.Fprintln(conn, "err session stopping")
			return false
		}
	}
	return true
}

// Send delivers m to the session running as pid and waits for its answer.
func Send(ctx context.Context, dir string, pid int, m Message) error {
	path := SocketPath(dir, pid)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("control: connect %s: %w", path, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(connTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := fmt.Fprintln(conn, m.String()); err != nil {
		return fmt.Errorf("control: send: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("control: read reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply != "ok" {
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimPrefix(reply, "err "))
	}
	return nil
}
