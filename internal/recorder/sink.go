package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Stdout is the destination argument that writes to standard output.
const Stdout = "-"

// Sink is the recording output file.
type Sink struct {
	f      *os.File
	path   string
	stdout bool
}

// OpenSink creates or truncates path, creating missing parent directories.
// "-" writes to standard output.
func OpenSink(path string) (*Sink, error) {
	if path == Stdout {
		return &Sink{f: os.Stdout, path: "stdout", stdout: true}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("recorder: create output directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("recorder: open output: %w", err)
	}
	return &Sink{f: f, path: path}, nil
}

func (s *Sink) Write(p []byte) (int, error) { return s.f.Write(p) }

// Path names the destination.
func (s *Sink) Path() string { return s.path }

// Sync flushes the file to stable storage. Pipes and terminals cannot be
// synced; that is not an error.
func (s *Sink) Sync() error {
	err := s.f.Sync()
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) {
		return nil
	}
	return err
}

// Close syncs and closes the file. Standard output is left open.
func (s *Sink) Close() error {
	if s.stdout {
		return s.Sync()
	}
	return errors.Join(s.Sync(), s.f.Close())
}
