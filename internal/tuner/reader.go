package tuner

import (
	"context"
	"io"
	"os"
)

// Reader adapts a plain byte stream, such as a capture file or stdin, to
// the Tuner interface. It cannot be retuned.
type Reader struct {
	counters
	r io.Reader
	c io.Closer
}

// NewReader wraps r. If r is an io.Closer, Close closes it.
func NewReader(r io.Reader, name string) *Reader {
	t := &Reader{r: r}
	t.init("file", name)
	if c, ok := r.(io.Closer); ok {
		t.c = c
	}
	return t
}

// OpenFile opens path as a Reader; "-" selects stdin.
func OpenFile(path string) (*Reader, error) {
	if path == "-" {
		return NewReader(io.NopCloser(os.Stdin), "stdin"), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, wrap("open", err)
	}
	return NewReader(f, path), nil
}

func (t *Reader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.recordRead(n)
	return n, err
}

// Retune always fails with ErrRetuneUnsupported.
func (t *Reader) Retune(context.Context, Tuning) error { return ErrRetuneUnsupported }

func (t *Reader) Close() error {
	if t.c == nil {
		return nil
	}
	return t.c.Close()
}
