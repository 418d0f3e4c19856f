package splitter

import (
	"errors"
	"fmt"

	"github.com/zsiec/recdvb/internal/mpegts"
)

var errSectionTooLong = errors.New("section_length exceeds limit")

// SectionError describes a PSI section discarded on a PID.
type SectionError struct {
	PID uint16
	Err error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("splitter: pid 0x%04X: %v", e.PID, e.Err)
}

func (e *SectionError) Unwrap() error { return e.Err }

// assembler reconstructs one PSI section at a time from packet payloads.
// Its buffer is reused across sections.
type assembler struct {
	buf    []byte
	need   int // total section size, 0 until the 3-byte header is complete
	active bool
}

func (a *assembler) reset() {
	a.buf = a.buf[:0]
	a.need = 0
	a.active = false
}

// remaining reports the bytes still missing from the current section, or 0
// when no section is in progress or its length is not yet known.
func (a *assembler) remaining() int {
	if !a.active || a.need == 0 {
		return 0
	}
	return a.need - len(a.buf)
}

// write appends payload bytes to the section under construction and returns
// the unconsumed remainder. done is set once the section is complete, at which
// point buf holds exactly one section.
func (a *assembler) write(b []byte) (rest []byte, done bool, err error) {
	a.active = true
	if a.need == 0 {
		n := min(3-len(a.buf), len(b))
		a.buf = append(a.buf, b[:n]...)
		b = b[n:]
		if len(a.buf) < 3 {
			return b, false, nil
		}
		length := mpegts.SectionLength(a.buf)
		if length > mpegts.MaxSectionLength {
			return nil, false, errSectionTooLong
		}
		a.need = 3 + length
	}
	n := min(a.need-len(a.buf), len(b))
	a.buf = append(a.buf, b[:n]...)
	return b[n:], len(a.buf) == a.need, nil
}
