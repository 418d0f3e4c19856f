// Package control implements the runtime reconfiguration channel of a
// recording session: the text message format and its Unix socket transport.
//
// A message has the form
//
//	ch=<channel> t=<total_seconds> e=<extend_seconds> sid=<csv_list> tsid=<id> [stop=1]
//
// Absent fields, zero values, empty strings and "(null)" all mean that the
// field requests no change.
package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned by Parse for text that is not a control message.
var ErrMalformed = errors.New("control: malformed message")

const null = "(null)"

// Message is one reconfiguration request.
type Message struct {
	// Channel requests a retune.
	Channel string
	// Total sets the total recording duration, measured from session start.
	Total time.Duration
	// Extend lengthens (or, when negative, shortens) the recording.
	Extend time.Duration
	// SIDs is a new service list in splitter syntax.
	SIDs string
	// TSID selects the transport stream when non-zero.
	TSID uint16
	// Stop ends the recording.
	Stop bool
}

// Empty reports whether m requests nothing.
func (m Message) Empty() bool {
	return m == Message{}
}

// Parse decodes a control message.
func Parse(text string) (Message, error) {
	var m Message
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return m, fmt.Errorf("%w: empty", ErrMalformed)
	}
	for _, f := range fields {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			return Message{}, fmt.Errorf("%w: field %q", ErrMalformed, f)
		}
		if val == null {
			val = ""
		}
		var err error
		switch key {
		case "ch":
			if val != "0" {
				m.Channel = val
			}
		case "sid":
			if val != "0" {
				m.SIDs = val
			}
		case "t":
			m.Total, err = parseSeconds(val)
			if err == nil && m.Total < 0 {
				err = errors.New("negative total")
			}
		case "e":
			m.Extend, err = parseSeconds(val)
		case "tsid":
			m.TSID, err = ParseTSID(val)
		case "stop":
			m.Stop, err = parseFlag(val)
		default:
			err = errors.New("unknown key")
		}
		if err != nil {
			return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformed, f, err)
		}
	}
	return m, nil
}

func parseSeconds(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parseFlag(v string) (bool, error) {
	switch v {
	case "", "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("invalid flag %q", v)
}

// ParseTSID accepts a transport stream id in decimal or 0x-prefixed hex.
// An empty string is zero.
func ParseTSID(v string) (uint16, error) {
	if v == "" {
		return 0, nil
	}
	base := 10
	if len(v) > 2 && v[0] == '0' && (v[1] == 'x' || v[1] == 'X') {
		v, base = v[2:], 16
	}
	n, err := strconv.ParseUint(v, base, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid tsid: %w", err)
	}
	return uint16(n), nil
}

// String encodes m in the wire format understood by Parse.
func (m Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ch=%s t=%d e=%d sid=%s tsid=%d",
		orNull(m.Channel), int64(m.Total/time.Second), int64(m.Extend/time.Second), orNull(m.SIDs), m.TSID)
	if m.Stop {
		b.WriteString(" stop=1")
	}
	return b.String()
}

func orNull(s string) string {
	if s == "" {
		return null
	}
	return s
}
