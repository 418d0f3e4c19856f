package recorder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Indefinite is the rectime argument that records until stopped.
const Indefinite = "-"

// ErrRecTime reports an unparseable recording time.
var ErrRecTime = errors.New("recorder: invalid recording time")

// ParseRecTime parses the recording time argument: "-" for an indefinite
// recording, otherwise a non-negative duration accepted by ParseDuration.
func ParseRecTime(s string) (d time.Duration, indefinite bool, err error) {
	if strings.TrimSpace(s) == Indefinite {
		return 0, true, nil
	}
	d, err = ParseDuration(s)
	if err != nil {
		return 0, false, err
	}
	if d <= 0 {
		return 0, false, fmt.Errorf("%w: %q must be positive", ErrRecTime, s)
	}
	return d, false, nil
}

// ParseDuration accepts "HH:MM:SS", "MM:SS" or a number of seconds, with an
// optional leading sign.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg, s = true, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	parts := strings.Split(s, ":")
	if s == "" || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrRecTime, s)
	}

	var secs int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrRecTime, s)
		}
		if i > 0 && n >= 60 {
			return 0, fmt.Errorf("%w: %q: field out of range", ErrRecTime, s)
		}
		secs = secs*60 + n
	}
	d := time.Duration(secs) * time.Second
	if neg {
		d = -d
	}
	return d, nil
}
