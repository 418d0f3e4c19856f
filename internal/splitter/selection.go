package splitter

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/zsiec/recdvb/internal/mpegts"
)

// ErrInvalidSelection is returned for a service list item that is neither a
// service ID nor a known keyword.
var ErrInvalidSelection = errors.New("splitter: invalid service selection")

const (
	pidOneSegPMT uint16 = 0x1FC8

	pidEIT     uint16 = 0x12
	pidEITHigh uint16 = 0x26 // H-EIT
	pidEITLow  uint16 = 0x27 // L-EIT, also carries one-segment EPG
)

// Selection is the set of services the splitter retains.
type Selection struct {
	// SIDs are explicitly requested program numbers.
	SIDs []uint16
	// Ordinals are 1-based positions in the PAT program loop
	// ("hd"/"sd1" is 1, "sd2" is 2, "sd3" is 3).
	Ordinals []int
	// All retains every program in the PAT.
	All bool
	// OneSeg retains the program carried on the one-segment PMT PID.
	OneSeg bool
	// EPG forwards the EIT PIDs alongside the PAT and retains no program.
	EPG bool
	// EPG1Seg forwards only the one-segment EIT PID.
	EPG1Seg bool

	// TSID, when HasTSID is set, must match the PAT's transport_stream_id
	// for the PAT to be acted upon.
	TSID    uint16
	HasTSID bool
}

// ParseSelection parses a comma-separated list of decimal service IDs and
// keywords (all, hd, sd1, sd2, sd3, 1seg, epg, epg1seg).
func ParseSelection(csv string) (Selection, error) {
	var sel Selection
	for _, item := range strings.Split(csv, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		switch item {
		case "":
		case "all":
			sel.All = true
		case "hd", "sd1":
			sel.addOrdinal(1)
		case "sd2":
			sel.addOrdinal(2)
		case "sd3":
			sel.addOrdinal(3)
		case "1seg":
			sel.OneSeg = true
		case "epg":
			sel.EPG = true
		case "epg1seg":
			sel.EPG1Seg = true
		default:
			sid, err := strconv.ParseUint(item, 10, 16)
			if err != nil || sid == 0 {
				return Selection{}, fmt.Errorf("%w: %q", ErrInvalidSelection, item)
			}
			if !slices.Contains(sel.SIDs, uint16(sid)) {
				sel.SIDs = append(sel.SIDs, uint16(sid))
			}
		}
	}
	return sel, nil
}

func (s *Selection) addOrdinal(n int) {
	if !slices.Contains(s.Ordinals, n) {
		s.Ordinals = append(s.Ordinals, n)
	}
}

// WithTSID returns a copy of s restricted to transport stream id.
func (s Selection) WithTSID(id uint16) Selection {
	s.TSID = id
	s.HasTSID = true
	return s
}

// Empty reports whether s selects nothing at all.
func (s Selection) Empty() bool {
	return len(s.SIDs) == 0 && len(s.Ordinals) == 0 && !s.All && !s.OneSeg && !s.EPG && !s.EPG1Seg
}

// String formats s back into the list form accepted by ParseSelection.
func (s Selection) String() string {
	var items []string
	if s.All {
		items = append(items, "all")
	}
	for _, n := range s.Ordinals {
		if n == 1 {
			items = append(items, "hd")
		} else {
			items = append(items, "sd"+strconv.Itoa(n))
		}
	}
	if s.OneSeg {
		items = append(items, "1seg")
	}
	if s.EPG {
		items = append(items, "epg")
	}
	if s.EPG1Seg {
		items = append(items, "epg1seg")
	}
	for _, sid := range s.SIDs {
		items = append(items, strconv.Itoa(int(sid)))
	}
	return strings.Join(items, ",")
}

// retains reports whether the program at index idx of the PAT loop is kept.
func (s Selection) retains(idx int, p mpegts.PATProgram) bool {
	switch {
	case s.All:
		return true
	case slices.Contains(s.SIDs, p.Number):
		return true
	case slices.Contains(s.Ordinals, idx+1):
		return true
	case s.OneSeg && p.PMTPID == pidOneSegPMT:
		return true
	}
	return false
}

// forwardsPID reports PIDs the selection forwards outside any program.
func (s Selection) forwardsPID(pid uint16) bool {
	switch {
	case s.EPG:
		return pid == pidEIT || pid == pidEITHigh || pid == pidEITLow
	case s.EPG1Seg:
		return pid == pidEITLow
	}
	return false
}
