// Package splitter filters a live MPEG transport stream down to a selected
// set of services.
//
// The Splitter reassembles PAT and PMT sections that span several packets,
// validates their CRC32, tracks table versions and keeps a PID table that
// decides, packet by packet, what is forwarded. The PAT is replaced by a
// reduced section listing only the retained programs.
package splitter

import (
	"bytes"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/recdvb/internal/mpegts"
)

// DefaultMaxServices bounds the number of programs tracked at once.
const DefaultMaxServices = 50

// maxHeldPackets bounds the packets held back for a candidate PMT; a
// section of MaxSectionLength fits in six.
const maxHeldPackets = 8

var (
	// ErrEmptySelection is returned by New and Reconfigure when a Strict
	// splitter is given a selection that names nothing.
	ErrEmptySelection = errors.New("splitter: empty service selection")
	// ErrTooManyServices reports that a PAT would require tracking more
	// services than the configured maximum.
	ErrTooManyServices = errors.New("splitter: too many services")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("splitter: shut down")
)

// Role is what the PID table records for one PID.
type Role uint8

const (
	RoleUnused Role = iota
	RolePassThrough
	RolePAT
	RoleCandidatePMT
	RoleSelectedPMT
	RoleSelectedES
)

func (r Role) String() string {
	switch r {
	case RoleUnused:
		return "unused"
	case RolePassThrough:
		return "pass-through"
	case RolePAT:
		return "pat"
	case RoleCandidatePMT:
		return "candidate-pmt"
	case RoleSelectedPMT:
		return "selected-pmt"
	case RoleSelectedES:
		return "selected-es"
	}
	return "unknown"
}

// forwarded reports whether packets on a PID with this role reach the output
// as they arrive. PAT and candidate PMT packets are emitted separately.
func (r Role) forwarded() bool {
	return r == RolePassThrough || r == RoleSelectedPMT || r == RoleSelectedES
}

// Policy controls what happens to PIDs outside the selected services.
type Policy int

const (
	// Strict drops every PID that is not the PAT or part of a selected
	// service.
	Strict Policy = iota
	// KeepSI additionally forwards the network-wide service information
	// PIDs. An empty selection under KeepSI forwards the whole stream.
	KeepSI
)

// siPIDs are the DVB and ARIB service information PIDs forwarded by KeepSI.
var siPIDs = []uint16{
	0x01,       // CAT
	0x10,       // NIT
	0x11,       // SDT/BAT
	0x12,       // EIT
	0x13,       // RST
	0x14,       // TDT/TOT
	0x1E,       // DIT
	0x1F,       // SIT
	0x23,       // SDTT
	0x24,       // BIT
	0x26, 0x27, // H-EIT, L-EIT
	0x28, // SDTT
	0x29, // CDT
}

// Stats are cumulative counters for diagnostics.
type Stats struct {
	Packets           uint64
	Forwarded         uint64
	Dropped           uint64
	ContinuityErrors  uint64
	CRCErrors         uint64
	DiscardedSections uint64
	TSIDMismatches    uint64
	PATRebuilds       uint64
	PMTRebuilds       uint64
	SyncLosses        uint64
	Services          int
}

// Service describes one tracked program and its table version record.
type Service struct {
	SID     uint16
	PMTPID  uint16
	Version int    // -1 until the first PMT was accepted
	Packet  uint64 // packet index at which Version was first observed
	PIDs    []uint16
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithPolicy selects the handling of PIDs outside the selected services.
func WithPolicy(p Policy) Option {
	return func(s *Splitter) { s.policy = p }
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Splitter) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxServices overrides DefaultMaxServices.
func WithMaxServices(n int) Option {
	return func(s *Splitter) {
		if n > 0 {
			s.maxServices = n
		}
	}
}

// Splitter is the stateful service filter. Process and Split are called by
// a single consumer; Reconfigure, Reset, Stats and Roles may be called from
// other goroutines.
type Splitter struct {
	log         *slog.Logger
	policy      Policy
	maxServices int

	mu      sync.Mutex
	closed  bool
	sel     Selection
	pending *Selection
	gen     uint64 // bumped whenever sel changes
	passAll bool

	roles [mpegts.MaxPID]Role
	refs  [mpegts.MaxPID]uint8
	cc    [mpegts.MaxPID]uint8 // last counter | ccSeen
	asm   [mpegts.MaxPID]*assembler
	held  map[uint16][]byte

	services []*Service

	patVersion int
	patTSID    uint16
	patGen     uint64
	patSection []byte
	patCC      uint8
	warnedKey  [2]uint64 // {version, gen} of the last missing-SID warning

	// sections of a multi-section PAT seen so far, by section_number
	patParts     []*mpegts.PAT
	partsVersion uint8
	partsTSID    uint16

	packets uint64
	stats   Stats

	// carry holds a partial trailing packet between Split calls; touched
	// only by the consumer.
	carry      []byte
	dropCarry  atomic.Bool
	syncLosses atomic.Uint64

	ccLog  rate.Sometimes
	crcLog rate.Sometimes
}

const ccSeen = 0x10

// New creates a Splitter retaining sel.
func New(sel Selection, opts ...Option) (*Splitter, error) {
	s := &Splitter{
		log:         slog.Default(),
		maxServices: DefaultMaxServices,
		held:        make(map[uint16][]byte),
		carry:       make([]byte, 0, mpegts.PacketSize),
		ccLog:       rate.Sometimes{Interval: time.Second},
		crcLog:      rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if sel.Empty() && s.policy == Strict {
		return nil, ErrEmptySelection
	}
	s.log = s.log.With("component", "splitter")
	s.sel = sel
	s.passAll = sel.Empty()
	s.resetPSI()
	return s, nil
}

// Reconfigure replaces the service selection. The change is applied when the
// next complete PAT is observed.
func (s *Splitter) Reconfigure(sel Selection) error {
	if sel.Empty() && s.policy == Strict {
		return ErrEmptySelection
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &sel
	s.log.Info("selection change pending", "sid", sel.String(), "tsid", sel.TSID, "has_tsid", sel.HasTSID)
	return nil
}

// Selection returns the active selection.
func (s *Splitter) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

// Reset forgets all table state, as after a retune. The next PAT is parsed
// from scratch; a pending selection stays pending.
func (s *Splitter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetPSI()
	s.dropCarry.Store(true)
}

// Shutdown releases all per-PID state. Later calls to Process fail with
// ErrClosed.
func (s *Splitter) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.services = nil
	s.held = nil
	s.patSection = nil
	s.carry = nil
	for i := range s.asm {
		s.asm[i] = nil
	}
}

// Stats returns a snapshot of the counters.
func (s *Splitter) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Services = len(s.services)
	st.SyncLosses = s.syncLosses.Load()
	return st
}

// Roles returns a copy of the PID table.
func (s *Splitter) Roles() [mpegts.MaxPID]Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles
}

// Services returns the tracked programs and their version records.
func (s *Splitter) Services() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Service, 0, len(s.services))
	for _, svc := range s.services {
		c := *svc
		c.PIDs = slices.Clone(svc.PIDs)
		out = append(out, c)
	}
	return out
}

// Split processes an arbitrary run of stream bytes. It re-synchronises on
// the sync byte and keeps a partial trailing packet for the next call.
func (s *Splitter) Split(dst, src []byte) ([]byte, error) {
	var err error
	if s.dropCarry.Swap(false) {
		s.carry = s.carry[:0]
	}
	if len(s.carry) > 0 {
		need := mpegts.PacketSize - len(s.carry)
		if len(src) < need {
			s.carry = append(s.carry, src...)
			return dst, nil
		}
		s.carry = append(s.carry, src[:need]...)
		src = src[need:]
		dst, err = s.Process(dst, s.carry)
		s.carry = s.carry[:0]
		if err != nil {
			return dst, err
		}
	}

	for len(src) > 0 {
		if src[0] != mpegts.SyncByte {
			s.syncLosses.Add(1)
			i := resync(src)
			if i < 0 {
				return dst, nil
			}
			src = src[i:]
		}
		if len(src) < mpegts.PacketSize {
			s.carry = append(s.carry, src...)
			break
		}
		dst, err = s.Process(dst, src[:mpegts.PacketSize])
		if err != nil {
			return dst, err
		}
		src = src[mpegts.PacketSize:]
	}
	return dst, nil
}

// resync returns the offset of the first sync byte that is followed by
// another one a packet later, or that starts the last packet-sized run of b.
// It returns -1 when b holds no candidate.
func resync(b []byte) int {
	for off := 0; off < len(b); off++ {
		i := bytes.IndexByte(b[off:], mpegts.SyncByte)
		if i < 0 {
			return -1
		}
		off += i
		if next := off + mpegts.PacketSize; next >= len(b) || b[next] == mpegts.SyncByte {
			return off
		}
	}
	return -1
}

// Process handles one 188-byte packet and appends whatever it produces to
// dst: nothing when the packet is dropped or held, the packet itself, or a
// rewritten PAT.
func (s *Splitter) Process(dst, pkt []byte) ([]byte, error) {
	h, err := mpegts.ParseHeader(pkt)
	if err != nil {
		return dst, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dst, ErrClosed
	}
	s.packets++
	s.stats.Packets++
	s.checkContinuity(h)

	before := len(dst)
	switch role := s.roles[h.PID]; role {
	case RolePAT:
		// a pending selection may end pass-through at this PAT
		pass := s.passAll
		dst, err = s.feedPSI(dst, h, pkt)
		dst = s.passPAT(dst, pkt, pass && s.passAll)
	case RoleCandidatePMT:
		held := s.held[h.PID]
		if h.PayloadUnitStartIndicator || len(held) >= maxHeldPackets*mpegts.PacketSize {
			held = held[:0]
		}
		s.held[h.PID] = append(held, pkt...)
		dst, err = s.feedPSI(dst, h, pkt)
	case RoleSelectedPMT:
		dst = append(dst, pkt...)
		dst, err = s.feedPSI(dst, h, pkt)
	default:
		if role.forwarded() || s.passAll {
			dst = append(dst, pkt...)
		}
	}

	if len(dst) > before {
		s.stats.Forwarded += uint64(len(dst)-before) / mpegts.PacketSize
	} else {
		s.stats.Dropped++
	}
	return dst, err
}

// passPAT forwards original PAT packets while everything passes through.
// Packets of a section still being assembled are held until it completes,
// so a selection taking effect at that section never leaves a truncated
// original PAT in the output.
func (s *Splitter) passPAT(dst, pkt []byte, pass bool) []byte {
	held := s.held[mpegts.PIDPAT]
	if !pass {
		s.held[mpegts.PIDPAT] = held[:0]
		return dst
	}
	held = append(held, pkt...)
	if a := s.asm[mpegts.PIDPAT]; a != nil && a.active && len(held) < maxHeldPackets*mpegts.PacketSize {
		s.held[mpegts.PIDPAT] = held
		return dst
	}
	dst = append(dst, held...)
	s.held[mpegts.PIDPAT] = held[:0]
	return dst
}

func (s *Splitter) checkContinuity(h mpegts.Header) {
	if h.PID == mpegts.PIDNull || !h.HasPayload {
		return
	}
	last := s.cc[h.PID]
	s.cc[h.PID] = h.ContinuityCounter | ccSeen
	if last&ccSeen == 0 || h.DiscontinuityIndicator {
		return
	}
	prev := last & 0x0F
	if h.ContinuityCounter == prev || h.ContinuityCounter == (prev+1)&0x0F {
		return
	}
	s.stats.ContinuityErrors++
	s.ccLog.Do(func() {
		s.log.Debug("continuity mismatch", "pid", h.PID,
			"expected", (prev+1)&0x0F, "got", h.ContinuityCounter,
			"total", s.stats.ContinuityErrors)
	})
}

// feedPSI pushes the payload of a PAT or PMT packet through the PID's
// assembler, acting on every section it completes.
func (s *Splitter) feedPSI(dst []byte, h mpegts.Header, pkt []byte) ([]byte, error) {
	if h.TransportErrorIndicator || h.Scrambled() || !h.HasPayload {
		return dst, nil
	}
	a := s.asm[h.PID]
	if a == nil {
		a = &assembler{}
		s.asm[h.PID] = a
	}
	p := pkt[h.PayloadOffset:]

	if !h.PayloadUnitStartIndicator {
		if !a.active {
			return dst, nil
		}
		_, done, err := a.write(p)
		switch {
		case err != nil:
			s.discard(h.PID, a, err)
		case done:
			return s.complete(dst, h.PID, a)
		}
		return dst, nil
	}

	if len(p) == 0 {
		return dst, nil
	}
	ptr := int(p[0])
	p = p[1:]
	if ptr > len(p) {
		s.discard(h.PID, a, errors.New("pointer_field overruns payload"))
		return dst, nil
	}
	if a.active {
		_, done, err := a.write(p[:ptr])
		switch {
		case err != nil:
			s.discard(h.PID, a, err)
		case done:
			var perr error
			if dst, perr = s.complete(dst, h.PID, a); perr != nil {
				return dst, perr
			}
		default:
			s.discard(h.PID, a, errors.New("incomplete section before payload unit start"))
		}
	}

	p = p[ptr:]
	for len(p) > 0 && p[0] != 0xFF {
		rest, done, err := a.write(p)
		if err != nil {
			s.discard(h.PID, a, err)
			break
		}
		if !done {
			break
		}
		var perr error
		if dst, perr = s.complete(dst, h.PID, a); perr != nil {
			return dst, perr
		}
		p = rest
	}
	return dst, nil
}

func (s *Splitter) discard(pid uint16, a *assembler, err error) {
	a.reset()
	s.stats.DiscardedSections++
	s.log.Debug("section discarded", "error", &SectionError{PID: pid, Err: err})
}

func (s *Splitter) complete(dst []byte, pid uint16, a *assembler) ([]byte, error) {
	defer a.reset()
	sec := a.buf

	if err := mpegts.VerifyCRC32(sec); err != nil {
		s.stats.CRCErrors++
		s.crcLog.Do(func() {
			s.log.Debug("section CRC mismatch", "pid", pid, "total", s.stats.CRCErrors)
		})
		return dst, nil
	}
	hdr, err := mpegts.ParseSectionHeader(sec)
	if err != nil || !hdr.CurrentNext {
		return dst, nil
	}
	switch {
	case pid == mpegts.PIDPAT && hdr.TableID == mpegts.TableIDPAT:
		return s.onPAT(dst, sec, hdr)
	case hdr.TableID == mpegts.TableIDPMT:
		return s.onPMT(dst, pid, sec, hdr)
	}
	return dst, nil
}

func (s *Splitter) onPAT(dst, sec []byte, hdr mpegts.SectionHeader) ([]byte, error) {
	if s.pending != nil {
		s.applySelection(*s.pending)
		s.pending = nil
	}
	if s.passAll {
		return dst, nil
	}
	if s.sel.HasTSID && hdr.TableIDExtension != s.sel.TSID {
		s.stats.TSIDMismatches++
		s.log.Debug("PAT ignored, transport_stream_id mismatch",
			"want", s.sel.TSID, "got", hdr.TableIDExtension)
		return dst, nil
	}
	if int(hdr.Version) == s.patVersion && hdr.TableIDExtension == s.patTSID && s.patGen == s.gen {
		// the rewritten table is a single section, sent in place of section 0
		if hdr.SectionNumber != 0 {
			return dst, nil
		}
		return mpegts.AppendSectionPackets(dst, mpegts.PIDPAT, &s.patCC, s.patSection), nil
	}

	pat, err := mpegts.ParsePAT(sec)
	if err != nil {
		s.stats.DiscardedSections++
		s.log.Debug("PAT discarded", "error", err)
		return dst, nil
	}
	pat, ok := s.collectPAT(pat, hdr)
	if !ok {
		return dst, nil
	}
	if err := s.rebuild(pat); err != nil {
		return dst, err
	}

	s.patVersion = int(pat.Version)
	s.patTSID = pat.TransportStreamID
	s.patGen = s.gen
	s.stats.PATRebuilds++
	return mpegts.AppendSectionPackets(dst, mpegts.PIDPAT, &s.patCC, s.patSection), nil
}

// collectPAT gathers the sections of a PAT spread over several sections and
// returns the merged table once every section of one version has arrived.
func (s *Splitter) collectPAT(pat *mpegts.PAT, hdr mpegts.SectionHeader) (*mpegts.PAT, bool) {
	if hdr.LastSectionNumber == 0 {
		s.patParts = s.patParts[:0]
		return pat, true
	}
	if hdr.SectionNumber > hdr.LastSectionNumber {
		s.stats.DiscardedSections++
		s.log.Debug("PAT section discarded", "section", hdr.SectionNumber, "last", hdr.LastSectionNumber)
		return nil, false
	}
	n := int(hdr.LastSectionNumber) + 1
	if len(s.patParts) != n || s.partsVersion != hdr.Version || s.partsTSID != hdr.TableIDExtension {
		s.patParts = make([]*mpegts.PAT, n)
		s.partsVersion = hdr.Version
		s.partsTSID = hdr.TableIDExtension
	}
	s.patParts[hdr.SectionNumber] = pat

	merged := &mpegts.PAT{
		TransportStreamID: pat.TransportStreamID,
		Version:           pat.Version,
		CurrentNext:       true,
	}
	for i, part := range s.patParts {
		if part == nil {
			s.log.Debug("PAT incomplete", "waiting_for", i, "last", hdr.LastSectionNumber)
			return nil, false
		}
		merged.Programs = append(merged.Programs, part.Programs...)
		if part.HasNetwork {
			merged.HasNetwork = true
			merged.NetworkPID = part.NetworkPID
		}
	}
	return merged, true
}

// rebuild applies a new PAT: it selects the retained programs, retires the
// services no longer listed and caches the reduced section. On error the
// PID table is left untouched.
func (s *Splitter) rebuild(pat *mpegts.PAT) error {
	var keep []mpegts.PATProgram
	for i, p := range pat.Programs {
		if s.sel.retains(i, p) && !slices.Contains(keep, p) {
			keep = append(keep, p)
		}
	}
	if len(keep) > s.maxServices {
		s.log.Error("too many services in PAT", "services", len(keep), "max", s.maxServices)
		return ErrTooManyServices
	}
	s.warnMissing(pat)

	next := make([]*Service, 0, len(keep))
	for _, p := range keep {
		svc := s.findService(p.Number, p.PMTPID)
		if svc == nil {
			svc = &Service{SID: p.Number, PMTPID: p.PMTPID, Version: -1}
		}
		next = append(next, svc)
	}
	for _, old := range s.services {
		if !slices.Contains(next, old) {
			s.retire(old, next)
		}
	}
	for _, svc := range next {
		if s.roles[svc.PMTPID] != RoleSelectedPMT {
			s.roles[svc.PMTPID] = RoleCandidatePMT
		}
	}
	s.services = next

	reduced := &mpegts.PAT{
		TransportStreamID: pat.TransportStreamID,
		Version:           pat.Version,
		CurrentNext:       true,
		Programs:          keep,
	}
	if s.policy == KeepSI && pat.HasNetwork {
		reduced.HasNetwork = true
		reduced.NetworkPID = pat.NetworkPID
	}
	s.patSection = mpegts.AppendPAT(s.patSection[:0], reduced)

	s.log.Info("PAT updated", "tsid", pat.TransportStreamID, "version", pat.Version,
		"programs", len(pat.Programs), "retained", len(keep))
	return nil
}

func (s *Splitter) warnMissing(pat *mpegts.PAT) {
	var missing []uint16
	for _, sid := range s.sel.SIDs {
		found := slices.ContainsFunc(pat.Programs, func(p mpegts.PATProgram) bool { return p.Number == sid })
		if !found {
			missing = append(missing, sid)
		}
	}
	key := [2]uint64{uint64(pat.Version), s.gen}
	if len(missing) == 0 || key == s.warnedKey {
		return
	}
	s.warnedKey = key
	s.log.Warn("requested services not in PAT", "sid", missing, "tsid", pat.TransportStreamID, "version", pat.Version)
}

func (s *Splitter) findService(sid, pmtPID uint16) *Service {
	for _, svc := range s.services {
		if svc.SID == sid && svc.PMTPID == pmtPID {
			return svc
		}
	}
	return nil
}

// retire releases a dropped service's PIDs. Its PMT PID is released unless
// a service in keep still uses it.
func (s *Splitter) retire(svc *Service, keep []*Service) {
	for _, pid := range svc.PIDs {
		s.release(pid)
	}
	svc.PIDs = nil
	shared := slices.ContainsFunc(keep, func(o *Service) bool { return o.PMTPID == svc.PMTPID })
	if !shared {
		s.roles[svc.PMTPID] = s.baseRole(svc.PMTPID)
		delete(s.held, svc.PMTPID)
		if a := s.asm[svc.PMTPID]; a != nil {
			a.reset()
		}
	}
}

func (s *Splitter) onPMT(dst []byte, pid uint16, sec []byte, hdr mpegts.SectionHeader) ([]byte, error) {
	var svc *Service
	for _, cand := range s.services {
		if cand.PMTPID == pid && cand.SID == hdr.TableIDExtension {
			svc = cand
			break
		}
	}
	if svc == nil || svc.Version == int(hdr.Version) {
		return dst, nil
	}

	pmt, err := mpegts.ParsePMT(sec)
	if err != nil {
		s.stats.DiscardedSections++
		s.log.Debug("PMT discarded", "pid", pid, "error", err)
		return dst, nil
	}

	var pids []uint16
	add := func(p uint16) {
		if p != mpegts.PIDNull && !slices.Contains(pids, p) {
			pids = append(pids, p)
		}
	}
	for _, st := range pmt.Streams {
		add(st.PID)
	}
	add(pmt.PCRPID)
	for _, ecm := range pmt.ECMPIDs {
		add(ecm)
	}

	// acquire before release so PIDs listed in both versions stay selected
	for _, p := range pids {
		s.acquire(p)
	}
	for _, p := range svc.PIDs {
		s.release(p)
	}
	svc.PIDs = pids
	svc.Version = int(pmt.Version)
	svc.Packet = s.packets
	s.stats.PMTRebuilds++

	s.log.Info("PMT updated", "sid", svc.SID, "pid", pid, "version", pmt.Version, "pids", pids)

	if s.roles[pid] == RoleCandidatePMT {
		s.roles[pid] = RoleSelectedPMT
		dst = append(dst, s.held[pid]...)
		s.held[pid] = s.held[pid][:0]
	}
	return dst, nil
}

func (s *Splitter) acquire(pid uint16) {
	if s.refs[pid] < 0xFF {
		s.refs[pid]++
	}
	switch s.roles[pid] {
	case RolePAT, RoleCandidatePMT, RoleSelectedPMT:
	default:
		s.roles[pid] = RoleSelectedES
	}
}

func (s *Splitter) release(pid uint16) {
	if s.refs[pid] == 0 {
		return
	}
	s.refs[pid]--
	if s.refs[pid] == 0 && s.roles[pid] == RoleSelectedES {
		s.roles[pid] = s.baseRole(pid)
	}
}

// baseRole is the role of a PID that no selected service references.
func (s *Splitter) baseRole(pid uint16) Role {
	switch {
	case pid == mpegts.PIDPAT:
		return RolePAT
	case s.sel.forwardsPID(pid):
		return RolePassThrough
	case s.policy == KeepSI && slices.Contains(siPIDs, pid):
		return RolePassThrough
	}
	return RoleUnused
}

func (s *Splitter) applySelection(sel Selection) {
	s.sel = sel
	s.passAll = sel.Empty()
	s.gen++
	if s.passAll {
		for _, svc := range s.services {
			s.retire(svc, nil)
		}
		s.services = nil
		s.patVersion = -1
	}
	for _, pid := range siPIDs {
		if r := s.roles[pid]; r == RoleUnused || r == RolePassThrough {
			s.roles[pid] = s.baseRole(pid)
		}
	}
	s.log.Info("selection applied", "sid", sel.String(), "tsid", sel.TSID, "has_tsid", sel.HasTSID)
}

func (s *Splitter) resetPSI() {
	for pid := range s.roles {
		s.roles[pid] = s.baseRole(uint16(pid))
		s.refs[pid] = 0
		s.cc[pid] = 0
		if a := s.asm[pid]; a != nil {
			a.reset()
		}
	}
	clear(s.held)
	s.services = nil
	s.patVersion = -1
	s.patSection = s.patSection[:0]
	s.patParts = nil
	s.warnedKey = [2]uint64{^uint64(0), ^uint64(0)}
}
