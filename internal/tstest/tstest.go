// Package tstest generates synthetic multi-service transport streams for
// tests and tools.
package tstest

import (
	"encoding/binary"

	"github.com/zsiec/recdvb/internal/mpegts"
)

// Service describes one program of a generated stream.
type Service struct {
	SID     uint16
	PMTPID  uint16
	PCRPID  uint16
	ES      []uint16
	Version uint8
}

// Generator emits packets with per-PID continuity counters.
type Generator struct {
	TSID       uint16
	PATVersion uint8
	Services   []Service

	cc map[uint16]*uint8
}

// New creates a Generator for the given transport stream and services.
func New(tsid uint16, services ...Service) *Generator {
	return &Generator{TSID: tsid, Services: services, cc: make(map[uint16]*uint8)}
}

func (g *Generator) counter(pid uint16) *uint8 {
	c, ok := g.cc[pid]
	if !ok {
		c = new(uint8)
		g.cc[pid] = c
	}
	return c
}

// PAT returns the packets of the PAT listing every service.
func (g *Generator) PAT() []byte {
	pat := &mpegts.PAT{TransportStreamID: g.TSID, Version: g.PATVersion, CurrentNext: true}
	for _, s := range g.Services {
		pat.Programs = append(pat.Programs, mpegts.PATProgram{Number: s.SID, PMTPID: s.PMTPID})
	}
	return mpegts.AppendSectionPackets(nil, mpegts.PIDPAT, g.counter(mpegts.PIDPAT), mpegts.AppendPAT(nil, pat))
}

// PMT returns the packets of the PMT of s.
func (g *Generator) PMT(s Service) []byte {
	return mpegts.AppendSectionPackets(nil, s.PMTPID, g.counter(s.PMTPID), PMTSection(s))
}

// ES returns one payload packet on pid filled with the low byte of pid.
func (g *Generator) ES(pid uint16) []byte {
	c := g.counter(pid)
	pkt := make([]byte, mpegts.PacketSize)
	pkt[0] = mpegts.SyncByte
	pkt[1] = byte(pid>>8) & 0x1F
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | *c
	*c = (*c + 1) & 0x0F
	for i := 4; i < len(pkt); i++ {
		pkt[i] = byte(pid)
	}
	return pkt
}

// Cycle returns one repetition: PAT, every PMT, then one packet per
// elementary stream of every service.
func (g *Generator) Cycle() []byte {
	out := g.PAT()
	for _, s := range g.Services {
		out = append(out, g.PMT(s)...)
	}
	for _, s := range g.Services {
		for _, pid := range s.ES {
			out = append(out, g.ES(pid)...)
		}
	}
	return out
}

// Stream returns n cycles.
func (g *Generator) Stream(n int) []byte {
	var out []byte
	for range n {
		out = append(out, g.Cycle()...)
	}
	return out
}

// PMTSection builds the PMT section of s with one H.264 stream per ES PID.
func PMTSection(s Service) []byte {
	pcr := s.PCRPID
	if pcr == 0 && len(s.ES) > 0 {
		pcr = s.ES[0]
	}
	body := []byte{0xE0 | byte(pcr>>8)&0x1F, byte(pcr), 0xF0, 0x00}
	for _, pid := range s.ES {
		body = append(body, 0x1B, 0xE0|byte(pid>>8)&0x1F, byte(pid), 0xF0, 0x00)
	}
	sectionLength := 5 + len(body) + 4
	data := []byte{
		mpegts.TableIDPMT,
		0xB0 | byte(sectionLength>>8)&0x0F,
		byte(sectionLength),
		byte(s.SID >> 8), byte(s.SID),
		0xC1 | (s.Version&0x1F)<<1,
		0x00, 0x00,
	}
	data = append(data, body...)
	return binary.BigEndian.AppendUint32(data, mpegts.CRC32(data))
}

// PIDs returns the PID of every packet in ts, in order.
func PIDs(ts []byte) []uint16 {
	var out []uint16
	for off := 0; off+mpegts.PacketSize <= len(ts); off += mpegts.PacketSize {
		out = append(out, mpegts.PID(ts[off:off+mpegts.PacketSize]))
	}
	return out
}

// Programs returns the programs listed by the first PAT in ts.
func Programs(ts []byte) ([]mpegts.PATProgram, bool) {
	for off := 0; off+mpegts.PacketSize <= len(ts); off += mpegts.PacketSize {
		pkt := ts[off : off+mpegts.PacketSize]
		if mpegts.PID(pkt) != mpegts.PIDPAT || pkt[1]&0x40 == 0 {
			continue
		}
		payload := pkt[4:]
		if pkt[3]&0x20 != 0 {
			payload = pkt[5+int(pkt[4]):]
		}
		sec := payload[1+int(payload[0]):]
		if len(sec) < 3 || mpegts.SectionLength(sec)+3 > len(sec) {
			return nil, false
		}
		pat, err := mpegts.ParsePAT(sec[:mpegts.SectionLength(sec)+3])
		if err != nil {
			return nil, false
		}
		return pat.Programs, true
	}
	return nil, false
}
