package mpegts

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	TableIDPAT = 0x00
	TableIDPMT = 0x02

	// MaxSectionLength is the largest section_length allowed for PAT and PMT.
	MaxSectionLength = 1021

	// SectionHeaderSize is the long-form header preceding the table body.
	SectionHeaderSize = 8

	descriptorTagCA = 0x09
	stuffingByte    = 0xFF
)

// ErrShortSection is returned when a section is shorter than its header
// claims or too short to hold the mandatory fields.
var ErrShortSection = errors.New("mpegts: section too short")

// SectionLength reads the 12-bit section_length from the first three bytes
// of a section. The caller guarantees len(b) >= 3.
func SectionLength(b []byte) int {
	return int(b[1]&0x0F)<<8 | int(b[2])
}

// ParseSectionHeader decodes the long-form header at the start of b.
func ParseSectionHeader(b []byte) (SectionHeader, error) {
	if len(b) < SectionHeaderSize {
		return SectionHeader{}, ErrShortSection
	}
	return SectionHeader{
		TableID:           b[0],
		SyntaxIndicator:   b[1]&0x80 != 0,
		Length:            SectionLength(b),
		TableIDExtension:  binary.BigEndian.Uint16(b[3:5]),
		Version:           (b[5] >> 1) & 0x1F,
		CurrentNext:       b[5]&0x01 != 0,
		SectionNumber:     b[6],
		LastSectionNumber: b[7],
	}, nil
}

func checkSection(data []byte, tableID uint8, minLen int) (SectionHeader, error) {
	hdr, err := ParseSectionHeader(data)
	if err != nil {
		return hdr, err
	}
	if hdr.TableID != tableID {
		return hdr, fmt.Errorf("mpegts: unexpected table_id 0x%02X", hdr.TableID)
	}
	if !hdr.SyntaxIndicator {
		return hdr, fmt.Errorf("mpegts: section_syntax_indicator not set")
	}
	if hdr.Size() != len(data) || len(data) < minLen {
		return hdr, ErrShortSection
	}
	if err := VerifyCRC32(data); err != nil {
		return hdr, err
	}
	return hdr, nil
}

// ParsePAT decodes a complete PAT section, CRC included.
func ParsePAT(data []byte) (*PAT, error) {
	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  transport_stream_id
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8..N-4] program entries (4 bytes each)
	// [N-4..N] CRC32
	hdr, err := checkSection(data, TableIDPAT, 12)
	if err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}

	pat := &PAT{
		TransportStreamID: hdr.TableIDExtension,
		Version:           hdr.Version,
		CurrentNext:       hdr.CurrentNext,
	}
	entryEnd := len(data) - 4
	for i := SectionHeaderSize; i+4 <= entryEnd; i += 4 {
		number := binary.BigEndian.Uint16(data[i:])
		pid := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if number == 0 {
			pat.HasNetwork = true
			pat.NetworkPID = pid
			continue
		}
		pat.Programs = append(pat.Programs, PATProgram{Number: number, PMTPID: pid})
	}
	return pat, nil
}

// ParsePMT decodes a complete PMT section, CRC included.
func ParsePMT(data []byte) (*PMT, error) {
	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  program_number
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8-9]  reserved(3) + PCR_PID(13)
	// [10-11] reserved(4) + program_info_length(12)
	// [...] program descriptors
	// [...] elementary stream entries
	// [...] CRC32
	hdr, err := checkSection(data, TableIDPMT, 16)
	if err != nil {
		return nil, fmt.Errorf("mpegts: PMT: %w", err)
	}

	pmt := &PMT{
		ProgramNumber: hdr.TableIDExtension,
		Version:       hdr.Version,
		CurrentNext:   hdr.CurrentNext,
		PCRPID:        uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}

	bodyEnd := len(data) - 4
	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength
	if offset > bodyEnd {
		return nil, fmt.Errorf("mpegts: PMT: program_info_length %d overruns section", programInfoLength)
	}
	pmt.ECMPIDs = appendCAPIDs(pmt.ECMPIDs, data[12:offset])

	for offset+5 <= bodyEnd {
		streamType := data[offset]
		pid := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		infoEnd := offset + 5 + esInfoLength
		if infoEnd > bodyEnd {
			return nil, fmt.Errorf("mpegts: PMT: ES_info_length %d overruns section", esInfoLength)
		}
		pmt.Streams = append(pmt.Streams, PMTStream{StreamType: streamType, PID: pid})
		pmt.ECMPIDs = appendCAPIDs(pmt.ECMPIDs, data[offset+5:infoEnd])
		offset = infoEnd
	}
	return pmt, nil
}

// appendCAPIDs walks a descriptor loop and appends the CA_PID of each CA
// descriptor. Truncated descriptors end the walk.
func appendCAPIDs(dst []uint16, loop []byte) []uint16 {
	for len(loop) >= 2 {
		tag, n := loop[0], int(loop[1])
		if 2+n > len(loop) {
			break
		}
		if tag == descriptorTagCA && n >= 4 {
			d := loop[2 : 2+n]
			dst = append(dst, uint16(d[2]&0x1F)<<8|uint16(d[3]))
		}
		loop = loop[2+n:]
	}
	return dst
}

// AppendPAT encodes p as a PAT section with a fresh CRC32 and appends it to dst.
func AppendPAT(dst []byte, p *PAT) []byte {
	entries := len(p.Programs)
	if p.HasNetwork {
		entries++
	}
	sectionLength := 5 + entries*4 + 4 // fixed header bytes after section_length + entries + CRC

	start := len(dst)
	dst = append(dst,
		TableIDPAT,
		0xB0|byte(sectionLength>>8)&0x0F, // section_syntax_indicator=1
		byte(sectionLength),
		byte(p.TransportStreamID>>8),
		byte(p.TransportStreamID),
		0xC0|(p.Version&0x1F)<<1|boolBit(p.CurrentNext),
		0x00, // section_number
		0x00, // last_section_number
	)
	if p.HasNetwork {
		dst = append(dst, 0x00, 0x00, 0xE0|byte(p.NetworkPID>>8)&0x1F, byte(p.NetworkPID))
	}
	for _, prog := range p.Programs {
		dst = append(dst,
			byte(prog.Number>>8), byte(prog.Number),
			0xE0|byte(prog.PMTPID>>8)&0x1F, byte(prog.PMTPID))
	}
	crc := CRC32(dst[start:])
	return binary.BigEndian.AppendUint32(dst, crc)
}

// AppendSectionPackets packetizes a complete section onto pid, starting with
// a payload_unit_start packet whose pointer_field is zero and padding the
// last packet with 0xFF. cc is advanced once per emitted packet.
func AppendSectionPackets(dst []byte, pid uint16, cc *uint8, section []byte) []byte {
	first := true
	for first || len(section) > 0 {
		var pkt [PacketSize]byte
		pkt[0] = SyncByte
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		pkt[3] = 0x10 | (*cc & 0x0F) // payload only
		*cc = (*cc + 1) & 0x0F

		offset := headerSize
		if first {
			pkt[1] |= 0x40
			pkt[offset] = 0x00 // pointer_field
			offset++
			first = false
		}
		n := copy(pkt[offset:], section)
		section = section[n:]
		for i := offset + n; i < PacketSize; i++ {
			pkt[i] = stuffingByte
		}
		dst = append(dst, pkt[:]...)
	}
	return dst
}

func boolBit(b bool) byte {
	if b {
		return 1
	}
	return 0
}
