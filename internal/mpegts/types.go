// Package mpegts implements the transport stream primitives used by the
// recorder: fixed 188-byte packet header parsing, PSI section headers,
// PAT/PMT decoding and encoding, and the MPEG-2 CRC32 that guards every
// section.
//
// Nothing in this package keeps state between calls. Header parsing returns
// values rather than pointers so the per-packet hot path does not allocate.
package mpegts

// Header contains the parsed fields of a transport stream packet header.
type Header struct {
	PID                       uint16
	ContinuityCounter         uint8
	ScramblingControl         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool

	// PayloadOffset is the index of the first payload byte within the
	// packet. It equals PacketSize when the packet carries no payload.
	PayloadOffset int
}

// Scrambled reports whether the transport_scrambling_control bits are set.
func (h Header) Scrambled() bool {
	return h.ScramblingControl != 0
}

// SectionHeader is the long-form PSI section header shared by PAT and PMT.
type SectionHeader struct {
	TableID           uint8
	SyntaxIndicator   bool
	Length            int // section_length: bytes following the length field
	TableIDExtension  uint16
	Version           uint8
	CurrentNext       bool
	SectionNumber     uint8
	LastSectionNumber uint8
}

// Size returns the full section size including the 3-byte prefix.
func (h SectionHeader) Size() int {
	return 3 + h.Length
}

// PAT is a decoded Program Association Table section.
type PAT struct {
	TransportStreamID uint16
	Version           uint8
	CurrentNext       bool

	// HasNetwork is set when the section carries a program_number 0 entry.
	HasNetwork bool
	NetworkPID uint16

	// Programs lists the non-network entries in section order.
	Programs []PATProgram
}

// PATProgram maps a program number (service ID) to its PMT PID.
type PATProgram struct {
	Number uint16
	PMTPID uint16
}

// PMT is a decoded Program Map Table section.
type PMT struct {
	ProgramNumber uint16
	Version       uint8
	CurrentNext   bool
	PCRPID        uint16
	Streams       []PMTStream

	// ECMPIDs collects the CA_PID of every CA descriptor in the program
	// info loop and in each elementary stream info loop.
	ECMPIDs []uint16
}

// PMTStream describes a single elementary stream in a PMT.
type PMTStream struct {
	StreamType uint8
	PID        uint16
}
