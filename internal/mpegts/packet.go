package mpegts

import (
	"errors"
	"fmt"
)

const (
	// PacketSize is the size of one transport stream packet.
	PacketSize = 188
	// SyncByte starts every transport stream packet.
	SyncByte = 0x47
	// MaxPID is the number of addressable PIDs (13 bits).
	MaxPID = 8192

	// PIDPAT carries the Program Association Table.
	PIDPAT uint16 = 0x0000
	// PIDNull carries stuffing packets.
	PIDNull uint16 = 0x1FFF

	headerSize = 4
)

// Sentinel errors returned by ParseHeader.
var (
	ErrPacketSize = errors.New("mpegts: bad packet size")
	ErrSyncByte   = errors.New("mpegts: invalid sync byte")
)

// ParseHeader decodes the fixed 4-byte header of buf and locates the
// payload. buf must be exactly one packet.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) != PacketSize {
		return Header{}, fmt.Errorf("%w: %d, expected %d", ErrPacketSize, len(buf), PacketSize)
	}
	if buf[0] != SyncByte {
		return Header{}, fmt.Errorf("%w 0x%02X", ErrSyncByte, buf[0])
	}

	var h Header
	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.ScramblingControl = buf[3] >> 6
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F

	offset := headerSize
	if h.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < PacketSize {
			h.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}
	if !h.HasPayload {
		offset = PacketSize
	}
	h.PayloadOffset = offset

	return h, nil
}

// PID extracts the packet identifier without validating the packet.
func PID(buf []byte) uint16 {
	return uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
}
