package mpegts

import "errors"

// ErrCRC is returned when a section fails its CRC32 check.
var ErrCRC = errors.New("mpegts: CRC32 mismatch")

// MPEG-2 CRC32 with polynomial 0x04C11DB7.
var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

// CRC32 computes the MPEG-2 CRC over data.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// VerifyCRC32 checks a complete section whose last four bytes are its CRC.
// Running the CRC over the whole section, CRC included, yields zero.
func VerifyCRC32(section []byte) error {
	if len(section) < 4 {
		return errors.New("mpegts: data too short for CRC32")
	}
	if CRC32(section) != 0 {
		return ErrCRC
	}
	return nil
}
