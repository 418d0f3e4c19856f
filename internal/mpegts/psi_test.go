package mpegts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// buildPAT constructs a valid PAT section with CRC32.
func buildPAT(tsID uint16, programs []struct{ num, pid uint16 }) []byte {
	entryLen := len(programs) * 4
	sectionLength := 5 + entryLen + 4

	data := make([]byte, 3+sectionLength)
	data[0] = TableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1 // reserved(2) + version(0) + current_next(1)

	offset := 8
	for _, p := range programs {
		data[offset] = byte(p.num >> 8)
		data[offset+1] = byte(p.num)
		data[offset+2] = 0xE0 | byte(p.pid>>8)&0x1F
		data[offset+3] = byte(p.pid)
		offset += 4
	}

	binary.BigEndian.PutUint32(data[offset:], CRC32(data[:offset]))
	return data
}

type testStream struct {
	streamType uint8
	pid        uint16
	info       []byte
}

// buildPMT constructs a valid PMT section with CRC32 and optional
// descriptor loops.
func buildPMT(programNum, pcrPID uint16, version uint8, programInfo []byte, streams []testStream) []byte {
	var body []byte
	body = append(body, 0xE0|byte(pcrPID>>8)&0x1F, byte(pcrPID))
	body = append(body, 0xF0|byte(len(programInfo)>>8)&0x0F, byte(len(programInfo)))
	body = append(body, programInfo...)
	for _, s := range streams {
		body = append(body, s.streamType, 0xE0|byte(s.pid>>8)&0x1F, byte(s.pid))
		body = append(body, 0xF0|byte(len(s.info)>>8)&0x0F, byte(len(s.info)))
		body = append(body, s.info...)
	}
	sectionLength := 5 + len(body) + 4

	data := []byte{
		TableIDPMT,
		0xB0 | byte(sectionLength>>8)&0x0F,
		byte(sectionLength),
		byte(programNum >> 8), byte(programNum),
		0xC1 | (version&0x1F)<<1,
		0x00, 0x00,
	}
	data = append(data, body...)
	return binary.BigEndian.AppendUint32(data, CRC32(data))
}

func caDescriptor(ecmPID uint16) []byte {
	return []byte{descriptorTagCA, 4, 0x00, 0x05, 0xE0 | byte(ecmPID>>8)&0x1F, byte(ecmPID)}
}

func TestParsePAT_TwoPrograms(t *testing.T) {
	t.Parallel()
	data := buildPAT(0x7FE0, []struct{ num, pid uint16 }{{101, 0x30}, {102, 0x31}})

	pat, err := ParsePAT(data)
	if err != nil {
		t.Fatal(err)
	}
	if pat.TransportStreamID != 0x7FE0 {
		t.Errorf("TSID = 0x%X, want 0x7FE0", pat.TransportStreamID)
	}
	if !pat.CurrentNext {
		t.Error("CurrentNext should be true")
	}
	if len(pat.Programs) != 2 {
		t.Fatalf("expected 2 programs, got %d", len(pat.Programs))
	}
	if pat.Programs[1].Number != 102 || pat.Programs[1].PMTPID != 0x31 {
		t.Errorf("program 1 = %+v", pat.Programs[1])
	}
}

func TestParsePAT_Network(t *testing.T) {
	t.Parallel()
	data := buildPAT(1, []struct{ num, pid uint16 }{{0, 0x10}, {1, 0x100}})

	pat, err := ParsePAT(data)
	if err != nil {
		t.Fatal(err)
	}
	if !pat.HasNetwork || pat.NetworkPID != 0x10 {
		t.Errorf("network = %v/0x%X, want true/0x10", pat.HasNetwork, pat.NetworkPID)
	}
	if len(pat.Programs) != 1 {
		t.Fatalf("expected 1 program (NIT split out), got %d", len(pat.Programs))
	}
}

func TestParsePAT_BadCRC(t *testing.T) {
	t.Parallel()
	data := buildPAT(1, []struct{ num, pid uint16 }{{1, 0x100}})
	data[len(data)-1] ^= 0xFF

	_, err := ParsePAT(data)
	if !errors.Is(err, ErrCRC) {
		t.Errorf("got %v, want ErrCRC", err)
	}
}

func TestParsePAT_WrongTable(t *testing.T) {
	t.Parallel()
	data := buildPMT(1, 0x100, 0, nil, []testStream{{0x1B, 0x100, nil}})
	if _, err := ParsePAT(data); err == nil {
		t.Error("expected error for PMT passed as PAT")
	}
}

func TestParsePAT_Truncated(t *testing.T) {
	t.Parallel()
	data := buildPAT(1, []struct{ num, pid uint16 }{{1, 0x100}})
	if _, err := ParsePAT(data[:len(data)-2]); !errors.Is(err, ErrShortSection) {
		t.Errorf("got %v, want ErrShortSection", err)
	}
}

func TestParsePMT_StreamsAndECM(t *testing.T) {
	t.Parallel()
	data := buildPMT(101, 0x1FF, 7, caDescriptor(0x901), []testStream{
		{0x02, 0x100, nil},
		{0x0F, 0x110, caDescriptor(0x902)},
	})

	pmt, err := ParsePMT(data)
	if err != nil {
		t.Fatal(err)
	}
	if pmt.ProgramNumber != 101 {
		t.Errorf("program number = %d, want 101", pmt.ProgramNumber)
	}
	if pmt.Version != 7 {
		t.Errorf("version = %d, want 7", pmt.Version)
	}
	if pmt.PCRPID != 0x1FF {
		t.Errorf("PCR PID = 0x%X, want 0x1FF", pmt.PCRPID)
	}
	if len(pmt.Streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(pmt.Streams))
	}
	if pmt.Streams[1].StreamType != 0x0F || pmt.Streams[1].PID != 0x110 {
		t.Errorf("stream 1 = %+v", pmt.Streams[1])
	}
	if len(pmt.ECMPIDs) != 2 || pmt.ECMPIDs[0] != 0x901 || pmt.ECMPIDs[1] != 0x902 {
		t.Errorf("ECM PIDs = %v, want [0x901 0x902]", pmt.ECMPIDs)
	}
}

func TestParsePMT_BadCRC(t *testing.T) {
	t.Parallel()
	data := buildPMT(1, 481, 0, nil, []testStream{{0x1B, 481, nil}})
	data[len(data)-1] ^= 0xFF

	if _, err := ParsePMT(data); !errors.Is(err, ErrCRC) {
		t.Errorf("got %v, want ErrCRC", err)
	}
}

func TestParsePMT_OverrunningInfoLength(t *testing.T) {
	t.Parallel()
	data := buildPMT(1, 0x100, 0, nil, []testStream{{0x1B, 0x100, nil}})
	data[16] = 0x40 // ES_info_length far past the section end
	binary.BigEndian.PutUint32(data[len(data)-4:], CRC32(data[:len(data)-4]))

	if _, err := ParsePMT(data); err == nil {
		t.Error("expected error for ES_info_length overrun")
	}
}

func TestAppendPAT_MatchesBuilder(t *testing.T) {
	t.Parallel()
	want := buildPAT(0x10, []struct{ num, pid uint16 }{{101, 0x30}})

	got := AppendPAT(nil, &PAT{
		TransportStreamID: 0x10,
		CurrentNext:       true,
		Programs:          []PATProgram{{Number: 101, PMTPID: 0x30}},
	})
	if !bytes.Equal(got, want) {
		t.Errorf("AppendPAT = % X\nwant       % X", got, want)
	}
}

func TestAppendPAT_RoundTripWithNetwork(t *testing.T) {
	t.Parallel()
	in := &PAT{
		TransportStreamID: 0x4010,
		Version:           9,
		CurrentNext:       true,
		HasNetwork:        true,
		NetworkPID:        0x10,
		Programs:          []PATProgram{{Number: 1, PMTPID: 0x101}, {Number: 2, PMTPID: 0x102}},
	}
	out, err := ParsePAT(AppendPAT(nil, in))
	if err != nil {
		t.Fatal(err)
	}
	if out.Version != 9 || !out.HasNetwork || len(out.Programs) != 2 {
		t.Errorf("round trip = %+v", out)
	}
}

func TestAppendSectionPackets(t *testing.T) {
	t.Parallel()
	section := make([]byte, 400)
	for i := range section {
		section[i] = byte(i)
	}
	cc := uint8(14)
	out := AppendSectionPackets(nil, 0x30, &cc, section)

	if len(out) != 3*PacketSize {
		t.Fatalf("len = %d, want %d", len(out), 3*PacketSize)
	}
	if cc != 1 {
		t.Errorf("cc = %d, want 1 (wrapped)", cc)
	}

	var payload []byte
	for i := 0; i < 3; i++ {
		pkt := out[i*PacketSize : (i+1)*PacketSize]
		h, err := ParseHeader(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if h.PID != 0x30 {
			t.Errorf("packet %d PID = 0x%X", i, h.PID)
		}
		if h.PayloadUnitStartIndicator != (i == 0) {
			t.Errorf("packet %d PUSI = %v", i, h.PayloadUnitStartIndicator)
		}
		payload = append(payload, pkt[h.PayloadOffset:]...)
	}
	if payload[0] != 0 {
		t.Errorf("pointer_field = %d, want 0", payload[0])
	}
	if !bytes.Equal(payload[1:1+len(section)], section) {
		t.Error("section bytes not preserved")
	}
	for _, b := range payload[1+len(section):] {
		if b != 0xFF {
			t.Fatal("expected 0xFF stuffing after section")
		}
	}
}
