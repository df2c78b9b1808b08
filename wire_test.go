package pgm

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testTsi() Tsi {
	return Tsi{
		Gsi:   Gsi{1, 2, 3, 4, 5, 6},
		Sport: 4000,
	}
}

func TestWireOdataRoundTrip(t *testing.T) {
	tsi := testTsi()
	packet := &Packet{
		SourcePort:      tsi.Sport,
		DestinationPort: 7500,
		Type:            PacketTypeOdata,
		Gsi:             tsi.Gsi,
		DataSqn:         1000,
		DataTrail:       900,
	}
	buffer, err := encodePacket(packet, []byte("hello world"))
	assert.Equal(t, err, nil)

	parsed, err := parsePacket(buffer.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.Type, PacketTypeOdata)
	assert.Equal(t, parsed.Tsi(), tsi)
	assert.Equal(t, parsed.DestinationPort, uint16(7500))
	assert.Equal(t, parsed.DataSqn, SequenceNumber(1000))
	assert.Equal(t, parsed.DataTrail, SequenceNumber(900))
	assert.Equal(t, parsed.TsduLength, uint16(11))
	assert.Equal(t, parsed.Payload, []byte("hello world"))
	assert.Equal(t, parsed.Fragment, nil)
}

func TestWireFragmentRoundTrip(t *testing.T) {
	tsi := testTsi()
	packet := &Packet{
		SourcePort:      tsi.Sport,
		DestinationPort: 7500,
		Type:            PacketTypeRdata,
		Gsi:             tsi.Gsi,
		DataSqn:         42,
		DataTrail:       40,
		Fragment: &FragmentOption{
			FirstSqn:   41,
			Offset:     1400,
			ApduLength: 5000,
		},
	}
	buffer, err := encodePacket(packet, []byte("fragment payload"))
	assert.Equal(t, err, nil)

	parsed, err := parsePacket(buffer.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.Type, PacketTypeRdata)
	assert.NotEqual(t, parsed.Fragment, nil)
	assert.Equal(t, parsed.Fragment.FirstSqn, SequenceNumber(41))
	assert.Equal(t, parsed.Fragment.Offset, uint32(1400))
	assert.Equal(t, parsed.Fragment.ApduLength, uint32(5000))
	assert.Equal(t, parsed.Payload, []byte("fragment payload"))
}

func TestWireSpmRoundTrip(t *testing.T) {
	tsi := testTsi()
	packet := &Packet{
		SourcePort:      tsi.Sport,
		DestinationPort: 7500,
		Type:            PacketTypeSpm,
		Gsi:             tsi.Gsi,
		SpmSqn:          9,
		SpmTrail:        100,
		SpmLead:         200,
		SourceNla:       netip.MustParseAddr("192.168.9.1"),
		ParityPrm: &ParityParameters{
			OnDemand:  true,
			GroupSize: 8,
		},
	}
	buffer, err := encodePacket(packet, nil)
	assert.Equal(t, err, nil)

	parsed, err := parsePacket(buffer.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.Type, PacketTypeSpm)
	assert.Equal(t, parsed.SpmSqn, SequenceNumber(9))
	assert.Equal(t, parsed.SpmTrail, SequenceNumber(100))
	assert.Equal(t, parsed.SpmLead, SequenceNumber(200))
	assert.Equal(t, parsed.SourceNla, netip.MustParseAddr("192.168.9.1"))
	assert.NotEqual(t, parsed.ParityPrm, nil)
	assert.Equal(t, parsed.ParityPrm.OnDemand, true)
	assert.Equal(t, parsed.ParityPrm.Proactive, false)
	assert.Equal(t, parsed.ParityPrm.GroupSize, uint32(8))
}

func TestWireSpmIpv6(t *testing.T) {
	tsi := testTsi()
	packet := &Packet{
		SourcePort:      tsi.Sport,
		DestinationPort: 7500,
		Type:            PacketTypeSpm,
		Gsi:             tsi.Gsi,
		SpmSqn:          1,
		SourceNla:       netip.MustParseAddr("fe80::1"),
	}
	buffer, err := encodePacket(packet, nil)
	assert.Equal(t, err, nil)

	parsed, err := parsePacket(buffer.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.SourceNla, netip.MustParseAddr("fe80::1"))
}

func TestWireNakRoundTrip(t *testing.T) {
	tsi := testTsi()
	packet := &Packet{
		SourcePort:      tsi.Sport,
		DestinationPort: 7500,
		Type:            PacketTypeNak,
		Gsi:             tsi.Gsi,
		NakSqn:          3,
		NakSourceNla:    netip.MustParseAddr("10.0.0.1"),
		NakGroupNla:     netip.MustParseAddr("239.192.0.1"),
		NakList:         []SequenceNumber{4, 7, 9},
	}
	buffer, err := encodePacket(packet, nil)
	assert.Equal(t, err, nil)

	parsed, err := parsePacket(buffer.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.Type, PacketTypeNak)
	assert.Equal(t, parsed.NakSqn, SequenceNumber(3))
	assert.Equal(t, parsed.NakSourceNla, netip.MustParseAddr("10.0.0.1"))
	assert.Equal(t, parsed.NakGroupNla, netip.MustParseAddr("239.192.0.1"))
	assert.Equal(t, parsed.NakList, []SequenceNumber{4, 7, 9})
}

func TestWireParityRdata(t *testing.T) {
	tsi := testTsi()
	group := SequenceNumber(64)
	packet := &Packet{
		SourcePort:      tsi.Sport,
		DestinationPort: 7500,
		Type:            PacketTypeRdata,
		Parity:          true,
		VarPktLen:       true,
		Gsi:             tsi.Gsi,
		DataSqn:         64 + 8 + 1,
		DataTrail:       0,
		ParityGroup:     &group,
	}
	buffer, err := encodePacket(packet, []byte{0xAA, 0xBB})
	assert.Equal(t, err, nil)

	parsed, err := parsePacket(buffer.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.Parity, true)
	assert.Equal(t, parsed.VarPktLen, true)
	assert.NotEqual(t, parsed.ParityGroup, nil)
	assert.Equal(t, *parsed.ParityGroup, group)
}

func TestWireChecksumCorruption(t *testing.T) {
	tsi := testTsi()
	packet := &Packet{
		SourcePort:      tsi.Sport,
		DestinationPort: 7500,
		Type:            PacketTypeOdata,
		Gsi:             tsi.Gsi,
		DataSqn:         1,
	}
	buffer, err := encodePacket(packet, []byte("payload bytes"))
	assert.Equal(t, err, nil)

	// flipping any single byte fails the checksum
	for _, i := range []int{0, 4, 8, 16, 20, 24} {
		corrupted := append([]byte{}, buffer.Bytes()...)
		corrupted[i] ^= 0x5A
		_, err := parsePacket(corrupted)
		assert.Equal(t, err, errParseBadChecksum)
	}
}

func TestWireTruncated(t *testing.T) {
	_, err := parsePacket([]byte{0, 1, 2, 3})
	assert.NotEqual(t, err, nil)
}

// rebuild the checksum after mutating a raw packet
func refreshChecksum(data []byte) {
	data[6] = 0
	data[7] = 0
	binary.BigEndian.PutUint16(data[6:8], ^fold(checksum(data, 0)))
}

func TestWireBadOptionChain(t *testing.T) {
	tsi := testTsi()
	packet := &Packet{
		SourcePort:      tsi.Sport,
		DestinationPort: 7500,
		Type:            PacketTypeOdata,
		Gsi:             tsi.Gsi,
		DataSqn:         1,
		Fragment: &FragmentOption{
			FirstSqn:   1,
			Offset:     0,
			ApduLength: 10,
		},
	}
	buffer, err := encodePacket(packet, []byte("0123456789"))
	assert.Equal(t, err, nil)

	// option total length reaching past the packet
	corrupted := append([]byte{}, buffer.Bytes()...)
	optStart := pgmHeaderLen + dataHeaderLen
	binary.BigEndian.PutUint16(corrupted[optStart+2:optStart+4], 200)
	refreshChecksum(corrupted)
	_, err = parsePacket(corrupted)
	assert.Equal(t, err, errParseBadOpt)

	// zero length option
	corrupted = append([]byte{}, buffer.Bytes()...)
	corrupted[optStart+optLengthLen+1] = 0
	refreshChecksum(corrupted)
	_, err = parsePacket(corrupted)
	assert.Equal(t, err, errParseBadOpt)
}

func TestWireUnknownOptionSkipped(t *testing.T) {
	// hand-build ODATA carrying an unknown option before OPT_FRAGMENT
	tsi := testTsi()
	payload := []byte("data")

	unknown := []byte{0x55, 8, 0, 0, 0xDE, 0xAD, 0xBE, 0xEF}
	fragment := make([]byte, optFragmentLen)
	fragment[0] = optTypeFragment | optTypeEnd
	fragment[1] = optFragmentLen
	binary.BigEndian.PutUint32(fragment[4:8], 77)
	binary.BigEndian.PutUint32(fragment[8:12], 0)
	binary.BigEndian.PutUint32(fragment[12:16], 4)

	optTotal := optLengthLen + len(unknown) + len(fragment)
	data := make([]byte, pgmHeaderLen+dataHeaderLen+optTotal+len(payload))
	binary.BigEndian.PutUint16(data[0:2], tsi.Sport)
	binary.BigEndian.PutUint16(data[2:4], 7500)
	data[4] = uint8(PacketTypeOdata)
	data[5] = optPresent
	copy(data[8:14], tsi.Gsi[:])
	binary.BigEndian.PutUint16(data[14:16], uint16(len(payload)))
	binary.BigEndian.PutUint32(data[16:20], 77)
	opt := data[pgmHeaderLen+dataHeaderLen:]
	opt[0] = optTypeLength
	opt[1] = optLengthLen
	binary.BigEndian.PutUint16(opt[2:4], uint16(optTotal))
	copy(opt[optLengthLen:], unknown)
	copy(opt[optLengthLen+len(unknown):], fragment)
	copy(data[pgmHeaderLen+dataHeaderLen+optTotal:], payload)
	refreshChecksum(data)

	parsed, err := parsePacket(data)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, parsed.Fragment, nil)
	assert.Equal(t, parsed.Fragment.FirstSqn, SequenceNumber(77))
	assert.Equal(t, parsed.Payload, payload)
}

func TestWireBadType(t *testing.T) {
	tsi := testTsi()
	data := make([]byte, pgmHeaderLen)
	binary.BigEndian.PutUint16(data[0:2], tsi.Sport)
	binary.BigEndian.PutUint16(data[2:4], 7500)
	data[4] = 0x0F
	copy(data[8:14], tsi.Gsi[:])
	refreshChecksum(data)

	_, err := parsePacket(data)
	assert.NotEqual(t, err, nil)
}
