package pgm

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// RFC 3208 wire format. Every packet leads with the 16 byte PGM header:
//
//	0      2      4     5       6        8          14       16
//	| sport | dport | type | options | checksum | gsi (6) | tsdu len |
//
// followed by a type specific header, an option chain when the options byte
// has optPresent set, and the payload. All multi-byte fields are network
// byte order. The checksum is the 16 bit one's complement sum over the
// whole PGM packet with the checksum field zeroed.

type PacketType uint8

const (
	PacketTypeSpm   PacketType = 0x00
	PacketTypePoll  PacketType = 0x01
	PacketTypePolr  PacketType = 0x02
	PacketTypeOdata PacketType = 0x04
	PacketTypeRdata PacketType = 0x05
	PacketTypeNak   PacketType = 0x08
	PacketTypeNnak  PacketType = 0x09
	PacketTypeNcf   PacketType = 0x0A
	PacketTypeSpmr  PacketType = 0x0C
)

func (self PacketType) String() string {
	switch self {
	case PacketTypeSpm:
		return "SPM"
	case PacketTypePoll:
		return "POLL"
	case PacketTypePolr:
		return "POLR"
	case PacketTypeOdata:
		return "ODATA"
	case PacketTypeRdata:
		return "RDATA"
	case PacketTypeNak:
		return "NAK"
	case PacketTypeNnak:
		return "NNAK"
	case PacketTypeNcf:
		return "NCF"
	case PacketTypeSpmr:
		return "SPMR"
	}
	return fmt.Sprintf("0x%02x", uint8(self))
}

// header options flags
const (
	optPresent   = 0x01
	optNetwork   = 0x02
	optVarPktLen = 0x40
	optParity    = 0x80
)

// option types
const (
	optTypeLength     = 0x00
	optTypeFragment   = 0x01
	optTypeNakList    = 0x02
	optTypeParityPrm  = 0x08
	optTypeParityGrp  = 0x09
	optTypeCurrTgSize = 0x0A
	optTypeEnd        = 0x80
	optTypeMask       = 0x7F
)

// OPT_PARITY_PRM flags
const (
	parityPrmProactive = 0x01
	parityPrmOnDemand  = 0x02
)

const (
	pgmHeaderLen   = 16
	dataHeaderLen  = 8
	optLengthLen   = 4
	optFragmentLen = 16
	optParityLen   = 8
	maxNakListLen  = 62
)

// address family indicator
const (
	afiIp  = 1
	afiIp6 = 2
)

var LayerTypePgm = gopacket.RegisterLayerType(
	2113,
	gopacket.LayerTypeMetadata{
		Name:    "PGM",
		Decoder: gopacket.DecodeFunc(decodePgmLayer),
	},
)

// on-demand and proactive parity advertisement carried by SPMs
type ParityParameters struct {
	Proactive bool
	OnDemand  bool
	// transmission group size k
	GroupSize uint32
}

// Packet is one PGM TPDU, a gopacket layer for both decode and serialize.
// Only the fields for the packet's type are meaningful after a decode.
type Packet struct {
	layers.BaseLayer

	SourcePort      uint16
	DestinationPort uint16
	Type            PacketType
	// parity packet, sequence addressed within a transmission group
	Parity bool
	// parity computed over variable length payloads
	VarPktLen bool
	Checksum  uint16
	Gsi       Gsi
	TsduLength uint16

	// ODATA / RDATA
	DataSqn   SequenceNumber
	DataTrail SequenceNumber

	// SPM
	SpmSqn    SequenceNumber
	SpmTrail  SequenceNumber
	SpmLead   SequenceNumber
	SourceNla Nla

	// NAK / NCF / NNAK
	NakSqn       SequenceNumber
	NakSourceNla Nla
	NakGroupNla  Nla
	// additional sequence numbers from OPT_NAK_LIST
	NakList []SequenceNumber

	// OPT_FRAGMENT
	Fragment *FragmentOption
	// OPT_PARITY_PRM
	ParityPrm *ParityParameters
	// OPT_PARITY_GRP group leading edge
	ParityGroup *SequenceNumber
	// OPT_CURR_TGSIZE actual size of a partial trailing group
	CurrTgSize *uint32
}

func (self *Packet) Tsi() Tsi {
	return Tsi{
		Gsi:   self.Gsi,
		Sport: self.SourcePort,
	}
}

// gopacket.Layer

func (self *Packet) LayerType() gopacket.LayerType {
	return LayerTypePgm
}

func (self *Packet) CanDecode() gopacket.LayerClass {
	return LayerTypePgm
}

func (self *Packet) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

func decodePgmLayer(data []byte, p gopacket.PacketBuilder) error {
	packet := &Packet{}
	if err := packet.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(packet)
	return p.NextDecoder(packet.NextLayerType())
}

// gopacket.DecodingLayer

func (self *Packet) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < pgmHeaderLen {
		df.SetTruncated()
		return fmt.Errorf("%w: %d bytes", errParseBadLength, len(data))
	}
	if fold(checksum(data, 0)) != 0xFFFF {
		return errParseBadChecksum
	}

	self.SourcePort = binary.BigEndian.Uint16(data[0:2])
	self.DestinationPort = binary.BigEndian.Uint16(data[2:4])
	self.Type = PacketType(data[4] & 0x0F)
	headerOptions := data[5]
	self.Parity = headerOptions&optParity != 0
	self.VarPktLen = headerOptions&optVarPktLen != 0
	self.Checksum = binary.BigEndian.Uint16(data[6:8])
	self.Gsi = Gsi(data[8:14])
	self.TsduLength = binary.BigEndian.Uint16(data[14:16])

	body := data[pgmHeaderLen:]
	var payload []byte

	switch self.Type {
	case PacketTypeOdata, PacketTypeRdata:
		if len(body) < dataHeaderLen {
			return fmt.Errorf("%w: data header", errParseBadLength)
		}
		self.DataSqn = SequenceNumber(binary.BigEndian.Uint32(body[0:4]))
		self.DataTrail = SequenceNumber(binary.BigEndian.Uint32(body[4:8]))
		rest := body[dataHeaderLen:]
		if headerOptions&optPresent != 0 {
			optLen, err := self.parseOptions(rest)
			if err != nil {
				return err
			}
			rest = rest[optLen:]
		}
		if len(rest) != int(self.TsduLength) {
			return fmt.Errorf("%w: tsdu %d != %d", errParseBadLength, len(rest), self.TsduLength)
		}
		payload = rest

	case PacketTypeSpm:
		if len(body) < 16 {
			return fmt.Errorf("%w: spm header", errParseBadLength)
		}
		self.SpmSqn = SequenceNumber(binary.BigEndian.Uint32(body[0:4]))
		self.SpmTrail = SequenceNumber(binary.BigEndian.Uint32(body[4:8]))
		self.SpmLead = SequenceNumber(binary.BigEndian.Uint32(body[8:12]))
		nla, n, err := parseNla(body[12:])
		if err != nil {
			return err
		}
		self.SourceNla = nla
		rest := body[12+n:]
		if headerOptions&optPresent != 0 {
			if _, err := self.parseOptions(rest); err != nil {
				return err
			}
		}

	case PacketTypeNak, PacketTypeNcf, PacketTypeNnak:
		if len(body) < 4 {
			return fmt.Errorf("%w: nak header", errParseBadLength)
		}
		self.NakSqn = SequenceNumber(binary.BigEndian.Uint32(body[0:4]))
		src, n, err := parseNla(body[4:])
		if err != nil {
			return err
		}
		self.NakSourceNla = src
		grp, m, err := parseNla(body[4+n:])
		if err != nil {
			return err
		}
		self.NakGroupNla = grp
		rest := body[4+n+m:]
		if headerOptions&optPresent != 0 {
			if _, err := self.parseOptions(rest); err != nil {
				return err
			}
		}

	case PacketTypeSpmr, PacketTypePoll, PacketTypePolr:
		// recognized but carry no state the engine uses

	default:
		return fmt.Errorf("%w: 0x%02x", errParseBadType, uint8(self.Type))
	}

	self.BaseLayer = layers.BaseLayer{
		Contents: data[:len(data)-len(payload)],
		Payload:  payload,
	}
	return nil
}

// parseOptions walks the option chain, strictly length validated. Unknown
// options are skipped. Returns the total chain length consumed.
func (self *Packet) parseOptions(data []byte) (int, error) {
	if len(data) < optLengthLen {
		return 0, errParseBadOpt
	}
	// OPT_LENGTH must lead the chain
	if data[0]&optTypeMask != optTypeLength || data[1] != optLengthLen {
		return 0, errParseBadOpt
	}
	totalLength := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLength < optLengthLen || len(data) < totalLength {
		return 0, errParseBadOpt
	}

	offset := optLengthLen
	for offset < totalLength {
		if totalLength < offset+2 {
			return 0, errParseBadOpt
		}
		optType := data[offset]
		optLen := int(data[offset+1])
		if optLen < 2 || totalLength < offset+optLen {
			return 0, errParseBadOpt
		}
		value := data[offset : offset+optLen]

		switch optType & optTypeMask {
		case optTypeFragment:
			if optLen != optFragmentLen {
				return 0, errParseBadOpt
			}
			self.Fragment = &FragmentOption{
				FirstSqn:   SequenceNumber(binary.BigEndian.Uint32(value[4:8])),
				Offset:     binary.BigEndian.Uint32(value[8:12]),
				ApduLength: binary.BigEndian.Uint32(value[12:16]),
			}
		case optTypeNakList:
			if optLen < 4 || (optLen-4)%4 != 0 {
				return 0, errParseBadOpt
			}
			count := (optLen - 4) / 4
			if maxNakListLen < count {
				return 0, errParseBadOpt
			}
			self.NakList = make([]SequenceNumber, count)
			for i := 0; i < count; i += 1 {
				self.NakList[i] = SequenceNumber(binary.BigEndian.Uint32(value[4+4*i : 8+4*i]))
			}
		case optTypeParityPrm:
			if optLen != optParityLen {
				return 0, errParseBadOpt
			}
			self.ParityPrm = &ParityParameters{
				Proactive: value[3]&parityPrmProactive != 0,
				OnDemand:  value[3]&parityPrmOnDemand != 0,
				GroupSize: binary.BigEndian.Uint32(value[4:8]),
			}
		case optTypeParityGrp:
			if optLen != optParityLen {
				return 0, errParseBadOpt
			}
			group := SequenceNumber(binary.BigEndian.Uint32(value[4:8]))
			self.ParityGroup = &group
		case optTypeCurrTgSize:
			if optLen != optParityLen {
				return 0, errParseBadOpt
			}
			currTgSize := binary.BigEndian.Uint32(value[4:8])
			self.CurrTgSize = &currTgSize
		default:
			// unknown option, skip
		}

		offset += optLen
		if optType&optTypeEnd != 0 {
			break
		}
	}
	return totalLength, nil
}

// gopacket.SerializableLayer

func (self *Packet) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	options := self.buildOptions()

	var typeHeaderLen int
	switch self.Type {
	case PacketTypeOdata, PacketTypeRdata:
		typeHeaderLen = dataHeaderLen
	case PacketTypeSpm:
		typeHeaderLen = 12 + nlaLen(self.SourceNla)
	case PacketTypeNak, PacketTypeNcf, PacketTypeNnak:
		typeHeaderLen = 4 + nlaLen(self.NakSourceNla) + nlaLen(self.NakGroupNla)
	case PacketTypeSpmr:
		typeHeaderLen = 0
	default:
		return fmt.Errorf("cannot serialize packet type %s", self.Type)
	}

	payloadLen := len(b.Bytes())
	buff, err := b.PrependBytes(pgmHeaderLen + typeHeaderLen + len(options))
	if err != nil {
		return err
	}

	binary.BigEndian.PutUint16(buff[0:2], self.SourcePort)
	binary.BigEndian.PutUint16(buff[2:4], self.DestinationPort)
	buff[4] = uint8(self.Type)
	var headerOptions uint8
	if 0 < len(options) {
		headerOptions |= optPresent | optNetwork
	}
	if self.Parity {
		headerOptions |= optParity
	}
	if self.VarPktLen {
		headerOptions |= optVarPktLen
	}
	buff[5] = headerOptions
	// checksum computed last
	buff[6] = 0
	buff[7] = 0
	copy(buff[8:14], self.Gsi[0:6])
	binary.BigEndian.PutUint16(buff[14:16], uint16(payloadLen))
	self.TsduLength = uint16(payloadLen)

	body := buff[pgmHeaderLen:]
	switch self.Type {
	case PacketTypeOdata, PacketTypeRdata:
		binary.BigEndian.PutUint32(body[0:4], uint32(self.DataSqn))
		binary.BigEndian.PutUint32(body[4:8], uint32(self.DataTrail))
	case PacketTypeSpm:
		binary.BigEndian.PutUint32(body[0:4], uint32(self.SpmSqn))
		binary.BigEndian.PutUint32(body[4:8], uint32(self.SpmTrail))
		binary.BigEndian.PutUint32(body[8:12], uint32(self.SpmLead))
		putNla(body[12:], self.SourceNla)
	case PacketTypeNak, PacketTypeNcf, PacketTypeNnak:
		binary.BigEndian.PutUint32(body[0:4], uint32(self.NakSqn))
		n := putNla(body[4:], self.NakSourceNla)
		putNla(body[4+n:], self.NakGroupNla)
	}
	copy(buff[pgmHeaderLen+typeHeaderLen:], options)

	if opts.ComputeChecksums {
		sum := fold(checksum(b.Bytes(), 0))
		self.Checksum = ^sum
		binary.BigEndian.PutUint16(buff[6:8], self.Checksum)
	}
	return nil
}

// buildOptions encodes the option chain, OPT_LENGTH first, OPT_END on the
// last option.
func (self *Packet) buildOptions() []byte {
	type opt struct {
		optType uint8
		value   []byte
	}
	var opts []opt

	if self.Fragment != nil {
		value := make([]byte, optFragmentLen)
		binary.BigEndian.PutUint32(value[4:8], uint32(self.Fragment.FirstSqn))
		binary.BigEndian.PutUint32(value[8:12], self.Fragment.Offset)
		binary.BigEndian.PutUint32(value[12:16], self.Fragment.ApduLength)
		opts = append(opts, opt{optTypeFragment, value})
	}
	if self.NakList != nil && 0 < len(self.NakList) {
		value := make([]byte, 4+4*len(self.NakList))
		for i, sqn := range self.NakList {
			binary.BigEndian.PutUint32(value[4+4*i:8+4*i], uint32(sqn))
		}
		opts = append(opts, opt{optTypeNakList, value})
	}
	if self.ParityPrm != nil {
		value := make([]byte, optParityLen)
		if self.ParityPrm.Proactive {
			value[3] |= parityPrmProactive
		}
		if self.ParityPrm.OnDemand {
			value[3] |= parityPrmOnDemand
		}
		binary.BigEndian.PutUint32(value[4:8], self.ParityPrm.GroupSize)
		opts = append(opts, opt{optTypeParityPrm, value})
	}
	if self.ParityGroup != nil {
		value := make([]byte, optParityLen)
		binary.BigEndian.PutUint32(value[4:8], uint32(*self.ParityGroup))
		opts = append(opts, opt{optTypeParityGrp, value})
	}
	if self.CurrTgSize != nil {
		value := make([]byte, optParityLen)
		binary.BigEndian.PutUint32(value[4:8], *self.CurrTgSize)
		opts = append(opts, opt{optTypeCurrTgSize, value})
	}

	if len(opts) == 0 {
		return nil
	}

	totalLength := optLengthLen
	for _, o := range opts {
		totalLength += len(o.value)
	}
	buff := make([]byte, totalLength)
	buff[0] = optTypeLength
	buff[1] = optLengthLen
	binary.BigEndian.PutUint16(buff[2:4], uint16(totalLength))
	offset := optLengthLen
	for i, o := range opts {
		o.value[0] = o.optType
		if i == len(opts)-1 {
			o.value[0] |= optTypeEnd
		}
		o.value[1] = uint8(len(o.value))
		copy(buff[offset:], o.value)
		offset += len(o.value)
	}
	return buff
}

func parseNla(data []byte) (Nla, int, error) {
	if len(data) < 4 {
		return Nla{}, 0, fmt.Errorf("%w: nla", errParseBadLength)
	}
	afi := binary.BigEndian.Uint16(data[0:2])
	switch afi {
	case afiIp:
		if len(data) < 8 {
			return Nla{}, 0, fmt.Errorf("%w: nla", errParseBadLength)
		}
		return netip.AddrFrom4([4]byte(data[4:8])), 8, nil
	case afiIp6:
		if len(data) < 20 {
			return Nla{}, 0, fmt.Errorf("%w: nla", errParseBadLength)
		}
		return netip.AddrFrom16([16]byte(data[4:20])), 20, nil
	}
	return Nla{}, 0, fmt.Errorf("%w: afi %d", errParseBadLength, afi)
}

func nlaLen(nla Nla) int {
	if nla.Is4() {
		return 8
	}
	return 20
}

func putNla(buff []byte, nla Nla) int {
	if nla.Is4() {
		binary.BigEndian.PutUint16(buff[0:2], afiIp)
		buff[2] = 0
		buff[3] = 0
		a := nla.As4()
		copy(buff[4:8], a[0:4])
		return 8
	}
	binary.BigEndian.PutUint16(buff[0:2], afiIp6)
	buff[2] = 0
	buff[3] = 0
	a := nla.As16()
	copy(buff[4:20], a[0:16])
	return 20
}

// 16 bit one's complement sum
func checksum(data []byte, initial uint32) uint32 {
	sum := initial
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)&1 != 0 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

func fold(sum uint32) uint16 {
	for 0xFFFF < sum {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return uint16(sum)
}

// encodePacket serializes a packet and payload into a fresh buffer with
// head room for the encapsulation headers.
func encodePacket(packet *Packet, payload []byte) (*PacketBuffer, error) {
	serialize := gopacket.NewSerializeBuffer()
	serializeOpts := gopacket.SerializeOptions{
		ComputeChecksums: true,
	}
	err := gopacket.SerializeLayers(serialize, serializeOpts, packet, gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}
	wire := serialize.Bytes()

	buffer := NewPacketBuffer(encapHeadroom + len(wire))
	if err := buffer.Reserve(encapHeadroom); err != nil {
		return nil, err
	}
	region, err := buffer.Put(len(wire))
	if err != nil {
		return nil, err
	}
	copy(region, wire)
	buffer.Tsi = packet.Tsi()
	buffer.PayloadOffset = len(wire) - len(payload)
	if packet.Fragment != nil {
		fragment := *packet.Fragment
		buffer.Fragment = &fragment
	}
	switch packet.Type {
	case PacketTypeOdata, PacketTypeRdata:
		buffer.Sqn = packet.DataSqn
	case PacketTypeSpm:
		buffer.Sqn = packet.SpmSqn
	}
	return buffer, nil
}

// head room reserved in built packets for IP and UDP headers
const encapHeadroom = 48

// parsePacket decodes one received datagram.
func parsePacket(data []byte) (*Packet, error) {
	packet := &Packet{}
	if err := packet.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return packet, nil
}
