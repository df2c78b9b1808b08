package pgm

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/netip"

	"github.com/oklog/ulid/v2"
)

/*
Reliable multicast transport core (RFC 3208).

A source multicasts a datagram stream to a group of receivers. Receivers
detect gaps and repair them with NAK-based retransmission and Reed-Solomon
forward error correction. Delivery to the application is in order and at
most once. There is no acknowledgement-driven flow control; transmission is
paced only by the configured peak rate.

The package is structured around:
- a transmit window that retains sent packets for repair
- a per-peer receive window that sequences, repairs and releases data
- a Reed-Solomon codec for proactive and on-demand parity
- the SPM/NAK/NCF control state machine driven by one deadline queue
- a token bucket that admits every transmitted byte
*/

// IP protocol number assigned to PGM
const IpProtoPgm = 113

// maximum IGMPv3 group memberships per socket
const MaxGroupMemberships = 20

const MaxFragments = 16

// comparable
type Gsi [6]byte

// NewGsi draws a random global source identifier from fresh ulid entropy.
func NewGsi() Gsi {
	id := ulid.Make()
	var gsi Gsi
	copy(gsi[0:6], id[10:16])
	return gsi
}

func GsiFromBytes(gsiBytes []byte) (Gsi, error) {
	if len(gsiBytes) != 6 {
		return Gsi{}, fmt.Errorf("gsi must be 6 bytes: %d", len(gsiBytes))
	}
	return Gsi(gsiBytes), nil
}

func (self Gsi) Bytes() []byte {
	return self[0:6]
}

func (self Gsi) String() string {
	return hex.EncodeToString(self[0:6])
}

// comparable. Uniquely names a sender session.
type Tsi struct {
	Gsi   Gsi
	Sport uint16
}

func TsiFromBytes(tsiBytes []byte) (Tsi, error) {
	if len(tsiBytes) != 8 {
		return Tsi{}, fmt.Errorf("tsi must be 8 bytes: %d", len(tsiBytes))
	}
	return Tsi{
		Gsi:   Gsi(tsiBytes[0:6]),
		Sport: uint16(tsiBytes[6])<<8 | uint16(tsiBytes[7]),
	}, nil
}

func (self Tsi) Bytes() []byte {
	var buff bytes.Buffer
	buff.Write(self.Gsi[0:6])
	buff.WriteByte(byte(self.Sport >> 8))
	buff.WriteByte(byte(self.Sport))
	return buff.Bytes()
}

func (self Tsi) String() string {
	return fmt.Sprintf("%s.%d", self.Gsi, self.Sport)
}

// network layer address of a source or group
type Nla = netip.Addr

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024 * 1024)
}
