package pgm

import (
	"fmt"
)

// PacketBuffer is a contiguous byte region with head/data/tail/end cursors,
// the way wire packets are built and parsed everywhere in this package.
// Head room is reserved up front so lower layers can prepend without a copy.
// Buffers are single-owner. Ownership transfers on hand-off to a window, and
// copies are explicit through Clone.
//
// Invariant: 0 <= head <= data <= tail <= end = len(buff).
type PacketBuffer struct {
	buff []byte
	head int
	data int
	tail int

	// identity of the sender this packet belongs to
	Tsi Tsi
	// sequence number once assigned or parsed
	Sqn SequenceNumber

	// parsed header offsets, valid after parse or build
	HeaderOffset     int
	TypeHeaderOffset int
	PayloadOffset    int

	// fragment option if present
	Fragment *FragmentOption
}

// OPT_FRAGMENT carried by a TSDU that is part of a larger apdu
type FragmentOption struct {
	// sequence number of the apdu's first fragment
	FirstSqn SequenceNumber
	// byte offset of this fragment within the apdu
	Offset uint32
	// total apdu length
	ApduLength uint32
}

func NewPacketBuffer(capacity int) *PacketBuffer {
	return &PacketBuffer{
		buff: make([]byte, capacity),
	}
}

// Clone makes an independent copy, cursors and parse state included.
func (self *PacketBuffer) Clone() *PacketBuffer {
	clone := &PacketBuffer{
		buff:             make([]byte, len(self.buff)),
		head:             self.head,
		data:             self.data,
		tail:             self.tail,
		Tsi:              self.Tsi,
		Sqn:              self.Sqn,
		HeaderOffset:     self.HeaderOffset,
		TypeHeaderOffset: self.TypeHeaderOffset,
		PayloadOffset:    self.PayloadOffset,
	}
	copy(clone.buff, self.buff)
	if self.Fragment != nil {
		fragment := *self.Fragment
		clone.Fragment = &fragment
	}
	return clone
}

// Reserve advances the data cursor to leave n bytes of head room.
// Only valid on an empty buffer.
func (self *PacketBuffer) Reserve(n int) error {
	if self.data != self.tail {
		panic(fmt.Errorf("reserve on non-empty buffer: data=%d tail=%d", self.data, self.tail))
	}
	if len(self.buff) < self.data+n {
		return ErrCapacity
	}
	self.data += n
	self.tail += n
	return nil
}

// Put extends the buffer tail by n bytes and returns the extension for the
// caller to fill.
func (self *PacketBuffer) Put(n int) ([]byte, error) {
	if len(self.buff) < self.tail+n {
		return nil, ErrCapacity
	}
	region := self.buff[self.tail : self.tail+n]
	self.tail += n
	return region, nil
}

// Push moves the data cursor back by n bytes, exposing head room, and
// returns the exposed region.
func (self *PacketBuffer) Push(n int) ([]byte, error) {
	if self.data-n < self.head {
		return nil, ErrCapacity
	}
	self.data -= n
	return self.buff[self.data : self.data+n], nil
}

// Pull advances the data cursor past n consumed bytes.
func (self *PacketBuffer) Pull(n int) ([]byte, error) {
	if self.tail < self.data+n {
		return nil, ErrCapacity
	}
	region := self.buff[self.data : self.data+n]
	self.data += n
	return region, nil
}

// Bytes is the current data region, data..tail.
func (self *PacketBuffer) Bytes() []byte {
	return self.buff[self.data:self.tail]
}

func (self *PacketBuffer) Len() int {
	return self.tail - self.data
}

func (self *PacketBuffer) Headroom() int {
	return self.data - self.head
}

func (self *PacketBuffer) Tailroom() int {
	return len(self.buff) - self.tail
}

// Payload is the TSDU region, valid after parse or build.
func (self *PacketBuffer) Payload() []byte {
	return self.buff[self.data+self.PayloadOffset : self.tail]
}

// bufferFromBytes adopts a received datagram with no head room.
func bufferFromBytes(b []byte) *PacketBuffer {
	buff := make([]byte, len(b))
	copy(buff, b)
	return &PacketBuffer{
		buff: buff,
		tail: len(b),
	}
}
