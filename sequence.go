package pgm

// 32-bit sequence numbers wrap. All comparisons are in the serial number
// sense (RFC 1982): a < b iff 0 < b - a < 2^31 using unsigned wraparound
// subtraction. Pairs that differ by exactly 2^31 are unordered in either
// direction.

type SequenceNumber uint32

func (self SequenceNumber) Before(b SequenceNumber) bool {
	d := uint32(b) - uint32(self)
	return 0 < d && d < 1<<31
}

func (self SequenceNumber) After(b SequenceNumber) bool {
	return b.Before(self)
}

func (self SequenceNumber) AtMost(b SequenceNumber) bool {
	return self == b || self.Before(b)
}

func (self SequenceNumber) AtLeast(b SequenceNumber) bool {
	return self == b || b.Before(self)
}

// Comparable returns false for the ambiguous half-space pair.
func (self SequenceNumber) Comparable(b SequenceNumber) bool {
	return uint32(b)-uint32(self) != 1<<31
}

// Distance is the wraparound count of sequence numbers from self up to b.
// Valid when self is at or before b.
func (self SequenceNumber) Distance(b SequenceNumber) uint32 {
	return uint32(b) - uint32(self)
}

// In reports trail <= self <= lead in serial order, for a window no larger
// than half the sequence space.
func (self SequenceNumber) In(trail SequenceNumber, lead SequenceNumber) bool {
	return uint32(self)-uint32(trail) <= uint32(lead)-uint32(trail)
}

// first sequence number of the transmission group holding self, for groups
// of tgSize aligned on multiples of tgSize
func (self SequenceNumber) GroupLead(tgSize uint32) SequenceNumber {
	return SequenceNumber(uint32(self) &^ (tgSize - 1))
}

// index of self within its transmission group
func (self SequenceNumber) GroupOffset(tgSize uint32) uint32 {
	return uint32(self) & (tgSize - 1)
}
