package pgm

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// TransmitWindow is the ordered ring of sent packets retained for repair.
// The sender appends under the write lock; repair lookups initiated by the
// receive lane take the read lock.
//
// Cursors are serial sequence numbers with trail <= lead. lead is the last
// sequence sent, trail the oldest retained. The ring is indexed sqn mod
// capacity.
//
// With FEC enabled the window is partitioned into transmission groups of k
// consecutive sequence numbers aligned on multiples of k. Each group can
// produce up to h = n-k parity payloads, addressed by group+k+j.
type TransmitWindow struct {
	tsi      Tsi
	capacity uint32

	stateLock sync.RWMutex
	ring      []*PacketBuffer
	lead      SequenceNumber
	trail     SequenceNumber
	size      uint32

	// strictly increasing across apdus
	lastApduFirstSqn *SequenceNumber

	rs         *ReedSolomon
	tgSize     uint32
	varPktLen  bool
	paritySets map[SequenceNumber]*txParitySet
}

type txParitySet struct {
	// parity payloads by index, generated lazily
	parity [][]byte
}

func NewTransmitWindow(tsi Tsi, sqns int, rs *ReedSolomon, varPktLen bool, initialSqn SequenceNumber) *TransmitWindow {
	if sqns < 1 {
		panic(fmt.Errorf("transmit window must hold at least one sequence: %d", sqns))
	}
	window := &TransmitWindow{
		tsi:      tsi,
		capacity: uint32(sqns),
		ring:     make([]*PacketBuffer, sqns),
		lead:     initialSqn - 1,
		trail:    initialSqn,
	}
	if rs != nil {
		tgSize := uint32(rs.K())
		// capacity on a group boundary so eviction drops whole groups
		if window.capacity%tgSize != 0 {
			window.capacity = (window.capacity/tgSize + 1) * tgSize
			window.ring = make([]*PacketBuffer, window.capacity)
		}
		window.rs = rs
		window.tgSize = tgSize
		window.varPktLen = varPktLen
		window.paritySets = map[SequenceNumber]*txParitySet{}
	}
	return window
}

func (self *TransmitWindow) Trail() SequenceNumber {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.trail
}

func (self *TransmitWindow) Lead() SequenceNumber {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.lead
}

// Edges returns (trail, lead) for the next SPM.
func (self *TransmitWindow) Edges() (SequenceNumber, SequenceNumber) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.trail, self.lead
}

// Add assigns the buffer the next sequence number and stores it, evicting
// the oldest packet when the window is full. Returns the assigned sequence.
func (self *TransmitWindow) Add(buffer *PacketBuffer) SequenceNumber {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if fragment := buffer.Fragment; fragment != nil {
		if self.lastApduFirstSqn != nil && fragment.FirstSqn != *self.lastApduFirstSqn {
			if !self.lastApduFirstSqn.Before(fragment.FirstSqn) {
				panic(fmt.Errorf("apdu first sqn not monotonic: %d after %d", fragment.FirstSqn, *self.lastApduFirstSqn))
			}
		}
		firstSqn := fragment.FirstSqn
		self.lastApduFirstSqn = &firstSqn
	}

	self.lead += 1
	buffer.Sqn = self.lead
	buffer.Tsi = self.tsi

	index := uint32(self.lead) % self.capacity
	if self.capacity <= self.size {
		// evict the trailing edge
		self.ring[uint32(self.trail)%self.capacity] = nil
		if self.paritySets != nil {
			delete(self.paritySets, self.trail.GroupLead(self.tgSize))
		}
		self.trail += 1
		self.size -= 1
	}
	self.ring[index] = buffer
	self.size += 1
	glog.V(2).Infof("[txw]add sqn=%d trail=%d lead=%d\n", buffer.Sqn, self.trail, self.lead)
	return self.lead
}

// Retrieve looks up a retained packet for repair. ErrWindowGone below the
// trailing edge, ErrWindowNxio above the leading edge.
func (self *TransmitWindow) Retrieve(sqn SequenceNumber) (*PacketBuffer, error) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	if self.size == 0 || sqn.Before(self.trail) {
		return nil, ErrWindowGone
	}
	if self.lead.Before(sqn) {
		return nil, ErrWindowNxio
	}
	buffer := self.ring[uint32(sqn)%self.capacity]
	if buffer == nil {
		return nil, ErrWindowGone
	}
	return buffer, nil
}

// GroupComplete reports whether all k data packets of the group are in the
// window.
func (self *TransmitWindow) GroupComplete(groupSqn SequenceNumber) bool {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	last := groupSqn + SequenceNumber(self.tgSize) - 1
	return groupSqn.AtLeast(self.trail) && last.AtMost(self.lead)
}

// ParityPayload returns the parity payload with index parityIndex for the
// group, computing it on first use. The group's k data packets must still
// be retained.
func (self *TransmitWindow) ParityPayload(groupSqn SequenceNumber, parityIndex int) ([]byte, error) {
	if self.rs == nil {
		return nil, ErrFecInvalidParams
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if groupSqn.GroupOffset(self.tgSize) != 0 {
		return nil, ErrFecInvalidParams
	}
	if parityIndex < 0 || self.rs.N()-self.rs.K() <= parityIndex {
		return nil, ErrFecInvalidParams
	}
	if groupSqn.Before(self.trail) {
		return nil, ErrWindowGone
	}
	last := groupSqn + SequenceNumber(self.tgSize) - 1
	if self.lead.Before(last) {
		return nil, ErrWindowNxio
	}

	paritySet, ok := self.paritySets[groupSqn]
	if !ok {
		paritySet = &txParitySet{
			parity: make([][]byte, self.rs.N()-self.rs.K()),
		}
		self.paritySets[groupSqn] = paritySet
	}
	if paritySet.parity[parityIndex] != nil {
		return paritySet.parity[parityIndex], nil
	}

	blocks, symbolSize, err := self.groupBlocks(groupSqn)
	if err != nil {
		return nil, err
	}
	parity := make([]byte, symbolSize)
	if err := self.rs.Encode(blocks, parity, parityIndex); err != nil {
		return nil, err
	}
	paritySet.parity[parityIndex] = parity
	glog.V(2).Infof("[txw]parity group=%d index=%d\n", groupSqn, parityIndex)
	return parity, nil
}

// must be called inside the state lock
func (self *TransmitWindow) groupBlocks(groupSqn SequenceNumber) ([][]byte, int, error) {
	k := int(self.tgSize)
	blocks := make([][]byte, k)
	symbolSize := 0
	for i := 0; i < k; i += 1 {
		buffer := self.ring[(uint32(groupSqn)+uint32(i))%self.capacity]
		if buffer == nil {
			return nil, 0, ErrWindowGone
		}
		payload := buffer.Payload()
		if symbolSize < len(payload) {
			symbolSize = len(payload)
		}
		blocks[i] = payload
	}
	if self.varPktLen {
		// append each payload's length so the decoder can trim after
		// reconstruction
		symbolSize += 2
		for i := 0; i < k; i += 1 {
			block := make([]byte, symbolSize)
			copy(block, blocks[i])
			binary.BigEndian.PutUint16(block[symbolSize-2:], uint16(len(blocks[i])))
			blocks[i] = block
		}
	}
	return blocks, symbolSize, nil
}
