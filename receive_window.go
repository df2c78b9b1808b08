package pgm

import (
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/golang/glog"
)

// ReceiveWindow is the per-peer ordered ring that sequences arrivals,
// detects gaps, drives the NAK repair state machine and releases data in
// order. It is owned exclusively by the receive lane and takes no locks.
// Outcomes flow up to the engine as Delivery values and pending NAK
// sequences; the window holds no reference to the transport.
//
// Slot life cycle:
//
//	EMPTY --ODATA-->  HAVE_DATA --commit-->  COMMITTED
//	EMPTY --skip-->   LOST (gap opened by higher sqn arrival)
//	LOST  --NAK fire--> WAIT_NCF
//	WAIT_NCF --NCF--> WAIT_DATA
//	WAIT_NCF --timeout--> LOST until NAK_NCF_RETRIES
//	WAIT_DATA --RDATA--> HAVE_DATA
//	WAIT_DATA --timeout--> LOST until NAK_DATA_RETRIES
//	any --retry exhaustion or trail advance--> UNRECOVERABLE
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotHaveData
	SlotLost
	SlotWaitNcf
	SlotWaitData
	SlotUnrecoverable
	SlotCommitted
)

func (self SlotState) String() string {
	switch self {
	case SlotEmpty:
		return "EMPTY"
	case SlotHaveData:
		return "HAVE_DATA"
	case SlotLost:
		return "LOST"
	case SlotWaitNcf:
		return "WAIT_NCF"
	case SlotWaitData:
		return "WAIT_DATA"
	case SlotUnrecoverable:
		return "UNRECOVERABLE"
	case SlotCommitted:
		return "COMMITTED"
	}
	return fmt.Sprintf("SlotState(%d)", int(self))
}

type rxSlot struct {
	state  SlotState
	buffer *PacketBuffer

	// next state machine deadline for LOST / WAIT_NCF / WAIT_DATA
	deadline time.Time
	// WAIT_NCF expirations so far
	ncfRetries int
	// WAIT_DATA expirations so far
	dataRetries int
}

// Delivery is one in-order release to the application: a whole apdu, a
// single tsdu, or a reset indication for an unrecoverable gap.
type Delivery struct {
	Tsi  Tsi
	Data []byte
	// unrecoverable data loss, surfaced once per gap
	Reset bool
}

type rxParitySet struct {
	// parity payloads by parity index
	parity map[int][]byte
}

// intervals and budgets for the repair state machine
type receiveWindowSettings struct {
	nakBoIvl       time.Duration
	nakRptIvl      time.Duration
	nakRdataIvl    time.Duration
	nakDataRetries int
	nakNcfRetries  int
}

type ReceiveWindow struct {
	tsi      Tsi
	capacity uint32
	settings *receiveWindowSettings
	rand     *mathrand.Rand

	ring    []rxSlot
	defined bool
	// highest observed data sequence
	lead SequenceNumber
	// low edge, packets below are discarded
	trail SequenceNumber
	// last trailing edge reported by the sender
	rxwTrail SequenceNumber
	// next sequence to release to the application
	commitLead SequenceNumber

	// on-demand parity advertised by the sender's SPMs
	rs        *ReedSolomon
	tgSize    uint32
	varPktLen bool
	// received parity payloads by transmission group
	paritySets map[SequenceNumber]*rxParitySet

	deliveries []Delivery

	// cached minimum slot deadline, zero when none
	nextDeadline time.Time
}

func NewReceiveWindow(tsi Tsi, sqns int, settings *receiveWindowSettings, rand *mathrand.Rand) *ReceiveWindow {
	if sqns < 1 {
		panic(fmt.Errorf("receive window must hold at least one sequence: %d", sqns))
	}
	return &ReceiveWindow{
		tsi:        tsi,
		capacity:   uint32(sqns),
		settings:   settings,
		rand:       rand,
		ring:       make([]rxSlot, sqns),
		paritySets: map[SequenceNumber]*rxParitySet{},
	}
}

// EnableParity arms reconstruction after the sender advertises FEC.
func (self *ReceiveWindow) EnableParity(rs *ReedSolomon, varPktLen bool) {
	self.rs = rs
	self.tgSize = uint32(rs.K())
	self.varPktLen = varPktLen
}

func (self *ReceiveWindow) ParityEnabled() bool {
	return self.rs != nil
}

func (self *ReceiveWindow) Lead() SequenceNumber {
	return self.lead
}

func (self *ReceiveWindow) Trail() SequenceNumber {
	return self.trail
}

func (self *ReceiveWindow) CommitLead() SequenceNumber {
	return self.commitLead
}

func (self *ReceiveWindow) slot(sqn SequenceNumber) *rxSlot {
	return &self.ring[uint32(sqn)%self.capacity]
}

// TakeDeliveries drains the in-order releases accumulated since the last
// call.
func (self *ReceiveWindow) TakeDeliveries() []Delivery {
	deliveries := self.deliveries
	self.deliveries = nil
	return deliveries
}

// AddData accepts an ODATA packet.
func (self *ReceiveWindow) AddData(packet *Packet, now time.Time) {
	self.define(packet.DataSqn)
	self.updateTrail(packet.DataTrail)

	if packet.Parity {
		// proactive parity rides ODATA
		self.addParity(packet)
		return
	}
	self.addSequenced(packet, now)
}

// AddRepair accepts an RDATA packet, selective or parity.
func (self *ReceiveWindow) AddRepair(packet *Packet, now time.Time) {
	if !self.defined {
		// repair without any original data, treat as original
		self.define(packet.DataSqn)
	}
	self.updateTrail(packet.DataTrail)

	if packet.Parity {
		self.addParity(packet)
		return
	}
	self.addSequenced(packet, now)
}

func (self *ReceiveWindow) define(sqn SequenceNumber) {
	if self.defined {
		return
	}
	self.defined = true
	self.trail = sqn
	self.commitLead = sqn
	self.lead = sqn - 1
}

func (self *ReceiveWindow) addSequenced(packet *Packet, now time.Time) {
	sqn := packet.DataSqn

	if sqn.Before(self.trail) || sqn.Before(self.commitLead) {
		glog.V(2).Infof("[rxw]%s discard sqn=%d trail=%d\n", self.tsi, sqn, self.trail)
		return
	}

	if self.lead.Before(sqn) {
		self.openGap(sqn, now)
	}

	slot := self.slot(sqn)
	switch slot.state {
	case SlotHaveData, SlotCommitted:
		// duplicate
		glog.V(2).Infof("[rxw]%s duplicate sqn=%d\n", self.tsi, sqn)
		return
	case SlotUnrecoverable:
		// arrived after the repair budget was spent, accept anyway
	}
	slot.state = SlotHaveData
	slot.buffer = sequencedBuffer(packet)
	slot.deadline = time.Time{}

	if self.rs != nil {
		self.tryReconstruct(sqn.GroupLead(self.tgSize))
	}
	self.commit()
}

// openGap marks (lead+1 .. sqn-1) lost with a jittered back-off deadline
// and advances lead to sqn.
func (self *ReceiveWindow) openGap(sqn SequenceNumber, now time.Time) {
	if self.capacity < self.lead.Distance(sqn) {
		// the jump clears the whole window, everything between is beyond
		// repair
		for i := range self.ring {
			self.ring[i] = rxSlot{}
		}
		self.paritySets = map[SequenceNumber]*rxParitySet{}
		self.markReset()
		self.trail = sqn
		self.commitLead = sqn
		self.lead = sqn
		return
	}

	for s := self.lead + 1; s != sqn; s += 1 {
		self.reserve(s)
		slot := self.slot(s)
		slot.state = SlotLost
		slot.buffer = nil
		slot.ncfRetries = 0
		slot.dataRetries = 0
		slot.deadline = now.Add(self.backoff())
		self.noteDeadline(slot.deadline)
		glog.V(2).Infof("[rxw]%s lost sqn=%d nak at +%dms\n", self.tsi, s, slot.deadline.Sub(now)/time.Millisecond)
	}
	self.reserve(sqn)
	self.lead = sqn
}

// backoff draws uniformly from (0, nak_bo_ivl]
func (self *ReceiveWindow) backoff() time.Duration {
	ivl := self.settings.nakBoIvl
	return time.Duration(1 + self.rand.Int63n(int64(ivl)))
}

// reserve makes room for sqn, advancing the trailing edge when the window
// is full. Dropped un-committed slots become one reset event.
func (self *ReceiveWindow) reserve(sqn SequenceNumber) {
	for self.capacity < self.trail.Distance(sqn)+1 {
		dropped := self.slot(self.trail)
		if dropped.state != SlotCommitted && dropped.state != SlotEmpty {
			// un-committed data or un-repaired gap falls off the window
			if self.commitLead == self.trail {
				self.commitLead = self.trail + 1
			}
			self.markReset()
		} else if self.commitLead == self.trail {
			self.commitLead = self.trail + 1
		}
		dropped.state = SlotEmpty
		dropped.buffer = nil
		dropped.deadline = time.Time{}
		delete(self.paritySets, self.trail.GroupLead(self.tgSizeOrOne()))
		self.trail += 1
	}
}

func (self *ReceiveWindow) tgSizeOrOne() uint32 {
	if self.tgSize == 0 {
		return 1
	}
	return self.tgSize
}

// markReset records one reset indication, collapsing adjacent events.
func (self *ReceiveWindow) markReset() {
	if 0 < len(self.deliveries) && self.deliveries[len(self.deliveries)-1].Reset {
		return
	}
	self.deliveries = append(self.deliveries, Delivery{
		Tsi:   self.tsi,
		Reset: true,
	})
	glog.Warningf("[rxw]%s unrecoverable data loss\n", self.tsi)
}

// UpdateTrail applies a trailing edge advertisement from an SPM. Slots
// below the new edge still awaiting repair are unrecoverable.
func (self *ReceiveWindow) UpdateTrail(rxwTrail SequenceNumber) {
	self.updateTrail(rxwTrail)
	self.commit()
}

func (self *ReceiveWindow) updateTrail(rxwTrail SequenceNumber) {
	if !self.defined {
		self.defined = true
		self.trail = rxwTrail
		self.commitLead = rxwTrail
		self.lead = rxwTrail - 1
		self.rxwTrail = rxwTrail
		return
	}
	if !self.rxwTrail.Before(rxwTrail) {
		return
	}
	self.rxwTrail = rxwTrail

	if self.lead.Before(rxwTrail - 1) {
		// the whole window fell behind the sender's trailing edge
		uncommitted := false
		for s := self.commitLead; !self.lead.Before(s); s += 1 {
			if self.slot(s).state != SlotCommitted {
				uncommitted = true
			}
		}
		for i := range self.ring {
			self.ring[i] = rxSlot{}
		}
		self.paritySets = map[SequenceNumber]*rxParitySet{}
		if uncommitted {
			self.markReset()
		}
		self.trail = rxwTrail
		self.commitLead = rxwTrail
		self.lead = rxwTrail - 1
		return
	}

	for s := self.trail; s != rxwTrail && !self.lead.Before(s); s += 1 {
		slot := self.slot(s)
		switch slot.state {
		case SlotLost, SlotWaitNcf, SlotWaitData:
			slot.state = SlotUnrecoverable
			slot.deadline = time.Time{}
		}
	}
}

// AddNcf confirms pending NAKs: WAIT_NCF moves to WAIT_DATA.
func (self *ReceiveWindow) AddNcf(sqn SequenceNumber, parity bool, parityGroup *SequenceNumber, now time.Time) {
	if !self.defined {
		return
	}
	if parity {
		group := self.parityNakGroup(sqn, parityGroup)
		// one parity NCF confirms every outstanding request in the group
		for s := group; s != group+SequenceNumber(self.tgSize); s += 1 {
			if !s.In(self.trail, self.lead) {
				continue
			}
			self.confirmSlot(s, now)
		}
		return
	}
	if !sqn.In(self.trail, self.lead) {
		return
	}
	self.confirmSlot(sqn, now)
}

func (self *ReceiveWindow) confirmSlot(sqn SequenceNumber, now time.Time) {
	slot := self.slot(sqn)
	switch slot.state {
	case SlotLost, SlotWaitNcf:
		slot.state = SlotWaitData
		slot.deadline = now.Add(self.settings.nakRdataIvl)
		self.noteDeadline(slot.deadline)
		glog.V(2).Infof("[rxw]%s ncf sqn=%d wait data\n", self.tsi, sqn)
	}
}

// addParity stores a parity payload in its group's parity set and attempts
// reconstruction.
func (self *ReceiveWindow) addParity(packet *Packet) {
	if self.rs == nil {
		glog.V(1).Infof("[rxw]%s parity packet without advertised fec\n", self.tsi)
		return
	}
	group, parityIndex, ok := self.parityAddress(packet)
	if !ok {
		return
	}
	if group.Before(self.trail.GroupLead(self.tgSize)) {
		return
	}
	paritySet, ok := self.paritySets[group]
	if !ok {
		paritySet = &rxParitySet{
			parity: map[int][]byte{},
		}
		self.paritySets[group] = paritySet
	}
	if _, ok := paritySet.parity[parityIndex]; ok {
		return
	}
	payload := make([]byte, len(packet.Payload))
	copy(payload, packet.Payload)
	paritySet.parity[parityIndex] = payload
	glog.V(2).Infof("[rxw]%s parity group=%d index=%d\n", self.tsi, group, parityIndex)

	self.tryReconstruct(group)
	self.commit()
}

// parityAddress resolves a parity packet's transmission group and parity
// index. Parity sequences are addressed group+k+j; the group is carried
// explicitly in OPT_PARITY_GRP.
func (self *ReceiveWindow) parityAddress(packet *Packet) (SequenceNumber, int, bool) {
	if packet.ParityGroup == nil {
		return 0, 0, false
	}
	group := *packet.ParityGroup
	if group.GroupOffset(self.tgSize) != 0 {
		return 0, 0, false
	}
	parityIndex := int(uint32(packet.DataSqn) - uint32(group) - self.tgSize)
	if parityIndex < 0 || self.rs.N()-self.rs.K() <= parityIndex {
		return 0, 0, false
	}
	return group, parityIndex, true
}

func (self *ReceiveWindow) parityNakGroup(sqn SequenceNumber, parityGroup *SequenceNumber) SequenceNumber {
	if parityGroup != nil {
		return *parityGroup
	}
	return (sqn - SequenceNumber(self.tgSize)).GroupLead(self.tgSize)
}

// tryReconstruct decodes missing data blocks once at least k of the
// group's data plus parity blocks are present.
func (self *ReceiveWindow) tryReconstruct(group SequenceNumber) {
	if self.rs == nil {
		return
	}
	k := int(self.tgSize)
	// the whole group must be inside the window to inspect
	if !self.defined || self.lead.Before(group+SequenceNumber(k)-1) {
		return
	}

	paritySet := self.paritySets[group]
	var missing []int
	for i := 0; i < k; i += 1 {
		slot := self.slot(group + SequenceNumber(i))
		switch slot.state {
		case SlotHaveData, SlotCommitted:
		default:
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return
	}
	if paritySet == nil || len(paritySet.parity) < len(missing) {
		// insufficient blocks so far
		return
	}

	// symbol size from any parity block
	symbolSize := 0
	for _, payload := range paritySet.parity {
		if symbolSize < len(payload) {
			symbolSize = len(payload)
		}
	}

	blocks := make([][]byte, self.rs.N())
	offsets := make([]uint8, k)
	parityIndexes := make([]int, 0, len(paritySet.parity))
	for parityIndex := range paritySet.parity {
		parityIndexes = append(parityIndexes, parityIndex)
	}
	// deterministic assignment of parity rows to erasures
	for i := 0; i < len(parityIndexes); i += 1 {
		for j := i + 1; j < len(parityIndexes); j += 1 {
			if parityIndexes[j] < parityIndexes[i] {
				parityIndexes[i], parityIndexes[j] = parityIndexes[j], parityIndexes[i]
			}
		}
	}

	next := 0
	for i := 0; i < k; i += 1 {
		slot := self.slot(group + SequenceNumber(i))
		switch slot.state {
		case SlotHaveData, SlotCommitted:
			offsets[i] = uint8(i)
			blocks[i] = slot.buffer.Payload()
		default:
			parityIndex := parityIndexes[next]
			next += 1
			offsets[i] = uint8(k + parityIndex)
			blocks[i] = make([]byte, symbolSize)
			blocks[k+parityIndex] = paritySet.parity[parityIndex]
		}
	}

	if err := self.rs.DecodeParityAppended(blocks, offsets); err != nil {
		glog.Warningf("[rxw]%s fec decode failed group=%d: %v\n", self.tsi, group, err)
		return
	}

	for _, i := range missing {
		payload := blocks[i]
		if self.varPktLen && 2 <= len(payload) {
			length := int(binary.BigEndian.Uint16(payload[len(payload)-2:]))
			if length <= len(payload)-2 {
				payload = payload[:length]
			}
		}
		slot := self.slot(group + SequenceNumber(i))
		slot.state = SlotHaveData
		slot.buffer = bufferFromBytes(payload)
		slot.buffer.Tsi = self.tsi
		slot.buffer.Sqn = group + SequenceNumber(i)
		slot.deadline = time.Time{}
	}
	delete(self.paritySets, group)
	glog.V(1).Infof("[rxw]%s fec reconstructed %d blocks group=%d\n", self.tsi, len(missing), group)
}

// NextDeadline returns the earliest repair deadline, or zero when idle.
func (self *ReceiveWindow) NextDeadline() time.Time {
	return self.nextDeadline
}

func (self *ReceiveWindow) noteDeadline(deadline time.Time) {
	if self.nextDeadline.IsZero() || deadline.Before(self.nextDeadline) {
		self.nextDeadline = deadline
	}
}

// NakRequest is one repair request the engine should transmit.
type NakRequest struct {
	Sqn SequenceNumber
	// parity request, Sqn addresses group+k+index
	Parity bool
	Group  SequenceNumber
}

// ProcessTimers advances the repair state machines whose deadlines have
// passed and returns the NAKs to transmit now.
func (self *ReceiveWindow) ProcessTimers(now time.Time) []NakRequest {
	if !self.defined {
		return nil
	}

	var naks []NakRequest
	self.nextDeadline = time.Time{}
	resetSeen := false

	for s := self.trail; !self.lead.Before(s); s += 1 {
		slot := self.slot(s)
		switch slot.state {
		case SlotLost, SlotWaitNcf, SlotWaitData:
		default:
			continue
		}
		if slot.deadline.After(now) {
			self.noteDeadline(slot.deadline)
			continue
		}

		switch slot.state {
		case SlotLost:
			// back-off expired, request repair
			naks = append(naks, self.nakFor(s))
			slot.state = SlotWaitNcf
			slot.deadline = now.Add(self.settings.nakRptIvl)
			self.noteDeadline(slot.deadline)

		case SlotWaitNcf:
			slot.ncfRetries += 1
			if self.settings.nakNcfRetries <= slot.ncfRetries {
				slot.state = SlotUnrecoverable
				slot.deadline = time.Time{}
				resetSeen = true
				glog.V(1).Infof("[rxw]%s ncf retries exhausted sqn=%d\n", self.tsi, s)
			} else {
				slot.state = SlotLost
				slot.deadline = now.Add(self.backoff())
				self.noteDeadline(slot.deadline)
			}

		case SlotWaitData:
			slot.dataRetries += 1
			if self.settings.nakDataRetries <= slot.dataRetries {
				slot.state = SlotUnrecoverable
				slot.deadline = time.Time{}
				resetSeen = true
				glog.V(1).Infof("[rxw]%s data retries exhausted sqn=%d\n", self.tsi, s)
			} else {
				slot.state = SlotLost
				slot.deadline = now.Add(self.backoff())
				self.noteDeadline(slot.deadline)
			}
		}
	}

	if resetSeen {
		self.commit()
	}
	return naks
}

// nakFor translates a lost slot to a repair request, preferring parity
// repair when the sender serves it and the group has closed.
func (self *ReceiveWindow) nakFor(sqn SequenceNumber) NakRequest {
	if self.rs != nil {
		group := sqn.GroupLead(self.tgSize)
		groupEnd := group + SequenceNumber(self.tgSize) - 1
		if groupEnd.Before(self.lead) || groupEnd == self.lead {
			// request the parity block matching this erasure's rank in
			// the group
			rank := 0
			for s := group; s != sqn; s += 1 {
				switch self.slot(s).state {
				case SlotHaveData, SlotCommitted:
				default:
					rank += 1
				}
			}
			return NakRequest{
				Sqn:    group + SequenceNumber(self.tgSize) + SequenceNumber(rank),
				Parity: true,
				Group:  group,
			}
		}
	}
	return NakRequest{
		Sqn: sqn,
	}
}

// commit releases contiguous completed data at the commit edge.
func (self *ReceiveWindow) commit() {
	for !self.lead.Before(self.commitLead) {
		slot := self.slot(self.commitLead)
		switch slot.state {
		case SlotHaveData:
			if slot.buffer.Fragment == nil {
				self.deliveries = append(self.deliveries, Delivery{
					Tsi:  self.tsi,
					Data: slot.buffer.Payload(),
				})
				slot.state = SlotCommitted
				self.commitLead += 1
				continue
			}
			if !self.commitApdu(slot) {
				return
			}

		case SlotUnrecoverable:
			// surface the gap once then advance past the run
			self.markReset()
			for !self.lead.Before(self.commitLead) && self.slot(self.commitLead).state == SlotUnrecoverable {
				self.slot(self.commitLead).state = SlotCommitted
				self.commitLead += 1
			}

		default:
			return
		}
	}
}

// commitApdu assembles and releases the apdu whose fragment holds the
// commit edge. Returns false when the apdu is still incomplete.
func (self *ReceiveWindow) commitApdu(slot *rxSlot) bool {
	fragment := slot.buffer.Fragment
	firstSqn := fragment.FirstSqn

	if firstSqn.Before(self.commitLead) {
		// the apdu head fell off the window, the tail is useless
		self.markReset()
		slot.state = SlotCommitted
		self.commitLead += 1
		return true
	}

	apduLength := int(fragment.ApduLength)
	assembled := 0
	end := firstSqn
	for s := firstSqn; assembled < apduLength; s += 1 {
		if self.lead.Before(s) {
			return false
		}
		fragmentSlot := self.slot(s)
		if fragmentSlot.state != SlotHaveData {
			return false
		}
		fragmentOption := fragmentSlot.buffer.Fragment
		if fragmentOption == nil || fragmentOption.FirstSqn != firstSqn {
			// inconsistent fragmentation from the sender
			glog.Warningf("[rxw]%s inconsistent apdu at sqn=%d\n", self.tsi, s)
			self.markReset()
			slot.state = SlotCommitted
			self.commitLead += 1
			return true
		}
		assembled += len(fragmentSlot.buffer.Payload())
		end = s
	}

	data := make([]byte, 0, apduLength)
	for s := firstSqn; !end.Before(s); s += 1 {
		fragmentSlot := self.slot(s)
		data = append(data, fragmentSlot.buffer.Payload()...)
		fragmentSlot.state = SlotCommitted
	}
	if len(data) != apduLength {
		glog.Warningf("[rxw]%s apdu length mismatch %d != %d\n", self.tsi, len(data), apduLength)
	}
	self.deliveries = append(self.deliveries, Delivery{
		Tsi:  self.tsi,
		Data: data,
	})
	self.commitLead = end + 1
	return true
}

// sequencedBuffer adopts a parsed packet's payload into a window-owned
// buffer.
func sequencedBuffer(packet *Packet) *PacketBuffer {
	buffer := bufferFromBytes(packet.Payload)
	buffer.Tsi = packet.Tsi()
	buffer.Sqn = packet.DataSqn
	if packet.Fragment != nil {
		fragment := *packet.Fragment
		buffer.Fragment = &fragment
	}
	return buffer
}
