package pgm

import (
	"net/netip"
	"time"

	"github.com/golang/glog"
)

// Receive lane: parse one datagram, dispatch by type, and return whatever
// became releasable. Packet-level errors are absorbed here and visible
// only through the stats counters.

// OnDatagram processes one received datagram and returns in-order
// deliveries, if any completed. The returned error is only ErrClosed.
func (self *Transport) OnDatagram(data []byte, source netip.AddrPort) ([]Delivery, error) {
	return self.onDatagram(data, source, time.Now())
}

func (self *Transport) onDatagram(data []byte, source netip.AddrPort, now time.Time) ([]Delivery, error) {
	if self.destroyed.Load() {
		return nil, ErrClosed
	}
	if !self.bound {
		return nil, nil
	}

	packet, err := parsePacket(data)
	if err != nil {
		self.Stats.countParseError(err)
		glog.V(2).Infof("[pgm]%s drop: %v\n", self.tsi, err)
		return nil, nil
	}

	if packet.Tsi() == self.tsi {
		// addressed with our session identity: repair requests from
		// receivers, or our own multicast looped back
		switch packet.Type {
		case PacketTypeNak, PacketTypeNnak:
			self.onNak(packet)
		}
		return nil, nil
	}

	if self.settings.SendOnly {
		return nil, nil
	}

	peer := self.peers.Get(packet.Tsi())
	if peer == nil {
		switch packet.Type {
		case PacketTypeSpm, PacketTypeOdata, PacketTypeRdata:
			rxwSqns := windowSqns(self.settings.RxwSqns, self.settings.RxwSecs, self.settings.RxwMaxRte, self.settings.TpduMax)
			peer = newPeer(packet.Tsi(), rxwSqns, self.receiveWindowSettings(), self.rand, now, self.settings.PeerExpiry)
			peer.GroupNla = self.group.Addr()
			self.peers.Add(peer)
			glog.V(1).Infof("[peer]%s new peer\n", peer.Tsi)
		default:
			return nil, nil
		}
	}
	peer.touch(now, self.settings.PeerExpiry)

	switch packet.Type {
	case PacketTypeSpm:
		if peer.updateSpm(packet) {
			self.Stats.SpmsReceived.Add(1)
			if packet.ParityPrm != nil && !peer.window.ParityEnabled() {
				self.enablePeerParity(peer, packet.ParityPrm)
			}
		}

	case PacketTypeOdata:
		self.Stats.DataReceived.Add(1)
		peer.window.AddData(packet, now)

	case PacketTypeRdata:
		self.Stats.RepairReceived.Add(1)
		peer.window.AddRepair(packet, now)

	case PacketTypeNcf:
		self.Stats.NcfsReceived.Add(1)
		peer.window.AddNcf(packet.NakSqn, packet.Parity, packet.ParityGroup, now)
		for _, sqn := range packet.NakList {
			peer.window.AddNcf(sqn, packet.Parity, packet.ParityGroup, now)
		}

	case PacketTypePoll, PacketTypePolr, PacketTypeSpmr:
		// recognized, nothing to drive

	default:
		self.Stats.BadType.Add(1)
	}

	return self.drainPeer(peer), nil
}

func (self *Transport) receiveWindowSettings() *receiveWindowSettings {
	return &receiveWindowSettings{
		nakBoIvl:       self.settings.NakBoIvl,
		nakRptIvl:      self.settings.NakRptIvl,
		nakRdataIvl:    self.settings.NakRdataIvl,
		nakDataRetries: self.settings.NakDataRetries,
		nakNcfRetries:  self.settings.NakNcfRetries,
	}
}

func (self *Transport) enablePeerParity(peer *Peer, prm *ParityParameters) {
	rs, err := NewReedSolomon(255, int(prm.GroupSize))
	if err != nil {
		glog.Warningf("[peer]%s bad parity advertisement k=%d\n", peer.Tsi, prm.GroupSize)
		return
	}
	peer.window.EnableParity(rs, false)
	glog.V(1).Infof("[peer]%s fec enabled k=%d ondemand=%t\n", peer.Tsi, prm.GroupSize, prm.OnDemand)
}

// drainPeer collects the peer's releases and applies the reset policy.
func (self *Transport) drainPeer(peer *Peer) []Delivery {
	deliveries := peer.window.TakeDeliveries()
	for _, delivery := range deliveries {
		if delivery.Reset {
			self.Stats.Resets.Add(1)
			if self.settings.AbortOnReset {
				peer.reset = true
				self.peers.Remove(peer.Tsi)
				glog.Warningf("[peer]%s torn down on reset\n", peer.Tsi)
				break
			}
		}
	}
	return deliveries
}

// onNak serves repair requests from receivers: confirm with an NCF, then
// retransmit from the window.
func (self *Transport) onNak(packet *Packet) {
	if self.window == nil {
		return
	}
	self.Stats.NaksReceived.Add(1)

	sqns := append([]SequenceNumber{packet.NakSqn}, packet.NakList...)
	self.sendNcf(packet, sqns)

	for _, sqn := range sqns {
		if packet.Parity {
			self.sendParityRepair(packet, sqn)
			continue
		}
		buffer, err := self.window.Retrieve(sqn)
		if err != nil {
			// below the trailing edge or never sent, must not serve
			glog.V(1).Infof("[txw]%s cannot repair sqn=%d: %v\n", self.tsi, sqn, err)
			continue
		}
		self.sendRdata(buffer)
	}
}

// sendNcf multicasts the repair confirmation, echoing the request.
func (self *Transport) sendNcf(nak *Packet, sqns []SequenceNumber) {
	packet := &Packet{
		SourcePort:      self.tsi.Sport,
		DestinationPort: self.dport,
		Type:            PacketTypeNcf,
		Parity:          nak.Parity,
		Gsi:             self.tsi.Gsi,
		NakSqn:          sqns[0],
		NakSourceNla:    nak.NakSourceNla,
		NakGroupNla:     nak.NakGroupNla,
	}
	if 1 < len(sqns) {
		packet.NakList = sqns[1:]
	}
	if nak.ParityGroup != nil {
		group := *nak.ParityGroup
		packet.ParityGroup = &group
	}
	buffer, err := encodePacket(packet, nil)
	if err != nil {
		glog.Warningf("[pgm]%s ncf encode failed: %v\n", self.tsi, err)
		return
	}
	if _, err := self.sendto(buffer.Bytes(), self.group, true, true); err != nil {
		glog.V(1).Infof("[pgm]%s ncf send failed: %v\n", self.tsi, err)
		return
	}
	self.Stats.NcfsSent.Add(1)
}

// sendRdata rebuilds a repair packet from the retained original. The
// fragment option is copied verbatim so receivers can re-reassemble; the
// original buffer is never mutated.
func (self *Transport) sendRdata(original *PacketBuffer) {
	packet := &Packet{
		SourcePort:      self.tsi.Sport,
		DestinationPort: self.dport,
		Type:            PacketTypeRdata,
		Gsi:             self.tsi.Gsi,
		DataSqn:         original.Sqn,
		DataTrail:       self.window.Trail(),
	}
	if original.Fragment != nil {
		fragment := *original.Fragment
		packet.Fragment = &fragment
	}
	buffer, err := encodePacket(packet, original.Payload())
	if err != nil {
		glog.Warningf("[pgm]%s rdata encode failed: %v\n", self.tsi, err)
		return
	}
	if _, err := self.sendto(buffer.Bytes(), self.group, false, true); err != nil {
		glog.V(1).Infof("[pgm]%s rdata send failed: %v\n", self.tsi, err)
		return
	}
	self.Stats.RepairSent.Add(1)
	glog.V(2).Infof("[txw]%s rdata sqn=%d\n", self.tsi, original.Sqn)
}

// sendParityRepair serves an on-demand parity request, generating the
// block lazily in the window.
func (self *Transport) sendParityRepair(nak *Packet, sqn SequenceNumber) {
	if self.rs == nil || !self.settings.Fec.OnDemand {
		return
	}
	var group SequenceNumber
	if nak.ParityGroup != nil {
		group = *nak.ParityGroup
	} else {
		group = (sqn - SequenceNumber(self.rs.K())).GroupLead(uint32(self.rs.K()))
	}
	parityIndex := int(uint32(sqn) - uint32(group) - uint32(self.rs.K()))
	payload, err := self.window.ParityPayload(group, parityIndex)
	if err != nil {
		glog.V(1).Infof("[txw]%s cannot repair parity group=%d index=%d: %v\n", self.tsi, group, parityIndex, err)
		return
	}
	packet := &Packet{
		SourcePort:      self.tsi.Sport,
		DestinationPort: self.dport,
		Type:            PacketTypeRdata,
		Parity:          true,
		VarPktLen:       self.settings.Fec.VarPktLen,
		Gsi:             self.tsi.Gsi,
		DataSqn:         sqn,
		DataTrail:       self.window.Trail(),
		ParityGroup:     &group,
	}
	buffer, err := encodePacket(packet, payload)
	if err != nil {
		glog.Warningf("[pgm]%s parity rdata encode failed: %v\n", self.tsi, err)
		return
	}
	if _, err := self.sendto(buffer.Bytes(), self.group, false, true); err != nil {
		glog.V(1).Infof("[pgm]%s parity rdata send failed: %v\n", self.tsi, err)
		return
	}
	self.Stats.RepairSent.Add(1)
}

// sendNaks batches a peer's due repair requests and unicasts them to the
// source. NAKs carry the source's session identity and are not rate
// limited; losing one only delays repair.
func (self *Transport) sendNaks(peer *Peer, naks []NakRequest) {
	if !peer.SourceNla.IsValid() {
		// no SPM yet, nowhere to send; the back-off will retry
		glog.V(1).Infof("[peer]%s naks pending without source nla\n", peer.Tsi)
		return
	}
	to := netip.AddrPortFrom(peer.SourceNla, self.nakPort())

	// selective requests batch into one NAK, parity requests batch per
	// group
	var selective []SequenceNumber
	parityGroups := map[SequenceNumber][]SequenceNumber{}
	for _, nak := range naks {
		if nak.Parity {
			parityGroups[nak.Group] = append(parityGroups[nak.Group], nak.Sqn)
		} else {
			selective = append(selective, nak.Sqn)
		}
	}

	if 0 < len(selective) {
		self.transmitNak(peer, to, selective, false, nil)
	}
	for group, sqns := range parityGroups {
		g := group
		self.transmitNak(peer, to, sqns, true, &g)
	}
}

func (self *Transport) nakPort() uint16 {
	if self.settings.UdpEncapUcastPort != 0 {
		return self.settings.UdpEncapUcastPort
	}
	return self.dport
}

func (self *Transport) transmitNak(peer *Peer, to netip.AddrPort, sqns []SequenceNumber, parity bool, group *SequenceNumber) {
	for 0 < len(sqns) {
		batch := sqns
		if maxNakListLen+1 < len(batch) {
			batch = batch[:maxNakListLen+1]
		}
		sqns = sqns[len(batch):]

		packet := &Packet{
			SourcePort:      peer.Tsi.Sport,
			DestinationPort: self.dport,
			Type:            PacketTypeNak,
			Parity:          parity,
			Gsi:             peer.Tsi.Gsi,
			NakSqn:          batch[0],
			NakSourceNla:    peer.SourceNla,
			NakGroupNla:     self.group.Addr(),
		}
		if 1 < len(batch) {
			packet.NakList = batch[1:]
		}
		if group != nil {
			g := *group
			packet.ParityGroup = &g
		}
		buffer, err := encodePacket(packet, nil)
		if err != nil {
			glog.Warningf("[pgm]%s nak encode failed: %v\n", self.tsi, err)
			return
		}
		if _, err := self.sendto(buffer.Bytes(), to, true, false); err != nil {
			glog.V(1).Infof("[pgm]%s nak send failed: %v\n", self.tsi, err)
			return
		}
		self.Stats.NaksSent.Add(1)
		glog.V(2).Infof("[rxw]%s nak sqn=%d count=%d parity=%t\n", peer.Tsi, batch[0], len(batch), parity)
	}
}
