package pgm

import (
	"errors"
	"fmt"
	mathrand "math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// DatagramSink transmits one datagram. Implementations map platform errors
// to ErrWouldBlock, ErrNetDown or ErrNoRoute.
type DatagramSink interface {
	Send(b []byte, to netip.AddrPort, routerAlert bool) (int, error)
}

// DatagramSource receives one datagram along with the addressing needed to
// dispatch it.
type DatagramSource interface {
	Recv() (b []byte, source netip.AddrPort, destination Nla, ifIndex int, err error)
}

// Registry is the root owner of transports. There is no process-wide
// transport list; every operation is explicit on a registry.
type Registry struct {
	mutex      sync.Mutex
	transports []*Transport
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (self *Registry) add(transport *Transport) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.transports = append(self.transports, transport)
}

func (self *Registry) remove(transport *Transport) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	i := slices.Index(self.transports, transport)
	if 0 <= i {
		self.transports = slices.Delete(self.transports, i, i+1)
	}
}

func (self *Registry) Transports() []*Transport {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.transports)
}

// Transport is one PGM session endpoint, sender and/or receiver.
//
// Two lanes share it: the application's send calls, and a single receive
// lane that owns the parser, peers, receive windows and timers. The send
// path is guarded by the send locks; transmit window repair lookups from
// the receive lane take the window's read lock.
type Transport struct {
	registry *Registry
	settings *TransportSettings

	tsi   Tsi
	dport uint16

	sourceNla Nla
	group     netip.AddrPort

	sink DatagramSink

	// one lock per sending socket
	sendLock        sync.Mutex
	routerAlertLock sync.Mutex
	// serializes apdu fragmentation and sequence assignment
	sendPathLock sync.Mutex

	rate   *RateLimiter
	window *TransmitWindow
	rs     *ReedSolomon

	peers  *peerTable
	timers *timerQueue
	rand   *mathrand.Rand

	spmSqn         SequenceNumber
	heartbeatIndex int
	heartbeatTimer *timerItem

	iphdrLen        int
	maxTsdu         int
	maxTsduFragment int
	maxApdu         int

	Stats TransportStats

	bound     bool
	destroyed atomic.Bool
}

// NewTransport validates create-time parameters. The transport cannot send
// or receive until Bind.
func NewTransport(registry *Registry, gsi Gsi, sport uint16, dport uint16, settings *TransportSettings) (*Transport, error) {
	if registry == nil {
		return nil, configError("registry required")
	}
	if settings == nil {
		return nil, configError("settings required")
	}
	if sport != 0 && sport == dport {
		return nil, configError("source and destination ports must differ")
	}
	if (settings.UdpEncapUcastPort == 0) != (settings.UdpEncapMcastPort == 0) {
		return nil, configError("udp encapsulation ports must both be set or both absent")
	}

	rand := mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
	for sport == 0 {
		sport = uint16(rand.Intn(1 << 16))
		if sport == dport {
			sport = 0
		}
	}

	copied := *settings
	transport := &Transport{
		registry: registry,
		settings: &copied,
		tsi: Tsi{
			Gsi:   gsi,
			Sport: sport,
		},
		dport: dport,
		peers: newPeerTable(),
		rand:  rand,
	}
	registry.add(transport)
	return transport, nil
}

// Bind validates the remaining configuration against the address family,
// derives the TSDU limits, and constructs the windows. All settings are
// immutable afterward.
func (self *Transport) Bind(sink DatagramSink, sourceNla Nla, group netip.AddrPort) error {
	if self.destroyed.Load() {
		return ErrClosed
	}
	if self.bound {
		return configError("already bound")
	}
	if sink == nil {
		return configError("datagram sink required")
	}
	if !group.Addr().IsMulticast() {
		return configError("group address %s is not multicast", group.Addr())
	}

	ipv6 := group.Addr().Is6() && !group.Addr().Is4In6()
	if err := self.settings.validate(ipv6); err != nil {
		return err
	}

	self.sink = sink
	self.sourceNla = sourceNla
	self.group = group

	// IP header size for the rate regulation engine and TSDU limits
	if ipv6 {
		self.iphdrLen = 40
	} else {
		self.iphdrLen = 20
	}
	if self.settings.UdpEncapUcastPort != 0 {
		self.iphdrLen += 8
	}
	self.maxTsdu = self.settings.TpduMax - self.iphdrLen - (pgmHeaderLen + dataHeaderLen)
	self.maxTsduFragment = self.maxTsdu - (optLengthLen + optFragmentLen)
	if self.maxTsduFragment < 1 {
		return configError("tpdu_max %d leaves no room for payload", self.settings.TpduMax)
	}

	if self.settings.Fec.Enabled() {
		rs, err := NewReedSolomon(self.settings.Fec.N, self.settings.Fec.K)
		if err != nil {
			return fmt.Errorf("%w: fec", ErrConfig)
		}
		self.rs = rs
	}

	if !self.settings.RecvOnly {
		txwSqns := windowSqns(self.settings.TxwSqns, self.settings.TxwSecs, self.settings.TxwMaxRte, self.settings.TpduMax)
		if txwSqns < 1 {
			return configError("transmit window resolves to zero sequences")
		}
		initialSqn := SequenceNumber(self.rand.Uint32())
		if self.rs != nil {
			// groups are aligned on multiples of k, start on a boundary
			initialSqn = initialSqn.GroupLead(uint32(self.rs.K()))
		}
		self.window = NewTransmitWindow(self.tsi, txwSqns, self.rs, self.settings.Fec.VarPktLen, initialSqn)
		self.maxApdu = min(MaxFragments, txwSqns) * self.maxTsduFragment

		if 0 < self.settings.TxwMaxRte {
			self.rate = NewRateLimiter(self.settings.TxwMaxRte, ByteCount(self.iphdrLen))
		}
	}

	self.timers = newTimerQueue()
	if !self.settings.RecvOnly {
		// first ambient SPM announces the session
		self.timers.Add(time.Now(), self.ambientSpmTimer)
	}

	self.bound = true
	glog.Infof("[pgm]%s bound group=%s tsdu=%d fragment=%d\n", self.tsi, group, self.maxTsdu, self.maxTsduFragment)
	return nil
}

func (self *Transport) Tsi() Tsi {
	return self.tsi
}

func (self *Transport) MaxApdu() int {
	return self.maxApdu
}

// Send transmits one apdu, fragmenting across TSDUs as needed. Blocks on
// the rate regulator unless the transport is non-blocking, in which case
// ErrWouldBlock is returned. A refused single TSDU or first fragment leaves
// no effect; a refusal at a later fragment returns the bytes already sent,
// and those fragments stay in the transmit window.
func (self *Transport) Send(apdu []byte) (int, error) {
	if self.destroyed.Load() {
		return 0, ErrClosed
	}
	if !self.bound || self.window == nil {
		return 0, configError("transport cannot send")
	}
	if len(apdu) == 0 {
		return 0, nil
	}
	if self.maxApdu < len(apdu) {
		return 0, fmt.Errorf("%w: apdu %d exceeds %d", ErrCapacity, len(apdu), self.maxApdu)
	}

	self.sendPathLock.Lock()
	defer self.sendPathLock.Unlock()

	if len(apdu) <= self.maxTsdu {
		if err := self.sendOdata(apdu, nil); err != nil {
			return 0, err
		}
	} else {
		firstSqn := self.window.Lead() + 1
		offset := 0
		for offset < len(apdu) {
			end := min(offset+self.maxTsduFragment, len(apdu))
			fragment := &FragmentOption{
				FirstSqn:   firstSqn,
				Offset:     uint32(offset),
				ApduLength: uint32(len(apdu)),
			}
			if err := self.sendOdata(apdu[offset:end], fragment); err != nil {
				// the window keeps already-sent fragments for repair but
				// the apdu cannot complete
				return offset, err
			}
			offset = end
		}
	}

	self.resetHeartbeat()
	return len(apdu), nil
}

// sendOdata builds, windows, paces and transmits one ODATA. Also closes
// parity groups when proactive FEC is on.
func (self *Transport) sendOdata(tsdu []byte, fragment *FragmentOption) error {
	sqn := self.window.Lead() + 1
	packet := &Packet{
		SourcePort:      self.tsi.Sport,
		DestinationPort: self.dport,
		Type:            PacketTypeOdata,
		Gsi:             self.tsi.Gsi,
		DataSqn:         sqn,
		DataTrail:       self.window.Trail(),
		Fragment:        fragment,
	}
	buffer, err := encodePacket(packet, tsdu)
	if err != nil {
		return err
	}

	// admit before the window consumes the sequence so a non-blocking
	// rejection leaves no state behind
	if self.rate != nil {
		if err := self.rate.Check(buffer.Len(), self.settings.NonBlocking); err != nil {
			return err
		}
	}

	assigned := self.window.Add(buffer)
	if assigned != sqn {
		panic(fmt.Errorf("sequence assignment raced: %d != %d", assigned, sqn))
	}

	if _, err := self.sendto(buffer.Bytes(), self.group, false, false); err != nil {
		return err
	}
	if self.rate != nil {
		self.rate.Consume(buffer.Len())
	}
	self.Stats.DataSent.Add(1)
	glog.V(2).Infof("[txw]%s odata sqn=%d len=%d\n", self.tsi, sqn, len(tsdu))

	if self.rs != nil && 0 < self.settings.Fec.ProactiveH {
		k := SequenceNumber(self.rs.K())
		if (sqn + 1).GroupOffset(uint32(k)) == 0 {
			// best effort, receivers fall back to repair requests
			self.sendProactiveParity(sqn - k + 1)
		}
	}
	return nil
}

// sendProactiveParity emits h parity packets at close of the group.
func (self *Transport) sendProactiveParity(groupSqn SequenceNumber) {
	k := SequenceNumber(self.rs.K())
	for j := 0; j < self.settings.Fec.ProactiveH; j += 1 {
		payload, err := self.window.ParityPayload(groupSqn, j)
		if err != nil {
			glog.Warningf("[txw]%s proactive parity group=%d: %v\n", self.tsi, groupSqn, err)
			return
		}
		group := groupSqn
		packet := &Packet{
			SourcePort:      self.tsi.Sport,
			DestinationPort: self.dport,
			Type:            PacketTypeOdata,
			Parity:          true,
			VarPktLen:       self.settings.Fec.VarPktLen,
			Gsi:             self.tsi.Gsi,
			DataSqn:         groupSqn + k + SequenceNumber(j),
			DataTrail:       self.window.Trail(),
			ParityGroup:     &group,
		}
		buffer, err := encodePacket(packet, payload)
		if err != nil {
			glog.Warningf("[txw]%s parity encode group=%d: %v\n", self.tsi, groupSqn, err)
			return
		}
		if _, err := self.sendto(buffer.Bytes(), self.group, false, true); err != nil {
			glog.V(1).Infof("[txw]%s parity send group=%d: %v\n", self.tsi, groupSqn, err)
			return
		}
		self.Stats.DataSent.Add(1)
	}
	glog.V(2).Infof("[txw]%s proactive parity group=%d h=%d\n", self.tsi, groupSqn, self.settings.Fec.ProactiveH)
}

// sendto is the locked and rate regulated transmit path shared by every
// packet. The rate check runs before the socket lock; tokens are consumed
// after a successful send under the lock.
func (self *Transport) sendto(data []byte, to netip.AddrPort, routerAlert bool, rateLimit bool) (int, error) {
	if self.destroyed.Load() {
		return 0, ErrClosed
	}

	if rateLimit && self.rate != nil {
		if err := self.rate.Check(len(data), self.settings.NonBlocking); err != nil {
			return 0, err
		}
	}

	lock := &self.sendLock
	if routerAlert {
		lock = &self.routerAlertLock
	}
	lock.Lock()
	defer lock.Unlock()

	sent, err := self.sink.Send(data, to, routerAlert)
	if err != nil &&
		!errors.Is(err, ErrNetDown) &&
		!errors.Is(err, ErrNoRoute) &&
		!(self.settings.NonBlocking && errors.Is(err, ErrWouldBlock)) {
		// wait out a transient stall and retry once
		time.Sleep(500 * time.Millisecond)
		sent, err = self.sink.Send(data, to, routerAlert)
		if err != nil {
			glog.Warningf("[pgm]%s send to %s failed: %v\n", self.tsi, to, err)
			if !errors.Is(err, ErrWouldBlock) {
				err = fmt.Errorf("%w: %v", ErrNetDown, err)
			}
		}
	}
	if err != nil {
		return 0, err
	}
	if rateLimit && self.rate != nil {
		self.rate.Consume(len(data))
	}
	return sent, nil
}

// sendSpm multicasts a source path message advertising the window edges.
func (self *Transport) sendSpm() {
	trail, lead := self.window.Edges()
	self.spmSqn += 1
	packet := &Packet{
		SourcePort:      self.tsi.Sport,
		DestinationPort: self.dport,
		Type:            PacketTypeSpm,
		Gsi:             self.tsi.Gsi,
		SpmSqn:          self.spmSqn,
		SpmTrail:        trail,
		SpmLead:         lead,
		SourceNla:       self.sourceNla,
	}
	if self.rs != nil {
		packet.ParityPrm = &ParityParameters{
			Proactive: 0 < self.settings.Fec.ProactiveH,
			OnDemand:  self.settings.Fec.OnDemand,
			GroupSize: uint32(self.rs.K()),
		}
	}
	buffer, err := encodePacket(packet, nil)
	if err != nil {
		glog.Warningf("[spm]%s encode failed: %v\n", self.tsi, err)
		return
	}
	if _, err := self.sendto(buffer.Bytes(), self.group, true, true); err != nil {
		glog.V(1).Infof("[spm]%s send failed: %v\n", self.tsi, err)
		return
	}
	self.Stats.SpmsSent.Add(1)
	glog.V(2).Infof("[spm]%s spm sqn=%d trail=%d lead=%d\n", self.tsi, self.spmSqn, trail, lead)
}

// ambientSpmTimer keeps the session alive while idle.
func (self *Transport) ambientSpmTimer(now time.Time) {
	if self.destroyed.Load() {
		return
	}
	self.sendSpm()
	self.timers.Add(now.Add(self.settings.SpmAmbientInterval), self.ambientSpmTimer)
}

// resetHeartbeat re-arms the geometric heartbeat schedule after a data
// burst.
func (self *Transport) resetHeartbeat() {
	self.heartbeatIndex = 0
	deadline := time.Now().Add(self.settings.SpmHeartbeatSchedule[0])
	if self.heartbeatTimer == nil {
		self.heartbeatTimer = self.timers.Add(deadline, self.heartbeatSpmTimer)
	} else {
		self.timers.Reschedule(self.heartbeatTimer, deadline)
	}
}

// heartbeatSpmTimer walks the back-off schedule, decaying to ambient.
func (self *Transport) heartbeatSpmTimer(now time.Time) {
	if self.destroyed.Load() {
		return
	}
	self.sendSpm()
	self.heartbeatIndex += 1
	if self.heartbeatIndex < len(self.settings.SpmHeartbeatSchedule) {
		self.timers.Reschedule(self.heartbeatTimer, now.Add(self.settings.SpmHeartbeatSchedule[self.heartbeatIndex]))
	}
}

// NextDeadline returns the earliest pending timer across the engine and
// all peer repair state machines, or zero when idle. The host blocks until
// this time or until a datagram arrives.
func (self *Transport) NextDeadline() time.Time {
	if self.destroyed.Load() || !self.bound {
		return time.Time{}
	}
	deadline := self.timers.NextDeadline()
	for _, peer := range self.peers.All() {
		deadline = earlier(deadline, peer.window.NextDeadline())
		deadline = earlier(deadline, peer.expiresAt)
	}
	return deadline
}

func earlier(a time.Time, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.Before(a) {
		return b
	}
	return a
}

// ProcessTimers fires everything due: SPM heartbeats, NAK state machines,
// peer expiry.
func (self *Transport) ProcessTimers() []Delivery {
	return self.processTimers(time.Now())
}

func (self *Transport) processTimers(now time.Time) []Delivery {
	if self.destroyed.Load() || !self.bound {
		return nil
	}
	self.timers.Process(now)

	var deliveries []Delivery
	for _, peer := range self.peers.All() {
		if peer.expired(now) {
			glog.V(1).Infof("[peer]%s expired\n", peer.Tsi)
			self.peers.Remove(peer.Tsi)
			continue
		}
		naks := peer.window.ProcessTimers(now)
		if 0 < len(naks) && !self.settings.Passive {
			self.sendNaks(peer, naks)
		}
		deliveries = append(deliveries, self.drainPeer(peer)...)
	}
	return deliveries
}

// Destroy tears the transport down. With flush, a final SPM advertises the
// closing window edges so receivers can finish repair before the source
// disappears.
func (self *Transport) Destroy(flush bool) {
	if self.destroyed.Load() {
		return
	}
	if flush && self.bound && self.window != nil {
		self.sendSpm()
	}
	self.destroyed.Store(true)
	self.registry.remove(self)
	glog.Infof("[pgm]%s destroyed\n", self.tsi)
}
