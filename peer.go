package pgm

import (
	mathrand "math/rand"
	"time"

	"github.com/golang/glog"
)

// Peer is the receive-lane state for one source. Created on the first
// packet from an unknown TSI, destroyed when the expiry elapses with no
// activity. The peer is the sole owner of its receive window; no state
// points back at the transport.
type Peer struct {
	Tsi Tsi

	window *ReceiveWindow

	// unicast NLA of the source, learned from SPMs
	SourceNla Nla
	// multicast group the source transmits on
	GroupNla Nla

	// highest SPM sequence observed
	spmSqn    SequenceNumber
	spmSeen   bool
	lastSeen  time.Time
	expiresAt time.Time

	// torn down after unrecoverable loss with abort_on_reset
	reset bool
}

func newPeer(tsi Tsi, sqns int, settings *receiveWindowSettings, rand *mathrand.Rand, now time.Time, expiry time.Duration) *Peer {
	return &Peer{
		Tsi:       tsi,
		window:    NewReceiveWindow(tsi, sqns, settings, rand),
		lastSeen:  now,
		expiresAt: now.Add(expiry),
	}
}

func (self *Peer) touch(now time.Time, expiry time.Duration) {
	self.lastSeen = now
	self.expiresAt = now.Add(expiry)
}

func (self *Peer) expired(now time.Time) bool {
	return !now.Before(self.expiresAt)
}

// updateSpm applies an SPM, rejecting replays by sequence. Returns whether
// the SPM advanced state.
func (self *Peer) updateSpm(packet *Packet) bool {
	if self.spmSeen && !self.spmSqn.Before(packet.SpmSqn) {
		glog.V(2).Infof("[peer]%s stale spm sqn=%d\n", self.Tsi, packet.SpmSqn)
		return false
	}
	self.spmSeen = true
	self.spmSqn = packet.SpmSqn
	self.SourceNla = packet.SourceNla
	self.window.UpdateTrail(packet.SpmTrail)
	return true
}

// peerTable maps TSI to peer. Iteration order is insertion order so timer
// sweeps and tests are deterministic.
type peerTable struct {
	peers map[Tsi]*Peer
	order []Tsi
}

func newPeerTable() *peerTable {
	return &peerTable{
		peers: map[Tsi]*Peer{},
	}
}

func (self *peerTable) Get(tsi Tsi) *Peer {
	return self.peers[tsi]
}

func (self *peerTable) Add(peer *Peer) {
	if _, ok := self.peers[peer.Tsi]; !ok {
		self.order = append(self.order, peer.Tsi)
	}
	self.peers[peer.Tsi] = peer
}

func (self *peerTable) Remove(tsi Tsi) {
	if _, ok := self.peers[tsi]; !ok {
		return
	}
	delete(self.peers, tsi)
	for i, t := range self.order {
		if t == tsi {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
}

func (self *peerTable) Len() int {
	return len(self.peers)
}

// All returns peers in insertion order.
func (self *peerTable) All() []*Peer {
	peers := make([]*Peer, 0, len(self.order))
	for _, tsi := range self.order {
		peers = append(peers, self.peers[tsi])
	}
	return peers
}
