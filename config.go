package pgm

import (
	"time"
)

// FEC parameters, disabled when N == 0
type FecSettings struct {
	// block size, data plus parity
	N int
	// data packets per transmission group, a power of two
	K int
	// parity packets transmitted at close of every group
	ProactiveH int
	// serve parity repair on NAK
	OnDemand bool
	// parity over variable length payloads
	VarPktLen bool
}

func (self *FecSettings) Enabled() bool {
	return self.N != 0
}

// All settings are immutable after bind.
type TransportSettings struct {
	// maximum transport unit including IP header
	TpduMax int

	// transmit window, sized by sequence count or by seconds at peak rate
	TxwSqns   int
	TxwSecs   int
	TxwMaxRte ByteCount

	// receive window, same two sizings
	RxwSqns   int
	RxwSecs   int
	RxwMaxRte ByteCount

	// ambient SPM interval and the heartbeat schedule after each data burst
	SpmAmbientInterval   time.Duration
	SpmHeartbeatSchedule []time.Duration

	PeerExpiry time.Duration

	// NAK state machine intervals and retry budgets
	NakBoIvl       time.Duration
	NakRptIvl      time.Duration
	NakRdataIvl    time.Duration
	NakDataRetries int
	NakNcfRetries  int

	// multicast time to live, 1..255
	Hops int
	// loop sent multicast back to the host
	MulticastLoop bool

	SndBuf int
	RcvBuf int

	// role: a send-only transport keeps no peers, a recv-only transport
	// keeps no transmit window, a passive transport additionally never
	// sends NAKs
	SendOnly bool
	RecvOnly bool
	Passive  bool

	Fec FecSettings

	NonBlocking  bool
	AbortOnReset bool

	// UDP encapsulation, both ports set or both zero
	UdpEncapUcastPort uint16
	UdpEncapMcastPort uint16
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		TpduMax:            1500,
		TxwSqns:            1024,
		RxwSqns:            1024,
		SpmAmbientInterval: 30 * time.Second,
		SpmHeartbeatSchedule: []time.Duration{
			100 * time.Millisecond,
			100 * time.Millisecond,
			100 * time.Millisecond,
			100 * time.Millisecond,
			1300 * time.Millisecond,
			7 * time.Second,
			16 * time.Second,
			25 * time.Second,
			30 * time.Second,
		},
		PeerExpiry:     5 * 30 * time.Second,
		NakBoIvl:       50 * time.Millisecond,
		NakRptIvl:      2 * time.Second,
		NakRdataIvl:    2 * time.Second,
		NakDataRetries: 5,
		NakNcfRetries:  2,
		Hops:           16,
		MulticastLoop:  false,
	}
}

// validate rejects a bad configuration before any effect. ipv6 selects the
// stricter minimum TPDU of RFC 2460.
func (self *TransportSettings) validate(ipv6 bool) error {
	minTpdu := 68
	if ipv6 {
		minTpdu = 1280
	}
	if self.TpduMax < minTpdu || 65536 <= self.TpduMax {
		return configError("tpdu_max %d outside [%d, 65535]", self.TpduMax, minTpdu)
	}

	if err := validateWindow("txw", self.TxwSqns, self.TxwSecs, self.TxwMaxRte); err != nil {
		if !self.RecvOnly {
			return err
		}
	}
	if err := validateWindow("rxw", self.RxwSqns, self.RxwSecs, self.RxwMaxRte); err != nil {
		if !self.SendOnly {
			return err
		}
	}

	if self.SpmAmbientInterval <= 0 {
		return configError("spm_ambient_interval must be positive")
	}
	if len(self.SpmHeartbeatSchedule) == 0 {
		return configError("spm_heartbeat_schedule must not be empty")
	}
	for _, ivl := range self.SpmHeartbeatSchedule {
		if ivl <= 0 {
			return configError("spm_heartbeat_schedule intervals must be positive")
		}
	}
	if self.PeerExpiry < 2*self.SpmAmbientInterval {
		return configError("peer_expiry must cover at least two ambient intervals")
	}

	if self.NakBoIvl <= 0 || self.NakRptIvl <= 0 || self.NakRdataIvl <= 0 {
		return configError("nak intervals must be positive")
	}
	if self.NakDataRetries < 1 || self.NakNcfRetries < 1 {
		return configError("nak retry budgets must be at least 1")
	}

	if self.Hops < 1 || 255 < self.Hops {
		return configError("hops %d outside [1, 255]", self.Hops)
	}

	if self.SendOnly && self.RecvOnly {
		return configError("send_only and recv_only are mutually exclusive")
	}
	if self.Passive && !self.RecvOnly {
		return configError("passive requires recv_only")
	}

	if self.Fec.Enabled() {
		k := self.Fec.K
		n := self.Fec.N
		if k < 2 || 128 < k || k&(k-1) != 0 {
			return configError("fec k %d must be a power of two in [2, 128]", k)
		}
		if n < k+1 || 255 < n {
			return configError("fec n %d outside [k+1, 255]", n)
		}
		if self.Fec.ProactiveH < 0 || n-k < self.Fec.ProactiveH {
			return configError("fec proactive_h %d outside [0, n-k]", self.Fec.ProactiveH)
		}
		if !self.Fec.OnDemand && self.Fec.ProactiveH == 0 {
			return configError("fec enabled with neither proactive nor on-demand parity")
		}
	}

	if (self.UdpEncapUcastPort == 0) != (self.UdpEncapMcastPort == 0) {
		return configError("udp encapsulation ports must both be set or both absent")
	}

	return nil
}

func validateWindow(name string, sqns int, secs int, maxRte ByteCount) error {
	bySqns := 0 < sqns
	byTime := 0 < secs && 0 < maxRte
	if bySqns == byTime {
		return configError("%s requires sqns or (secs, max_rte), not both or neither", name)
	}
	if sqns < 0 || secs < 0 || maxRte < 0 {
		return configError("%s sizing must be non-negative", name)
	}
	return nil
}

// windowSqns resolves the two sizing modes to a sequence count.
func windowSqns(sqns int, secs int, maxRte ByteCount, tpdu int) int {
	if 0 < sqns {
		return sqns
	}
	return int(ByteCount(secs) * maxRte / ByteCount(tpdu))
}
