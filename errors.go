package pgm

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Errors surfaced at the API boundary. Packet-level parse failures are
// absorbed inside the engine and visible only through TransportStats
// counters; window lookup failures while serving repairs are only logged.

var (
	// invalid parameters, rejected before effect
	ErrConfig = errors.New("invalid configuration")

	// transient sink error, caller may retry
	ErrNetDown = errors.New("network down")
	ErrNoRoute = errors.New("no route to host")

	// non-blocking path
	ErrWouldBlock = errors.New("operation would block")

	// operation after destroy
	ErrClosed = errors.New("transport closed")

	// irrecoverable peer data loss, surfaced once per event
	ErrReset = errors.New("unrecoverable data loss")

	// window lookup failures
	ErrWindowGone = errors.New("sequence behind trailing edge")
	ErrWindowNxio = errors.New("sequence ahead of leading edge")
	ErrWindowFull = errors.New("window full")

	// codec failures
	ErrFecInsufficient  = errors.New("insufficient blocks to decode")
	ErrFecInvalidParams = errors.New("invalid fec parameters")

	// packet buffer cursor overflow
	ErrCapacity = errors.New("buffer capacity exceeded")
)

// per-packet parse failures, dropped silently and counted
var (
	errParseBadChecksum = errors.New("bad checksum")
	errParseBadOpt      = errors.New("malformed option chain")
	errParseBadLength   = errors.New("bad length")
	errParseBadType     = errors.New("bad packet type")
)

func configError(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, a...)...)
}

// monotonically increasing counters, read without synchronization
type TransportStats struct {
	BadChecksum   atomic.Uint64
	BadOption     atomic.Uint64
	BadLength     atomic.Uint64
	BadType       atomic.Uint64
	DataSent      atomic.Uint64
	DataReceived  atomic.Uint64
	RepairSent    atomic.Uint64
	RepairReceived atomic.Uint64
	NaksSent      atomic.Uint64
	NaksReceived  atomic.Uint64
	NcfsSent      atomic.Uint64
	NcfsReceived  atomic.Uint64
	SpmsSent      atomic.Uint64
	SpmsReceived  atomic.Uint64
	DuplicateData atomic.Uint64
	Resets        atomic.Uint64
}

func (self *TransportStats) countParseError(err error) {
	switch {
	case errors.Is(err, errParseBadChecksum):
		self.BadChecksum.Add(1)
	case errors.Is(err, errParseBadOpt):
		self.BadOption.Add(1)
	case errors.Is(err, errParseBadLength):
		self.BadLength.Add(1)
	case errors.Is(err, errParseBadType):
		self.BadType.Add(1)
	}
}
