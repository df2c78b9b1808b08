package pgm

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// RateLimiter is a token bucket that admits every transmitted byte. Tokens
// refill continuously at the configured rate and the bucket holds at most
// one second's worth. Each packet is charged its length plus the IP header
// overhead determined at bind.
//
// Check and Consume are separate so the caller can charge the bucket only
// after a successful send. The transmit path runs Check before taking the
// send lock and Consume under it once the send succeeded; the bucket takes
// its own lock for each call.
type RateLimiter struct {
	// bytes per second
	rate ByteCount
	// per-packet charge for the IP and UDP encapsulation headers
	iphdrOverhead ByteCount

	stateLock sync.Mutex
	tokens    ByteCount
	lastTime  time.Time
}

func NewRateLimiter(rate ByteCount, iphdrOverhead ByteCount) *RateLimiter {
	return &RateLimiter{
		rate:          rate,
		iphdrOverhead: iphdrOverhead,
		tokens:        rate,
	}
}

// Check blocks until size bytes can be admitted, or with dontwait returns
// ErrWouldBlock immediately without mutating the bucket.
func (self *RateLimiter) Check(size int, dontwait bool) error {
	for {
		sleep, err := self.check(size, dontwait, time.Now())
		if err != nil {
			return err
		}
		if sleep <= 0 {
			return nil
		}
		time.Sleep(sleep)
	}
}

func (self *RateLimiter) check(size int, dontwait bool, now time.Time) (time.Duration, error) {
	if self.rate == 0 {
		// unregulated
		return 0, nil
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.refill(now)

	needed := ByteCount(size) + self.iphdrOverhead
	if needed <= self.tokens {
		return 0, nil
	}
	if dontwait {
		return 0, ErrWouldBlock
	}
	deficit := needed - self.tokens
	sleep := time.Duration(deficit) * time.Second / time.Duration(self.rate)
	glog.V(2).Infof("[rate]deficit=%d sleep=%dus\n", deficit, sleep/time.Microsecond)
	return sleep, nil
}

// Consume charges the bucket for a sent packet.
func (self *RateLimiter) Consume(size int) {
	self.consume(size, time.Now())
}

func (self *RateLimiter) consume(size int, now time.Time) {
	if self.rate == 0 {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.refill(now)
	self.tokens -= ByteCount(size) + self.iphdrOverhead
}

// must be called inside the state lock
func (self *RateLimiter) refill(now time.Time) {
	if self.lastTime.IsZero() {
		self.lastTime = now
		return
	}
	elapsed := now.Sub(self.lastTime)
	if elapsed <= 0 {
		return
	}
	self.tokens += ByteCount(elapsed) * self.rate / ByteCount(time.Second)
	if self.rate < self.tokens {
		// capacity is one second of tokens
		self.tokens = self.rate
	}
	self.lastTime = now
}
