package pgm

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRateLimiterNonBlocking(t *testing.T) {
	start := time.Now()
	limiter := NewRateLimiter(10000, 0)

	// the bucket starts full with one second of tokens
	accepted := 0
	rejected := 0
	for i := 0; i < 30; i += 1 {
		sleep, err := limiter.check(1000, true, start)
		if err == nil && sleep == 0 {
			limiter.consume(1000, start)
			accepted += 1
		} else {
			assert.Equal(t, err, ErrWouldBlock)
			rejected += 1
		}
	}
	assert.Equal(t, accepted, 10)
	assert.Equal(t, rejected, 20)

	// refill at rate
	sleep, err := limiter.check(1000, true, start.Add(100*time.Millisecond))
	assert.Equal(t, err, nil)
	assert.Equal(t, sleep, time.Duration(0))
}

func TestRateLimiterObservedLimit(t *testing.T) {
	// over one second of non-blocking attempts, consumption is bounded by
	// rate plus one bucket capacity
	start := time.Now()
	rate := ByteCount(100000)
	limiter := NewRateLimiter(rate, 0)

	consumed := ByteCount(0)
	packet := 1000
	for ms := 0; ms < 1000; ms += 1 {
		now := start.Add(time.Duration(ms) * time.Millisecond)
		for {
			sleep, err := limiter.check(packet, true, now)
			if err != nil || 0 < sleep {
				break
			}
			limiter.consume(packet, now)
			consumed += ByteCount(packet)
		}
	}
	if rate+rate < consumed {
		t.Fatalf("consumed %d exceeds rate plus capacity %d", consumed, rate+rate)
	}
	if consumed < rate {
		t.Fatalf("consumed %d below rate %d", consumed, rate)
	}
}

func TestRateLimiterOverhead(t *testing.T) {
	start := time.Now()
	limiter := NewRateLimiter(1000, 28)

	// each packet charges length plus the ip header overhead
	sleep, err := limiter.check(972, true, start)
	assert.Equal(t, err, nil)
	assert.Equal(t, sleep, time.Duration(0))
	limiter.consume(972, start)

	_, err = limiter.check(1, true, start)
	assert.Equal(t, err, ErrWouldBlock)
}

func TestRateLimiterDeficitSleep(t *testing.T) {
	start := time.Now()
	limiter := NewRateLimiter(1000, 0)
	limiter.consume(1000, start)

	// blocking path reports the refill wait for the deficit
	sleep, err := limiter.check(500, false, start)
	assert.Equal(t, err, nil)
	assert.Equal(t, sleep, 500*time.Millisecond)
}

func TestRateLimiterUnregulated(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	sleep, err := limiter.check(1<<20, true, time.Now())
	assert.Equal(t, err, nil)
	assert.Equal(t, sleep, time.Duration(0))
}
