package ratelimit

import (
	"sync"
	"time"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/clock"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// Clock is the subset of clock.Clock the bucket needs.
type Clock interface {
	Now() time.Time
}

// TokenBucket refills at an integer rate (tokens/sec) using fixed-point
// nano-tokens: one token is 1e9 nano-tokens, so a rate of X tokens/sec adds X
// nano-tokens per elapsed nanosecond.
//
// The signaling bridge uses one bucket per transport to shed inbound floods.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityTokens int64
	fillRate       int64

	availableNanoTokens int64
	last                time.Time
}

func NewTokenBucket(c Clock, capacityTokens, fillRate int64) *TokenBucket {
	if c == nil {
		c = clock.Real{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:               c,
		capacityTokens:      capacityTokens,
		fillRate:            fillRate,
		availableNanoTokens: mulTokenToNano(capacityTokens),
		last:                c.Now(),
	}
}

// NewPerSecond returns a bucket admitting n events per second with a burst of
// n. n <= 0 yields nil, which admits everything.
func NewPerSecond(c Clock, n int) *TokenBucket {
	if n <= 0 {
		return nil
	}
	return NewTokenBucket(c, int64(n), int64(n))
}

// Allow consumes tokens if available. tokens <= 0 and a nil bucket always
// succeed.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}

	cost := mulTokenToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.availableNanoTokens < cost {
		return false
	}
	b.availableNanoTokens -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacityTokens <= 0 {
		return
	}

	capacityNano := mulTokenToNano(b.capacityTokens)
	if b.availableNanoTokens >= capacityNano {
		b.availableNanoTokens = capacityNano
		return
	}

	need := capacityNano - b.availableNanoTokens
	elapsedNanos := elapsed.Nanoseconds()

	// Clamp before multiplying so elapsedNanos*fillRate cannot overflow.
	maxElapsedToFill := need / b.fillRate
	if maxElapsedToFill <= 0 || elapsedNanos >= maxElapsedToFill {
		b.availableNanoTokens = capacityNano
		return
	}

	b.availableNanoTokens += elapsedNanos * b.fillRate
	if b.availableNanoTokens > capacityNano {
		b.availableNanoTokens = capacityNano
	}
}

func mulTokenToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
