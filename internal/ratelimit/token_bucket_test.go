package ratelimit

import (
	"testing"
	"time"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/clock"
)

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := NewTokenBucket(clk, 5, 5)

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // one token at 5/sec
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
	if b.Allow(1) {
		t.Fatalf("expected exactly one refilled token")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}
	clk.Advance(10 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestNewPerSecond_DisabledAdmitsEverything(t *testing.T) {
	b := NewPerSecond(nil, 0)
	if b != nil {
		t.Fatalf("expected nil bucket for n=0")
	}
	for i := 0; i < 1000; i++ {
		if !b.Allow(1) {
			t.Fatalf("nil bucket rejected message %d", i)
		}
	}
}
