package node

import (
	"testing"
)

func TestPeerRateLimiter(t *testing.T) {
	_, a := genKey(t)
	_, b := genKey(t)
	l := NewPeerRateLimiter(RateLimitConfig{PerSecond: 0.001, Burst: 3, MaxPeers: 10})

	for i := 0; i < 3; i++ {
		if !l.Allow(a) {
			t.Fatalf("request %d within burst was refused", i)
		}
	}
	if l.Allow(a) {
		t.Error("request beyond burst was allowed")
	}
	if !l.Allow(b) {
		t.Error("other peer was limited")
	}

	l.Reset(a)
	if !l.Allow(a) {
		t.Error("request after reset was refused")
	}
}

func TestPeerRateLimiterBoundsPeers(t *testing.T) {
	l := NewPeerRateLimiter(RateLimitConfig{PerSecond: 1, Burst: 1, MaxPeers: 4})
	for i := 0; i < 10; i++ {
		_, p := genKey(t)
		l.Allow(p)
	}
	if n := l.PeerCount(); n != 4 {
		t.Errorf("PeerCount = %d, want 4", n)
	}
}
