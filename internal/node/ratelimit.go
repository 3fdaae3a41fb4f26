package node

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

// RateLimitConfig is a per-peer token bucket.
type RateLimitConfig struct {
	// PerSecond is the sustained rate per peer.
	PerSecond float64
	Burst     int
	// MaxPeers bounds how many peers are tracked; the least recently seen is forgotten first.
	MaxPeers int
}

// BlockRateLimit applies to block requests served to a peer.
func BlockRateLimit() RateLimitConfig {
	return RateLimitConfig{PerSecond: 200, Burst: 400, MaxPeers: 1024}
}

// AnnounceRateLimit applies to directory announcements received from a peer.
func AnnounceRateLimit() RateLimitConfig {
	return RateLimitConfig{PerSecond: 0.2, Burst: 3, MaxPeers: 1024}
}

// PeerRateLimiter tracks a token bucket per peer.
type PeerRateLimiter struct {
	config   RateLimitConfig
	mu       sync.Mutex
	limiters *lru.Cache[peer.ID, *rate.Limiter]
}

// NewPeerRateLimiter creates a limiter with config.
func NewPeerRateLimiter(config RateLimitConfig) *PeerRateLimiter {
	size := config.MaxPeers
	if size <= 0 {
		size = 1024
	}
	limiters, _ := lru.New[peer.ID, *rate.Limiter](size)
	return &PeerRateLimiter{config: config, limiters: limiters}
}

// Allow reports whether one more request from p is within its rate.
func (l *PeerRateLimiter) Allow(p peer.ID) bool {
	l.mu.Lock()
	lim, ok := l.limiters.Get(p)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.config.PerSecond), l.config.Burst)
		l.limiters.Add(p, lim)
	}
	l.mu.Unlock()

	if !lim.Allow() {
		log.Debugf("Rate limit exceeded for peer %s", p.ShortString())
		return false
	}
	return true
}

// Reset forgets the state of p.
func (l *PeerRateLimiter) Reset(p peer.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters.Remove(p)
}

// PeerCount returns the number of peers being tracked.
func (l *PeerRateLimiter) PeerCount() int {
	return l.limiters.Len()
}
