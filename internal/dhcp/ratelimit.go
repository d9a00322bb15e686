package dhcp

import (
	"time"
)

// staleBucket is how long a per-MAC bucket survives without traffic.
const staleBucket = 30 * time.Second

// RateLimiter is a token bucket throttle for discovers, with one global
// bucket and one bucket per hardware address. Only the dispatch goroutine
// calls it, so it has no lock.
type RateLimiter struct {
	globalLimit    int
	perMACLimit    int
	globalTokens   int
	perMAC         map[string]*macBucket
	lastRefill     time.Time
	refillInterval time.Duration
	now            func() time.Time
}

type macBucket struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing globalLimit discovers per second
// overall and perMACLimit per second from one address. Non-positive limits
// fall back to 100 and 5.
func NewRateLimiter(globalLimit, perMACLimit int) *RateLimiter {
	if globalLimit <= 0 {
		globalLimit = 100
	}
	if perMACLimit <= 0 {
		perMACLimit = 5
	}
	return &RateLimiter{
		globalLimit:    globalLimit,
		perMACLimit:    perMACLimit,
		globalTokens:   globalLimit,
		perMAC:         make(map[string]*macBucket),
		lastRefill:     time.Now(),
		refillInterval: time.Second,
		now:            time.Now,
	}
}

// Allow reports whether a discover from mac may proceed, consuming a token
// from both buckets when it does.
func (r *RateLimiter) Allow(mac string) bool {
	now := r.now()
	r.refill(now)

	if r.globalTokens <= 0 {
		return false
	}

	bucket, exists := r.perMAC[mac]
	if !exists {
		bucket = &macBucket{tokens: r.perMACLimit}
		r.perMAC[mac] = bucket
	}
	bucket.lastSeen = now
	if bucket.tokens <= 0 {
		return false
	}

	r.globalTokens--
	bucket.tokens--
	return true
}

// refill tops up the buckets for every whole interval elapsed and forgets
// addresses that have gone quiet.
func (r *RateLimiter) refill(now time.Time) {
	intervals := int(now.Sub(r.lastRefill) / r.refillInterval)
	if intervals <= 0 {
		return
	}
	r.lastRefill = r.lastRefill.Add(time.Duration(intervals) * r.refillInterval)

	r.globalTokens = min(r.globalTokens+r.globalLimit*intervals, r.globalLimit)

	for mac, bucket := range r.perMAC {
		if now.Sub(bucket.lastSeen) > staleBucket {
			delete(r.perMAC, mac)
			continue
		}
		bucket.tokens = min(bucket.tokens+r.perMACLimit*intervals, r.perMACLimit)
	}
}

// Stats returns the global tokens left and the number of tracked addresses.
func (r *RateLimiter) Stats() (globalTokens int, trackedMACs int) {
	return r.globalTokens, len(r.perMAC)
}
