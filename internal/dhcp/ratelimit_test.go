package dhcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(global, perMAC int) (*RateLimiter, *time.Time) {
	rl := NewRateLimiter(global, perMAC)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.lastRefill = now
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterGlobalLimit(t *testing.T) {
	rl, _ := newTestLimiter(5, 100)

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("00:11:22:33:44:55"), "request %d", i)
	}
	assert.False(t, rl.Allow("00:11:22:33:44:55"), "6th request exceeds the global limit")
	assert.False(t, rl.Allow("aa:bb:cc:dd:ee:ff"), "global limit applies to every address")
}

func TestRateLimiterPerMACLimit(t *testing.T) {
	rl, _ := newTestLimiter(100, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("00:11:22:33:44:55"), "request %d", i)
	}
	assert.False(t, rl.Allow("00:11:22:33:44:55"))
	assert.True(t, rl.Allow("aa:bb:cc:dd:ee:ff"), "other addresses keep their own bucket")
}

func TestRateLimiterRefill(t *testing.T) {
	rl, now := newTestLimiter(3, 3)
	mac := "00:11:22:33:44:55"

	for i := 0; i < 3; i++ {
		rl.Allow(mac)
	}
	assert.False(t, rl.Allow(mac))

	*now = now.Add(500 * time.Millisecond)
	assert.False(t, rl.Allow(mac), "no refill before a full interval")

	*now = now.Add(600 * time.Millisecond)
	assert.True(t, rl.Allow(mac))
}

func TestRateLimiterForgetsQuietAddresses(t *testing.T) {
	rl, now := newTestLimiter(10, 5)

	rl.Allow("00:11:22:33:44:55")
	rl.Allow("aa:bb:cc:dd:ee:ff")

	tokens, macs := rl.Stats()
	assert.Equal(t, 8, tokens)
	assert.Equal(t, 2, macs)

	*now = now.Add(time.Minute)
	rl.Allow("aa:bb:cc:dd:ee:ff")
	_, macs = rl.Stats()
	assert.Equal(t, 1, macs)
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(0, -1)
	assert.Equal(t, 100, rl.globalLimit)
	assert.Equal(t, 5, rl.perMACLimit)
}
