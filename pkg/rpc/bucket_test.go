package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/starkindex/internal/constants"
)

func TestNewEndpointBucketDefaults(t *testing.T) {
	b := newEndpointBucket("http://node")
	assert.True(t, b.active)
	assert.True(t, b.warmingUp)
	assert.Equal(t, constants.DefaultRPSLimit, b.rpsLimit)
	assert.Equal(t, constants.InitialReactivationDelay, b.reactivationDelay)
}

func TestIsAvailableLockedWarmingUp(t *testing.T) {
	b := newEndpointBucket("http://node")
	b.mu.Lock()
	b.activeConnections = constants.WarmingUpMaxConnections + 1
	available := b.isAvailableLocked()
	b.mu.Unlock()
	assert.False(t, available, "warming-up endpoint over the connection cap must be unavailable")
}

func TestIsAvailableLockedInactive(t *testing.T) {
	b := newEndpointBucket("http://node")
	b.mu.Lock()
	b.active = false
	available := b.isAvailableLocked()
	b.mu.Unlock()
	assert.False(t, available)
}

func TestIsAvailableLockedOverRPS(t *testing.T) {
	b := newEndpointBucket("http://node")
	b.mu.Lock()
	b.rpsLimit = 2
	b.recordAcquireLocked()
	b.recordAcquireLocked()
	available := b.isAvailableLocked()
	b.mu.Unlock()
	assert.False(t, available, "endpoint already at its rps limit for the current second must be unavailable")
}

func TestRecordSuccessTracksLatencyWindow(t *testing.T) {
	b := newEndpointBucket("http://node")
	for i := 0; i < constants.LatencyWindowSize+10; i++ {
		b.recordSuccess(10 * time.Millisecond)
	}
	b.mu.Lock()
	count := b.latencyCount
	b.mu.Unlock()
	assert.Equal(t, constants.LatencyWindowSize, count, "latency window must stay capped")
}

func TestRecordSuccessGrowsRPSLimitAfterSustainedHighUsage(t *testing.T) {
	b := newEndpointBucket("http://node")
	b.mu.Lock()
	b.rpsLimit = 10
	b.mu.Unlock()

	for window := 0; window < constants.RPSGrowthWindowsRequired; window++ {
		for i := 0; i < constants.RPSGrowthSuccessMultiplier*10; i++ {
			b.mu.Lock()
			b.recordAcquireLocked()
			b.mu.Unlock()
			b.recordSuccess(time.Millisecond)
		}
	}

	b.mu.Lock()
	limit := b.rpsLimit
	b.mu.Unlock()
	assert.Greater(t, limit, 10, "sustained high usage should grow the rps limit")
	assert.LessOrEqual(t, limit, constants.MaxRPSLimit)
}

func TestCooldownTimeoutResetsReactivationDelay(t *testing.T) {
	b := newEndpointBucket("http://node")
	b.reactivationDelay = 2 * time.Second

	delay := b.cooldown(true)
	assert.Equal(t, 2*time.Second, delay, "cooldown returns the delay in effect before this call")

	b.mu.Lock()
	next := b.reactivationDelay
	active := b.active
	limit := b.rpsLimit
	b.mu.Unlock()

	assert.Equal(t, constants.InitialReactivationDelay, next, "timeout resets reactivation delay")
	assert.False(t, active)
	assert.Less(t, limit, constants.DefaultRPSLimit)
}

func TestCooldownRateLimitGrowsReactivationDelay(t *testing.T) {
	b := newEndpointBucket("http://node")
	b.reactivationDelay = time.Second

	b.cooldown(false)

	b.mu.Lock()
	next := b.reactivationDelay
	b.mu.Unlock()

	require.Greater(t, next, time.Second)
	assert.LessOrEqual(t, next, constants.MaxReactivationDelay)
}

func TestCooldownRPSLimitNeverBelowMinimum(t *testing.T) {
	b := newEndpointBucket("http://node")
	b.rpsLimit = constants.MinRPSLimit

	b.cooldown(false)

	b.mu.Lock()
	limit := b.rpsLimit
	b.mu.Unlock()
	assert.Equal(t, constants.MinRPSLimit, limit)
}

func TestReactivateRestoresAvailability(t *testing.T) {
	b := newEndpointBucket("http://node")
	b.cooldown(true)
	b.reactivate()

	b.mu.Lock()
	active := b.active
	warming := b.warmingUp
	b.mu.Unlock()

	assert.True(t, active)
	assert.True(t, warming)
}
