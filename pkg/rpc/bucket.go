package rpc

import (
	"math"
	"sync"
	"time"

	"github.com/0xmhha/starkindex/internal/constants"
)

// rpsSample is one second's worth of request counts within the 10-second
// sliding window (§4.1).
type rpsSample struct {
	second int64
	count  int
}

// endpointBucket holds all per-endpoint selection/adaptation state (§4.1).
// All mutation happens from dispatcher code under mu — "single-writer
// discipline" (§5 "Read-heavy latency windows can be lock-free using
// single-writer discipline" is honored by keeping the writer single but we
// still guard reads from concurrent request goroutines with a mutex,
// since many requests run concurrently against one endpoint).
type endpointBucket struct {
	mu sync.Mutex

	url    string
	active bool

	warmingUp         bool
	activeConnections int

	// Latency accounting: running sum/count over the last
	// constants.LatencyWindowSize *successful* latencies.
	latencies      []time.Duration
	latencySum     time.Duration
	latencyCount   int

	// RPS accounting: one counter bucket per wall-clock second, for the
	// last constants.RPSWindowSeconds seconds.
	rpsSamples []rpsSample
	rpsLimit   int

	consecutiveSuccessfulRequests int
	reactivationDelay             time.Duration

	// highUsageStreak counts consecutive windows at >=90% usage with
	// enough successful traffic, feeding the RPS growth rule.
	highUsageStreak int

	supportsTraces *bool // never set or read; trace support is the per-chain TracesSupported flag of pkg/historical and pkg/realtime
}

func newEndpointBucket(url string) *endpointBucket {
	return &endpointBucket{
		url:                url,
		active:             true,
		warmingUp:          true,
		rpsLimit:           constants.DefaultRPSLimit,
		reactivationDelay:  constants.InitialReactivationDelay,
	}
}

func nowSecond() int64 { return time.Now().Unix() }

// pruneRPSLocked drops samples older than the sliding window. Caller holds mu.
func (b *endpointBucket) pruneRPSLocked() {
	cutoff := nowSecond() - constants.RPSWindowSeconds
	i := 0
	for ; i < len(b.rpsSamples); i++ {
		if b.rpsSamples[i].second > cutoff {
			break
		}
	}
	b.rpsSamples = b.rpsSamples[i:]
}

// windowedUsageLocked returns (currentSecondCount, averageOverWindow).
func (b *endpointBucket) windowedUsageLocked() (current int, avg float64) {
	b.pruneRPSLocked()
	sec := nowSecond()
	total := 0
	for _, s := range b.rpsSamples {
		total += s.count
		if s.second == sec {
			current = s.count
		}
	}
	if len(b.rpsSamples) == 0 {
		return current, 0
	}
	return current, float64(total) / float64(constants.RPSWindowSeconds)
}

// isAvailableLocked implements the availability predicate of §4.1 step 1.
func (b *endpointBucket) isAvailableLocked() bool {
	if !b.active {
		return false
	}
	current, avg := b.windowedUsageLocked()
	if current+1 > b.rpsLimit {
		return false
	}
	if avg > float64(b.rpsLimit) {
		return false
	}
	if b.warmingUp && b.activeConnections > constants.WarmingUpMaxConnections {
		return false
	}
	return true
}

// expectedLatencyLocked returns sum/successfulCount, or +Inf if no samples
// yet (so a cold endpoint is never preferred by the hurdle comparison but
// can still win via exploration).
func (b *endpointBucket) expectedLatencyLocked() time.Duration {
	if b.latencyCount == 0 {
		return time.Duration(1<<62 - 1)
	}
	return b.latencySum / time.Duration(b.latencyCount)
}

// recordAcquireLocked marks a new in-flight request and bumps the current
// second's RPS counter.
func (b *endpointBucket) recordAcquireLocked() {
	b.activeConnections++
	sec := nowSecond()
	if n := len(b.rpsSamples); n > 0 && b.rpsSamples[n-1].second == sec {
		b.rpsSamples[n-1].count++
		return
	}
	b.rpsSamples = append(b.rpsSamples, rpsSample{second: sec, count: 1})
}

// recordSuccess updates latency/rps-growth bookkeeping and releases the
// in-flight slot (§4.1 RPS adaptation rule).
func (b *endpointBucket) recordSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.activeConnections--
	if b.activeConnections < 0 {
		b.activeConnections = 0
	}
	if b.activeConnections <= constants.WarmingUpMaxConnections {
		b.warmingUp = false
	}

	b.latencies = append(b.latencies, latency)
	b.latencySum += latency
	b.latencyCount++
	if len(b.latencies) > constants.LatencyWindowSize {
		oldest := b.latencies[0]
		b.latencies = b.latencies[1:]
		b.latencySum -= oldest
		b.latencyCount--
	}

	b.consecutiveSuccessfulRequests++

	_, avg := b.windowedUsageLocked()
	usage := avg / float64(b.rpsLimit)
	if usage >= constants.RPSGrowthUsageThreshold &&
		b.consecutiveSuccessfulRequests >= constants.RPSGrowthSuccessMultiplier*b.rpsLimit {
		b.highUsageStreak++
		if b.highUsageStreak >= constants.RPSGrowthWindowsRequired {
			factor := constants.RPSGrowthFactorMin
			newLimit := int(math.Ceil(float64(b.rpsLimit) * factor))
			if newLimit > constants.MaxRPSLimit {
				newLimit = constants.MaxRPSLimit
			}
			if newLimit > b.rpsLimit {
				b.rpsLimit = newLimit
			}
			b.consecutiveSuccessfulRequests = 0
			b.highUsageStreak = 0
		}
	} else {
		b.highUsageStreak = 0
	}
}

// recordFailure releases the in-flight slot without touching latency
// stats (failed calls don't count toward expectedLatency, §4.1).
func (b *endpointBucket) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activeConnections--
	if b.activeConnections < 0 {
		b.activeConnections = 0
	}
}

// cooldown implements the rate-limit/timeout endpoint-cooldown rule
// (§4.1). reactivate is called by the dispatcher after reactivationDelay
// elapses. isTimeout distinguishes the "reset reactivationDelay to 100ms"
// timeout case from the rate-limit case (which instead grows the delay).
func (b *endpointBucket) cooldown(isTimeout bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.active = false
	b.rpsLimit = int(float64(b.rpsLimit) * constants.RPSBackoffFactor)
	if b.rpsLimit < constants.MinRPSLimit {
		b.rpsLimit = constants.MinRPSLimit
	}
	b.consecutiveSuccessfulRequests = 0

	delay := b.reactivationDelay
	if isTimeout {
		b.reactivationDelay = constants.InitialReactivationDelay
	} else {
		next := time.Duration(float64(b.reactivationDelay) * constants.ReactivationBackoffRate)
		if next > constants.MaxReactivationDelay {
			next = constants.MaxReactivationDelay
		}
		b.reactivationDelay = next
	}
	return delay
}

func (b *endpointBucket) reactivate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = true
	b.warmingUp = true
}
