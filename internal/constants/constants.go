// Package constants holds tunables that appear as bare numeric literals
// throughout spec.md §4.1/§4.4/§4.5; collecting them here keeps the
// dispatcher, historical sync, and realtime sync packages consistent.
package constants

import "time"

// RPC dispatcher defaults (§4.1).
const (
	// DefaultRPSLimit is the starting per-endpoint requests-per-second ceiling.
	DefaultRPSLimit = 100
	// MinRPSLimit is the floor an endpoint's rpsLimit is clamped to.
	MinRPSLimit = 3
	// MaxRPSLimit is the ceiling an endpoint's rpsLimit is clamped to.
	MaxRPSLimit = 500
	// RPSWindowSeconds is the width of the sliding RPS accounting window.
	RPSWindowSeconds = 10
	// LatencyWindowSize is the number of recent latencies kept per endpoint.
	LatencyWindowSize = 500
	// WarmingUpMaxConnections caps in-flight requests while an endpoint warms up.
	WarmingUpMaxConnections = 3
	// ExplorationProbability is the epsilon for random endpoint exploration.
	ExplorationProbability = 0.1
	// LatencyHurdle is the relative improvement required to switch the
	// "best" endpoint during exploitation selection.
	LatencyHurdle = 0.10
	// RPSGrowthWindowsRequired is the number of consecutive high-usage
	// windows needed before the rpsLimit is grown.
	RPSGrowthWindowsRequired = 10
	// RPSGrowthUsageThreshold is the minimum window-usage fraction counted
	// towards RPSGrowthWindowsRequired.
	RPSGrowthUsageThreshold = 0.90
	// RPSGrowthSuccessMultiplier ties growth to sustained successful traffic.
	RPSGrowthSuccessMultiplier = 5
	// RPSGrowthFactorMin/Max bound the multiplicative rpsLimit increase.
	RPSGrowthFactorMin = 1.05
	RPSGrowthFactorMax = 1.10
	// RPSBackoffFactor shrinks rpsLimit after a rate-limit/timeout error.
	RPSBackoffFactor = 0.95
	// InitialReactivationDelay and MaxReactivationDelay bound endpoint cooldown.
	InitialReactivationDelay = 100 * time.Millisecond
	MaxReactivationDelay     = 5 * time.Second
	ReactivationBackoffRate  = 1.5
	// NoEndpointWarnAfter is how long to wait before logging "no endpoints available".
	NoEndpointWarnAfter = 5 * time.Second
	// NoEndpointPollInterval is the poll cadence while waiting for an endpoint.
	NoEndpointPollInterval = 20 * time.Millisecond
	// MaxRetries is the maximum number of dispatcher-level retries.
	MaxRetries = 9
	// RetryBaseDelay and RetryBackoffBase drive `RetryBaseDelay * RetryBackoffBase^attempt`.
	RetryBaseDelay   = 125 * time.Millisecond
	RetryBackoffBase = 2.0
	// RequestTimeout is the per-call transport timeout (§5).
	RequestTimeout = 10 * time.Second
	// EndpointUnavailableSoftWarn is the "unable to pick endpoint" soft warning bound (§5).
	EndpointUnavailableSoftWarn = 15 * time.Second
	// WSFailuresBeforeFallback is consecutive websocket failures before polling fallback.
	WSFailuresBeforeFallback = 5
)

// Historical sync defaults (§4.4).
const (
	// InitialEstimatedRange is the starting log-fetch chunk size in blocks.
	InitialEstimatedRange = 2000
	// EstimatedRangeGrowth is applied to estimatedRange after an unconfirmed success.
	EstimatedRangeGrowth = 1.05
	// MinChunkRange is the floor a chunk is never halved below.
	MinChunkRange = 1
	// AddressListThreshold is passed to historical's addressListParam. No
	// address list is sent to getEvents at any length: only a one-address
	// constant matcher is sent, anything else is fetched match-any and
	// filtered client-side.
	AddressListThreshold = 50
	// EventsPageSize is the getEvents RPC page size (§6).
	EventsPageSize = 1000
)

// Realtime sync defaults (§4.5).
const (
	// MaxGapFetch bounds how many missing blocks are fetched to close a gap.
	MaxGapFetch = 50
	// HeadWatchdogInterval is the "no new head" warning interval.
	HeadWatchdogInterval = 30 * time.Second
	// HeadFailureAbortCount and HeadFailureAbortDuration bound unrecoverable
	// head-fetch failure streaks.
	HeadFailureAbortCount    = 10
	HeadFailureAbortDuration = 10 * time.Minute
)

// Handler RPC cache defaults (§4.7).
const (
	// ProfileSampleRate samples 1-in-N events for profile-pattern recording.
	ProfileSampleRate = 10
	// MaxConstantPatternsPerEvent bounds retained patterns that carry constants.
	MaxConstantPatternsPerEvent = 10
	// PrefetchDatabaseThreshold is the expected-value floor for a bulk
	// persisted-cache load.
	PrefetchDatabaseThreshold = 0.2
	// PrefetchLiveThreshold is the expected-value floor for issuing a live
	// background request ahead of the batch.
	PrefetchLiveThreshold = 0.8
	// HandlerOperationMaxRetries bounds retryable handler-client RPC ops.
	HandlerOperationMaxRetries = 9
)

// Orchestrator defaults (§4.8). The handler retry policy is distinct from
// the RPC dispatcher's own retries above: it governs retries of a user
// handler callback that returned an error, not retries of the RPC call
// that fed it.
const (
	// HandlerMaxAttempts bounds the invocations of a failing handler,
	// the first try included.
	HandlerMaxAttempts = 3
	// HandlerRetryBaseDelay and HandlerRetryBackoffBase drive
	// `HandlerRetryBaseDelay * HandlerRetryBackoffBase^attempt`.
	HandlerRetryBaseDelay   = 200 * time.Millisecond
	HandlerRetryBackoffBase = 2.0
	// OmnichainMergeWindow bounds how long the omnichain merger waits for a
	// lagging chain's next batch before delivering what it already has.
	OmnichainMergeWindow = 2 * time.Second
)
