package transport

import (
	"sync"
	"time"
)

// ProviderStatus represents the observed health of a provider.
type ProviderStatus int

const (
	StatusHealthy   ProviderStatus = iota // Provider is working normally
	StatusDegraded                        // Provider is slow or failing often
	StatusThrottled                       // Provider is rate limiting
	StatusBlocked                         // Provider rejected our credentials
)

func (s ProviderStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MonitorStats holds monitoring statistics for a provider.
type MonitorStats struct {
	Status         ProviderStatus `json:"-"`
	StatusName     string         `json:"status"`
	AverageLatency time.Duration  `json:"average_latency"`
	Successes      int            `json:"successes"`
	Failures       int            `json:"failures"`
	Throttles      int            `json:"throttles"`
	Fatals         int            `json:"fatals"`
	LastThrottle   time.Time      `json:"last_throttle,omitempty"`
	ErrorRate      float64        `json:"error_rate"`
}

// ProviderMonitor tracks latency, failures and throttling for one provider.
type ProviderMonitor struct {
	mu sync.RWMutex

	recentLatencies  []time.Duration
	maxLatencyWindow int

	// recent outcomes, true on failure
	recentOutcomes []bool
	maxOutcomes    int

	successes int
	failures  int
	throttles int
	fatals    int

	lastThrottleTime   time.Time
	retryAfterDuration time.Duration
	lastFatalTime      time.Time

	slowResponseThreshold time.Duration
	degradedThreshold     float64
	blockedFor            time.Duration

	now func() time.Time
}

// NewProviderMonitor creates a new monitor with default settings.
func NewProviderMonitor() *ProviderMonitor {
	return &ProviderMonitor{
		recentLatencies:       make([]time.Duration, 0, 100),
		maxLatencyWindow:      100,
		recentOutcomes:        make([]bool, 0, 50),
		maxOutcomes:           50,
		slowResponseThreshold: 10 * time.Second,
		degradedThreshold:     0.3, // 30% error rate
		blockedFor:            10 * time.Minute,
		now:                   time.Now,
	}
}

// RecordSuccess records a successful call with its latency.
func (pm *ProviderMonitor) RecordSuccess(latency time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.successes++
	pm.recentLatencies = append(pm.recentLatencies, latency)
	if len(pm.recentLatencies) > pm.maxLatencyWindow {
		pm.recentLatencies = pm.recentLatencies[1:]
	}
	pm.pushOutcome(false)
}

// RecordFailure records a failed call of the given kind.
func (pm *ProviderMonitor) RecordFailure(kind ErrorKind) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.failures++
	if kind == KindFatal {
		pm.fatals++
		pm.lastFatalTime = pm.now()
	}
	pm.pushOutcome(true)
}

// RecordThrottle records a rate limiting response.
func (pm *ProviderMonitor) RecordThrottle(retryAfter time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.throttles++
	pm.failures++
	pm.lastThrottleTime = pm.now()
	pm.retryAfterDuration = retryAfter
	pm.pushOutcome(true)
}

func (pm *ProviderMonitor) pushOutcome(failed bool) {
	pm.recentOutcomes = append(pm.recentOutcomes, failed)
	if len(pm.recentOutcomes) > pm.maxOutcomes {
		pm.recentOutcomes = pm.recentOutcomes[1:]
	}
}

// CheckProviderStatus returns the current status of the provider.
func (pm *ProviderMonitor) CheckProviderStatus() ProviderStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.statusLocked()
}

func (pm *ProviderMonitor) statusLocked() ProviderStatus {
	now := pm.now()

	if pm.fatals > 0 && now.Sub(pm.lastFatalTime) < pm.blockedFor {
		return StatusBlocked
	}

	if pm.throttles > 0 && now.Sub(pm.lastThrottleTime) < pm.retryAfterDuration {
		return StatusThrottled
	}

	if len(pm.recentLatencies) > 10 && pm.averageLatencyLocked() > pm.slowResponseThreshold {
		return StatusDegraded
	}

	if len(pm.recentOutcomes) >= 10 && pm.errorRateLocked() > pm.degradedThreshold {
		return StatusDegraded
	}

	return StatusHealthy
}

func (pm *ProviderMonitor) averageLatencyLocked() time.Duration {
	if len(pm.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range pm.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(pm.recentLatencies))
}

func (pm *ProviderMonitor) errorRateLocked() float64 {
	if len(pm.recentOutcomes) == 0 {
		return 0
	}
	failed := 0
	for _, f := range pm.recentOutcomes {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(len(pm.recentOutcomes))
}

// GetAverageLatency returns the average latency of recent successful calls.
func (pm *ProviderMonitor) GetAverageLatency() time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.averageLatencyLocked()
}

// GetStats returns current monitoring statistics.
func (pm *ProviderMonitor) GetStats() MonitorStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	status := pm.statusLocked()
	return MonitorStats{
		Status:         status,
		StatusName:     status.String(),
		AverageLatency: pm.averageLatencyLocked(),
		Successes:      pm.successes,
		Failures:       pm.failures,
		Throttles:      pm.throttles,
		Fatals:         pm.fatals,
		LastThrottle:   pm.lastThrottleTime,
		ErrorRate:      pm.errorRateLocked(),
	}
}
