package monitor

import (
	"sync"

	"github.com/Laisky/zap"

	"github.com/songquanpeng/metering-proxy/common/config"
	"github.com/songquanpeng/metering-proxy/common/logger"
	"github.com/songquanpeng/metering-proxy/common/metrics"
)

// Billing service health tracker. Every balance fetch reports its outcome
// here; a run of consecutive failures flips the service into degraded state
// exactly once, and the first success afterwards clears it.

var (
	mu                  sync.Mutex
	consecutiveFailures int
	degraded            bool
)

// Emit records the outcome of one billing service call and drives the
// degraded-state transitions.
func Emit(success bool) {
	mu.Lock()
	defer mu.Unlock()

	if success {
		if degraded {
			logger.Logger.Info("billing service recovered",
				zap.Int("failures_before_recovery", consecutiveFailures))
			metrics.GlobalRecorder.RecordBillingOutage(false)
		}
		consecutiveFailures = 0
		degraded = false
		return
	}

	consecutiveFailures++
	if !degraded && consecutiveFailures >= config.BillingDegradedThreshold {
		degraded = true
		logger.Logger.Error("CRITICAL: billing service degraded - consecutive balance fetch failures exceeded threshold",
			zap.Int("consecutive_failures", consecutiveFailures),
			zap.Int("threshold", config.BillingDegradedThreshold))
		metrics.GlobalRecorder.RecordBillingOutage(true)
	}
}

// IsBillingDegraded reports whether the billing service is currently
// considered degraded.
func IsBillingDegraded() bool {
	mu.Lock()
	defer mu.Unlock()
	return degraded
}

// Reset clears the tracker state. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	consecutiveFailures = 0
	degraded = false
}
