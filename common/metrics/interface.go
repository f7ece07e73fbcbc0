package metrics

import (
	"time"
)

// MetricsRecorder defines the interface for recording metrics
type MetricsRecorder interface {
	// Relay metrics
	RecordRelayRequest(startTime time.Time, statusCode int, model string, stream bool, promptTokens, completionTokens int)

	// Authentication metrics
	RecordTokenAuth(success bool)

	// Balance cache metrics; result is one of "fresh", "stale", "miss", "refresh".
	RecordBalanceCacheLookup(result string)

	// Billing metrics; operation is one of "balance_fetch", "usage_report", "usage_report_retry".
	RecordBillingOperation(startTime time.Time, operation string, success bool)
	RecordBillingOutage(degraded bool)

	// Retry queue metrics; reason is one of "overflow", "retries_exhausted".
	UpdateRetryQueueDepth(depth int)
	RecordDroppedReport(reason string)

	// System metrics
	InitSystemMetrics(version, buildTime, goVersion string, startTime time.Time)
}

// GlobalRecorder holds the active metrics recorder implementation.
var GlobalRecorder MetricsRecorder

// NoOpRecorder is a no-operation implementation for when metrics are disabled
type NoOpRecorder struct{}

// RecordRelayRequest implements MetricsRecorder.RecordRelayRequest without collecting any data.
func (n *NoOpRecorder) RecordRelayRequest(startTime time.Time, statusCode int, model string, stream bool, promptTokens, completionTokens int) {
}

// RecordTokenAuth implements MetricsRecorder.RecordTokenAuth without collecting any data.
func (n *NoOpRecorder) RecordTokenAuth(success bool) {}

// RecordBalanceCacheLookup implements MetricsRecorder.RecordBalanceCacheLookup without collecting any data.
func (n *NoOpRecorder) RecordBalanceCacheLookup(result string) {}

// RecordBillingOperation implements MetricsRecorder.RecordBillingOperation without collecting any data.
func (n *NoOpRecorder) RecordBillingOperation(startTime time.Time, operation string, success bool) {}

// RecordBillingOutage implements MetricsRecorder.RecordBillingOutage without collecting any data.
func (n *NoOpRecorder) RecordBillingOutage(degraded bool) {}

// UpdateRetryQueueDepth implements MetricsRecorder.UpdateRetryQueueDepth without collecting any data.
func (n *NoOpRecorder) UpdateRetryQueueDepth(depth int) {}

// RecordDroppedReport implements MetricsRecorder.RecordDroppedReport without collecting any data.
func (n *NoOpRecorder) RecordDroppedReport(reason string) {}

// InitSystemMetrics implements MetricsRecorder.InitSystemMetrics without collecting any data.
func (n *NoOpRecorder) InitSystemMetrics(version, buildTime, goVersion string, startTime time.Time) {}

// Initialize with no-op recorder by default
func init() {
	GlobalRecorder = &NoOpRecorder{}
}
