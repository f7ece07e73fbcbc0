package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Go runtime and process metrics are automatically registered by promhttp.Handler()
// so we don't need to register them explicitly here

var (
	relayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterproxy_relay_requests_total",
			Help: "Total number of relayed requests",
		},
		[]string{"status", "model", "stream"},
	)

	relayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meterproxy_relay_request_duration_seconds",
			Help:    "Relay request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"status", "stream"},
	)

	relayTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterproxy_relay_tokens_total",
			Help: "Total number of tokens observed in upstream responses",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)

	tokenAuthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterproxy_token_auth_total",
			Help: "Total number of access token verifications",
		},
		[]string{"outcome"},
	)

	balanceCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterproxy_balance_cache_lookups_total",
			Help: "Balance cache lookups by result",
		},
		[]string{"result"},
	)

	billingOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterproxy_billing_operations_total",
			Help: "Billing service operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	billingOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meterproxy_billing_operation_duration_seconds",
			Help:    "Billing service call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"operation"},
	)

	billingOutageState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meterproxy_billing_degraded",
			Help: "Billing service degradation state (1 = degraded, 0 = healthy)",
		},
	)

	retryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meterproxy_report_retry_queue_depth",
			Help: "Current number of usage reports waiting for retry",
		},
	)

	droppedReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterproxy_dropped_reports_total",
			Help: "Usage reports dropped without delivery, by reason",
		},
		[]string{"reason"},
	)

	systemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meterproxy_system_info",
			Help: "Build information of the running process",
		},
		[]string{"version", "build_time", "go_version"},
	)

	systemStartTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meterproxy_start_time_seconds",
			Help: "Unix timestamp of process start",
		},
	)
)

// PrometheusRecorder implements MetricsRecorder backed by Prometheus collectors.
type PrometheusRecorder struct{}

// InitPrometheus installs the Prometheus recorder as the global one and seeds
// the static build-info metrics.
func InitPrometheus(version, buildTime, goVersion string, startTime time.Time) {
	r := &PrometheusRecorder{}
	r.InitSystemMetrics(version, buildTime, goVersion, startTime)
	GlobalRecorder = r
}

func (r *PrometheusRecorder) RecordRelayRequest(startTime time.Time, statusCode int, model string, stream bool, promptTokens, completionTokens int) {
	status := strconv.Itoa(statusCode)
	streamLabel := strconv.FormatBool(stream)
	relayRequestsTotal.WithLabelValues(status, model, streamLabel).Inc()
	relayRequestDuration.WithLabelValues(status, streamLabel).Observe(time.Since(startTime).Seconds())
	if promptTokens > 0 {
		relayTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		relayTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

func (r *PrometheusRecorder) RecordTokenAuth(success bool) {
	tokenAuthTotal.WithLabelValues(outcome(success)).Inc()
}

func (r *PrometheusRecorder) RecordBalanceCacheLookup(result string) {
	balanceCacheLookups.WithLabelValues(result).Inc()
}

func (r *PrometheusRecorder) RecordBillingOperation(startTime time.Time, operation string, success bool) {
	billingOperationsTotal.WithLabelValues(operation, outcome(success)).Inc()
	billingOperationDuration.WithLabelValues(operation).Observe(time.Since(startTime).Seconds())
}

func (r *PrometheusRecorder) RecordBillingOutage(degraded bool) {
	if degraded {
		billingOutageState.Set(1)
	} else {
		billingOutageState.Set(0)
	}
}

func (r *PrometheusRecorder) UpdateRetryQueueDepth(depth int) {
	retryQueueDepth.Set(float64(depth))
}

func (r *PrometheusRecorder) RecordDroppedReport(reason string) {
	droppedReportsTotal.WithLabelValues(reason).Inc()
}

func (r *PrometheusRecorder) InitSystemMetrics(version, buildTime, goVersion string, startTime time.Time) {
	systemInfo.WithLabelValues(version, buildTime, goVersion).Set(1)
	systemStartTime.Set(float64(startTime.Unix()))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
