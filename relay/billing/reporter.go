package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/songquanpeng/metering-proxy/common/client"
	"github.com/songquanpeng/metering-proxy/common/config"
	"github.com/songquanpeng/metering-proxy/common/graceful"
	"github.com/songquanpeng/metering-proxy/common/logger"
	"github.com/songquanpeng/metering-proxy/common/metrics"
	"github.com/songquanpeng/metering-proxy/common/random"
)

// UsageReport captures the billable outcome of one completed upstream call.
// Immutable once handed to Report.
type UsageReport struct {
	UserId              string
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	Cost                float64
}

// usagePayload is the wire format POSTed to the billing service.
type usagePayload struct {
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	InputTokens      int     `json:"inputTokens"`
	OutputTokens     int     `json:"outputTokens"`
	CacheReadTokens  int     `json:"cacheReadTokens"`
	CacheWriteTokens int     `json:"cacheWriteTokens"`
	TotalTokens      int     `json:"totalTokens"`
	Cost             float64 `json:"cost"`
	Currency         string  `json:"currency"`
}

// retryEntry is one failed usage report awaiting redelivery.
type retryEntry struct {
	id         string
	credential string
	payload    []byte
	retries    int
	nextRetry  time.Time
}

var (
	queueMu     sync.Mutex
	failedQueue []retryEntry
)

// Report submits one usage record to the billing service without blocking the
// caller. The user's balance snapshot is invalidated first so the next gate
// check observes the post-spend balance; delivery failures land in the
// bounded retry queue instead of surfacing to the request.
func Report(credential string, report UsageReport) {
	payload, err := json.Marshal(buildPayload(report))
	if err != nil {
		logger.Logger.Error("failed to serialize usage report",
			zap.String("user_id", report.UserId), zap.Error(err))
		return
	}
	reportId := random.GetUUID()
	graceful.GoCritical(context.Background(), "usage_report", func(ctx context.Context) {
		InvalidateBalance(report.UserId)
		if err := sendUsageReport(ctx, credential, payload, "usage_report"); err != nil {
			logger.Logger.Warn("usage report delivery failed, queueing for retry",
				zap.String("report_id", reportId),
				zap.String("user_id", report.UserId),
				zap.String("model", report.Model),
				zap.Float64("cost", report.Cost),
				zap.Error(err))
			enqueue(reportId, credential, payload)
		}
	})
}

func buildPayload(report UsageReport) usagePayload {
	return usagePayload{
		Model:            report.Model,
		Provider:         "anthropic",
		InputTokens:      report.InputTokens,
		OutputTokens:     report.OutputTokens,
		CacheReadTokens:  report.CacheReadTokens,
		CacheWriteTokens: report.CacheCreationTokens,
		TotalTokens:      report.InputTokens + report.OutputTokens + report.CacheReadTokens + report.CacheCreationTokens,
		Cost:             report.Cost,
		Currency:         "USD",
	}
}

func sendUsageReport(ctx context.Context, credential string, payload []byte, operation string) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		config.DomesticAPIURL+"/api/billing/usage", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build usage report request")
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.ImpatientHTTPClient.Do(req)
	if err != nil {
		metrics.GlobalRecorder.RecordBillingOperation(start, operation, false)
		return errors.Wrap(err, "post usage report")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		metrics.GlobalRecorder.RecordBillingOperation(start, operation, false)
		return errors.Errorf("usage endpoint returned status %d: %s",
			resp.StatusCode, truncateBody(body))
	}
	metrics.GlobalRecorder.RecordBillingOperation(start, operation, true)
	return nil
}

// enqueue appends a freshly failed report with the base retry delay.
func enqueue(id, credential string, payload []byte) {
	pushEntry(retryEntry{
		id:         id,
		credential: credential,
		payload:    payload,
		nextRetry:  time.Now().Add(config.ReportBaseRetryInterval),
	})
}

// pushEntry appends to the queue, evicting the oldest entry when capacity is
// reached so the queue length never exceeds MaxFailedReports.
func pushEntry(entry retryEntry) {
	queueMu.Lock()
	if len(failedQueue) >= config.MaxFailedReports {
		logger.Logger.Warn("usage report retry queue full, dropping oldest entry",
			zap.Int("capacity", config.MaxFailedReports))
		failedQueue = failedQueue[1:]
		metrics.GlobalRecorder.RecordDroppedReport("overflow")
	}
	failedQueue = append(failedQueue, entry)
	depth := len(failedQueue)
	queueMu.Unlock()
	metrics.GlobalRecorder.UpdateRetryQueueDepth(depth)
}

// StartRetryScanner launches the background loop that periodically redelivers
// failed usage reports. The returned stop function halts the loop; deliveries
// already in flight finish on their own.
func StartRetryScanner() (stop func()) {
	ticker := time.NewTicker(config.ReportRetryScanInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ScanRetryQueue()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// ScanRetryQueue redelivers every queued report whose retry time has passed.
// Due entries are posted in parallel; each failure either re-queues the entry
// with doubled backoff or, once the retry budget is spent, drops it for good.
// Exported so tests can drive scans without waiting on the ticker.
func ScanRetryQueue() {
	now := time.Now()

	queueMu.Lock()
	var due, keep []retryEntry
	for _, entry := range failedQueue {
		if entry.nextRetry.After(now) {
			keep = append(keep, entry)
		} else {
			due = append(due, entry)
		}
	}
	failedQueue = keep
	depth := len(failedQueue)
	queueMu.Unlock()
	metrics.GlobalRecorder.UpdateRetryQueueDepth(depth)

	if len(due) == 0 {
		return
	}

	var eg errgroup.Group
	for _, entry := range due {
		entry.retries++
		if entry.retries > config.ReportMaxRetries {
			// Entries past the budget are dropped on their final failure, so
			// this only fires if the budget was lowered at runtime.
			logger.Logger.Error("dropping usage report past its retry budget",
				zap.String("report_id", entry.id),
				zap.Int("retries", entry.retries))
			metrics.GlobalRecorder.RecordDroppedReport("retries_exhausted")
			continue
		}
		eg.Go(func() error {
			err := sendUsageReport(context.Background(), entry.credential, entry.payload, "usage_report_retry")
			if err == nil {
				return nil
			}
			if entry.retries >= config.ReportMaxRetries {
				logger.Logger.Error("CRITICAL: usage report dropped after exhausting retries - usage will go unbilled",
					zap.String("report_id", entry.id),
					zap.Int("retries", entry.retries),
					zap.Error(err))
				metrics.GlobalRecorder.RecordDroppedReport("retries_exhausted")
				return nil
			}
			backoff := config.ReportBaseRetryInterval << entry.retries
			entry.nextRetry = time.Now().Add(backoff)
			logger.Logger.Warn("usage report retry failed, backing off",
				zap.String("report_id", entry.id),
				zap.Int("retries", entry.retries),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			pushEntry(entry)
			return nil
		})
	}
	_ = eg.Wait()
}

// QueueLength reports how many usage reports are awaiting retry.
func QueueLength() int {
	queueMu.Lock()
	defer queueMu.Unlock()
	return len(failedQueue)
}

// ResetRetryQueue drops every pending retry entry. Tests only.
func ResetRetryQueue() {
	queueMu.Lock()
	failedQueue = nil
	queueMu.Unlock()
	metrics.GlobalRecorder.UpdateRetryQueueDepth(0)
}
