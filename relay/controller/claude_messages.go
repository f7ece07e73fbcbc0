package controller

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/metering-proxy/common"
	"github.com/songquanpeng/metering-proxy/common/client"
	"github.com/songquanpeng/metering-proxy/common/config"
	"github.com/songquanpeng/metering-proxy/common/ctxkey"
	"github.com/songquanpeng/metering-proxy/common/helper"
	"github.com/songquanpeng/metering-proxy/common/metrics"
	"github.com/songquanpeng/metering-proxy/relay/adaptor/anthropic"
	"github.com/songquanpeng/metering-proxy/relay/billing"
	"github.com/songquanpeng/metering-proxy/relay/pricing"
	"github.com/songquanpeng/metering-proxy/relay/streaming"
)

// StatusError is a pre-response failure: the status and message the outer
// controller should render as `{"error": <message>}`. Once the upstream
// response has been committed to the client the helper never returns one;
// later problems are logged and the delivered response stands.
type StatusError struct {
	StatusCode int
	Message    string
}

// inboundHeaders are copied verbatim from the client request onto the
// upstream request when present.
var inboundHeaders = []string{"anthropic-version", "anthropic-beta", "content-type"}

const streamBufferSize = 32 * 1024

// RelayClaudeMessagesHelper proxies POST /v1/messages to the Anthropic API.
//
// The request is gated on the caller's billing balance, forwarded byte-for-byte
// under the shared upstream key, and the response is relayed back unmodified
// (streaming or not). Token usage is extracted from the response on the way
// through and reported to the billing service after delivery; metering never
// delays or fails a response the upstream already produced.
func RelayClaudeMessagesHelper(c *gin.Context) *StatusError {
	ctx := gmw.Ctx(c)
	lg := gmw.GetLogger(c)
	startTime := time.Now()

	userId := c.GetString(ctxkey.UserId)
	credential := c.GetString(ctxkey.AccessToken)

	balance := billing.CheckBalance(ctx, userId, credential)
	if balance.ServiceUnavailable {
		metrics.GlobalRecorder.RecordRelayRequest(startTime, http.StatusServiceUnavailable, "", false, 0, 0)
		return &StatusError{StatusCode: http.StatusServiceUnavailable, Message: "Billing service unavailable"}
	}
	if !balance.OK {
		lg.Warn("rejecting request for insufficient balance",
			zap.String("user_id", userId),
			zap.Float64("balance", balance.Balance),
			zap.Float64("free_tokens", balance.FreeTokens))
		metrics.GlobalRecorder.RecordRelayRequest(startTime, http.StatusPaymentRequired, "", false, 0, 0)
		return &StatusError{StatusCode: http.StatusPaymentRequired, Message: "Insufficient balance"}
	}

	requestBody, err := common.GetRequestBody(c)
	if err != nil {
		lg.Warn("read request body failed", zap.Error(err))
		metrics.GlobalRecorder.RecordRelayRequest(startTime, http.StatusBadRequest, "", false, 0, 0)
		return &StatusError{StatusCode: http.StatusBadRequest, Message: "Failed to read request body"}
	}

	// The model name is only a fallback billing identifier; the body itself is
	// forwarded untouched, never re-encoded from the parsed struct.
	requestModel := ""
	var claudeRequest anthropic.Request
	if err := json.Unmarshal(requestBody, &claudeRequest); err == nil {
		requestModel = claudeRequest.Model
	}
	c.Set(ctxkey.RequestModel, requestModel)

	upstreamURL := config.AnthropicBaseURL + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(requestBody))
	if err != nil {
		lg.Error("build upstream request failed", zap.Error(err), zap.String("url", upstreamURL))
		metrics.GlobalRecorder.RecordRelayRequest(startTime, http.StatusBadGateway, requestModel, false, 0, 0)
		return &StatusError{StatusCode: http.StatusBadGateway, Message: "Failed to reach Anthropic API"}
	}
	req.Header.Set("x-api-key", config.AnthropicAPIKey)
	req.Header.Set("Content-Type", "application/json")
	for _, name := range inboundHeaders {
		if value := c.GetHeader(name); value != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := client.HTTPClient.Do(req)
	if err != nil {
		lg.Error("anthropic upstream request failed", zap.Error(err), zap.String("url", upstreamURL))
		metrics.GlobalRecorder.RecordRelayRequest(startTime, http.StatusBadGateway, requestModel, false, 0, 0)
		return &StatusError{StatusCode: http.StatusBadGateway, Message: "Failed to reach Anthropic API"}
	}
	defer func() { _ = resp.Body.Close() }()

	contentType := resp.Header.Get("Content-Type")
	isStream := strings.Contains(contentType, "text/event-stream") && resp.Body != nil

	var usage anthropic.Usage
	upstreamModel := ""

	if isStream {
		common.SetEventStreamHeaders(c)
		copyResponseHeaders(c, resp)
		c.Status(resp.StatusCode)

		extractor := streaming.NewUsageExtractor(c.Writer)
		buf := make([]byte, streamBufferSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := extractor.Write(buf[:n]); writeErr != nil {
					lg.Warn("client went away mid-stream", zap.Error(writeErr))
					break
				}
				c.Writer.(http.Flusher).Flush()
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					lg.Warn("upstream stream ended abnormally", zap.Error(readErr))
				}
				break
			}
		}
		extractor.Finish()
		usage = extractor.Usage()
		upstreamModel = extractor.Model()
	} else {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			// Headers may already be on the wire; deliver nothing further and
			// skip metering rather than bill for a response we lost.
			lg.Error("read upstream response failed", zap.Error(readErr))
			copyResponseHeaders(c, resp)
			c.Status(resp.StatusCode)
			metrics.GlobalRecorder.RecordRelayRequest(startTime, resp.StatusCode, requestModel, false, 0, 0)
			return nil
		}
		copyResponseHeaders(c, resp)
		c.Data(resp.StatusCode, contentType, body)

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices &&
			strings.Contains(contentType, "application/json") {
			var claudeResp anthropic.Response
			if perr := json.Unmarshal(body, &claudeResp); perr != nil {
				lg.Warn("upstream response not parseable for metering", zap.Error(perr))
			} else {
				usage = claudeResp.Usage
				upstreamModel = claudeResp.Model
			}
		}
	}

	// Upstream-reported model wins over the request body; both missing means
	// the usage is billed against the default pricing row.
	model := upstreamModel
	if model == "" {
		model = requestModel
	}
	if model == "" {
		model = "unknown"
	}

	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		cost := pricing.Cost(model, usage)
		lg.Info("usage metered",
			zap.String("user_id", userId),
			zap.String("model", model),
			zap.Int("input_tokens", usage.InputTokens),
			zap.Int("output_tokens", usage.OutputTokens),
			zap.Int("cache_read_tokens", usage.CacheReadInputTokens),
			zap.Int("cache_write_tokens", usage.CacheWriteTokens()),
			zap.Float64("cost_usd", cost),
			zap.Int64("elapsed_ms", helper.CalcElapsedTime(startTime)))
		billing.Report(credential, billing.UsageReport{
			UserId:              userId,
			Model:               model,
			InputTokens:         usage.InputTokens,
			OutputTokens:        usage.OutputTokens,
			CacheReadTokens:     usage.CacheReadInputTokens,
			CacheCreationTokens: usage.CacheWriteTokens(),
			Cost:                cost,
		})
	}

	metrics.GlobalRecorder.RecordRelayRequest(startTime, resp.StatusCode, model, isStream, usage.InputTokens, usage.OutputTokens)
	return nil
}

// copyResponseHeaders forwards the upstream headers the client is allowed to
// see: content type, rate-limit state, and the upstream request id.
func copyResponseHeaders(c *gin.Context, resp *http.Response) {
	for name, values := range resp.Header {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		if lower == "content-type" || lower == "request-id" || strings.HasPrefix(lower, "x-ratelimit") {
			c.Header(name, values[0])
		}
	}
}
