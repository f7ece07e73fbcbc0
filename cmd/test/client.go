package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/songquanpeng/metering-proxy/relay/adaptor/anthropic"
	"github.com/songquanpeng/metering-proxy/relay/streaming"
)

const (
	// maxResponseBodySize bounds how much of a response the harness will read.
	maxResponseBodySize = 1 << 20
	// maxLoggedBodyBytes bounds how much of a failed response lands in logs.
	maxLoggedBodyBytes = 2048
)

// performRequest sends a single request variant and returns the execution result.
func performRequest(ctx context.Context, client *http.Client, harness harnessConfig, variant requestVariant) (result testResult) {
	start := time.Now()
	result = testResult{
		Variant: variant.Key,
		Label:   variant.Header,
		Stream:  variant.Stream,
	}
	defer func() {
		result.Duration = time.Since(start)
	}()

	payload, err := json.Marshal(claudeMessagesPayload(harness.Model, variant.Stream, harness.MaxTokens))
	if err != nil {
		result.ErrorReason = fmt.Sprintf("marshal payload: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, harness.APIBase+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		result.ErrorReason = fmt.Sprintf("build request: %v", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", harness.Token)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("User-Agent", "metering-proxy-test-harness/1.0")

	resp, err := client.Do(req)
	if err != nil {
		result.ErrorReason = fmt.Sprintf("do request: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	result.StatusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		result.ResponseBody = shorten(string(body), maxLoggedBodyBytes)
		result.ErrorReason = fmt.Sprintf("status %s: %s", resp.Status, snippet(body))
		return
	}

	if variant.Stream {
		return consumeStream(resp.Body, start, result)
	}
	return consumeJSON(resp.Body, result)
}

// consumeStream drains an SSE response through the same usage extractor the
// proxy meters with, tracking latency to the first streamed byte.
func consumeStream(body io.Reader, start time.Time, result testResult) testResult {
	extractor := streaming.NewUsageExtractor(io.Discard)
	buf := make([]byte, 4096)
	total := 0
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if result.FirstEvent == 0 {
				result.FirstEvent = time.Since(start)
			}
			total += n
			if total > maxResponseBodySize {
				result.ErrorReason = "stream exceeded response size limit"
				return result
			}
			if _, werr := extractor.Write(buf[:n]); werr != nil {
				result.ErrorReason = fmt.Sprintf("stream consume: %v", werr)
				return result
			}
		}
		if err != nil {
			if err != io.EOF {
				result.ErrorReason = fmt.Sprintf("stream read: %v", err)
				return result
			}
			break
		}
	}
	extractor.Finish()

	if total == 0 {
		result.ErrorReason = "no stream data received"
		return result
	}

	usage := extractor.Usage()
	result.Model = extractor.Model()
	result.InputTokens = usage.InputTokens
	result.OutputTokens = usage.OutputTokens
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		result.ErrorReason = "stream carried no usage events"
		return result
	}

	result.Success = true
	return result
}

// consumeJSON parses a buffered Messages API response and records its usage.
func consumeJSON(body io.Reader, result testResult) testResult {
	raw, err := io.ReadAll(io.LimitReader(body, maxResponseBodySize))
	if err != nil {
		result.ErrorReason = fmt.Sprintf("read response: %v", err)
		return result
	}
	result.ResponseBody = shorten(string(raw), maxLoggedBodyBytes)

	var message anthropic.Response
	if err := json.Unmarshal(raw, &message); err != nil {
		result.ErrorReason = fmt.Sprintf("parse response: %v", err)
		return result
	}
	if message.Error.Message != "" {
		result.ErrorReason = fmt.Sprintf("%s: %s", message.Error.Type, message.Error.Message)
		return result
	}

	result.Model = message.Model
	result.InputTokens = message.Usage.InputTokens
	result.OutputTokens = message.Usage.OutputTokens
	if message.Usage.InputTokens == 0 && message.Usage.OutputTokens == 0 {
		result.ErrorReason = "response carried no usage"
		return result
	}

	result.Success = true
	return result
}
