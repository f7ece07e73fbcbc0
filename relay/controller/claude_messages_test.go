package controller

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/songquanpeng/metering-proxy/common/client"
	"github.com/songquanpeng/metering-proxy/common/config"
	"github.com/songquanpeng/metering-proxy/middleware"
	"github.com/songquanpeng/metering-proxy/monitor"
	"github.com/songquanpeng/metering-proxy/relay/billing"
)

func TestMain(m *testing.M) {
	client.Init()
	os.Exit(m.Run())
}

// billingFake serves both billing endpoints: the balance lookup and the usage
// report sink.
type billingFake struct {
	mu          sync.Mutex
	balanceCode int
	balanceBody string
	balanceHits int
	reports     [][]byte
	reportAuth  []string
	reportCode  int
}

func newBillingFake(t *testing.T) (*billingFake, *httptest.Server) {
	t.Helper()
	f := &billingFake{
		balanceCode: http.StatusOK,
		balanceBody: `{"claudeBalance": 25.0}`,
		reportCode:  http.StatusOK,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/billing/balance":
			f.mu.Lock()
			f.balanceHits++
			code, body := f.balanceCode, f.balanceBody
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = io.WriteString(w, body)
		case "/api/billing/usage":
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.reports = append(f.reports, body)
			f.reportAuth = append(f.reportAuth, r.Header.Get("Authorization"))
			code := f.reportCode
			f.mu.Unlock()
			w.WriteHeader(code)
			_, _ = io.WriteString(w, `{}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *billingFake) balanceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceHits
}

func (f *billingFake) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

func (f *billingFake) report(t *testing.T, i int) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.reports), i)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.reports[i], &payload))
	return payload
}

// upstreamCapture records what the proxy actually sent to the Anthropic side.
type upstreamCapture struct {
	mu     sync.Mutex
	hits   int
	header http.Header
	body   []byte
}

func (u *upstreamCapture) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.hits++
	u.header = r.Header.Clone()
	u.body = body
	u.mu.Unlock()
}

func (u *upstreamCapture) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits
}

func setupRelayTest(t *testing.T, upstreamURL, billingURL string) {
	t.Helper()
	prevUpstream := config.AnthropicBaseURL
	prevKey := config.AnthropicAPIKey
	prevBilling := config.DomesticAPIURL
	prevSecret := config.JWTSecret
	config.AnthropicBaseURL = upstreamURL
	config.AnthropicAPIKey = "sk-ant-shared-test"
	config.DomesticAPIURL = billingURL
	config.JWTSecret = "relay-test-secret"
	billing.ResetBalanceCache()
	billing.ResetRetryQueue()
	monitor.Reset()
	t.Cleanup(func() {
		config.AnthropicBaseURL = prevUpstream
		config.AnthropicAPIKey = prevKey
		config.DomesticAPIURL = prevBilling
		config.JWTSecret = prevSecret
		billing.ResetBalanceCache()
		billing.ResetRetryQueue()
		monitor.Reset()
	})
}

func newRelayRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/messages", middleware.TokenAuth(), func(c *gin.Context) {
		if bizErr := RelayClaudeMessagesHelper(c); bizErr != nil {
			middleware.AbortWithError(c, bizErr.StatusCode, bizErr.Message)
		}
	})
	return r
}

func mintToken(t *testing.T, userId string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"userId": userId,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(config.JWTSecret))
	require.NoError(t, err)
	return signed
}

func doRelay(t *testing.T, r *gin.Engine, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	if token != "" {
		req.Header.Set("x-api-key", token)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const streamedResponse = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_014\",\"type\":\"message\",\"role\":\"assistant\",\"model\":\"claude-sonnet-4-6\",\"usage\":{\"input_tokens\":500,\"output_tokens\":1,\"cache_read_input_tokens\":100,\"cache_creation_input_tokens\":0}}}\n\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
	": ping\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n" +
	"event: content_block_stop\n" +
	"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\",\"stop_sequence\":null},\"usage\":{\"output_tokens\":150}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n" +
	"data: [DONE]\n\n"

func newStreamingUpstream(t *testing.T) (*httptest.Server, *upstreamCapture) {
	t.Helper()
	capture := &upstreamCapture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.record(r)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-ratelimit-requests-remaining", "99")
		w.Header().Set("request-id", "req_upstream_01")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		// Split mid-line so the proxy sees realistic chunk boundaries.
		for _, chunk := range []string{streamedResponse[:57], streamedResponse[57:260], streamedResponse[260:]} {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, capture
}

func newJSONUpstream(t *testing.T, status int, contentType, body string) (*httptest.Server, *upstreamCapture) {
	t.Helper()
	capture := &upstreamCapture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.record(r)
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Set("x-ratelimit-tokens-remaining", "100000")
		w.Header().Set("request-id", "req_upstream_02")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, capture
}

func TestRelayStreamingWithFreshCachedBalance(t *testing.T) {
	upstream, capture := newStreamingUpstream(t)
	fake, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)

	userId := "user-s1"
	billing.SeedSnapshot(userId, billing.BalanceSnapshot{
		Balance:       5,
		ClaudeBalance: 2.5,
		FreeTokens:    100,
		FreshUntil:    time.Now().Add(60 * time.Second),
	})

	router := newRelayRouter()
	token := mintToken(t, userId)
	w := doRelay(t, router, token, `{"model":"claude-sonnet-4-6","stream":true,"messages":[]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, streamedResponse, w.Body.String(), "stream must reach the client byte for byte")
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t, "99", w.Header().Get("x-ratelimit-requests-remaining"))
	require.Equal(t, "req_upstream_01", w.Header().Get("request-id"))

	require.Equal(t, 1, capture.calls())
	require.Equal(t, 0, fake.balanceCalls(), "fresh cache hit must not touch the billing service")

	require.Eventually(t, func() bool { return fake.reportCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	payload := fake.report(t, 0)
	require.Equal(t, "claude-sonnet-4-6", payload["model"])
	require.Equal(t, "anthropic", payload["provider"])
	require.EqualValues(t, 500, payload["inputTokens"])
	require.EqualValues(t, 150, payload["outputTokens"])
	require.EqualValues(t, 100, payload["cacheReadTokens"])
	require.EqualValues(t, 0, payload["cacheWriteTokens"])
	require.EqualValues(t, 750, payload["totalTokens"])
	require.InDelta(t, 0.00378, payload["cost"].(float64), 1e-9)
	require.Equal(t, "USD", payload["currency"])

	fake.mu.Lock()
	auth := fake.reportAuth[0]
	fake.mu.Unlock()
	require.Equal(t, "Bearer "+token, auth, "usage reports replay the client credential")
}

func TestRelayJSONResponseMetering(t *testing.T) {
	upstream, capture := newJSONUpstream(t, http.StatusOK, "application/json",
		`{"id":"msg_015","type":"message","role":"assistant","model":"claude-sonnet-4-6","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":1000,"output_tokens":500,"cache_read_input_tokens":5000,"cache_creation_input_tokens":2000}}`)
	fake, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)

	router := newRelayRouter()
	w := doRelay(t, router, mintToken(t, "user-s2"), `{"model":"claude-sonnet-4-6","messages":[]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"msg_015"`)
	require.Equal(t, 1, capture.calls())
	require.Equal(t, 1, fake.balanceCalls(), "no cached snapshot, so the gate fetches once")

	require.Eventually(t, func() bool { return fake.reportCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	payload := fake.report(t, 0)
	require.EqualValues(t, 1000, payload["inputTokens"])
	require.EqualValues(t, 500, payload["outputTokens"])
	require.EqualValues(t, 5000, payload["cacheReadTokens"])
	require.EqualValues(t, 2000, payload["cacheWriteTokens"])
	require.EqualValues(t, 8500, payload["totalTokens"])
	require.InDelta(t, 0.0195, payload["cost"].(float64), 1e-9)
}

func TestRelayInsufficientBalance(t *testing.T) {
	upstream, capture := newStreamingUpstream(t)
	fake, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)
	fake.mu.Lock()
	fake.balanceBody = `{"claudeBalance": 0, "freeTokens": 0, "balance": 99}`
	fake.mu.Unlock()

	router := newRelayRouter()
	w := doRelay(t, router, mintToken(t, "user-s3"), `{"model":"claude-sonnet-4-6","messages":[]}`, nil)

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.JSONEq(t, `{"error":"Insufficient balance"}`, w.Body.String())
	require.Equal(t, 0, capture.calls(), "gated requests must never reach the upstream")

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, fake.reportCount())
	require.Equal(t, 0, billing.QueueLength())
}

func TestRelayBillingOutageFailsClosed(t *testing.T) {
	upstream, capture := newStreamingUpstream(t)
	deadBilling := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := deadBilling.URL
	deadBilling.Close()
	setupRelayTest(t, upstream.URL, deadURL)

	router := newRelayRouter()
	w := doRelay(t, router, mintToken(t, "user-s4"), `{"model":"claude-sonnet-4-6","messages":[]}`, nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.JSONEq(t, `{"error":"Billing service unavailable"}`, w.Body.String())
	require.Equal(t, 0, capture.calls())
}

func TestRelayStaleBalanceWithinGraceWindow(t *testing.T) {
	upstream, capture := newStreamingUpstream(t)
	fake, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)
	fake.mu.Lock()
	fake.balanceCode = http.StatusInternalServerError
	fake.mu.Unlock()

	userId := "user-s5"
	billing.SeedSnapshot(userId, billing.BalanceSnapshot{
		ClaudeBalance: 1.5,
		FreshUntil:    time.Now().Add(-3 * time.Minute),
	})

	router := newRelayRouter()
	w := doRelay(t, router, mintToken(t, userId), `{"model":"claude-sonnet-4-6","messages":[]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, streamedResponse, w.Body.String())
	require.Equal(t, 1, capture.calls(), "stale snapshot inside the grace window still authorizes traffic")
	require.GreaterOrEqual(t, fake.balanceCalls(), 1, "a refresh was attempted before falling back")
}

func TestRelayFailedReportIsQueuedForRetry(t *testing.T) {
	upstream, _ := newStreamingUpstream(t)
	fake, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)
	fake.mu.Lock()
	fake.reportCode = http.StatusBadGateway
	fake.mu.Unlock()

	router := newRelayRouter()
	w := doRelay(t, router, mintToken(t, "user-s6"), `{"model":"claude-sonnet-4-6","messages":[]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool { return billing.QueueLength() == 1 }, 2*time.Second, 10*time.Millisecond,
		"failed usage reports must land in the retry queue")
}

func TestRelayUpstreamTransportFailure(t *testing.T) {
	deadUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := deadUpstream.URL
	deadUpstream.Close()
	fake, billingSrv := newBillingFake(t)
	setupRelayTest(t, deadURL, billingSrv.URL)

	router := newRelayRouter()
	w := doRelay(t, router, mintToken(t, "user-502"), `{"model":"claude-sonnet-4-6","messages":[]}`, nil)

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.JSONEq(t, `{"error":"Failed to reach Anthropic API"}`, w.Body.String())

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, fake.reportCount(), "transport failures are never metered")
	require.Equal(t, 0, billing.QueueLength())
}

func TestRelayForwardsSharedKeyAndAnthropicHeaders(t *testing.T) {
	upstream, capture := newJSONUpstream(t, http.StatusOK, "application/json", `{"model":"claude-sonnet-4-6","usage":{"input_tokens":1,"output_tokens":1}}`)
	_, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)

	requestBody := `{"model":"claude-sonnet-4-6","messages":[],"metadata":{"user_id":"opaque"},"unknown_field":[1,2,3]}`
	router := newRelayRouter()
	token := mintToken(t, "user-headers")
	w := doRelay(t, router, token, requestBody, map[string]string{
		"anthropic-version": "2023-06-01",
		"anthropic-beta":    "output-128k-2025-02-19",
	})

	require.Equal(t, http.StatusOK, w.Code)
	capture.mu.Lock()
	defer capture.mu.Unlock()
	require.Equal(t, requestBody, string(capture.body), "request body is forwarded verbatim, unknown fields included")
	require.Equal(t, "sk-ant-shared-test", capture.header.Get("x-api-key"), "upstream only ever sees the shared key")
	require.Equal(t, "application/json", capture.header.Get("Content-Type"))
	require.Equal(t, "2023-06-01", capture.header.Get("anthropic-version"))
	require.Equal(t, "output-128k-2025-02-19", capture.header.Get("anthropic-beta"))
	require.Empty(t, capture.header.Get("Authorization"))
	for _, values := range capture.header {
		for _, v := range values {
			require.NotEqual(t, token, v, "client credential must not leak upstream")
		}
	}
}

func TestRelayPassesThroughUpstreamError(t *testing.T) {
	errorBody := `{"type":"error","error":{"type":"rate_limit_error","message":"Number of request tokens has exceeded your per-minute rate limit"}}`
	upstream, _ := newJSONUpstream(t, http.StatusTooManyRequests, "application/json", errorBody)
	fake, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)

	router := newRelayRouter()
	w := doRelay(t, router, mintToken(t, "user-429"), `{"model":"claude-sonnet-4-6","messages":[]}`, nil)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, errorBody, w.Body.String(), "upstream errors pass through unchanged")
	require.Equal(t, "100000", w.Header().Get("x-ratelimit-tokens-remaining"))

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, fake.reportCount(), "non-2xx responses are never metered")
}

func TestRelayNoMeteringForNonJSONResponse(t *testing.T) {
	upstream, _ := newJSONUpstream(t, http.StatusOK, "text/plain", "plain text body")
	fake, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)

	router := newRelayRouter()
	w := doRelay(t, router, mintToken(t, "user-plain"), `{"model":"claude-sonnet-4-6","messages":[]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "plain text body", w.Body.String())

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, fake.reportCount())
}

func TestRelayUnparseableJSONStillDelivered(t *testing.T) {
	upstream, _ := newJSONUpstream(t, http.StatusOK, "application/json", `{"model": truncated`)
	fake, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)

	router := newRelayRouter()
	w := doRelay(t, router, mintToken(t, "user-badjson"), `{"model":"claude-sonnet-4-6","messages":[]}`, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, `{"model": truncated`, w.Body.String())

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, fake.reportCount(), "a body we cannot parse yields no usage report")
}

func TestRelayModelResolution(t *testing.T) {
	t.Run("upstream model wins over request model", func(t *testing.T) {
		upstream, _ := newJSONUpstream(t, http.StatusOK, "application/json",
			`{"model":"claude-opus-4-6","usage":{"input_tokens":10,"output_tokens":5}}`)
		fake, billingSrv := newBillingFake(t)
		setupRelayTest(t, upstream.URL, billingSrv.URL)

		router := newRelayRouter()
		w := doRelay(t, router, mintToken(t, "user-m1"), `{"model":"claude-haiku-4-5","messages":[]}`, nil)
		require.Equal(t, http.StatusOK, w.Code)

		require.Eventually(t, func() bool { return fake.reportCount() == 1 }, 2*time.Second, 10*time.Millisecond)
		require.Equal(t, "claude-opus-4-6", fake.report(t, 0)["model"])
	})

	t.Run("request model is the fallback", func(t *testing.T) {
		upstream, _ := newJSONUpstream(t, http.StatusOK, "application/json",
			`{"usage":{"input_tokens":10,"output_tokens":5}}`)
		fake, billingSrv := newBillingFake(t)
		setupRelayTest(t, upstream.URL, billingSrv.URL)

		router := newRelayRouter()
		w := doRelay(t, router, mintToken(t, "user-m2"), `{"model":"claude-haiku-4-5","messages":[]}`, nil)
		require.Equal(t, http.StatusOK, w.Code)

		require.Eventually(t, func() bool { return fake.reportCount() == 1 }, 2*time.Second, 10*time.Millisecond)
		require.Equal(t, "claude-haiku-4-5", fake.report(t, 0)["model"])
	})

	t.Run("unknown when neither side names a model", func(t *testing.T) {
		upstream, _ := newJSONUpstream(t, http.StatusOK, "application/json",
			`{"usage":{"input_tokens":10,"output_tokens":5}}`)
		fake, billingSrv := newBillingFake(t)
		setupRelayTest(t, upstream.URL, billingSrv.URL)

		router := newRelayRouter()
		w := doRelay(t, router, mintToken(t, "user-m3"), `{"messages":[]}`, nil)
		require.Equal(t, http.StatusOK, w.Code)

		require.Eventually(t, func() bool { return fake.reportCount() == 1 }, 2*time.Second, 10*time.Millisecond)
		require.Equal(t, "unknown", fake.report(t, 0)["model"])
	})
}

func TestRelayZeroTokenUsageIsNotReported(t *testing.T) {
	upstream, _ := newJSONUpstream(t, http.StatusOK, "application/json",
		`{"model":"claude-sonnet-4-6","usage":{"input_tokens":0,"output_tokens":0}}`)
	fake, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)

	router := newRelayRouter()
	w := doRelay(t, router, mintToken(t, "user-zero"), `{"model":"claude-sonnet-4-6","messages":[]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 0, fake.reportCount())
}

func TestRelayRejectsMissingAndInvalidCredentials(t *testing.T) {
	upstream, capture := newStreamingUpstream(t)
	_, billingSrv := newBillingFake(t)
	setupRelayTest(t, upstream.URL, billingSrv.URL)
	router := newRelayRouter()

	w := doRelay(t, router, "", `{"model":"claude-sonnet-4-6","messages":[]}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"Missing x-api-key header"}`, w.Body.String())

	w = doRelay(t, router, "not-a-jwt", `{"model":"claude-sonnet-4-6","messages":[]}`, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "Invalid or expired token", body["error"])
	require.NotEmpty(t, body["details"])

	require.Equal(t, 0, capture.calls())
}
