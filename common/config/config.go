package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/songquanpeng/metering-proxy/common/env"
)

var (
	// AnthropicAPIKey is the shared upstream key injected as x-api-key on every forwarded request.
	AnthropicAPIKey = strings.TrimSpace(env.String("ANTHROPIC_API_KEY", ""))
	// AnthropicBaseURL overrides the upstream Messages API origin, mainly for tests and regional mirrors.
	AnthropicBaseURL = strings.TrimSuffix(strings.TrimSpace(env.String("ANTHROPIC_BASE_URL", "https://api.anthropic.com")), "/")

	// JWTSecret is the HS256 secret used to verify client bearer tokens.
	JWTSecret = strings.TrimSpace(env.String("JWT_SECRET", ""))

	// DomesticAPIURL is the base URL of the billing service that owns balances and usage records.
	DomesticAPIURL = strings.TrimSuffix(strings.TrimSpace(env.String("DOMESTIC_API_URL", "")), "/")

	// ServerPort overrides the --port flag when running inside container or PaaS environments.
	ServerPort = strings.TrimSpace(env.String("PORT", ""))
	// GinMode allows forcing Gin into release mode (or other modes) without recompiling.
	GinMode = strings.TrimSpace(env.String("GIN_MODE", ""))

	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)

	// BalanceFreshTTL is how long a fetched balance snapshot stays authoritative without a refetch.
	BalanceFreshTTL = secondsDuration("BALANCE_FRESH_TTL_SECONDS", 120)
	// BalanceStaleTTL is the additional grace window during which a stale snapshot may
	// still admit requests while the billing service is unreachable.
	BalanceStaleTTL = secondsDuration("BALANCE_STALE_TTL_SECONDS", 600)
	// BalanceJanitorInterval controls how often fully expired balance snapshots are evicted.
	BalanceJanitorInterval = secondsDuration("BALANCE_JANITOR_INTERVAL_SECONDS", 300)
	// BalanceCheckFields lists the snapshot fields (comma separated) consulted by the
	// usable-balance predicate. Any listed field greater than zero admits the request.
	BalanceCheckFields = strings.TrimSpace(env.String("BALANCE_CHECK_FIELDS", "claudeBalance,freeTokens"))

	// MaxFailedReports caps the in-memory retry queue for failed usage reports; the oldest entry is dropped on overflow.
	MaxFailedReports = func() int {
		v := env.Int("MAX_FAILED_REPORTS", 1000)
		if v <= 0 {
			panic("MAX_FAILED_REPORTS must be positive")
		}
		return v
	}()
	// ReportMaxRetries bounds how many times a failed usage report is retried before being dropped.
	ReportMaxRetries = env.Int("REPORT_MAX_RETRIES", 3)
	// ReportBaseRetryInterval is the first retry delay; subsequent retries double it.
	ReportBaseRetryInterval = time.Duration(env.Int("REPORT_BASE_RETRY_MS", 30_000)) * time.Millisecond
	// ReportRetryScanInterval controls how often the retry queue is scanned for due entries.
	ReportRetryScanInterval = time.Duration(env.Int("REPORT_RETRY_SCAN_INTERVAL_MS", 30_000)) * time.Millisecond

	// RelayTimeout bounds upstream HTTP requests (seconds) before aborting them; 0 disables the limit for streaming.
	RelayTimeout = env.Int("RELAY_TIMEOUT", 0)
	// RelayProxy provides an HTTP proxy for outbound requests to the upstream API.
	RelayProxy = env.String("RELAY_PROXY", "")
	// BillingTimeout bounds billing service calls (seconds); billing must answer fast or we fall back to cache.
	BillingTimeout = env.Int("BILLING_TIMEOUT", 5)
	// BillingDegradedThreshold is the number of consecutive billing fetch failures
	// before the service is reported as degraded.
	BillingDegradedThreshold = env.Int("BILLING_DEGRADED_THRESHOLD", 3)

	// ShutdownTimeoutSec specifies the graceful shutdown timeout (seconds) for the HTTP server and background workers.
	ShutdownTimeoutSec = env.Int("SHUTDOWN_TIMEOUT", 60)

	// EnablePrometheusMetrics exposes the /metrics endpoint for Prometheus scrapers when true.
	EnablePrometheusMetrics = env.Bool("ENABLE_PROMETHEUS_METRICS", true)

	// RedisConnString defines the Redis connection string; leaving it empty disables the shared snapshot tier.
	RedisConnString = strings.TrimSpace(env.String("REDIS_CONN_STRING", ""))
	// RedisMasterName enables Redis sentinel/cluster discovery when provided.
	RedisMasterName = strings.TrimSpace(env.String("REDIS_MASTER_NAME", ""))
	// RedisPassword supplies the Redis authentication password when required.
	RedisPassword = env.String("REDIS_PASSWORD", "")

	// OnlyOneLogFile merges all rotated logs into a single file when true.
	OnlyOneLogFile = env.Bool("ONLY_ONE_LOG_FILE", false)

	// LogRetentionDays determines how many days logs are kept before the retention worker purges them (0 disables cleanup).
	LogRetentionDays = func() int {
		v := env.Int("LOG_RETENTION_DAYS", 0)
		if v < 0 {
			return 0
		}
		return v
	}()

	// LogPushAPI defines the webhook endpoint for escalated log alerts.
	LogPushAPI = env.String("LOG_PUSH_API", "")
	// LogPushType labels outbound log alerts so downstream processors can route them.
	LogPushType = env.String("LOG_PUSH_TYPE", "")
	// LogPushToken authenticates outbound log alert requests.
	LogPushToken = env.String("LOG_PUSH_TOKEN", "")

	// SmokeTestAPIBase configures the proxy base URL used by the cmd/test smoke tester.
	SmokeTestAPIBase = strings.TrimSpace(env.String("API_BASE", ""))
	// SmokeTestToken supplies a ready-made bearer token for the cmd/test smoke tester;
	// when empty the tester mints one from JWT_SECRET.
	SmokeTestToken = strings.TrimSpace(env.String("API_TOKEN", ""))
	// SmokeTestModel selects the model name the cmd/test smoke tester sends.
	SmokeTestModel = strings.TrimSpace(env.String("SMOKE_TEST_MODEL", "claude-sonnet-4-6"))
	// SmokeTestRequests sets how many requests per variant the cmd/test smoke tester fires.
	SmokeTestRequests = env.Int("SMOKE_TEST_REQUESTS", 4)
	// SmokeTestConcurrency bounds how many smoke test requests run in parallel.
	SmokeTestConcurrency = env.Int("SMOKE_TEST_CONCURRENCY", 2)
)

func secondsDuration(name string, defaultSeconds int) time.Duration {
	v := env.Int(name, defaultSeconds)
	if v < 0 {
		panic(fmt.Sprintf("%s must not be negative", name))
	}
	return time.Duration(v) * time.Second
}

// UsableBalanceFields returns the normalized field names consulted by the
// usable-balance predicate, parsed from BalanceCheckFields.
func UsableBalanceFields() []string {
	parts := strings.Split(BalanceCheckFields, ",")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			fields = append(fields, p)
		}
	}
	return fields
}

// ValidateStartup reports the first missing required configuration value.
// The caller is expected to abort startup on error.
func ValidateStartup() error {
	switch {
	case AnthropicAPIKey == "":
		return errors.New("ANTHROPIC_API_KEY is required")
	case JWTSecret == "":
		return errors.New("JWT_SECRET is required")
	case DomesticAPIURL == "":
		return errors.New("DOMESTIC_API_URL is required")
	}
	return nil
}
