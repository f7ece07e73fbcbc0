package billing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	gocache "github.com/patrickmn/go-cache"

	"github.com/songquanpeng/metering-proxy/common"
	"github.com/songquanpeng/metering-proxy/common/client"
	"github.com/songquanpeng/metering-proxy/common/config"
	"github.com/songquanpeng/metering-proxy/common/logger"
	"github.com/songquanpeng/metering-proxy/common/metrics"
	"github.com/songquanpeng/metering-proxy/monitor"
)

// BalanceSnapshot holds one user's spendable allowances as last reported by
// the billing service. FreshUntil marks the end of the authoritative window;
// past it the snapshot only serves as grace-window fallback while the billing
// service is unreachable.
type BalanceSnapshot struct {
	Balance            float64   `json:"balance"`
	FreeTokens         float64   `json:"freeTokens"`
	TotalAvailable     float64   `json:"totalAvailable"`
	DailyFreeTokens    float64   `json:"dailyFreeTokens"`
	SubscriptionTokens float64   `json:"subscriptionTokens"`
	ClaudeBalance      float64   `json:"claudeBalance"`
	FreshUntil         time.Time `json:"freshUntil"`
}

// BalanceResult is the gate decision handed to the request handler.
// ServiceUnavailable distinguishes "we know the user has no balance" from "we
// cannot know right now", which map to 402 and 503 respectively.
type BalanceResult struct {
	Balance            float64
	FreeTokens         float64
	OK                 bool
	ServiceUnavailable bool
}

// balanceCache is the process-wide snapshot store. Snapshots are kept for the
// full fresh+stale horizon; the go-cache janitor evicts anything older.
// Freshness within that horizon is tracked by the in-value FreshUntil.
var balanceCache = gocache.New(
	config.BalanceFreshTTL+config.BalanceStaleTTL,
	config.BalanceJanitorInterval,
)

// CheckBalance decides whether userId may spend right now.
//
// A snapshot still inside its fresh window answers without any network call.
// Otherwise the billing service is queried and the cache refreshed; if that
// fails, any snapshot still inside the stale grace window answers instead,
// and only when there is nothing cached at all does the check fail closed
// with ServiceUnavailable set.
func CheckBalance(ctx context.Context, userId string, credential string) BalanceResult {
	now := time.Now()
	if snap, ok := lookupSnapshot(userId); ok && snap.FreshUntil.After(now) {
		metrics.GlobalRecorder.RecordBalanceCacheLookup("fresh")
		return snapshotResult(snap)
	}

	snap, err := fetchBalance(ctx, credential)
	if err != nil {
		if prev, ok := lookupSnapshot(userId); ok {
			logger.Logger.Warn("billing service unreachable, serving stale balance snapshot",
				zap.String("user_id", userId),
				zap.Time("fresh_until", prev.FreshUntil),
				zap.Error(err))
			metrics.GlobalRecorder.RecordBalanceCacheLookup("stale")
			return snapshotResult(prev)
		}
		logger.Logger.Error("billing service unreachable with no cached balance inside grace window",
			zap.String("user_id", userId),
			zap.Error(err))
		metrics.GlobalRecorder.RecordBalanceCacheLookup("miss")
		return BalanceResult{OK: false, ServiceUnavailable: true}
	}

	snap.FreshUntil = now.Add(config.BalanceFreshTTL)
	storeSnapshot(userId, snap)
	metrics.GlobalRecorder.RecordBalanceCacheLookup("refresh")
	return snapshotResult(snap)
}

// InvalidateBalance marks the user's snapshot as just-expired while keeping
// it inside the stale grace window, so the next check refetches when the
// billing service is healthy but still has a fallback when it is not.
func InvalidateBalance(userId string) {
	now := time.Now()
	if v, ok := balanceCache.Get(userId); ok {
		snap := v.(BalanceSnapshot)
		snap.FreshUntil = now
		balanceCache.Set(userId, snap, config.BalanceStaleTTL)
	}
	if common.IsRedisEnabled() {
		if snap, ok := redisLookup(userId); ok && snap.FreshUntil.After(now) {
			snap.FreshUntil = now
			writeRedisMirror(userId, snap, config.BalanceStaleTTL)
		}
	}
}

// SeedSnapshot inserts a snapshot directly, bypassing the billing service.
// The entry lives until FreshUntil plus the stale grace window; snapshots
// already past that horizon are ignored.
func SeedSnapshot(userId string, snap BalanceSnapshot) {
	ttl := time.Until(snap.FreshUntil) + config.BalanceStaleTTL
	if ttl <= 0 {
		return
	}
	balanceCache.Set(userId, snap, ttl)
}

// ResetBalanceCache drops every cached snapshot. Tests only.
func ResetBalanceCache() {
	balanceCache.Flush()
}

func snapshotResult(snap BalanceSnapshot) BalanceResult {
	return BalanceResult{
		Balance:    snap.Balance,
		FreeTokens: snap.FreeTokens,
		OK:         usable(snap),
	}
}

// usable implements the spendability predicate: any configured snapshot field
// greater than zero admits the request.
func usable(snap BalanceSnapshot) bool {
	for _, field := range config.UsableBalanceFields() {
		if snap.field(field) > 0 {
			return true
		}
	}
	return false
}

func (s BalanceSnapshot) field(name string) float64 {
	switch name {
	case "balance":
		return s.Balance
	case "freeTokens":
		return s.FreeTokens
	case "claudeBalance":
		return s.ClaudeBalance
	case "totalAvailable":
		return s.TotalAvailable
	case "dailyFreeTokens":
		return s.DailyFreeTokens
	case "subscriptionTokens":
		return s.SubscriptionTokens
	}
	return 0
}

// lookupSnapshot consults local memory first and, on a complete local miss,
// the optional Redis tier shared across replicas. Redis hits are re-homed
// locally so subsequent checks stay in memory.
func lookupSnapshot(userId string) (BalanceSnapshot, bool) {
	if v, ok := balanceCache.Get(userId); ok {
		return v.(BalanceSnapshot), true
	}
	if snap, ok := redisLookup(userId); ok {
		SeedSnapshot(userId, snap)
		return snap, true
	}
	return BalanceSnapshot{}, false
}

func storeSnapshot(userId string, snap BalanceSnapshot) {
	horizon := config.BalanceFreshTTL + config.BalanceStaleTTL
	balanceCache.Set(userId, snap, horizon)
	writeRedisMirror(userId, snap, horizon)
}

func balanceKey(userId string) string {
	return "billing:balance:" + userId
}

func redisLookup(userId string) (BalanceSnapshot, bool) {
	if !common.IsRedisEnabled() {
		return BalanceSnapshot{}, false
	}
	raw, err := common.RedisGet(balanceKey(userId))
	if err != nil {
		return BalanceSnapshot{}, false
	}
	var snap BalanceSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		logger.Logger.Warn("discarding malformed balance snapshot from redis",
			zap.String("user_id", userId), zap.Error(err))
		return BalanceSnapshot{}, false
	}
	// Entries beyond the grace horizon are unusable regardless of Redis TTL.
	if !snap.FreshUntil.Add(config.BalanceStaleTTL).After(time.Now()) {
		return BalanceSnapshot{}, false
	}
	return snap, true
}

func writeRedisMirror(userId string, snap BalanceSnapshot, ttl time.Duration) {
	if !common.IsRedisEnabled() {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		logger.Logger.Warn("failed to serialize balance snapshot for redis",
			zap.String("user_id", userId), zap.Error(err))
		return
	}
	if err := common.RedisSet(balanceKey(userId), string(raw), ttl); err != nil {
		logger.Logger.Warn("failed to mirror balance snapshot to redis",
			zap.String("user_id", userId), zap.Error(err))
	}
}

// fetchBalance asks the billing service for the caller's current balance,
// authenticated with the end user's own bearer credential.
func fetchBalance(ctx context.Context, credential string) (BalanceSnapshot, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		config.DomesticAPIURL+"/api/billing/balance", nil)
	if err != nil {
		return BalanceSnapshot{}, errors.Wrap(err, "build balance request")
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.ImpatientHTTPClient.Do(req)
	if err != nil {
		metrics.GlobalRecorder.RecordBillingOperation(start, "balance_fetch", false)
		monitor.Emit(false)
		return BalanceSnapshot{}, errors.Wrap(err, "fetch balance")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.GlobalRecorder.RecordBillingOperation(start, "balance_fetch", false)
		monitor.Emit(false)
		return BalanceSnapshot{}, errors.Wrap(err, "read balance response")
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		metrics.GlobalRecorder.RecordBillingOperation(start, "balance_fetch", false)
		monitor.Emit(false)
		return BalanceSnapshot{}, errors.Errorf("balance endpoint returned status %d: %s",
			resp.StatusCode, truncateBody(body))
	}

	// Missing numeric fields decode to zero, matching the contract that an
	// absent allowance means none.
	var snap BalanceSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		metrics.GlobalRecorder.RecordBillingOperation(start, "balance_fetch", false)
		monitor.Emit(false)
		return BalanceSnapshot{}, errors.Wrap(err, "decode balance response")
	}

	metrics.GlobalRecorder.RecordBillingOperation(start, "balance_fetch", true)
	monitor.Emit(true)
	return snap, nil
}

func truncateBody(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
