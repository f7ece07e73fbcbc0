package pricing

import (
	"github.com/songquanpeng/metering-proxy/relay/adaptor/anthropic"
)

// PricingFor resolves the price row for a model id. Lookup is an exact match
// against anthropic.ModelPricing; unknown ids fall back to
// anthropic.DefaultPricing so every observed response stays billable.
func PricingFor(model string) anthropic.ModelConfig {
	if cfg, ok := anthropic.ModelPricing[model]; ok {
		return cfg
	}
	return anthropic.DefaultPricing
}

// Cost computes the USD cost of a single request from its token usage.
// Prices are expressed per million tokens, so the weighted sum is scaled down
// once at the end to keep float error minimal.
func Cost(model string, usage anthropic.Usage) float64 {
	cfg := PricingFor(model)
	total := float64(usage.InputTokens)*cfg.Input +
		float64(usage.OutputTokens)*cfg.Output +
		float64(usage.CacheReadInputTokens)*cfg.CacheRead +
		float64(usage.CacheWriteTokens())*cfg.CacheWrite
	return total / 1_000_000
}
