package anthropic

// ModelPricing contains all supported models and their per-million-token USD
// prices. The billable model list is derived from the keys of this map,
// eliminating redundancy.
//
// https://www.anthropic.com/pricing#api
var ModelPricing = map[string]ModelConfig{
	// Claude Instant Models
	"claude-instant-1.2": {Input: 0.8, Output: 2.4, CacheRead: 0.08, CacheWrite: 1.0},

	// Claude 2 Models
	"claude-2.0": {Input: 8, Output: 24, CacheRead: 0.8, CacheWrite: 10},
	"claude-2.1": {Input: 8, Output: 24, CacheRead: 0.8, CacheWrite: 10},

	// Claude 3 Haiku Models
	"claude-3-haiku-20240307":   {Input: 0.25, Output: 1.25, CacheRead: 0.03, CacheWrite: 0.3},
	"claude-3-5-haiku-latest":   {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1.0},
	"claude-3-5-haiku-20241022": {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1.0},

	// Claude 3 Sonnet Models
	"claude-3-sonnet-20240229":   {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-3-5-sonnet-latest":   {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-3-5-sonnet-20240620": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-3-5-sonnet-20241022": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-3-7-sonnet-latest":   {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-3-7-sonnet-20250219": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},

	// Claude 3 Opus Models
	"claude-3-opus-20240229": {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},

	// Claude 4 Opus Models
	"claude-opus-4-20250514":   {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
	"claude-opus-4-1-20250805": {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
	"claude-opus-4-5-20251101": {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
	"claude-opus-4-6":          {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},

	// Claude 4 Sonnet Models
	"claude-sonnet-4-20250514":   {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-sonnet-4-5":          {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-sonnet-4-5-20250929": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-sonnet-4-6":          {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},

	// Claude 4 Haiku Models
	"claude-haiku-4-5":          {Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
	"claude-haiku-4-5-20251001": {Input: 1, Output: 5, CacheRead: 0.1, CacheWrite: 1.25},
}

// DefaultPricing is applied to model ids missing from ModelPricing. Current
// Sonnet pricing is the safest middle-ground assumption for unknown models.
var DefaultPricing = ModelConfig{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}
