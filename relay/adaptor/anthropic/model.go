package anthropic

// Request is the slice of the Messages API request body the proxy actually
// inspects. The full body is forwarded to the upstream verbatim, so every
// field not listed here passes through untouched.
type Request struct {
	Model  string `json:"model"`
	Stream *bool  `json:"stream,omitempty"`
}

// Error is the error object Anthropic embeds both in non-2xx JSON bodies and
// in SSE events of type "error".
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// CacheCreation breaks cache-write tokens down by cache TTL bucket. Newer API
// versions report this nested object alongside (or instead of) the legacy flat
// cache_creation_input_tokens counter.
type CacheCreation struct {
	Ephemeral5mInputTokens int `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens int `json:"ephemeral_1h_input_tokens"`
}

// Usage carries the token accounting attached to a message. In streaming
// responses the input-side counters arrive on message_start while the
// output-side counters arrive on message_delta events.
type Usage struct {
	InputTokens              int            `json:"input_tokens"`
	OutputTokens             int            `json:"output_tokens"`
	CacheReadInputTokens     int            `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int            `json:"cache_creation_input_tokens,omitempty"`
	CacheCreation            *CacheCreation `json:"cache_creation,omitempty"`
	ServiceTier              string         `json:"service_tier,omitempty"`
}

// CacheWriteTokens returns the effective cache-write token count. The nested
// per-TTL breakdown wins when present; otherwise the legacy flat counter is
// used.
func (u Usage) CacheWriteTokens() int {
	if u.CacheCreation != nil {
		return u.CacheCreation.Ephemeral5mInputTokens + u.CacheCreation.Ephemeral1hInputTokens
	}
	return u.CacheCreationInputTokens
}

// TotalTokens sums every billable token class.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheWriteTokens()
}

// Response is the subset of a non-streaming Messages API response the proxy
// reads for metering. Content blocks are deliberately left unmodeled; the
// proxy never interprets them.
type Response struct {
	Id           string  `json:"id"`
	Type         string  `json:"type"`
	Role         string  `json:"role,omitempty"`
	Model        string  `json:"model,omitempty"`
	StopReason   *string `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
	Usage        Usage   `json:"usage"`
	Error        Error   `json:"error,omitempty"`
}

// Delta carries the terminal fields of a message_delta event.
type Delta struct {
	StopReason   *string `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// DeltaUsage is the usage object attached to message_delta events. Counters
// are cumulative running totals, and an absent field means the total is
// unchanged, so pointers are needed to tell "absent" apart from zero.
type DeltaUsage struct {
	InputTokens              *int `json:"input_tokens,omitempty"`
	OutputTokens             *int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens,omitempty"`
}

// StreamResponse is the envelope of a single SSE data payload. Which fields
// are populated depends on Type: message_start carries Message, message_delta
// carries Delta plus Usage, and error events carry Error.
type StreamResponse struct {
	Type      string      `json:"type"`
	Index     int         `json:"index,omitempty"`
	Message   *Response   `json:"message,omitempty"`
	Delta     *Delta      `json:"delta,omitempty"`
	Usage     *DeltaUsage `json:"usage,omitempty"`
	Error     Error       `json:"error,omitempty"`
	RequestId string      `json:"request_id,omitempty"`
}

// ModelConfig holds the USD price per million tokens for one model, split by
// token class.
type ModelConfig struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}
