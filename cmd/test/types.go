package main

import "time"

// requestVariant describes one permutation of the /v1/messages smoke request.
type requestVariant struct {
	// Key identifies the variant in results and report rows.
	Key string
	// Header is the human-readable label shown in logs and the summary table.
	Header string
	// Stream selects the SSE path when true, the buffered JSON path otherwise.
	Stream bool
}

// requestVariants lists the permutations each sweep exercises. Both paths go
// through the same endpoint; only the "stream" flag in the body differs.
var requestVariants = []requestVariant{
	{Key: "messages_stream_false", Header: "Messages (stream=false)", Stream: false},
	{Key: "messages_stream_true", Header: "Messages (stream=true)", Stream: true},
}

// testResult captures the outcome of a single smoke request.
type testResult struct {
	Variant    string
	Label      string
	Stream     bool
	Success    bool
	StatusCode int
	// Duration is the full request wall time, including draining the body.
	Duration time.Duration
	// FirstEvent is the latency to the first streamed byte. Zero for
	// non-streaming requests.
	FirstEvent   time.Duration
	Model        string
	InputTokens  int
	OutputTokens int
	ErrorReason  string
	ResponseBody string
}
