package streaming

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/Laisky/errors/v2"

	"github.com/songquanpeng/metering-proxy/relay/adaptor/anthropic"
)

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// UsageExtractor tees an SSE response stream: every chunk is handed to the
// downstream writer untouched, then scanned line-wise for Anthropic usage
// events. Token counters accumulate across events so the final snapshot can be
// billed after the stream ends.
//
// A response stream is consumed by a single goroutine, so the extractor does
// no locking. Usage and Model must only be called after the copy loop is done.
type UsageExtractor struct {
	downstream io.Writer

	// rest holds the trailing partial line carried over between chunks.
	rest  []byte
	usage anthropic.Usage
	model string
}

// NewUsageExtractor wraps the downstream writer the response bytes are relayed
// to, typically the client connection.
func NewUsageExtractor(downstream io.Writer) *UsageExtractor {
	return &UsageExtractor{downstream: downstream}
}

// Write relays one upstream chunk. Bytes go downstream first so parsing never
// delays delivery; parsing then runs on the same chunk regardless of how much
// the downstream accepted, because the upstream has already generated (and
// will bill for) those tokens.
func (e *UsageExtractor) Write(p []byte) (int, error) {
	n, err := e.downstream.Write(p)
	e.feed(p)
	if err != nil {
		return n, errors.Wrap(err, "relay stream chunk downstream")
	}
	return n, nil
}

// Finish flushes the residual partial line through the parser. Call it once
// after the upstream body is drained.
func (e *UsageExtractor) Finish() {
	if len(e.rest) > 0 {
		e.parseLine(e.rest)
		e.rest = nil
	}
}

// Usage returns the token counts observed so far.
func (e *UsageExtractor) Usage() anthropic.Usage {
	return e.usage
}

// Model returns the model id announced by the upstream, or "" when no
// message_start event carried one.
func (e *UsageExtractor) Model() string {
	return e.model
}

// feed appends the chunk to the carry-over buffer and parses every complete
// line. The last fragment after the final newline is retained for the next
// chunk, which keeps events split across chunk boundaries intact.
func (e *UsageExtractor) feed(p []byte) {
	if len(p) == 0 {
		return
	}
	combined := append(e.rest, p...)
	lines := bytes.Split(combined, []byte("\n"))
	for _, line := range lines[:len(lines)-1] {
		e.parseLine(line)
	}
	// Own the tail; combined may alias the caller's chunk buffer.
	e.rest = append([]byte(nil), lines[len(lines)-1]...)
}

func (e *UsageExtractor) parseLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(line, dataPrefix))
	if len(payload) == 0 || bytes.Equal(payload, doneSentinel) {
		return
	}
	var event anthropic.StreamResponse
	if err := json.Unmarshal(payload, &event); err != nil {
		// Not every data line is JSON we understand; metering keeps whatever
		// it has extracted so far and the relay is never interrupted.
		return
	}
	e.apply(event)
}

func (e *UsageExtractor) apply(event anthropic.StreamResponse) {
	switch event.Type {
	case "message_start":
		if event.Message == nil {
			return
		}
		u := event.Message.Usage
		e.usage.InputTokens = u.InputTokens
		e.usage.CacheReadInputTokens = u.CacheReadInputTokens
		e.usage.CacheCreationInputTokens = u.CacheCreationInputTokens
		e.usage.CacheCreation = u.CacheCreation
		if event.Message.Model != "" {
			e.model = event.Message.Model
		}
	case "message_delta":
		du := event.Usage
		if du == nil {
			return
		}
		// Delta counters are running totals. Overwrite whatever is present
		// and leave absent fields alone.
		if du.OutputTokens != nil {
			e.usage.OutputTokens = *du.OutputTokens
		}
		if du.InputTokens != nil {
			e.usage.InputTokens = *du.InputTokens
		}
		if du.CacheReadInputTokens != nil {
			e.usage.CacheReadInputTokens = *du.CacheReadInputTokens
		}
		if du.CacheCreationInputTokens != nil {
			e.usage.CacheCreationInputTokens = *du.CacheCreationInputTokens
		}
	}
}
