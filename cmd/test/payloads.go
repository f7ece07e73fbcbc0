package main

// claudeMessagesPayload builds the request body for one smoke request. The
// proxy forwards bodies verbatim, so this only needs to be a minimal valid
// Messages API request that produces a small, cheap completion.
func claudeMessagesPayload(model string, stream bool, maxTokens int) map[string]any {
	return map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"stream":     stream,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{
						"type": "text",
						"text": "Reply with the single word: pong",
					},
				},
			},
		},
	}
}
