package ratelimit

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/sofatutor/llm-gateway/internal/api"
)

// requestOverhead is a fixed per-request token allowance covering message
// framing and role markers that a plain character count misses.
const requestOverhead = 10

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// messageEncoding lazily loads a tokenizer for estimation. The specific
// encoding matters little here; estimates only feed admission headroom.
func messageEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		tk, err := tiktoken.EncodingForModel("gpt-3.5-turbo")
		if err == nil {
			encoding = tk
		}
	})
	return encoding
}

// EstimateTokens approximates the token cost of a request: the tokenized
// (or, failing that, chars/4) length of all message contents, plus a fixed
// overhead, plus the requested max output tokens. Explicitly supplied
// estimates take precedence.
func EstimateTokens(req api.CompletionRequest) int {
	if req.EstimatedTokens > 0 {
		return req.EstimatedTokens
	}

	total := requestOverhead
	tk := messageEncoding()
	for _, msg := range req.Messages {
		if tk != nil {
			total += len(tk.Encode(msg.Content, nil, nil))
		} else {
			total += len(msg.Content) / 4
		}
	}
	return total + req.MaxTokens
}
