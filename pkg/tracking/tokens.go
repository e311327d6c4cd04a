package tracking

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

func initTokenEncoder() error {
	encoderOnce.Do(func() {
		// cl100k_base matches the GPT-4 family the tracked clients use.
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// CountTokens counts tokens in a text with tiktoken, falling back to a
// rough characters/4 estimate if the encoder cannot be loaded.
func CountTokens(text string) int {
	if err := initTokenEncoder(); err != nil {
		return estimateTokens(text)
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}

// CountParamsTokens counts tokens in a tool-call parameter map by
// serializing it the way it appears on the wire.
func CountParamsTokens(params map[string]any) int {
	if len(params) == 0 {
		return 0
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return 0
	}
	return CountTokens(string(raw))
}

func estimateTokens(text string) int {
	// Rough estimate: ~4 characters per token
	return len(text) / 4
}

// EstimateCost converts a token count into dollars at a per-1K-token rate.
func EstimateCost(tokens int, costPer1K float64) float64 {
	return float64(tokens) / 1000 * costPer1K
}
