// Package utils provides small shared helpers.
package utils

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// TokenCounter estimates token counts for session statistics. Counts do not
// need to match any provider's tokenizer exactly; cl100k_base is close enough
// for budgeting across all supported models.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

func (tc *TokenCounter) Model() string {
	return tc.model
}

// EstimateTokens is the cheap fallback: roughly 4 characters per token,
// rounded up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
