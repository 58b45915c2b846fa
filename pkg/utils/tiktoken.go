// Package utils carries small shared helpers: token counting for budget
// accounting and identifier sanitization for git branch and worktree
// names.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"aura/pkg/config"
)

// TokenCounter estimates token counts for a model. Non-OpenAI models are
// approximated with the GPT-4 encoding, which is close enough for rate
// limiting and budget rollups.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter returns a counter for the given catalog model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	var tikModel tokenizer.Model
	switch model {
	case config.ModelOpenAIO3, config.ModelOpenAIO3Mini, config.ModelGPT5:
		tikModel = tokenizer.GPT4
	case config.ModelClaudeSonnet3, config.ModelClaudeSonnet4, config.ModelGeminiFlash:
		tikModel = tokenizer.GPT4
	default:
		tikModel = tokenizer.GPT4
	}

	codec, err := tokenizer.ForModel(tikModel)
	if err != nil {
		return nil, fmt.Errorf("tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the token count of text, falling back to a 4-chars
// per-token estimate if the codec is unavailable.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToTokenLimit trims text to roughly fit the token limit. The cut
// is proportional by characters, not on exact token boundaries.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

var (
	sharedCounter     *TokenCounter
	sharedCounterOnce sync.Once
)

// CountTokensSimple counts tokens with a shared GPT-4 codec. Used where
// a per-model counter is not worth constructing (rate limiter estimates,
// metrics).
func CountTokensSimple(text string) int {
	sharedCounterOnce.Do(func() {
		if c, err := NewTokenCounter(config.ModelGPT5); err == nil {
			sharedCounter = c
		}
	})
	if sharedCounter == nil {
		return len(text) / 4
	}
	return sharedCounter.CountTokens(text)
}
