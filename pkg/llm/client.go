// Package llm is the narrow interface to the external text-generation
// capability. The kernel only sees Complete plus the cost estimator; provider
// details stay behind the Client interface.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrTimeout marks a call that exceeded its deadline. Reserved budget is
	// released by the caller; the provider was (possibly) never reached.
	ErrTimeout = errors.New("llm call timed out")
	// ErrProvider marks any other provider-side failure.
	ErrProvider = errors.New("llm provider error")
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is provider-reported token accounting. It may be absent, in which
// case the caller falls back to the estimator.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Request is one completion call.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int64
	Temperature float64
}

// Result is the provider's answer. Cost is set only when the provider
// reports real pricing; Usage only when it reports token counts.
type Result struct {
	Content  string
	Model    string
	Usage    *Usage
	Cost     *float64
	CacheHit bool
}

// Client completes prompts against some provider.
type Client interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// EstimatorVersion names the fallback cost model so reconciliation records
// can say which estimate produced a charge.
const EstimatorVersion = "estimator_v1"

const minEstimatedTokens = 20

// EstimateTokens approximates token count as one token per four characters,
// with a floor so trivial prompts still cost something.
func EstimateTokens(text string) int64 {
	tokens := int64(len(text)) / 4
	if tokens < minEstimatedTokens {
		return minEstimatedTokens
	}
	return tokens
}

// EstimateCost prices an estimated token count, honoring the configured
// per-call floor.
func EstimateCost(tokens int64, pricePer1K, minimumCost float64) float64 {
	cost := float64(tokens) / 1000.0 * pricePer1K
	if cost < minimumCost {
		return minimumCost
	}
	return cost
}
