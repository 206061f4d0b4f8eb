package world

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrianMills2718/agent-ecology3/pkg/config"
	"github.com/BrianMills2718/agent-ecology3/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology3/pkg/llm"
)

type fakeLLM struct {
	result  *llm.Result
	err     error
	calls   int
	lastReq llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (*llm.Result, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func float64ptr(v float64) *float64 { return &v }

func callLLM(t *testing.T, w *World, principal, prompt string) Result {
	t.Helper()
	return execute(t, w, principal, map[string]any{
		"action_type": "call_llm",
		"prompt":      prompt,
	})
}

func TestCallLLMChargesReportedCost(t *testing.T) {
	client := &fakeLLM{result: &llm.Result{
		Content: "forty-two",
		Usage:   &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Cost:    float64ptr(0.5),
	}}
	w, _ := newTestWorld(t, nil, WithLLMClient(client))

	res := callLLM(t, w, "alpha_1", "what is the answer?")
	require.True(t, res.Success)
	require.Equal(t, 1, client.calls)
	require.Equal(t, "forty-two", res.Data["content"])
	require.Equal(t, 0.5, res.Data["charged_cost"])
	require.InDelta(t, 1.5, w.Ledger().LLMBudget("alpha_1"), 1e-9)
	require.Equal(t, 119.0, w.Ledger().WindowRemaining("alpha_1", ResourceLLMCalls))

	usage := res.Data["usage"].(map[string]any)
	require.Equal(t, int64(15), usage["total_tokens"])
	require.Equal(t, false, usage["estimated"])
}

func TestCallLLMEstimatorFallback(t *testing.T) {
	// No usage and no cost reported; the reservation stands as the charge.
	client := &fakeLLM{result: &llm.Result{Content: "ok"}}
	w, _ := newTestWorld(t, nil, WithLLMClient(client))

	res := callLLM(t, w, "alpha_1", "hi")
	require.True(t, res.Success)

	estTokens := llm.EstimateTokens("hi")
	estCost := llm.EstimateCost(estTokens, w.Config().LLM.PricePer1KTokens, w.Config().LLM.MinimumCallCost)
	require.Equal(t, estCost, res.Data["charged_cost"])
	require.Equal(t, true, res.Data["cost_estimated"])
	require.InDelta(t, 2.0-estCost, w.Ledger().LLMBudget("alpha_1"), 1e-9)

	usage := res.Data["usage"].(map[string]any)
	require.Equal(t, estTokens, usage["total_tokens"])
	require.Equal(t, true, usage["estimated"])
}

func TestCallLLMCacheHitIsFree(t *testing.T) {
	client := &fakeLLM{result: &llm.Result{Content: "cached", CacheHit: true}}
	w, _ := newTestWorld(t, nil, WithLLMClient(client))

	res := callLLM(t, w, "alpha_1", "same prompt again")
	require.True(t, res.Success)
	require.Equal(t, 0.0, res.Data["charged_cost"])
	require.Equal(t, true, res.Data["cache_hit"])
	require.Equal(t, 2.0, w.Ledger().LLMBudget("alpha_1"))
	require.Equal(t, 120.0, w.Ledger().WindowRemaining("alpha_1", ResourceLLMCalls),
		"cache hits give the call slot back")
}

func TestCallLLMProviderErrorRefunds(t *testing.T) {
	client := &fakeLLM{err: llm.ErrProvider}
	w, _ := newTestWorld(t, nil, WithLLMClient(client))

	res := callLLM(t, w, "alpha_1", "hello")
	require.False(t, res.Success)
	require.Equal(t, CodeProviderError, res.Code)
	require.True(t, res.Retriable)
	require.Equal(t, 2.0, w.Ledger().LLMBudget("alpha_1"))
	require.Equal(t, 120.0, w.Ledger().WindowRemaining("alpha_1", ResourceLLMCalls))
	require.Equal(t, 200000.0, w.Ledger().WindowRemaining("alpha_1", ResourceLLMTokens))
}

func TestCallLLMTimeoutCode(t *testing.T) {
	client := &fakeLLM{err: llm.ErrTimeout}
	w, _ := newTestWorld(t, nil, WithLLMClient(client))

	res := callLLM(t, w, "alpha_1", "hello")
	require.False(t, res.Success)
	require.Equal(t, CodeLLMTimeout, res.Code)
	require.True(t, res.Retriable)
	require.Equal(t, 2.0, w.Ledger().LLMBudget("alpha_1"))
}

func TestCallLLMNoClientConfigured(t *testing.T) {
	w, _ := newTestWorld(t, nil)
	res := callLLM(t, w, "alpha_1", "anyone there?")
	require.False(t, res.Success)
	require.Equal(t, CodeProviderError, res.Code)
	require.Equal(t, 2.0, w.Ledger().LLMBudget("alpha_1"), "reservation refunded")
}

func TestCallLLMInsufficientBudget(t *testing.T) {
	client := &fakeLLM{result: &llm.Result{Content: "x"}}
	w, _ := newTestWorld(t, nil, WithLLMClient(client))
	w.Ledger().SetResource("alpha_1", ledger.ResourceLLMBudget, 0)

	res := callLLM(t, w, "alpha_1", "hello")
	require.False(t, res.Success)
	require.Equal(t, CodeInsufficientFunds, res.Code)
	require.Equal(t, 0, client.calls, "provider is never reached")
}

func TestCallLLMRateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.Resources.RateLimits.LLMCallsPerWindow = 1
	client := &fakeLLM{result: &llm.Result{Content: "x"}}
	w, _ := newTestWorld(t, cfg, WithLLMClient(client))

	res := callLLM(t, w, "alpha_1", "first")
	require.True(t, res.Success)
	budgetAfterFirst := w.Ledger().LLMBudget("alpha_1")

	res = callLLM(t, w, "alpha_1", "second")
	require.False(t, res.Success)
	require.Equal(t, CodeRateExceeded, res.Code)
	require.True(t, res.Retriable)
	require.Greater(t, res.Data["retry_after_seconds"].(float64), 0.0)
	require.Equal(t, 1, client.calls)
	// The failed attempt must not leak budget.
	require.InDelta(t, budgetAfterFirst, w.Ledger().LLMBudget("alpha_1"), 1e-9)
}

func TestCallLLMUnderchargeRecorded(t *testing.T) {
	client := &fakeLLM{result: &llm.Result{
		Content: "expensive answer",
		Usage:   &llm.Usage{PromptTokens: 100, CompletionTokens: 100, TotalTokens: 200},
		Cost:    float64ptr(0.5),
	}}
	w, _ := newTestWorld(t, nil, WithLLMClient(client))
	w.Ledger().SetResource("alpha_1", ledger.ResourceLLMBudget, 0.001)

	res := callLLM(t, w, "alpha_1", "hi")
	require.True(t, res.Success)
	require.InDelta(t, 0.001, res.Data["charged_cost"].(float64), 1e-9)
	require.InDelta(t, 0.499, res.Data["undercharged_cost"].(float64), 1e-9)
	require.InDelta(t, 0.0, w.Ledger().LLMBudget("alpha_1"), 1e-9)
}

func TestCallLLMModelAllowlist(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.AllowedModels = []string{"gpt-4o-mini"}
	client := &fakeLLM{result: &llm.Result{Content: "x"}}
	w, _ := newTestWorld(t, cfg, WithLLMClient(client))

	res := execute(t, w, "alpha_1", map[string]any{
		"action_type": "call_llm",
		"prompt":      "hello",
		"model":       "some-other-model",
	})
	require.False(t, res.Success)
	require.Equal(t, "model_not_allowed", res.Code)
	require.Equal(t, 0, client.calls)

	res = callLLM(t, w, "alpha_1", "hello")
	require.True(t, res.Success, "default model passes the allowlist")
}

func TestCallLLMDirectAppendsSyscallEvent(t *testing.T) {
	client := &fakeLLM{result: &llm.Result{Content: "direct"}}
	w, _ := newTestWorld(t, nil, WithLLMClient(client))

	out, err := w.CallLLM(context.Background(), "alpha_1", "", []llm.Message{
		{Role: "system", Content: "you are a test"},
		{Role: "user", Content: "ping"},
	})
	require.NoError(t, err)
	require.Equal(t, true, out["success"])
	require.Equal(t, "direct", out["content"])
	require.EqualValues(t, 1, w.Events().CountType("llm_syscall"))
	require.Equal(t, "gpt-4o-mini", client.lastReq.Model)
	require.NoError(t, w.Events().VerifyChain())
}

func TestCallLLMNestedThroughKernelAct(t *testing.T) {
	client := &fakeLLM{result: &llm.Result{Content: "nested"}}
	w, _ := newTestWorld(t, nil, WithLLMClient(client))

	res := execute(t, w, "alpha_1", map[string]any{
		"action_type": "invoke_artifact",
		"artifact_id": "kernel_act",
		"method":      "act",
		"args": []any{map[string]any{
			"action_type": "call_llm",
			"prompt":      "think",
		}},
	})
	require.True(t, res.Success)
	require.Equal(t, 1, client.calls)
	require.Less(t, w.Ledger().LLMBudget("alpha_1"), 2.0)
}

func TestCallLLMTokenReconciliation(t *testing.T) {
	// The provider reports far fewer tokens than the estimate; the window
	// gets the difference back.
	prompt := "this prompt is long enough that the estimator reserves well over the actual usage reported below"
	estTokens := llm.EstimateTokens(prompt)
	client := &fakeLLM{result: &llm.Result{
		Content: "short",
		Usage:   &llm.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3},
		Cost:    float64ptr(0.01),
	}}
	w, _ := newTestWorld(t, nil, WithLLMClient(client))

	res := callLLM(t, w, "alpha_1", prompt)
	require.True(t, res.Success)
	require.Greater(t, estTokens, int64(3))
	require.Equal(t, 200000.0-3.0, w.Ledger().WindowRemaining("alpha_1", ResourceLLMTokens))
}
