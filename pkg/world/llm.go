package world

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrianMills2718/agent-ecology3/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology3/pkg/llm"
)

type llmCall struct {
	payer     string
	model     string
	messages  []llm.Message
	maxTokens int64
}

// CallLLM is the metered LLM syscall used by the loop driver: reserve
// estimated budget and window capacity, call the provider off-lock, then
// reconcile to actuals. It appends one llm_syscall event; the returned error
// is fatal (event log failure).
func (w *World) CallLLM(ctx context.Context, payer, model string, messages []llm.Message) (map[string]any, error) {
	out := w.syscallLLM(ctx, llmCall{payer: payer, model: model, messages: messages}, false)

	payload := map[string]any{"payer_id": payer, "model": out["model"]}
	for _, key := range []string{"success", "charged_cost", "cost", "cache_hit", "undercharged_cost", "duration_ms", "usage", "error", "error_code"} {
		if v, present := out[key]; present {
			payload[key] = v
		}
	}
	if _, err := w.log.Append("llm_syscall", payer, payload); err != nil {
		return out, fmt.Errorf("world: log llm syscall: %w", err)
	}
	return out, nil
}

// syscallLLM implements the three-phase metered call. When locked is true
// the caller already holds the world lock and the provider call runs under
// it (the nested kernel_act path); otherwise the lock is dropped for the
// duration of the provider call.
func (w *World) syscallLLM(ctx context.Context, call llmCall, locked bool) map[string]any {
	lock := func() {
		if !locked {
			w.mu.Lock()
		}
	}
	unlock := func() {
		if !locked {
			w.mu.Unlock()
		}
	}

	model := call.model
	if model == "" {
		model = w.cfg.LLM.DefaultModel
	}
	if len(w.cfg.LLM.AllowedModels) > 0 && !containsString(w.cfg.LLM.AllowedModels, model) {
		return map[string]any{
			"success":    false,
			"model":      model,
			"error":      fmt.Sprintf("model %q is not allowed", model),
			"error_code": "model_not_allowed",
		}
	}

	var prompt strings.Builder
	for _, m := range call.messages {
		prompt.WriteString(m.Content)
	}
	estimatedTokens := llm.EstimateTokens(prompt.String())
	estimatedCost := llm.EstimateCost(estimatedTokens, w.cfg.LLM.PricePer1KTokens, w.cfg.LLM.MinimumCallCost)

	// Phase 1: reserve under lock.
	lock()
	if !w.led.CanAffordLLMCall(call.payer, estimatedCost) {
		budget := w.led.LLMBudget(call.payer)
		unlock()
		return map[string]any{
			"success":        false,
			"model":          model,
			"error":          "insufficient llm_budget",
			"error_code":     CodeInsufficientFunds,
			"estimated_cost": estimatedCost,
			"budget":         budget,
		}
	}
	if !w.led.SpendResource(call.payer, ledger.ResourceLLMBudget, estimatedCost) {
		unlock()
		return map[string]any{
			"success":    false,
			"model":      model,
			"error":      "failed to reserve llm_budget",
			"error_code": CodeInsufficientFunds,
		}
	}
	if !w.led.ConsumeWindow(call.payer, ResourceLLMCalls, 1) {
		w.led.CreditResource(call.payer, ledger.ResourceLLMBudget, estimatedCost)
		retry := w.led.WindowRetryAfter(call.payer, ResourceLLMCalls, 1)
		unlock()
		return map[string]any{
			"success":             false,
			"model":               model,
			"error":               "llm_calls rate limit exceeded",
			"error_code":          CodeRateExceeded,
			"retry_after_seconds": retry.Seconds(),
		}
	}
	if !w.led.ConsumeWindow(call.payer, ResourceLLMTokens, float64(estimatedTokens)) {
		w.led.RefundWindow(call.payer, ResourceLLMCalls, 1)
		w.led.CreditResource(call.payer, ledger.ResourceLLMBudget, estimatedCost)
		retry := w.led.WindowRetryAfter(call.payer, ResourceLLMTokens, float64(estimatedTokens))
		unlock()
		return map[string]any{
			"success":             false,
			"model":               model,
			"error":               "llm_tokens rate limit exceeded",
			"error_code":          CodeRateExceeded,
			"retry_after_seconds": retry.Seconds(),
		}
	}
	unlock()

	// Phase 2: provider call, off-lock unless nested.
	start := time.Now()
	var (
		result *llm.Result
		err    error
	)
	if w.llmClient == nil {
		err = errNoLLMClient
	} else {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.LLM.TimeoutSeconds)*time.Second)
		result, err = w.llmClient.Complete(callCtx, llm.Request{
			Model:     model,
			Messages:  call.messages,
			MaxTokens: call.maxTokens,
		})
		cancel()
	}
	durationMS := float64(time.Since(start)) / float64(time.Millisecond)

	// Phase 3: reconcile under lock.
	lock()
	defer unlock()

	if err != nil {
		w.led.RefundWindow(call.payer, ResourceLLMCalls, 1)
		w.led.RefundWindow(call.payer, ResourceLLMTokens, float64(estimatedTokens))
		w.led.CreditResource(call.payer, ledger.ResourceLLMBudget, estimatedCost)
		code := CodeProviderError
		if errors.Is(err, llm.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			code = CodeLLMTimeout
		}
		return map[string]any{
			"success":     false,
			"model":       model,
			"error":       fmt.Sprintf("llm call failed: %v", err),
			"error_code":  code,
			"duration_ms": durationMS,
		}
	}

	// Token accounting falls back to the reservation when the provider does
	// not report usage.
	promptTokens := estimatedTokens
	completionTokens := int64(0)
	actualTokens := estimatedTokens
	usageEstimated := true
	if result.Usage != nil {
		promptTokens = result.Usage.PromptTokens
		completionTokens = result.Usage.CompletionTokens
		actualTokens = result.Usage.TotalTokens
		if actualTokens == 0 {
			actualTokens = promptTokens + completionTokens
		}
		usageEstimated = false
	}
	actualCost := estimatedCost
	costEstimated := true
	if result.Cost != nil {
		actualCost = *result.Cost
		costEstimated = false
	}

	if result.CacheHit {
		actualTokens = 0
		actualCost = 0
		w.led.RefundWindow(call.payer, ResourceLLMCalls, 1)
	}

	var tokenOverage float64
	switch {
	case actualTokens < estimatedTokens:
		w.led.RefundWindow(call.payer, ResourceLLMTokens, float64(estimatedTokens-actualTokens))
	case actualTokens > estimatedTokens:
		extra := float64(actualTokens - estimatedTokens)
		if !w.led.ConsumeWindow(call.payer, ResourceLLMTokens, extra) {
			tokenOverage = extra
		}
	}

	// Return the reservation, then charge what the budget can actually
	// cover. The shortfall is recorded, never silently absorbed.
	w.led.CreditResource(call.payer, ledger.ResourceLLMBudget, estimatedCost)
	charged := actualCost
	if budget := w.led.LLMBudget(call.payer); charged > budget {
		charged = budget
	}
	undercharged := actualCost - charged
	if undercharged < 0 {
		undercharged = 0
	}
	w.led.DebitLLMCost(call.payer, actualCost, charged)

	out := map[string]any{
		"success":           true,
		"content":           result.Content,
		"model":             model,
		"cost":              actualCost,
		"charged_cost":      charged,
		"cache_hit":         result.CacheHit,
		"undercharged_cost": undercharged,
		"duration_ms":       durationMS,
		"estimator_version": llm.EstimatorVersion,
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      actualTokens,
			"estimated":         usageEstimated,
		},
	}
	if costEstimated {
		out["cost_estimated"] = true
	}
	if tokenOverage > 0 {
		out["token_overage"] = tokenOverage
	}
	return out
}

func resultFromLLMOutcome(out map[string]any) Result {
	if success, _ := out["success"].(bool); success {
		return okData("llm call completed", out)
	}
	message, _ := out["error"].(string)
	code, _ := out["error_code"].(string)
	res := rejected(code, message)
	res.Retriable = code == CodeRateExceeded || code == CodeProviderError || code == CodeLLMTimeout
	res.Data = out
	return res
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
