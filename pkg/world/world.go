// Package world is the kernel: it owns the ledger, artifact store, contract
// engine, mint, and event log, and serializes every action through a single
// executor so history is totally ordered. The event log's sequence is the
// only counter; every other component stamps records with it.
package world

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/BrianMills2718/agent-ecology3/pkg/actions"
	"github.com/BrianMills2718/agent-ecology3/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology3/pkg/config"
	"github.com/BrianMills2718/agent-ecology3/pkg/contracts"
	"github.com/BrianMills2718/agent-ecology3/pkg/eventlog"
	"github.com/BrianMills2718/agent-ecology3/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology3/pkg/llm"
	"github.com/BrianMills2718/agent-ecology3/pkg/mint"
	"github.com/BrianMills2718/agent-ecology3/pkg/rates"
	"github.com/BrianMills2718/agent-ecology3/pkg/sandbox"
)

// SystemKernel is the principal name owning kernel artifacts.
const SystemKernel = "SYSTEM_KERNEL"

// Windowed resource names metered by the rate tracker.
const (
	ResourceLLMCalls   = "llm_calls"
	ResourceLLMTokens  = "llm_tokens"
	ResourceCPUSeconds = "cpu_seconds"
)

const defaultMaxInvokeDepth = 6

// genesisLoopMarker is stored (base64) as the code of bootstrap loop
// artifacts. The loop driver recognizes it and runs the built-in decision
// loop instead of the sandbox.
const genesisLoopMarker = "builtin:decision_loop_v1"

type options struct {
	llmClient llm.Client
	sinks     []eventlog.Sink
	clock     func() time.Time
	box       *sandbox.Sandbox
	runID     string
}

// Option configures a World at construction.
type Option func(*options)

// WithLLMClient wires the external LLM capability. Without it, call_llm
// actions fail with a provider error and loops fall back to deterministic
// exploration.
func WithLLMClient(c llm.Client) Option {
	return func(o *options) { o.llmClient = c }
}

// WithEventSinks adds durable event sinks (JSONL, SQLite).
func WithEventSinks(sinks ...eventlog.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithClock replaces the time source everywhere. Test hook.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithSandbox wires the WASI executor for invoke_artifact.
func WithSandbox(box *sandbox.Sandbox) Option {
	return func(o *options) { o.box = box }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// World is the kernel runtime state. All mutation is serialized through mu;
// the only work done off-lock is the external LLM call.
type World struct {
	mu    sync.Mutex
	cfg   *config.Config
	runID string

	led         *ledger.Ledger
	store       *artifacts.Store
	log         *eventlog.Log
	engine      *contracts.Engine
	delegations *DelegationManager
	auction     *mint.Auction
	llmClient   llm.Client
	box         *sandbox.Sandbox
	exec        *executor
	now         func() time.Time

	frozen         map[string]bool
	diskQuotas     map[string]int64
	libraries      map[string][]map[string]any
	services       map[string]*kernelService
	invokeDepth    int
	maxInvokeDepth int
}

// New builds and bootstraps a world from validated configuration.
func New(cfg *config.Config, opts ...Option) (*World, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	now := o.clock
	if now == nil {
		now = time.Now
	}
	runID := o.runID
	if runID == "" {
		runID = "run_" + now().UTC().Format("20060102_150405")
	}

	tracker := rates.NewTracker(time.Duration(cfg.Resources.RateWindowSeconds * float64(time.Second)))
	tracker.SetClock(now)
	tracker.ConfigureLimit(ResourceLLMCalls, cfg.Resources.RateLimits.LLMCallsPerWindow)
	tracker.ConfigureLimit(ResourceLLMTokens, cfg.Resources.RateLimits.LLMTokensPerWindow)
	tracker.ConfigureLimit(ResourceCPUSeconds, cfg.Resources.RateLimits.CPUSecondsPerWindow)

	led := ledger.New(tracker)
	led.SetClock(now)
	store := artifacts.NewStore()
	store.SetClock(now)
	log := eventlog.New(o.sinks...)
	log.SetClock(now)

	engine, err := contracts.NewEngine(store, led, cfg.Contracts.DefaultWhenMissing)
	if err != nil {
		return nil, fmt.Errorf("world: contract engine: %w", err)
	}

	delegations := NewDelegationManager()
	delegations.SetClock(now)

	w := &World{
		cfg:            cfg,
		runID:          runID,
		led:            led,
		store:          store,
		log:            log,
		engine:         engine,
		delegations:    delegations,
		llmClient:      o.llmClient,
		box:            o.box,
		now:            now,
		frozen:         make(map[string]bool),
		diskQuotas:     make(map[string]int64),
		libraries:      make(map[string][]map[string]any),
		services:       make(map[string]*kernelService),
		maxInvokeDepth: defaultMaxInvokeDepth,
	}
	w.exec = &executor{w: w}

	if err := w.bootstrapPrincipals(); err != nil {
		return nil, err
	}
	if err := w.bootstrapKernelServices(); err != nil {
		return nil, err
	}
	if err := w.bootstrapLoopArtifacts(); err != nil {
		return nil, err
	}
	w.bootstrapMint()

	if _, err := w.log.Append("world_initialized", SystemKernel, map[string]any{
		"run_id":          w.runID,
		"principal_count": len(w.led.Principals()),
		"artifact_count":  w.store.Count(),
	}); err != nil {
		return nil, fmt.Errorf("world: init event: %w", err)
	}
	return w, nil
}

func (w *World) bootstrapPrincipals() error {
	p := w.cfg.Principals
	for i := 1; i <= p.Count; i++ {
		id := p.IDPrefix + strconv.Itoa(i)
		w.led.CreatePrincipal(id, p.StartingScrip, map[string]float64{
			ledger.ResourceLLMBudget: p.StartingLLMBudget,
		})
		w.diskQuotas[id] = p.StartingDiskQuotaBytes
		w.libraries[id] = []map[string]any{}

		// Each principal gets a private mutable profile artifact whose id
		// is the principal id itself.
		profile, _ := json.Marshal(map[string]any{
			"subscribed_artifacts": []string{},
			"context_sections":     map[string]any{},
		})
		if _, err := w.store.Write(artifacts.WriteRequest{
			ID:               id,
			Type:             "agent_profile",
			Content:          string(profile),
			CreatedBy:        id,
			Owner:            id,
			AccessContractID: contracts.KernelContractSelfOwned,
			HasStanding:      true,
		}); err != nil {
			return fmt.Errorf("world: bootstrap profile %s: %w", id, err)
		}
	}
	return nil
}

func (w *World) bootstrapLoopArtifacts() error {
	p := w.cfg.Principals
	var caps []string
	if w.cfg.LLM.EnableBootstrapLoopLLM {
		caps = []string{"can_call_llm"}
	}
	for i := 1; i <= p.Count; i++ {
		id := p.IDPrefix + strconv.Itoa(i)
		loopID := id + "_loop"
		if _, err := w.store.Write(artifacts.WriteRequest{
			ID:               loopID,
			Type:             "agent_loop",
			Content:          "Autonomous loop artifact for " + id,
			CreatedBy:        SystemKernel,
			Owner:            id,
			Executable:       true,
			Code:             encodeCode(genesisLoopMarker),
			AccessContractID: contracts.KernelContractPrivate,
			HasLoop:          true,
			Capabilities:     caps,
			KernelProtected:  true,
		}); err != nil {
			return fmt.Errorf("world: bootstrap loop %s: %w", loopID, err)
		}
	}
	return nil
}

func (w *World) bootstrapMint() {
	if !w.cfg.Mint.Enabled {
		return
	}
	var scorer mint.Scorer
	if w.llmClient != nil {
		scorer = &mint.LLMScorer{Client: w.llmClient, Model: w.cfg.LLM.DefaultModel}
	} else {
		scorer = fallbackScorer{}
	}
	m := w.cfg.Mint
	w.auction = mint.New(w.led, w.store, scorer, mint.Config{
		MinimumBid:               m.MinimumBid,
		FirstAuctionDelaySeconds: m.FirstAuctionDelaySeconds,
		BiddingWindowSeconds:     m.BiddingWindowSeconds,
		PeriodSeconds:            m.PeriodSeconds,
		MintRatio:                m.MintRatio,
		IssuanceRule:             m.IssuanceRule,
		TopK:                     m.TopK,
		PoolSize:                 m.PoolSize,
		UnitIssuance:             m.UnitIssuance,
	}, w.log.Len)
	w.auction.SetClock(w.now)
}

type fallbackScorer struct{}

func (fallbackScorer) Score(_ context.Context, a *artifacts.Artifact) (int64, string) {
	return mint.FallbackScore(a)
}

// ---- accessors ----

// RunID returns this run's identifier.
func (w *World) RunID() string { return w.runID }

// Config returns the boot configuration.
func (w *World) Config() *config.Config { return w.cfg }

// Ledger exposes the ledger for read-side consumers.
func (w *World) Ledger() *ledger.Ledger { return w.led }

// Artifacts exposes the artifact store.
func (w *World) Artifacts() *artifacts.Store { return w.store }

// Events exposes the event log.
func (w *World) Events() *eventlog.Log { return w.log }

// Auction returns the mint auction, nil when the mint is disabled.
func (w *World) Auction() *mint.Auction { return w.auction }

// HasLLMClient reports whether the external LLM capability is wired.
func (w *World) HasLLMClient() bool { return w.llmClient != nil }

// GenesisLoopMarker is the decoded code payload of bootstrap loop artifacts.
// The loop driver maps it to the built-in decision loop.
func GenesisLoopMarker() string { return genesisLoopMarker }

// Principals lists principal ids in creation order.
func (w *World) Principals() []string { return w.led.Principals() }

// ---- disk quotas ----

// SetDiskQuota sets a principal's disk quota in bytes.
func (w *World) SetDiskQuota(principal string, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bytes < 0 {
		bytes = 0
	}
	w.diskQuotas[principal] = bytes
}

// DiskQuota returns a principal's quota, defaulting to the genesis quota.
func (w *World) DiskQuota(principal string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.diskQuotaLocked(principal)
}

func (w *World) diskQuotaLocked(principal string) int64 {
	if q, ok := w.diskQuotas[principal]; ok {
		return q
	}
	return w.cfg.Principals.StartingDiskQuotaBytes
}

// AvailableDisk returns quota minus owned artifact bytes, floored at zero.
func (w *World) AvailableDisk(principal string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.availableDiskLocked(principal)
}

func (w *World) availableDiskLocked(principal string) int64 {
	avail := w.diskQuotaLocked(principal) - w.store.OwnerUsage(principal)
	if avail < 0 {
		return 0
	}
	return avail
}

// PrincipalQuotas summarizes every metered budget for one principal.
func (w *World) PrincipalQuotas(principal string) map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.principalQuotasLocked(principal)
}

func (w *World) principalQuotasLocked(principal string) map[string]any {
	tracker := w.led.Rates()
	quotas := map[string]any{
		"disk": map[string]any{
			"quota":     w.diskQuotaLocked(principal),
			"used":      w.store.OwnerUsage(principal),
			"available": w.availableDiskLocked(principal),
		},
		"llm_budget": map[string]any{
			"balance": w.led.LLMBudget(principal),
		},
	}
	for _, resource := range []string{ResourceLLMCalls, ResourceLLMTokens, ResourceCPUSeconds} {
		quotas[resource] = map[string]any{
			"limit":     tracker.Limit(resource),
			"remaining": tracker.Remaining(principal, resource),
		}
	}
	return quotas
}

// ---- freezing ----

// IsFrozen reports whether an agent's loop is paused.
func (w *World) IsFrozen(agent string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frozen[agent]
}

// Freeze pauses an agent's loop.
func (w *World) Freeze(agent string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frozen[agent] = true
}

// Unfreeze resumes an agent's loop.
func (w *World) Unfreeze(agent string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.frozen, agent)
}

// FrozenAgents lists paused agents, sorted.
func (w *World) FrozenAgents() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.frozen))
	for agent := range w.frozen {
		out = append(out, agent)
	}
	sort.Strings(out)
	return out
}

// ---- execution ----

// ExecuteJSON parses and executes a raw JSON action for principal. The
// returned error is fatal: it means the event log could not record history.
func (w *World) ExecuteJSON(ctx context.Context, principal, raw string) (Result, error) {
	intent, err := actions.ParseJSON(principal, raw)
	if err != nil {
		return w.rejectMalformed(principal, raw, err)
	}
	return w.ExecuteIntent(ctx, intent)
}

// ExecutePayload executes an already-decoded action payload for principal.
func (w *World) ExecutePayload(ctx context.Context, principal string, payload map[string]any) (Result, error) {
	intent, err := actions.ParsePayload(principal, payload)
	if err != nil {
		encoded, _ := json.Marshal(payload)
		return w.rejectMalformed(principal, string(encoded), err)
	}
	return w.ExecuteIntent(ctx, intent)
}

func (w *World) rejectMalformed(principal, raw string, parseErr error) (Result, error) {
	res := rejected(CodeMalformed, parseErr.Error())
	res.Retriable = true
	_, err := w.log.Append("action", principal, map[string]any{
		"intent": map[string]any{"raw": truncateForLog(raw), "principal_id": principal},
		"result": res.Map(),
	})
	if err != nil {
		return res, fmt.Errorf("world: log malformed action: %w", err)
	}
	return res, nil
}

// ExecuteIntent executes one parsed intent, appending exactly one action
// event. call_llm runs its provider call off-lock; everything else holds the
// world lock end to end.
func (w *World) ExecuteIntent(ctx context.Context, intent actions.Intent) (Result, error) {
	if c, isLLM := intent.(actions.CallLLM); isLLM {
		out := w.syscallLLM(ctx, llmCall{
			payer:     c.Actor(),
			model:     c.Model,
			messages:  []llm.Message{{Role: "user", Content: c.Prompt}},
			maxTokens: c.MaxTokens,
		}, false)
		res := resultFromLLMOutcome(out)
		return res, w.logAction(intent, res)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.executeIntentLocked(ctx, intent)
}

// executeIntentLocked is the nested entry used by kernel services and
// artifact invocations; the caller already holds the world lock.
func (w *World) executeIntentLocked(ctx context.Context, intent actions.Intent) (Result, error) {
	res := w.exec.run(ctx, intent)
	return res, w.logAction(intent, res)
}

func (w *World) executePayloadLocked(ctx context.Context, principal string, payload map[string]any) (Result, error) {
	intent, err := actions.ParsePayload(principal, payload)
	if err != nil {
		res := rejected(CodeMalformed, err.Error())
		res.Retriable = true
		encoded, _ := json.Marshal(payload)
		if _, logErr := w.log.Append("action", principal, map[string]any{
			"intent": map[string]any{"raw": truncateForLog(string(encoded)), "principal_id": principal},
			"result": res.Map(),
		}); logErr != nil {
			return res, fmt.Errorf("world: log malformed action: %w", logErr)
		}
		return res, nil
	}
	return w.executeIntentLocked(ctx, intent)
}

func (w *World) logAction(intent actions.Intent, res Result) error {
	_, err := w.log.Append("action", intent.Actor(), map[string]any{
		"intent":      intent.Payload(),
		"result":      res.Map(),
		"scrip_after": w.led.Scrip(intent.Actor()),
	})
	if err != nil {
		return fmt.Errorf("world: log action: %w", err)
	}
	return nil
}

// Tick advances the mint clock; a settlement appends its event here.
// The returned error is fatal.
func (w *World) Tick(ctx context.Context) error {
	_, err := w.advanceMint(ctx)
	return err
}

// advanceMint settles the auction when its window has elapsed and logs the
// settlement. The auction and the log carry their own locks, so this is
// safe both on and off the world lock.
func (w *World) advanceMint(ctx context.Context) (*mint.Result, error) {
	if w.auction == nil {
		return nil, nil
	}
	settlement := w.auction.Update(ctx)
	if settlement == nil {
		return nil, nil
	}
	payload, err := structToMap(settlement)
	if err != nil {
		return settlement, fmt.Errorf("world: settlement payload: %w", err)
	}
	if _, err := w.log.Append("mint_settlement", SystemKernel, payload); err != nil {
		return settlement, fmt.Errorf("world: log settlement: %w", err)
	}
	return settlement, nil
}

// LogSummary appends a periodic summary snapshot event.
func (w *World) LogSummary() error {
	w.mu.Lock()
	live := len(w.store.ListAll(false))
	payload := map[string]any{
		"run_id":          w.runID,
		"sequence":        w.log.Len(),
		"action_count":    w.log.CountType("action"),
		"principal_count": len(w.led.Principals()),
		"artifact_count":  live,
		"total_scrip":     w.led.TotalScrip(),
	}
	w.mu.Unlock()
	if _, err := w.log.Append("summary", SystemKernel, payload); err != nil {
		return fmt.Errorf("world: log summary: %w", err)
	}
	return nil
}

// StateSummary renders the full observable state for the dashboard.
func (w *World) StateSummary(eventLimit int) map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	principals := w.led.Principals()
	quotas := make(map[string]any, len(principals))
	for _, pid := range principals {
		quotas[pid] = w.principalQuotasLocked(pid)
	}
	balances := make(map[string]any, len(principals))
	for pid, b := range w.led.AllBalances() {
		balances[pid] = map[string]any{"scrip": b.Scrip, "resources": b.Resources}
	}
	frozen := make([]string, 0, len(w.frozen))
	for agent := range w.frozen {
		frozen = append(frozen, agent)
	}
	sort.Strings(frozen)

	mintState := map[string]any{"enabled": w.auction != nil}
	if w.auction != nil {
		mintState["status"] = w.auction.Status()
	} else {
		mintState["status"] = map[string]any{"phase": "disabled"}
	}

	return map[string]any{
		"run_id":          w.runID,
		"sequence":        w.log.Len(),
		"principal_count": len(principals),
		"principals":      principals,
		"balances":        balances,
		"quotas":          quotas,
		"artifacts":       w.store.ListAll(false),
		"artifact_count":  w.store.Count(),
		"mint":            mintState,
		"events":          w.log.Recent(eventLimit),
		"frozen":          frozen,
		"libraries":       w.libraries,
	}
}

// Close flushes and closes the event log sinks.
func (w *World) Close() error {
	return w.log.Close()
}

// ---- helpers ----

func encodeCode(src string) string {
	return base64.StdEncoding.EncodeToString([]byte(src))
}

func structToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func truncateForLog(s string) string {
	const limit = 2000
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

var errNoLLMClient = errors.New("llm client not configured")
