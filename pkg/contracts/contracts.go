// Package contracts implements contract-based access control over artifacts.
// Every guarded operation resolves the target's access contract and asks it
// for permission. Kernel contracts are built in; custom contracts are CEL
// expressions stored as artifacts and evaluated under hard cost limits.
// Evaluation failures deny.
package contracts

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"

	"github.com/BrianMills2718/agent-ecology3/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology3/pkg/ledger"
)

// Kernel contract ids. These resolve without an artifact lookup.
const (
	KernelContractFreeware             = "kernel_contract_freeware"
	KernelContractTransferableFreeware = "kernel_contract_transferable_freeware"
	KernelContractSelfOwned            = "kernel_contract_self_owned"
	KernelContractPrivate              = "kernel_contract_private"
	KernelContractPublic               = "kernel_contract_public"
)

// Action names a guarded operation on an artifact.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionEdit   Action = "edit"
	ActionInvoke Action = "invoke"
	ActionDelete Action = "delete"
)

// ActionFromString maps a wire string to an Action, defaulting to read.
func ActionFromString(s string) Action {
	switch Action(s) {
	case ActionRead, ActionWrite, ActionEdit, ActionInvoke, ActionDelete:
		return Action(s)
	}
	return ActionRead
}

// Result is a contract's permission decision. ScripRecipient names who
// receives any price the executor charges for the operation; empty means
// the artifact owner.
type Result struct {
	Allowed        bool
	Reason         string
	ScripCost      int64
	ScripPayer     string
	ScripRecipient string
	ResourcePayer  string
	StateUpdates   map[string]any
}

func deny(reason string) Result {
	return Result{Allowed: false, Reason: reason}
}

// Context carries artifact state into a contract decision.
type Context struct {
	TargetCreatedBy string
	TargetMetadata  map[string]any
	ArtifactState   map[string]any
	Method          string
	Args            []any
}

func (c Context) writer() string {
	if w, ok := c.ArtifactState["writer"].(string); ok {
		return w
	}
	return ""
}

func (c Context) principal() string {
	if p, ok := c.ArtifactState["principal"].(string); ok {
		return p
	}
	return ""
}

// Contract is the permission interface all contracts implement.
type Contract interface {
	ID() string
	Type() string
	CheckPermission(caller string, action Action, target string, ctx Context) Result
}

// ---- kernel contracts ----

type freewareContract struct{ id, kind string }

func (f freewareContract) ID() string   { return f.id }
func (f freewareContract) Type() string { return f.kind }

// Freeware: anyone may read and invoke, only the writer may modify.
func (f freewareContract) CheckPermission(caller string, action Action, _ string, ctx Context) Result {
	writer := ctx.writer()
	if action == ActionRead || action == ActionInvoke {
		return Result{Allowed: true, Reason: "freeware open access", ScripRecipient: writer}
	}
	if writer != "" && caller == writer {
		return Result{Allowed: true, Reason: "freeware writer access", ScripRecipient: writer}
	}
	return deny("freeware only writer can modify")
}

type selfOwnedContract struct{}

func (selfOwnedContract) ID() string   { return KernelContractSelfOwned }
func (selfOwnedContract) Type() string { return "self_owned" }

// Self-owned: the artifact itself and its recorded principal have access.
func (selfOwnedContract) CheckPermission(caller string, _ Action, target string, ctx Context) Result {
	principal := ctx.principal()
	if caller == target {
		return Result{Allowed: true, Reason: "self access", ScripRecipient: principal}
	}
	if principal != "" && caller == principal {
		return Result{Allowed: true, Reason: "principal access", ScripRecipient: principal}
	}
	return deny("self_owned access denied")
}

type privateContract struct{}

func (privateContract) ID() string   { return KernelContractPrivate }
func (privateContract) Type() string { return "private" }

func (privateContract) CheckPermission(caller string, _ Action, _ string, ctx Context) Result {
	principal := ctx.principal()
	if principal != "" && caller == principal {
		return Result{Allowed: true, Reason: "private principal access", ScripRecipient: principal}
	}
	return deny("private access denied")
}

type publicContract struct{}

func (publicContract) ID() string   { return KernelContractPublic }
func (publicContract) Type() string { return "public" }

func (publicContract) CheckPermission(string, Action, string, Context) Result {
	return Result{Allowed: true, Reason: "public access"}
}

// ---- custom CEL contracts ----

const (
	celCostLimit       = 10000
	celInterruptEvery  = 100
	contractTypeCEL    = "contract"
	contractTypeCustom = "custom"
)

// celContract evaluates a stored CEL expression. The expression may return a
// bare bool or a decision map with allowed, reason, scrip_cost, scrip_payer,
// scrip_recipient, resource_payer, and state_updates keys. Any other result
// shape, and any evaluation error, denies.
type celContract struct {
	id     string
	expr   string
	engine *Engine
}

func (c *celContract) ID() string   { return c.id }
func (c *celContract) Type() string { return contractTypeCustom }

func (c *celContract) CheckPermission(caller string, action Action, target string, ctx Context) Result {
	metadata := ctx.TargetMetadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	input := map[string]any{
		"caller":       caller,
		"action":       string(action),
		"target":       target,
		"owner":        ctx.TargetCreatedBy,
		"writer":       ctx.writer(),
		"principal":    ctx.principal(),
		"metadata":     metadata,
		"method":       ctx.Method,
		"caller_scrip": c.engine.ledger.Scrip(caller),
	}
	dec, err := c.engine.evalExpr(c.expr, input)
	if err != nil {
		return deny(fmt.Sprintf("contract %s evaluation failed: %v", c.id, err))
	}
	if !dec.allowed {
		if dec.reason != "" {
			return deny(dec.reason)
		}
		return deny(fmt.Sprintf("contract %s denied %s", c.id, action))
	}
	reason := dec.reason
	if reason == "" {
		reason = fmt.Sprintf("contract %s allowed %s", c.id, action)
	}
	return Result{
		Allowed:        true,
		Reason:         reason,
		ScripCost:      dec.scripCost,
		ScripPayer:     dec.scripPayer,
		ScripRecipient: dec.scripRecipient,
		ResourcePayer:  dec.resourcePayer,
		StateUpdates:   dec.stateUpdates,
	}
}

// ---- engine ----

// Engine resolves access contracts and evaluates permission checks.
type Engine struct {
	store              *artifacts.Store
	ledger             *ledger.Ledger
	defaultWhenMissing string

	kernel map[string]Contract

	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEngine builds an engine over the artifact store and ledger.
// defaultWhenMissing names the kernel contract used when an artifact's
// contract cannot be resolved.
func NewEngine(store *artifacts.Store, led *ledger.Ledger, defaultWhenMissing string) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("caller", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("owner", cel.StringType),
		cel.Variable("writer", cel.StringType),
		cel.Variable("principal", cel.StringType),
		cel.Variable("metadata", cel.DynType),
		cel.Variable("method", cel.StringType),
		cel.Variable("caller_scrip", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("contracts: cel env: %w", err)
	}
	e := &Engine{
		store:              store,
		ledger:             led,
		defaultWhenMissing: defaultWhenMissing,
		env:                env,
		prgCache:           make(map[string]cel.Program),
	}
	e.kernel = map[string]Contract{
		KernelContractFreeware:             freewareContract{id: KernelContractFreeware, kind: "freeware"},
		KernelContractTransferableFreeware: freewareContract{id: KernelContractTransferableFreeware, kind: "transferable_freeware"},
		KernelContractSelfOwned:            selfOwnedContract{},
		KernelContractPrivate:              privateContract{},
		KernelContractPublic:               publicContract{},
	}
	return e, nil
}

// IsKernelContract reports whether id names a built-in contract.
func (e *Engine) IsKernelContract(id string) bool {
	_, ok := e.kernel[id]
	return ok
}

// CompileCheck verifies an expression compiles in the contract environment.
// Used at write time so broken contracts are rejected before they can guard
// anything.
func (e *Engine) CompileCheck(expr string) error {
	_, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("contracts: compile: %w", issues.Err())
	}
	return nil
}

func (e *Engine) resolve(contractID string) Contract {
	if c, ok := e.kernel[contractID]; ok {
		return c
	}
	if a, err := e.store.GetLive(contractID); err == nil && a.Type == contractTypeCEL && a.Content != "" {
		return &celContract{id: contractID, expr: a.Content, engine: e}
	}
	if c, ok := e.kernel[e.defaultWhenMissing]; ok {
		return c
	}
	return e.kernel[KernelContractFreeware]
}

// Check evaluates whether caller may perform action on the artifact.
// Kernel-protected artifacts refuse modification here regardless of the
// attached contract, so no contract can ever open them up.
func (e *Engine) Check(caller string, action Action, a *artifacts.Artifact, method string, args []any) Result {
	if a.KernelProtected {
		switch action {
		case ActionWrite, ActionEdit, ActionDelete:
			return deny(fmt.Sprintf("artifact %s is kernel protected", a.ID))
		}
	}

	ctx := Context{
		TargetCreatedBy: a.CreatedBy,
		TargetMetadata:  a.Metadata,
		ArtifactState:   copyState(a.AuthState),
		Method:          method,
		Args:            args,
	}
	contractID := a.AccessContractID
	if contractID == "" {
		contractID = e.defaultWhenMissing
	}
	result := e.resolve(contractID).CheckPermission(caller, action, a.ID, ctx)

	if len(result.StateUpdates) > 0 {
		for k, v := range result.StateUpdates {
			a.AuthState[k] = v
		}
	}
	return result
}

func copyState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// decision is a custom contract's normalized verdict.
type decision struct {
	allowed        bool
	reason         string
	scripCost      int64
	scripPayer     string
	scripRecipient string
	resourcePayer  string
	stateUpdates   map[string]any
}

func (e *Engine) evalExpr(expr string, input map[string]any) (decision, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return decision{}, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(celInterruptEvery),
				cel.CostLimit(celCostLimit),
			)
			if err != nil {
				e.mu.Unlock()
				return decision{}, fmt.Errorf("program: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return decision{}, fmt.Errorf("eval: %w", err)
	}
	return decisionFromValue(out)
}

var mapStringAnyType = reflect.TypeOf(map[string]any(nil))

// decisionFromValue accepts a bool verdict or a decision map. A map without
// a true "allowed" value denies.
func decisionFromValue(out ref.Val) (decision, error) {
	if allowed, ok := out.Value().(bool); ok {
		return decision{allowed: allowed}, nil
	}
	native, err := out.ConvertToNative(mapStringAnyType)
	if err != nil {
		return decision{}, fmt.Errorf("result is not a bool or map")
	}
	m, ok := native.(map[string]any)
	if !ok {
		return decision{}, fmt.Errorf("result is not a bool or map")
	}

	var d decision
	d.allowed, _ = m["allowed"].(bool)
	d.reason, _ = m["reason"].(string)
	d.scripCost = coerceInt(m["scrip_cost"])
	d.scripPayer, _ = m["scrip_payer"].(string)
	d.scripRecipient, _ = m["scrip_recipient"].(string)
	d.resourcePayer, _ = m["resource_payer"].(string)
	if updates, isMap := m["state_updates"].(map[string]any); isMap {
		d.stateUpdates = updates
	}
	return d, nil
}

func coerceInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
