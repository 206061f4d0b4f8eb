package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BrianMills2718/agent-ecology3/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology3/pkg/llm"
	"github.com/BrianMills2718/agent-ecology3/pkg/world"
)

// step executes one loop iteration. Bootstrap loops carry the builtin marker
// and run the native decision loop; anything else is a real executable and
// goes through invoke_artifact.
func (r *Runner) step(ctx context.Context, st *LoopState) (world.Result, error) {
	a, err := r.world.Artifacts().GetLive(st.ArtifactID)
	if err != nil {
		return world.Result{Success: false, Message: "loop artifact gone"}, nil
	}
	code, codeErr := a.CodeBytes()
	if codeErr == nil && string(code) == world.GenesisLoopMarker() {
		return r.builtinStep(ctx, st, a)
	}
	return r.world.ExecutePayload(ctx, st.PrincipalID, map[string]any{
		"action_type": "invoke_artifact",
		"artifact_id": st.ArtifactID,
		"method":      "run",
		"args":        []any{},
	})
}

// stateSnapshot is the compact world view given to the decision prompt and
// the fallback policy.
type stateSnapshot struct {
	Balance   int64            `json:"balance"`
	Resources map[string]any   `json:"resources"`
	Artifacts []map[string]any `json:"artifacts"`
}

const snapshotArtifactLimit = 12

func (r *Runner) snapshot(principal string) stateSnapshot {
	summaries := r.world.Artifacts().ListAll(false)
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i]["id"].(string) < summaries[j]["id"].(string)
	})
	items := make([]map[string]any, 0, snapshotArtifactLimit)
	for _, s := range summaries {
		if len(items) >= snapshotArtifactLimit {
			break
		}
		items = append(items, map[string]any{
			"id":    s["id"],
			"type":  s["type"],
			"owner": s["owner"],
		})
	}
	return stateSnapshot{
		Balance: r.world.Ledger().Scrip(principal),
		Resources: map[string]any{
			"llm_budget": r.world.Ledger().LLMBudget(principal),
		},
		Artifacts: items,
	}
}

func (r *Runner) builtinStep(ctx context.Context, st *LoopState, loop *artifacts.Artifact) (world.Result, error) {
	principal := st.PrincipalID
	snap := r.snapshot(principal)
	turn := st.Slot + st.Snapshot().Iterations

	var decision map[string]any
	if r.world.HasLLMClient() && hasCapability(loop, "can_call_llm") {
		out, err := r.callForDecision(ctx, principal, snap)
		if err != nil {
			return world.Result{}, err
		}
		decision = out
	}

	if shouldForceExplore(decision, turn) {
		decision = r.fallbackAction(principal, snap, turn)
	}

	res, err := r.world.ExecutePayload(ctx, principal, decision)
	if err != nil || res.Success {
		return res, err
	}

	// The chosen action failed; fall back to deterministic exploration so the
	// loop keeps producing instead of stalling on a bad decision.
	recovery := r.fallbackAction(principal, snap, turn)
	return r.world.ExecutePayload(ctx, principal, recovery)
}

func (r *Runner) callForDecision(ctx context.Context, principal string, snap stateSnapshot) (map[string]any, error) {
	state, _ := json.Marshal(snap)
	prompt := fmt.Sprintf(
		"You are agent %s in an economy simulation. "+
			"Return exactly one JSON action object and never use noop. "+
			"Valid action_type values include write_artifact, read_artifact, transfer, "+
			"submit_to_mint, query_kernel. "+
			"Do not invoke artifacts directly. "+
			"For query_kernel you must include query_type and params object. "+
			"Do not modify *_loop artifacts. "+
			"When writing artifacts, use ids prefixed with %s_. "+
			"Prefer interaction and production actions over status checks.\nState:\n%s",
		principal, principal, state)

	out, err := r.world.CallLLM(ctx, principal, "", []llm.Message{
		{Role: "system", Content: "Return only one valid JSON action object. No prose."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}
	if success, _ := out["success"].(bool); !success {
		return nil, nil
	}
	content, _ := out["content"].(string)
	return extractJSON(content), nil
}

// extractJSON pulls the outermost JSON object from free text. Models wrap
// answers in prose and code fences often enough that strict parsing loses.
func extractJSON(text string) map[string]any {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}

// shouldForceExplore decides when to ignore the model and explore
// deterministically: periodically, on missing or no-op decisions, and on a
// fraction of pure status checks.
func shouldForceExplore(decision map[string]any, turn int) bool {
	if turn%5 == 0 {
		return true
	}
	if decision == nil {
		return true
	}
	action, _ := decision["action_type"].(string)
	if action == "" {
		action, _ = decision["action"].(string)
	}
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" || action == "noop" {
		return true
	}
	if action == "query_kernel" {
		return turn%3 == 0
	}
	return false
}

// fallbackAction is the deterministic exploration policy. It cycles through
// write / read / transfer / submit_to_mint, validating every target against
// live state first so the action has a real chance of succeeding.
func (r *Runner) fallbackAction(principal string, snap stateSnapshot, turn int) map[string]any {
	scratch := principal + "_scratch"
	ownScratchExists := r.artifactExists(scratch)
	neighbor := r.neighborPrincipal(principal, turn)

	readTarget := r.pickReadTarget(principal, snap)
	if neighborScratch := neighbor + "_scratch"; r.artifactExists(neighborScratch) {
		readTarget = neighborScratch
	}

	balance := snap.Balance
	writeNote := func(kind string) map[string]any {
		return map[string]any{
			"action_type":   "write_artifact",
			"artifact_id":   scratch,
			"artifact_type": "note",
			"content":       kind + " from " + principal + " turn " + strconv.Itoa(turn),
		}
	}

	switch phase := turn % 4; {
	case phase == 0 || !ownScratchExists:
		return writeNote("heartbeat")
	case phase == 1:
		if readTarget == "" {
			return writeNote("state snapshot")
		}
		return map[string]any{
			"action_type": "read_artifact",
			"artifact_id": readTarget,
		}
	case phase == 2:
		if balance <= 1 || neighbor == principal {
			return writeNote("low balance hold")
		}
		return map[string]any{
			"action_type":  "transfer",
			"recipient_id": neighbor,
			"amount":       int64(1),
			"memo":         "coordination pulse",
		}
	default:
		if balance < 1 {
			return writeNote("mint prep")
		}
		return map[string]any{
			"action_type": "submit_to_mint",
			"artifact_id": scratch,
			"bid":         int64(1),
		}
	}
}

func (r *Runner) artifactExists(id string) bool {
	_, err := r.world.Artifacts().GetLive(id)
	return err == nil
}

// pickReadTarget prefers someone else's scratch note, then any foreign
// non-kernel artifact.
func (r *Runner) pickReadTarget(principal string, snap stateSnapshot) string {
	ownPrefix := principal + "_"
	preferred := ""
	for _, item := range snap.Artifacts {
		id, _ := item["id"].(string)
		if id == "" || strings.HasPrefix(id, ownPrefix) {
			continue
		}
		if strings.Count(id, "_") < 2 {
			continue
		}
		if strings.HasSuffix(id, "_scratch") {
			return id
		}
		if preferred == "" {
			preferred = id
		}
	}
	return preferred
}

// neighborPrincipal rotates through the other genesis principals.
func (r *Runner) neighborPrincipal(principal string, turn int) string {
	p := r.world.Config().Principals
	if p.Count <= 1 {
		return principal
	}
	idx := (turn % p.Count) + 1
	candidate := p.IDPrefix + strconv.Itoa(idx)
	if candidate == principal {
		idx = (idx % p.Count) + 1
		candidate = p.IDPrefix + strconv.Itoa(idx)
	}
	return candidate
}

func hasCapability(a *artifacts.Artifact, capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
