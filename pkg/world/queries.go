package world

import (
	"fmt"
	"sort"
)

// runQuery answers a query_kernel action. Pure read path; requires the
// world lock.
func (w *World) runQuery(queryType string, params map[string]any) map[string]any {
	switch queryType {
	case "artifacts":
		return w.queryArtifacts(params)
	case "artifact":
		return w.queryArtifact(params)
	case "principals":
		return w.queryPrincipals(params)
	case "principal":
		return w.queryPrincipal(params)
	case "balances":
		return w.queryBalances(params)
	case "resources":
		return w.queryResources(params)
	case "quotas":
		return w.queryQuotas(params)
	case "mint":
		return w.queryMint(params)
	case "events":
		return w.queryEvents(params)
	case "frozen":
		return w.queryFrozen(params)
	case "libraries":
		return w.queryLibraries(params)
	case "dependencies":
		return w.queryDependencies(params)
	}
	return serviceError(fmt.Sprintf("unknown query_type %q", queryType), "invalid_query_type")
}

func paramString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func paramInt(params map[string]any, key string, fallback int) int {
	if f, isNumber := asFloat(params[key]); isNumber && f == float64(int(f)) {
		return int(f)
	}
	return fallback
}

func (w *World) queryArtifacts(params map[string]any) map[string]any {
	owner := paramString(params, "owner")
	artifactType := paramString(params, "type")
	executableFilter, filterExecutable := params["executable"].(bool)
	limit := paramInt(params, "limit", 50)
	offset := paramInt(params, "offset", 0)

	summaries := w.store.ListAll(false)
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i]["id"].(string) < summaries[j]["id"].(string)
	})

	items := make([]map[string]any, 0, len(summaries))
	for _, s := range summaries {
		if owner != "" && s["owner"] != owner {
			continue
		}
		if artifactType != "" && s["type"] != artifactType {
			continue
		}
		executable, _ := s["executable"].(bool)
		if filterExecutable && executable != executableFilter {
			continue
		}
		content, _ := s["content"].(string)
		items = append(items, map[string]any{
			"id":           s["id"],
			"type":         s["type"],
			"owner":        s["owner"],
			"created_by":   s["created_by"],
			"executable":   executable,
			"content_size": len(content),
		})
	}

	total := len(items)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	page := items[offset:end]
	return map[string]any{
		"success":    true,
		"query_type": "artifacts",
		"total":      total,
		"returned":   len(page),
		"results":    page,
	}
}

func (w *World) queryArtifact(params map[string]any) map[string]any {
	id := paramString(params, "artifact_id")
	if id == "" {
		return serviceError("artifact_id required", "missing_param")
	}
	a, err := w.store.Get(id)
	if err != nil {
		return serviceError("artifact not found", CodeNotFound)
	}
	return map[string]any{
		"success":    true,
		"query_type": "artifact",
		"result":     a.Summary(false),
	}
}

func (w *World) queryPrincipals(params map[string]any) map[string]any {
	limit := paramInt(params, "limit", 100)
	all := w.led.Principals()
	page := all
	if limit > 0 && limit < len(all) {
		page = all[:limit]
	}
	return map[string]any{
		"success":    true,
		"query_type": "principals",
		"total":      len(all),
		"returned":   len(page),
		"results":    page,
	}
}

func (w *World) queryPrincipal(params map[string]any) map[string]any {
	principal := paramString(params, "principal_id")
	if principal == "" {
		return serviceError("principal_id required", "missing_param")
	}
	exists := w.led.PrincipalExists(principal)
	out := map[string]any{
		"success":      true,
		"query_type":   "principal",
		"exists":       exists,
		"principal_id": principal,
		"scrip":        int64(0),
		"resources":    map[string]float64{},
	}
	if exists {
		out["scrip"] = w.led.Scrip(principal)
		out["resources"] = w.led.AllResources(principal)
	}
	return out
}

func (w *World) queryBalances(params map[string]any) map[string]any {
	principal := paramString(params, "principal_id")
	if principal != "" {
		if !w.led.PrincipalExists(principal) {
			return serviceError("principal not found", CodeNotFound)
		}
		return map[string]any{
			"success":      true,
			"query_type":   "balances",
			"principal_id": principal,
			"scrip":        w.led.Scrip(principal),
		}
	}
	return map[string]any{
		"success":    true,
		"query_type": "balances",
		"balances":   w.led.AllScrip(),
	}
}

func (w *World) queryResources(params map[string]any) map[string]any {
	principal := paramString(params, "principal_id")
	if principal == "" {
		return serviceError("principal_id required", "missing_param")
	}
	resources := map[string]any{
		"llm_budget":            w.led.LLMBudget(principal),
		"disk_used":             w.store.OwnerUsage(principal),
		"disk_available":        w.availableDiskLocked(principal),
		"llm_calls_remaining":   w.led.WindowRemaining(principal, ResourceLLMCalls),
		"llm_tokens_remaining":  w.led.WindowRemaining(principal, ResourceLLMTokens),
		"cpu_seconds_remaining": w.led.WindowRemaining(principal, ResourceCPUSeconds),
	}
	if resource := paramString(params, "resource"); resource != "" {
		value, known := resources[resource]
		if !known {
			return serviceError(fmt.Sprintf("resource %q not found", resource), CodeNotFound)
		}
		return map[string]any{
			"success":    true,
			"query_type": "resources",
			"resource":   resource,
			"data":       value,
		}
	}
	return map[string]any{
		"success":    true,
		"query_type": "resources",
		"resources":  resources,
	}
}

func (w *World) queryQuotas(params map[string]any) map[string]any {
	principal := paramString(params, "principal_id")
	if principal == "" {
		return serviceError("principal_id required", "missing_param")
	}
	quotas := w.principalQuotasLocked(principal)
	if resource := paramString(params, "resource"); resource != "" {
		data, known := quotas[resource]
		if !known {
			return serviceError("quota not found", CodeNotFound)
		}
		return map[string]any{
			"success":    true,
			"query_type": "quotas",
			"resource":   resource,
			"data":       data,
		}
	}
	return map[string]any{
		"success":    true,
		"query_type": "quotas",
		"quotas":     quotas,
	}
}

func (w *World) queryMint(params map[string]any) map[string]any {
	limit := paramInt(params, "limit", 10)
	if w.auction == nil {
		return map[string]any{
			"success":     true,
			"query_type":  "mint",
			"status":      map[string]any{"phase": "disabled"},
			"submissions": []any{},
			"history":     []any{},
		}
	}
	return map[string]any{
		"success":     true,
		"query_type":  "mint",
		"status":      w.auction.Status(),
		"submissions": w.auction.Submissions(),
		"history":     w.auction.History(limit),
	}
}

func (w *World) queryEvents(params map[string]any) map[string]any {
	limit := paramInt(params, "limit", 50)
	return map[string]any{
		"success":    true,
		"query_type": "events",
		"events":     w.log.Recent(limit),
	}
}

func (w *World) queryFrozen(params map[string]any) map[string]any {
	if agent := paramString(params, "agent_id"); agent != "" {
		return map[string]any{
			"success":    true,
			"query_type": "frozen",
			"agent_id":   agent,
			"frozen":     w.frozen[agent],
		}
	}
	frozen := make([]string, 0, len(w.frozen))
	for agent := range w.frozen {
		frozen = append(frozen, agent)
	}
	sort.Strings(frozen)
	return map[string]any{
		"success":       true,
		"query_type":    "frozen",
		"frozen_agents": frozen,
	}
}

func (w *World) queryLibraries(params map[string]any) map[string]any {
	principal := paramString(params, "principal_id")
	if principal == "" {
		return serviceError("principal_id required", "missing_param")
	}
	libs := w.libraries[principal]
	if libs == nil {
		libs = []map[string]any{}
	}
	return map[string]any{
		"success":      true,
		"query_type":   "libraries",
		"principal_id": principal,
		"libraries":    libs,
	}
}

func (w *World) queryDependencies(params map[string]any) map[string]any {
	id := paramString(params, "artifact_id")
	if id == "" {
		return serviceError("artifact_id required", "missing_param")
	}
	a, err := w.store.Get(id)
	if err != nil {
		return serviceError("artifact not found", CodeNotFound)
	}

	var dependents []string
	for _, s := range w.store.ListAll(false) {
		dependsOn, _ := s["depends_on"].([]string)
		if containsString(dependsOn, id) {
			dependents = append(dependents, s["id"].(string))
		}
	}
	sort.Strings(dependents)
	if dependents == nil {
		dependents = []string{}
	}
	return map[string]any{
		"success":     true,
		"query_type":  "dependencies",
		"artifact_id": id,
		"depends_on":  append([]string(nil), a.DependsOn...),
		"dependents":  dependents,
	}
}
