package world

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BrianMills2718/agent-ecology3/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology3/pkg/contracts"
)

// kernelService is an in-process capability surfaced as a kernel_protected
// artifact. Handlers run under the world lock.
type kernelService struct {
	id          string
	description string
	handler     func(ctx context.Context, args []any, principal string) map[string]any
}

func serviceError(message, code string) map[string]any {
	out := map[string]any{"success": false, "error": message}
	if code != "" {
		out["error_code"] = code
	}
	return out
}

func (w *World) bootstrapKernelServices() error {
	list := []*kernelService{
		{
			id:          "kernel_act",
			description: "Execute kernel action payloads",
			handler:     w.serviceAct,
		},
		{
			id:          "kernel_delegation",
			description: "Manage charge delegation grants",
			handler:     w.serviceDelegation,
		},
		{
			id:          "kernel_mint",
			description: "Inspect and submit to the mint auction",
			handler:     w.serviceMint,
		},
		{
			id:          "kernel_time",
			description: "Return the current kernel clock",
			handler:     w.serviceTime,
		},
	}
	for _, svc := range list {
		w.services[svc.id] = svc
		if _, err := w.store.Write(artifacts.WriteRequest{
			ID:               svc.id,
			Type:             "kernel_service",
			Content:          svc.description,
			CreatedBy:        SystemKernel,
			Owner:            SystemKernel,
			AccessContractID: contracts.KernelContractPrivate,
			KernelProtected:  true,
		}); err != nil {
			return fmt.Errorf("world: bootstrap service %s: %w", svc.id, err)
		}
	}
	return nil
}

func (w *World) serviceAct(ctx context.Context, args []any, principal string) map[string]any {
	if len(args) == 0 {
		return serviceError("kernel_act requires one action payload argument", "missing_argument")
	}
	payload, isMap := args[0].(map[string]any)
	if !isMap {
		return serviceError("action payload must be a JSON object", CodeMalformed)
	}
	res, err := w.executePayloadLocked(ctx, principal, payload)
	if err != nil {
		// History could not be recorded; the surrounding action's own log
		// append will surface the same failure as fatal.
		return serviceError("event log failure: "+err.Error(), "fatal")
	}
	return res.Map()
}

func (w *World) serviceDelegation(_ context.Context, args []any, principal string) map[string]any {
	if len(args) == 0 {
		return map[string]any{"success": true, "delegations": w.delegations.Describe(principal)}
	}
	command, isString := args[0].(string)
	if !isString {
		return serviceError("first arg must be a command string", CodeInvalidArgument)
	}
	switch strings.ToLower(strings.TrimSpace(command)) {
	case "grant":
		if len(args) < 2 {
			return serviceError("grant requires charger_id", CodeInvalidArgument)
		}
		charger, isString := args[1].(string)
		if !isString || charger == "" {
			return serviceError("grant requires charger_id", CodeInvalidArgument)
		}
		var opts map[string]any
		if len(args) > 2 {
			opts, _ = args[2].(map[string]any)
		}
		d, err := delegationFromOptions(opts)
		if err != nil {
			return serviceError(err.Error(), CodeInvalidArgument)
		}
		w.delegations.Grant(principal, charger, d)
		return map[string]any{"success": true, "message": "delegation granted", "charger_id": charger}
	case "revoke":
		if len(args) < 2 {
			return serviceError("revoke requires charger_id", CodeInvalidArgument)
		}
		charger, isString := args[1].(string)
		if !isString || charger == "" {
			return serviceError("revoke requires charger_id", CodeInvalidArgument)
		}
		if !w.delegations.Revoke(principal, charger) {
			return serviceError("delegation not found", CodeNotFound)
		}
		return map[string]any{"success": true, "message": "delegation revoked"}
	case "list", "status":
		return map[string]any{"success": true, "delegations": w.delegations.Describe(principal)}
	}
	return serviceError(fmt.Sprintf("unknown command %q", command), CodeInvalidArgument)
}

func delegationFromOptions(opts map[string]any) (Delegation, error) {
	var d Delegation
	if opts == nil {
		return d, nil
	}
	if v, present := opts["max_per_call"]; present {
		f, isNumber := asFloat(v)
		if !isNumber {
			return d, fmt.Errorf("max_per_call must be a number")
		}
		d.MaxPerCall = &f
	}
	if v, present := opts["max_per_window"]; present {
		f, isNumber := asFloat(v)
		if !isNumber {
			return d, fmt.Errorf("max_per_window must be a number")
		}
		d.MaxPerWindow = &f
	}
	if v, present := opts["window_seconds"]; present {
		f, isNumber := asFloat(v)
		if !isNumber || f <= 0 {
			return d, fmt.Errorf("window_seconds must be a positive number")
		}
		d.WindowSeconds = f
	}
	if v, present := opts["expires_at"]; present {
		s, isString := v.(string)
		if !isString {
			return d, fmt.Errorf("expires_at must be an RFC3339 timestamp")
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return d, fmt.Errorf("invalid expires_at: %w", err)
		}
		d.ExpiresAt = &t
	}
	return d, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (w *World) serviceMint(ctx context.Context, args []any, principal string) map[string]any {
	if w.auction == nil {
		return serviceError("mint disabled", CodeNotEnabled)
	}
	if len(args) == 0 {
		return map[string]any{"success": true, "status": w.auction.Status()}
	}
	command, isString := args[0].(string)
	if !isString {
		return serviceError("first arg must be a command string", CodeInvalidArgument)
	}
	switch strings.ToLower(strings.TrimSpace(command)) {
	case "status":
		return map[string]any{
			"success":     true,
			"status":      w.auction.Status(),
			"submissions": w.auction.Submissions(),
			"history":     w.auction.History(20),
		}
	case "update":
		settlement, err := w.advanceMint(ctx)
		if err != nil {
			return serviceError("event log failure: "+err.Error(), "fatal")
		}
		return map[string]any{"success": true, "result": settlement}
	case "submit":
		if len(args) < 3 {
			return serviceError("submit requires artifact_id and bid", CodeInvalidArgument)
		}
		artifactID, isString := args[1].(string)
		bid, isNumber := asFloat(args[2])
		if !isString || !isNumber || bid != float64(int64(bid)) || bid <= 0 {
			return serviceError("invalid submit args", CodeInvalidArgument)
		}
		submissionID, err := w.auction.Submit(principal, artifactID, int64(bid))
		if err != nil {
			return serviceError(err.Error(), "invalid_submission")
		}
		return map[string]any{"success": true, "submission_id": submissionID}
	case "cancel":
		if len(args) < 2 {
			return serviceError("cancel requires submission_id", CodeInvalidArgument)
		}
		submissionID, isString := args[1].(string)
		if !isString || !w.auction.Cancel(principal, submissionID) {
			return serviceError("submission not found", CodeNotFound)
		}
		return map[string]any{"success": true, "message": "cancelled"}
	}
	return serviceError(fmt.Sprintf("unknown command %q", command), CodeInvalidArgument)
}

func (w *World) serviceTime(context.Context, []any, string) map[string]any {
	return map[string]any{
		"success":  true,
		"now":      w.now().UTC().Format(time.RFC3339Nano),
		"sequence": w.log.Len(),
	}
}
