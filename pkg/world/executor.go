package world

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BrianMills2718/agent-ecology3/pkg/actions"
	"github.com/BrianMills2718/agent-ecology3/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology3/pkg/contracts"
	"github.com/BrianMills2718/agent-ecology3/pkg/llm"
	"github.com/BrianMills2718/agent-ecology3/pkg/mint"
	"github.com/BrianMills2718/agent-ecology3/pkg/sandbox"
)

// executor applies one intent to world state. Every method requires the
// world lock to be held.
type executor struct {
	w *World
}

func (e *executor) run(ctx context.Context, intent actions.Intent) Result {
	switch in := intent.(type) {
	case actions.Noop:
		return ok("noop")
	case actions.ReadArtifact:
		return e.read(in)
	case actions.WriteArtifact:
		return e.write(in)
	case actions.EditArtifact:
		return e.edit(in)
	case actions.DeleteArtifact:
		return e.delete(in)
	case actions.InvokeArtifact:
		return e.invoke(ctx, in)
	case actions.QueryKernel:
		return e.query(in)
	case actions.Transfer:
		return e.transfer(in)
	case actions.Mint:
		return e.mint(in)
	case actions.SubmitToMint:
		return e.submitToMint(in)
	case actions.UpdateMetadata:
		return e.updateMetadata(in)
	case actions.SubscribeArtifact:
		return e.subscription(in.Actor(), in.ArtifactID, true)
	case actions.UnsubscribeArtifact:
		return e.subscription(in.Actor(), in.ArtifactID, false)
	case actions.CallLLM:
		// Nested path: the lock is already held, so the provider call runs
		// under it.
		out := e.w.syscallLLM(ctx, llmCall{
			payer:     in.Actor(),
			model:     in.Model,
			messages:  []llm.Message{{Role: "user", Content: in.Prompt}},
			maxTokens: in.MaxTokens,
		}, true)
		return resultFromLLMOutcome(out)
	}
	return rejected(CodeInvalidArgument, fmt.Sprintf("unsupported action %q", intent.Kind()))
}

func (e *executor) read(in actions.ReadArtifact) Result {
	w := e.w
	a, err := w.store.GetLive(in.ArtifactID)
	if err != nil {
		return rejected(CodeNotFound, fmt.Sprintf("artifact %q not found", in.ArtifactID))
	}
	perm := w.engine.Check(in.Actor(), contracts.ActionRead, a, "", nil)
	if !perm.Allowed {
		return rejected(CodePermissionDenied, "read not allowed: "+perm.Reason)
	}

	// The contract's scrip_cost is a surcharge on top of the artifact's own
	// read price, paid to the same recipient.
	price := a.ReadPrice
	if perm.ScripCost > 0 {
		price += perm.ScripCost
	}
	recipient := perm.ScripRecipient
	if recipient == "" {
		recipient = a.Owner
	}
	if price > 0 {
		if !w.led.CanAffordScrip(in.Actor(), price) {
			return retriable(CodeInsufficientFunds, fmt.Sprintf("cannot afford read price %d", price))
		}
		if recipient != in.Actor() {
			w.led.TransferScrip(in.Actor(), recipient, price)
		}
	}
	return okData(fmt.Sprintf("read %q", a.ID), map[string]any{
		"artifact":        a.Summary(false),
		"read_price_paid": price,
		"recipient":       recipient,
	})
}

func (e *executor) write(in actions.WriteArtifact) Result {
	w := e.w
	existing, err := w.store.Get(in.ArtifactID)
	if err != nil {
		existing = nil
	}
	if existing != nil {
		if existing.Deleted {
			return rejected(CodeNotFound, fmt.Sprintf("artifact %q is deleted", in.ArtifactID))
		}
		if existing.KernelProtected {
			return rejected(CodePermissionDenied, "artifact is kernel_protected")
		}
		perm := w.engine.Check(in.Actor(), contracts.ActionWrite, existing, "", nil)
		if !perm.Allowed {
			return rejected(CodePermissionDenied, "write not allowed: "+perm.Reason)
		}
	}

	contractID := in.AccessContractID
	if existing == nil && contractID == "" {
		contractID = w.cfg.Contracts.DefaultForNewArtifact
	}
	if contractID != "" && !w.engine.IsKernelContract(contractID) {
		if _, err := w.store.GetLive(contractID); err != nil {
			return rejected(CodeNotFound, fmt.Sprintf("access contract %q not found", contractID))
		}
	}

	if in.Executable {
		decoded, err := base64.StdEncoding.DecodeString(in.Code)
		if err != nil || len(decoded) == 0 {
			return retriable(CodeInvalidCode, "code must be non-empty base64-encoded wasm")
		}
	}
	// Contract artifacts carry a CEL expression as their content; reject
	// ones that cannot compile so broken contracts never guard anything.
	if in.ArtifactType == "contract" {
		if err := w.engine.CompileCheck(in.Content); err != nil {
			return retriable(CodeInvalidCode, "contract expression rejected: "+err.Error())
		}
	}

	newSize := int64(len(in.Content)) + int64(len(in.Code))
	var oldSize int64
	if existing != nil {
		oldSize = existing.SizeBytes()
	}
	if delta := newSize - oldSize; delta > 0 {
		if avail := w.availableDiskLocked(in.Actor()); avail < delta {
			return retriable(CodeQuotaExceeded,
				fmt.Sprintf("disk quota exceeded: need %d, available %d", delta, avail))
		}
	}

	owner := in.Actor()
	if existing != nil {
		owner = existing.Owner
	}
	a, err := w.store.Write(artifacts.WriteRequest{
		ID:               in.ArtifactID,
		Type:             in.ArtifactType,
		Content:          in.Content,
		CreatedBy:        in.Actor(),
		Owner:            owner,
		Executable:       in.Executable,
		Code:             in.Code,
		ReadPrice:        in.ReadPrice,
		InvokePrice:      in.InvokePrice,
		AccessContractID: contractID,
		Metadata:         in.Metadata,
		Interface:        in.Interface,
		HasStanding:      in.HasStanding,
		HasLoop:          in.HasLoop,
		Capabilities:     in.Capabilities,
		DependsOn:        in.DependsOn,
	})
	if err != nil {
		return rejected(CodeInvalidArgument, err.Error())
	}

	principalCreated := false
	if existing == nil && a.HasStanding && !w.led.PrincipalExists(a.ID) {
		w.led.CreatePrincipal(a.ID, 0, nil)
		w.diskQuotas[a.ID] = w.cfg.Principals.StartingDiskQuotaBytes
		w.libraries[a.ID] = []map[string]any{}
		principalCreated = true
	}

	verb := "created"
	if existing != nil {
		verb = "updated"
	}
	return okData(fmt.Sprintf("%s artifact %q", verb, a.ID), map[string]any{
		"artifact_id":       a.ID,
		"size_bytes":        newSize,
		"was_update":        existing != nil,
		"principal_created": principalCreated,
	})
}

func (e *executor) edit(in actions.EditArtifact) Result {
	w := e.w
	a, err := w.store.GetLive(in.ArtifactID)
	if err != nil {
		return rejected(CodeNotFound, "artifact not found")
	}
	if a.KernelProtected {
		return rejected(CodePermissionDenied, "artifact is kernel_protected")
	}
	perm := w.engine.Check(in.Actor(), contracts.ActionEdit, a, "", nil)
	if !perm.Allowed {
		return rejected(CodePermissionDenied, "edit not allowed: "+perm.Reason)
	}

	delta := int64(len(in.NewString)) - int64(len(in.OldString))
	if delta > 0 && w.availableDiskLocked(in.Actor()) < delta {
		return retriable(CodeQuotaExceeded, "disk quota exceeded")
	}

	if err := w.store.Edit(in.ArtifactID, in.OldString, in.NewString); err != nil {
		switch {
		case errors.Is(err, artifacts.ErrOldStringMissing):
			return rejected(CodeInvalidArgument, "old_string not found in content")
		case errors.Is(err, artifacts.ErrOldStringAmbiguous):
			return rejected(CodeInvalidArgument, "old_string matches more than once")
		default:
			return rejected(CodeInvalidArgument, err.Error())
		}
	}
	return okData(fmt.Sprintf("edited %q", in.ArtifactID), map[string]any{"size_delta": delta})
}

func (e *executor) delete(in actions.DeleteArtifact) Result {
	w := e.w
	a, err := w.store.Get(in.ArtifactID)
	if err != nil {
		return rejected(CodeNotFound, fmt.Sprintf("artifact %q not found", in.ArtifactID))
	}
	if a.KernelProtected || w.services[in.ArtifactID] != nil {
		return rejected(CodePermissionDenied, "cannot delete kernel artifact")
	}
	if a.Deleted {
		return rejected(CodeNotFound, "artifact already deleted")
	}
	perm := w.engine.Check(in.Actor(), contracts.ActionDelete, a, "", nil)
	if !perm.Allowed {
		return rejected(CodePermissionDenied, "delete not allowed: "+perm.Reason)
	}

	freed := a.SizeBytes()
	w.store.SoftDelete(in.ArtifactID, in.Actor())
	return okData(fmt.Sprintf("deleted %q", in.ArtifactID), map[string]any{"freed_bytes": freed})
}

func (e *executor) invoke(ctx context.Context, in actions.InvokeArtifact) Result {
	w := e.w

	if svc := w.services[in.ArtifactID]; svc != nil {
		return e.invokeService(ctx, svc, in)
	}

	a, err := w.store.GetLive(in.ArtifactID)
	if err != nil {
		return rejected(CodeNotFound, fmt.Sprintf("artifact %q not found", in.ArtifactID))
	}
	if !a.Executable {
		return rejected(CodeInvalidArgument, fmt.Sprintf("artifact %q is not executable", a.ID))
	}

	if in.Method == "describe" {
		return okData(fmt.Sprintf("interface for %q", a.ID), map[string]any{
			"artifact_id": a.ID,
			"type":        a.Type,
			"owner":       a.Owner,
			"interface":   a.Interface,
			"description": a.Content,
		})
	}

	perm := w.engine.Check(in.Actor(), contracts.ActionInvoke, a, in.Method, in.Args)
	if !perm.Allowed {
		return rejected(CodePermissionDenied, "invoke not allowed: "+perm.Reason)
	}

	price := a.InvokePrice
	if perm.ScripCost > 0 {
		price += perm.ScripCost
	}

	chargeTo, _ := a.Metadata["charge_to"].(string)
	payer, err := ResolvePayer(chargeTo, in.Actor(), a)
	if err != nil {
		return rejected(CodeInvalidArgument, err.Error())
	}
	if payer != in.Actor() {
		authorized, reason := w.delegations.Authorize(payer, in.Actor(), float64(price))
		if !authorized {
			return rejected(CodePermissionDenied, "delegation denied: "+reason)
		}
	}
	if price > 0 && !w.led.CanAffordScrip(payer, price) {
		return retriable(CodeInsufficientFunds, "insufficient scrip for invoke price")
	}

	if w.invokeDepth >= w.maxInvokeDepth {
		return rejected(CodeRuntimeError, fmt.Sprintf("invoke depth %d exceeded", w.maxInvokeDepth))
	}
	if w.box == nil {
		return rejected(CodeRuntimeError, "sandbox not configured")
	}
	code, err := a.CodeBytes()
	if err != nil {
		return rejected(CodeInvalidCode, "artifact code is not valid base64")
	}

	w.invokeDepth++
	outcome, execErr := w.box.Invoke(ctx, code, sandbox.Invocation{
		Method: in.Method,
		Args:   in.Args,
		Caller: in.Actor(),
	})
	w.invokeDepth--

	var cpu float64
	if outcome != nil {
		cpu = outcome.CPUSeconds
	}
	var consumed map[string]float64
	if cpu > 0 {
		// Wall time is charged even when execution failed.
		w.led.ConsumeWindow(payer, ResourceCPUSeconds, cpu)
		consumed = map[string]float64{ResourceCPUSeconds: cpu}
	}

	if execErr != nil {
		return Result{
			Success:   false,
			Message:   "execution failed: " + execErr.Error(),
			Code:      CodeRuntimeError,
			ChargedTo: payer,
			Resources: consumed,
		}
	}

	recipient := perm.ScripRecipient
	if recipient == "" {
		recipient = a.Owner
	}
	if price > 0 && recipient != payer {
		w.led.TransferScrip(payer, recipient, price)
	}
	if payer != in.Actor() && price > 0 {
		w.delegations.RecordCharge(payer, in.Actor(), float64(price))
	}

	return Result{
		Success: true,
		Message: fmt.Sprintf("invoked %q", a.ID),
		Data: map[string]any{
			"result":     outcome.Result,
			"price_paid": price,
			"recipient":  recipient,
		},
		ChargedTo: payer,
		Resources: consumed,
	}
}

func (e *executor) invokeService(ctx context.Context, svc *kernelService, in actions.InvokeArtifact) Result {
	payload := svc.handler(ctx, in.Args, in.Actor())
	success, _ := payload["success"].(bool)
	if success {
		return okData(fmt.Sprintf("invoked %s.%s", in.ArtifactID, in.Method), payload)
	}
	message, _ := payload["error"].(string)
	if message == "" {
		message = "service failed"
	}
	code, _ := payload["error_code"].(string)
	res := rejected(code, message)
	res.Data = payload
	return res
}

func (e *executor) query(in actions.QueryKernel) Result {
	payload := e.w.runQuery(in.QueryType, in.Params)
	if success, _ := payload["success"].(bool); success {
		return okData(fmt.Sprintf("query %q succeeded", in.QueryType), payload)
	}
	message, _ := payload["error"].(string)
	code, _ := payload["error_code"].(string)
	res := rejected(code, message)
	res.Data = payload
	return res
}

func (e *executor) transfer(in actions.Transfer) Result {
	w := e.w
	if !w.led.PrincipalExists(in.Actor()) {
		return rejected(CodeNotFound, "sender is not a principal")
	}
	if !w.led.PrincipalExists(in.RecipientID) {
		return rejected(CodeNotFound, "recipient is not a principal")
	}
	if !w.led.TransferScrip(in.Actor(), in.RecipientID, in.Amount) {
		return retriable(CodeInsufficientFunds, "insufficient funds")
	}
	return okData(fmt.Sprintf("transferred %d scrip to %s", in.Amount, in.RecipientID), map[string]any{
		"recipient_id": in.RecipientID,
		"amount":       in.Amount,
	})
}

func (e *executor) mint(in actions.Mint) Result {
	w := e.w
	minter, err := w.store.Get(in.Actor())
	if err != nil {
		return rejected(CodeNotFound, "minter artifact not found")
	}
	if !containsString(minter.Capabilities, "can_mint") {
		return rejected(CodePermissionDenied, "caller lacks can_mint capability")
	}
	if !w.led.PrincipalExists(in.RecipientID) {
		return rejected(CodeNotFound, "recipient is not a principal")
	}
	w.led.CreditScrip(in.RecipientID, in.Amount)
	return okData(fmt.Sprintf("minted %d to %s", in.Amount, in.RecipientID), map[string]any{
		"recipient_id": in.RecipientID,
		"amount":       in.Amount,
		"reason":       in.Reason,
	})
}

func (e *executor) submitToMint(in actions.SubmitToMint) Result {
	w := e.w
	if w.auction == nil {
		return rejected(CodeNotEnabled, "mint auction disabled")
	}
	submissionID, err := w.auction.Submit(in.Actor(), in.ArtifactID, in.Bid)
	if err != nil {
		switch {
		case errors.Is(err, mint.ErrArtifactNotFound):
			return rejected(CodeNotFound, err.Error())
		case errors.Is(err, mint.ErrInsufficientFunds):
			return retriable(CodeInsufficientFunds, err.Error())
		case errors.Is(err, mint.ErrNotAuthorized):
			return rejected(CodePermissionDenied, err.Error())
		default:
			return retriable(CodeInvalidArgument, err.Error())
		}
	}
	return okData(fmt.Sprintf("submitted to mint as %s", submissionID), map[string]any{
		"submission_id": submissionID,
	})
}

func (e *executor) updateMetadata(in actions.UpdateMetadata) Result {
	w := e.w
	a, err := w.store.GetLive(in.ArtifactID)
	if err != nil {
		return rejected(CodeNotFound, "artifact not found")
	}
	if a.KernelProtected {
		return rejected(CodePermissionDenied, "artifact is kernel_protected")
	}
	perm := w.engine.Check(in.Actor(), contracts.ActionWrite, a, "", nil)
	if !perm.Allowed {
		return rejected(CodePermissionDenied, "metadata update not allowed: "+perm.Reason)
	}

	if in.Value == nil {
		delete(a.Metadata, in.Key)
	} else {
		a.Metadata[in.Key] = in.Value
	}
	a.UpdatedAt = w.now()
	return okData(fmt.Sprintf("metadata %q updated", in.Key), map[string]any{
		"artifact_id": in.ArtifactID,
		"key":         in.Key,
	})
}

// subscription maintains the subscribed_artifacts list inside the caller's
// profile artifact (the artifact whose id equals the principal id).
func (e *executor) subscription(principal, artifactID string, subscribe bool) Result {
	w := e.w
	profile, err := w.store.GetLive(principal)
	if err != nil {
		return rejected(CodeNotFound, fmt.Sprintf("profile artifact %q not found", principal))
	}
	if subscribe {
		if _, err := w.store.GetLive(artifactID); err != nil {
			return rejected(CodeNotFound, fmt.Sprintf("artifact %q not found", artifactID))
		}
	}

	var profileState map[string]any
	if err := json.Unmarshal([]byte(profile.Content), &profileState); err != nil || profileState == nil {
		profileState = map[string]any{}
	}
	var subscribed []string
	if raw, isList := profileState["subscribed_artifacts"].([]any); isList {
		for _, item := range raw {
			if s, isString := item.(string); isString {
				subscribed = append(subscribed, s)
			}
		}
	}

	var message string
	if subscribe {
		if containsString(subscribed, artifactID) {
			message = fmt.Sprintf("already subscribed to %q", artifactID)
		} else {
			subscribed = append(subscribed, artifactID)
			message = fmt.Sprintf("subscribed to %q", artifactID)
		}
	} else {
		found := false
		kept := subscribed[:0]
		for _, id := range subscribed {
			if id == artifactID {
				found = true
				continue
			}
			kept = append(kept, id)
		}
		subscribed = kept
		if found {
			message = fmt.Sprintf("unsubscribed from %q", artifactID)
		} else {
			message = fmt.Sprintf("not subscribed to %q", artifactID)
		}
	}

	if subscribed == nil {
		subscribed = []string{}
	}
	profileState["subscribed_artifacts"] = subscribed
	encoded, err := json.Marshal(profileState)
	if err != nil {
		return rejected(CodeRuntimeError, "profile serialization failed")
	}
	w.store.ModifyProtectedContent(principal, string(encoded))
	return okData(message, map[string]any{"subscribed_artifacts": subscribed})
}
