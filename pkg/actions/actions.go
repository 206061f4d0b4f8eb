// Package actions defines typed action intents and the tolerant parser that
// turns model-produced JSON into them. The parser is the only place untyped
// payloads are handled; everything downstream works with Intent values.
package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind names an action.
type Kind string

const (
	KindNoop           Kind = "noop"
	KindReadArtifact   Kind = "read_artifact"
	KindWriteArtifact  Kind = "write_artifact"
	KindEditArtifact   Kind = "edit_artifact"
	KindDeleteArtifact Kind = "delete_artifact"
	KindInvokeArtifact Kind = "invoke_artifact"
	KindQueryKernel    Kind = "query_kernel"
	KindTransfer       Kind = "transfer"
	KindMint           Kind = "mint"
	KindSubmitToMint   Kind = "submit_to_mint"
	KindUpdateMetadata Kind = "update_metadata"
	KindSubscribe      Kind = "subscribe_artifact"
	KindUnsubscribe    Kind = "unsubscribe_artifact"
	KindCallLLM        Kind = "call_llm"
)

// ErrMalformed wraps every parser rejection so callers can classify it.
var ErrMalformed = errors.New("malformed action")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Intent is one canonical, validated action. Payload renders the intent the
// way it is recorded in the event log; parsing that payload back yields an
// equal intent.
type Intent interface {
	Kind() Kind
	Actor() string
	Payload() map[string]any
}

type base struct {
	Principal string
	Reasoning string
}

func (b base) Actor() string { return b.Principal }

func (b base) payload(kind Kind) map[string]any {
	return map[string]any{
		"action_type":  string(kind),
		"principal_id": b.Principal,
		"reasoning":    b.Reasoning,
	}
}

// Noop does nothing but still produces an event.
type Noop struct{ base }

func NewNoop(principal, reasoning string) Noop {
	return Noop{base{principal, reasoning}}
}

func (n Noop) Kind() Kind              { return KindNoop }
func (n Noop) Payload() map[string]any { return n.payload(KindNoop) }

// ReadArtifact reads an artifact's content, paying its read price.
type ReadArtifact struct {
	base
	ArtifactID string
}

func (r ReadArtifact) Kind() Kind { return KindReadArtifact }
func (r ReadArtifact) Payload() map[string]any {
	p := r.payload(KindReadArtifact)
	p["artifact_id"] = r.ArtifactID
	return p
}

// WriteArtifact creates or overwrites an artifact.
type WriteArtifact struct {
	base
	ArtifactID       string
	ArtifactType     string
	Content          string
	Executable       bool
	Code             string
	ReadPrice        int64
	InvokePrice      int64
	AccessContractID string
	Metadata         map[string]any
	Interface        map[string]any
	HasStanding      bool
	HasLoop          bool
	Capabilities     []string
	DependsOn        []string
}

func (w WriteArtifact) Kind() Kind { return KindWriteArtifact }
func (w WriteArtifact) Payload() map[string]any {
	p := w.payload(KindWriteArtifact)
	p["artifact_id"] = w.ArtifactID
	p["artifact_type"] = w.ArtifactType
	p["content"] = w.Content
	p["executable"] = w.Executable
	p["code"] = w.Code
	p["read_price"] = w.ReadPrice
	p["invoke_price"] = w.InvokePrice
	if w.AccessContractID != "" {
		p["access_contract_id"] = w.AccessContractID
	}
	if w.Metadata != nil {
		p["metadata"] = w.Metadata
	}
	if w.Interface != nil {
		p["interface"] = w.Interface
	}
	p["has_standing"] = w.HasStanding
	p["has_loop"] = w.HasLoop
	if len(w.Capabilities) > 0 {
		p["capabilities"] = w.Capabilities
	}
	if len(w.DependsOn) > 0 {
		p["depends_on"] = w.DependsOn
	}
	return p
}

// EditArtifact replaces one unique occurrence of OldString.
type EditArtifact struct {
	base
	ArtifactID string
	OldString  string
	NewString  string
}

func (e EditArtifact) Kind() Kind { return KindEditArtifact }
func (e EditArtifact) Payload() map[string]any {
	p := e.payload(KindEditArtifact)
	p["artifact_id"] = e.ArtifactID
	p["old_string"] = e.OldString
	p["new_string"] = e.NewString
	return p
}

// DeleteArtifact soft-deletes an artifact.
type DeleteArtifact struct {
	base
	ArtifactID string
}

func (d DeleteArtifact) Kind() Kind { return KindDeleteArtifact }
func (d DeleteArtifact) Payload() map[string]any {
	p := d.payload(KindDeleteArtifact)
	p["artifact_id"] = d.ArtifactID
	return p
}

// InvokeArtifact executes an executable artifact or a kernel service.
type InvokeArtifact struct {
	base
	ArtifactID string
	Method     string
	Args       []any
}

func (i InvokeArtifact) Kind() Kind { return KindInvokeArtifact }
func (i InvokeArtifact) Payload() map[string]any {
	p := i.payload(KindInvokeArtifact)
	p["artifact_id"] = i.ArtifactID
	p["method"] = i.Method
	args := i.Args
	if args == nil {
		args = []any{}
	}
	p["args"] = args
	return p
}

// QueryKernel is a read-only query over world state.
type QueryKernel struct {
	base
	QueryType string
	Params    map[string]any
}

func (q QueryKernel) Kind() Kind { return KindQueryKernel }
func (q QueryKernel) Payload() map[string]any {
	p := q.payload(KindQueryKernel)
	p["query_type"] = q.QueryType
	params := q.Params
	if params == nil {
		params = map[string]any{}
	}
	p["params"] = params
	return p
}

// Transfer moves scrip to another principal.
type Transfer struct {
	base
	RecipientID string
	Amount      int64
	Memo        string
}

func (t Transfer) Kind() Kind { return KindTransfer }
func (t Transfer) Payload() map[string]any {
	p := t.payload(KindTransfer)
	p["recipient_id"] = t.RecipientID
	p["amount"] = t.Amount
	if t.Memo != "" {
		p["memo"] = t.Memo
	}
	return p
}

// Mint creates scrip directly. Requires the mint capability; ordinary
// principals are always denied.
type Mint struct {
	base
	RecipientID string
	Amount      int64
	Reason      string
}

func (m Mint) Kind() Kind { return KindMint }
func (m Mint) Payload() map[string]any {
	p := m.payload(KindMint)
	p["recipient_id"] = m.RecipientID
	p["amount"] = m.Amount
	p["reason"] = m.Reason
	return p
}

// SubmitToMint places an auction bid backed by an artifact.
type SubmitToMint struct {
	base
	ArtifactID string
	Bid        int64
}

func (s SubmitToMint) Kind() Kind { return KindSubmitToMint }
func (s SubmitToMint) Payload() map[string]any {
	p := s.payload(KindSubmitToMint)
	p["artifact_id"] = s.ArtifactID
	p["bid"] = s.Bid
	return p
}

// UpdateMetadata sets one metadata key on an artifact.
type UpdateMetadata struct {
	base
	ArtifactID string
	Key        string
	Value      any
}

func (u UpdateMetadata) Kind() Kind { return KindUpdateMetadata }
func (u UpdateMetadata) Payload() map[string]any {
	p := u.payload(KindUpdateMetadata)
	p["artifact_id"] = u.ArtifactID
	p["key"] = u.Key
	p["value"] = u.Value
	return p
}

// SubscribeArtifact adds an artifact to the caller's profile watch list.
type SubscribeArtifact struct {
	base
	ArtifactID string
}

func (s SubscribeArtifact) Kind() Kind { return KindSubscribe }
func (s SubscribeArtifact) Payload() map[string]any {
	p := s.payload(KindSubscribe)
	p["artifact_id"] = s.ArtifactID
	return p
}

// UnsubscribeArtifact removes an artifact from the caller's watch list.
type UnsubscribeArtifact struct {
	base
	ArtifactID string
}

func (u UnsubscribeArtifact) Kind() Kind { return KindUnsubscribe }
func (u UnsubscribeArtifact) Payload() map[string]any {
	p := u.payload(KindUnsubscribe)
	p["artifact_id"] = u.ArtifactID
	return p
}

// CallLLM invokes the external LLM capability, metered against the caller's
// budget.
type CallLLM struct {
	base
	Prompt    string
	Model     string
	MaxTokens int64
}

func (c CallLLM) Kind() Kind { return KindCallLLM }
func (c CallLLM) Payload() map[string]any {
	p := c.payload(KindCallLLM)
	p["prompt"] = c.Prompt
	if c.Model != "" {
		p["model"] = c.Model
	}
	if c.MaxTokens > 0 {
		p["max_tokens"] = c.MaxTokens
	}
	return p
}

// ---- parsing ----

// knownQueryTypes are the query_kernel sub-types answered directly.
var knownQueryTypes = map[string]bool{
	"artifacts": true, "artifact": true,
	"principals": true, "principal": true,
	"balances": true, "resources": true, "quotas": true,
	"mint": true, "events": true, "frozen": true,
	"libraries": true, "dependencies": true,
}

// ParseJSON parses a raw JSON action produced for principal. All rejections
// wrap ErrMalformed.
func ParseJSON(principal, raw string) (Intent, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		var syn any
		if json.Unmarshal([]byte(raw), &syn) == nil {
			return nil, malformed("action payload must be a JSON object")
		}
		return nil, malformed("invalid JSON: %v", err)
	}
	return ParsePayload(principal, data)
}

// ParsePayload normalizes and validates an already-decoded payload.
func ParsePayload(principal string, payload map[string]any) (Intent, error) {
	data := normalize(principal, payload)
	kind := Kind(asTrimmedLower(data["action_type"]))
	reasoning, _ := data["reasoning"].(string)
	b := base{Principal: principal, Reasoning: reasoning}

	switch kind {
	case KindNoop:
		return Noop{b}, nil

	case KindReadArtifact:
		id, ok := nonEmptyString(data["artifact_id"])
		if !ok {
			return nil, malformed("read_artifact requires 'artifact_id'")
		}
		return ReadArtifact{b, id}, nil

	case KindWriteArtifact:
		return parseWrite(b, data)

	case KindEditArtifact:
		id, ok := nonEmptyString(data["artifact_id"])
		if !ok {
			return nil, malformed("edit_artifact requires 'artifact_id'")
		}
		old, ok := data["old_string"].(string)
		if !ok {
			return nil, malformed("edit_artifact requires 'old_string'")
		}
		new, ok := data["new_string"].(string)
		if !ok {
			return nil, malformed("edit_artifact requires 'new_string'")
		}
		if old == new {
			return nil, malformed("edit_artifact old_string and new_string must differ")
		}
		return EditArtifact{b, id, old, new}, nil

	case KindDeleteArtifact:
		id, ok := nonEmptyString(data["artifact_id"])
		if !ok {
			return nil, malformed("delete_artifact requires 'artifact_id'")
		}
		return DeleteArtifact{b, id}, nil

	case KindInvokeArtifact:
		id, ok := nonEmptyString(data["artifact_id"])
		if !ok {
			return nil, malformed("invoke_artifact requires 'artifact_id'")
		}
		method, ok := nonEmptyString(data["method"])
		if !ok {
			return nil, malformed("invoke_artifact requires 'method'")
		}
		var args []any
		switch v := data["args"].(type) {
		case nil:
			args = []any{}
		case []any:
			args = v
		default:
			return nil, malformed("invoke_artifact 'args' must be a list")
		}
		return InvokeArtifact{b, id, method, args}, nil

	case KindQueryKernel:
		qt, ok := nonEmptyString(data["query_type"])
		if !ok {
			return nil, malformed("query_kernel requires 'query_type'")
		}
		params, ok := data["params"].(map[string]any)
		if !ok {
			if data["params"] != nil {
				return nil, malformed("query_kernel params must be an object")
			}
			params = map[string]any{}
		}
		return QueryKernel{b, qt, params}, nil

	case KindTransfer:
		recipient, ok := nonEmptyString(data["recipient_id"])
		if !ok {
			return nil, malformed("transfer requires 'recipient_id'")
		}
		amount, ok := coerceInt(data["amount"])
		if !ok || amount <= 0 {
			return nil, malformed("transfer requires positive integer 'amount'")
		}
		memo, _ := data["memo"].(string)
		return Transfer{b, recipient, amount, memo}, nil

	case KindMint:
		recipient, ok := nonEmptyString(data["recipient_id"])
		if !ok {
			return nil, malformed("mint requires 'recipient_id'")
		}
		amount, ok := coerceInt(data["amount"])
		if !ok || amount <= 0 {
			return nil, malformed("mint requires positive integer 'amount'")
		}
		reason, ok := nonEmptyString(data["reason"])
		if !ok {
			return nil, malformed("mint requires 'reason'")
		}
		return Mint{b, recipient, amount, reason}, nil

	case KindSubmitToMint:
		id, ok := nonEmptyString(data["artifact_id"])
		if !ok {
			return nil, malformed("submit_to_mint requires 'artifact_id'")
		}
		bid, ok := coerceInt(data["bid"])
		if !ok || bid <= 0 {
			return nil, malformed("submit_to_mint requires positive integer 'bid'")
		}
		return SubmitToMint{b, id, bid}, nil

	case KindUpdateMetadata:
		id, ok := nonEmptyString(data["artifact_id"])
		if !ok {
			return nil, malformed("update_metadata requires 'artifact_id'")
		}
		key, ok := nonEmptyString(data["key"])
		if !ok {
			return nil, malformed("update_metadata requires 'key'")
		}
		return UpdateMetadata{b, id, key, data["value"]}, nil

	case KindSubscribe:
		id, ok := nonEmptyString(data["artifact_id"])
		if !ok {
			return nil, malformed("subscribe_artifact requires 'artifact_id'")
		}
		return SubscribeArtifact{b, id}, nil

	case KindUnsubscribe:
		id, ok := nonEmptyString(data["artifact_id"])
		if !ok {
			return nil, malformed("unsubscribe_artifact requires 'artifact_id'")
		}
		return UnsubscribeArtifact{b, id}, nil

	case KindCallLLM:
		prompt, ok := nonEmptyString(data["prompt"])
		if !ok {
			return nil, malformed("call_llm requires 'prompt'")
		}
		model, _ := data["model"].(string)
		maxTokens, _ := coerceInt(data["max_tokens"])
		return CallLLM{b, prompt, model, maxTokens}, nil
	}

	return nil, malformed("unknown action_type %q", kind)
}

func parseWrite(b base, data map[string]any) (Intent, error) {
	id, ok := nonEmptyString(data["artifact_id"])
	if !ok {
		return nil, malformed("write_artifact requires 'artifact_id'")
	}
	artifactType, _ := data["artifact_type"].(string)
	if artifactType == "" {
		artifactType = "generic"
	}
	content, ok := data["content"].(string)
	if !ok && data["content"] != nil {
		// Non-string content is preserved as JSON rather than rejected.
		raw, err := json.Marshal(data["content"])
		if err != nil {
			return nil, malformed("write_artifact content is not serializable")
		}
		content = string(raw)
	}
	executable, _ := data["executable"].(bool)
	code, _ := data["code"].(string)
	if executable && code == "" {
		return nil, malformed("write_artifact executable=true requires 'code'")
	}
	readPrice, _ := coerceInt(data["read_price"])
	invokePrice, invokeOK := coerceInt(data["invoke_price"])
	if !invokeOK {
		invokePrice, _ = coerceInt(data["price"])
	}
	contractID, ok := data["access_contract_id"].(string)
	if !ok && data["access_contract_id"] != nil {
		return nil, malformed("access_contract_id must be a string or null")
	}
	metadata, ok := data["metadata"].(map[string]any)
	if !ok && data["metadata"] != nil {
		return nil, malformed("metadata must be an object or null")
	}
	iface, ok := data["interface"].(map[string]any)
	if !ok && data["interface"] != nil {
		return nil, malformed("interface must be an object or null")
	}
	hasStanding, _ := data["has_standing"].(bool)
	hasLoop, _ := data["has_loop"].(bool)
	capabilities, err := stringList(data["capabilities"])
	if err != nil {
		return nil, malformed("capabilities must be a list of strings")
	}
	dependsOn, err := stringList(data["depends_on"])
	if err != nil {
		return nil, malformed("depends_on must be a list of strings")
	}
	return WriteArtifact{
		base:             b,
		ArtifactID:       id,
		ArtifactType:     artifactType,
		Content:          content,
		Executable:       executable,
		Code:             code,
		ReadPrice:        readPrice,
		InvokePrice:      invokePrice,
		AccessContractID: contractID,
		Metadata:         metadata,
		Interface:        iface,
		HasStanding:      hasStanding || hasLoop,
		HasLoop:          hasLoop,
		Capabilities:     capabilities,
		DependsOn:        dependsOn,
	}, nil
}

// normalize folds common payload variants into the canonical shape: a
// "parameters" envelope, queryType/recipient/fn aliases, an "action" alias
// for action_type, and free-text query_kernel sub-types.
func normalize(principal string, payload map[string]any) map[string]any {
	data := make(map[string]any, len(payload))
	for k, v := range payload {
		data[k] = v
	}

	parameters, _ := data["parameters"].(map[string]any)
	for k, v := range parameters {
		if _, exists := data[k]; !exists {
			data[k] = v
		}
	}

	if _, ok := data["query_type"]; !ok {
		if qt, ok := data["queryType"].(string); ok {
			data["query_type"] = qt
		}
	}
	if _, ok := data["recipient_id"]; !ok {
		if r, ok := data["recipient"].(string); ok {
			data["recipient_id"] = r
		}
	}
	if _, ok := data["method"]; !ok {
		if fn, ok := data["fn"].(string); ok {
			data["method"] = fn
		}
	}

	actionType := asTrimmedLower(data["action_type"])
	if alias := asTrimmedLower(data["action"]); alias != "" && alias != string(KindNoop) {
		if actionType == "" || actionType == string(KindNoop) {
			actionType = alias
			data["action_type"] = alias
		}
	}

	if actionType == string(KindQueryKernel) {
		normalizeQuery(principal, data, parameters)
	}
	return data
}

func normalizeQuery(principal string, data map[string]any, parameters map[string]any) {
	params := map[string]any{}
	if raw, ok := data["params"].(map[string]any); ok {
		for k, v := range raw {
			params[k] = v
		}
	}
	if nested, ok := parameters["params"].(map[string]any); ok {
		for k, v := range nested {
			params[k] = v
		}
	}
	for k, v := range parameters {
		if k == "params" {
			continue
		}
		if _, exists := params[k]; !exists {
			params[k] = v
		}
	}

	queryType := asTrimmedLower(data["query_type"])
	if queryType != "" && !knownQueryTypes[queryType] {
		queryType = inferQueryType(principal, queryType, params)
	}
	if queryType == "" {
		if q, ok := data["query"].(string); ok {
			queryType = inferQueryType(principal, q, params)
		} else if q, ok := parameters["query"].(string); ok {
			queryType = inferQueryType(principal, q, params)
		} else {
			queryType = "balances"
			setDefault(params, "principal_id", principal)
		}
	}
	data["query_type"] = queryType
	data["params"] = params
}

// inferQueryType maps free-text query requests onto the nearest supported
// query, seeding default params. The precedence order is fixed so noisy
// generators get stable answers.
func inferQueryType(principal, text string, params map[string]any) string {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if knownQueryTypes[lowered] {
		return lowered
	}
	switch {
	case containsAny(lowered, "mint", "auction", "bid"):
		return "mint"
	case containsAny(lowered, "event", "history", "log", "timeline", "status", "state", "time"):
		setDefault(params, "limit", int64(20))
		return "events"
	case containsAny(lowered, "resource", "quota", "budget", "cpu", "token"):
		setDefault(params, "principal_id", principal)
		return "resources"
	case containsAny(lowered, "balance", "scrip", "currency"):
		setDefault(params, "principal_id", principal)
		return "balances"
	case strings.Contains(lowered, "frozen"):
		return "frozen"
	case strings.Contains(lowered, "library"):
		setDefault(params, "principal_id", principal)
		return "libraries"
	case strings.Contains(lowered, "depend"):
		setDefault(params, "limit", int64(50))
		return "artifacts"
	case containsAny(lowered, "principal", "agent"):
		if strings.Contains(lowered, "self") {
			setDefault(params, "principal_id", principal)
			return "principal"
		}
		return "principals"
	case strings.Contains(lowered, "artifact"):
		setDefault(params, "limit", int64(50))
		return "artifacts"
	}
	setDefault(params, "principal_id", principal)
	return "balances"
}

// ---- helpers ----

func asTrimmedLower(v any) string {
	s, _ := v.(string)
	return strings.ToLower(strings.TrimSpace(s))
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// coerceInt accepts integers however JSON delivered them: float64 with no
// fractional part, int64, or a digit string. Booleans never coerce.
func coerceInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	case string:
		text := strings.TrimSpace(n)
		if text == "" {
			return 0, false
		}
		for _, r := range text {
			if r < '0' || r > '9' {
				return 0, false
			}
		}
		out, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, false
		}
		return out, true
	}
	return 0, false
}

func stringList(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss, nil
		}
		return nil, errors.New("not a list")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			s = fmt.Sprint(item)
		}
		out = append(out, s)
	}
	return out, nil
}

func containsAny(s string, tokens ...string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
