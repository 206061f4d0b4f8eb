package world

// Rejection codes carried on failed results. The first six are recoverable
// and resolve to a logged rejection; only an event log append failure is
// fatal to the tick.
const (
	CodeMalformed         = "malformed_action"
	CodePermissionDenied  = "permission_denied"
	CodeInsufficientFunds = "insufficient_funds"
	CodeRateExceeded      = "rate_exceeded"
	CodeNotFound          = "not_found"
	CodeProviderError     = "provider_error"
	CodeLLMTimeout        = "llm_timeout"

	CodeQuotaExceeded   = "quota_exceeded"
	CodeInvalidArgument = "invalid_argument"
	CodeInvalidCode     = "invalid_code"
	CodeRuntimeError    = "runtime_error"
	CodeNotEnabled      = "not_enabled"
)

// Result is the outcome of one executed action.
type Result struct {
	Success   bool
	Message   string
	Data      map[string]any
	Code      string
	Retriable bool
	// ChargedTo is the principal the action's costs were attributed to.
	// Empty means the actor itself.
	ChargedTo string
	// Resources holds metered consumption caused by the action, keyed by
	// resource name.
	Resources map[string]float64
}

func ok(message string) Result {
	return Result{Success: true, Message: message}
}

func okData(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

func rejected(code, message string) Result {
	return Result{Success: false, Message: message, Code: code}
}

func retriable(code, message string) Result {
	return Result{Success: false, Message: message, Code: code, Retriable: true}
}

// Map renders the result the way kernel services and the event log carry it.
func (r Result) Map() map[string]any {
	out := map[string]any{
		"success": r.Success,
		"message": r.Message,
	}
	if r.Data != nil {
		out["data"] = r.Data
	}
	if !r.Success {
		out["error"] = r.Message
		if r.Code != "" {
			out["error_code"] = r.Code
		}
		out["retriable"] = r.Retriable
	}
	if r.ChargedTo != "" {
		out["charged_to"] = r.ChargedTo
	}
	if len(r.Resources) > 0 {
		out["resources_consumed"] = r.Resources
	}
	return out
}
