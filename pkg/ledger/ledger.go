// Package ledger tracks per-principal scrip and named resource balances.
// It is the single authority for balances: every debit and credit in the
// kernel flows through it, and debits are all-or-nothing.
package ledger

import (
	"sync"
	"time"

	"github.com/BrianMills2718/agent-ecology3/pkg/rates"
)

// ResourceLLMBudget is the named resource holding spendable LLM budget.
const ResourceLLMBudget = "llm_budget"

// SystemPrefix marks accounts excluded from UBI distribution.
const SystemPrefix = "SYSTEM"

// LLMCharge records one LLM-budget debit. Cost is the attributed cost of the
// call; MarginalCost is the actual incremental spend (zero on a cache hit).
type LLMCharge struct {
	Principal    string    `json:"principal_id"`
	Cost         float64   `json:"cost"`
	MarginalCost float64   `json:"marginal_cost"`
	At           time.Time `json:"at"`
}

const maxRetainedCharges = 1000

// Ledger holds balances and owns the rate tracker used for windowed
// resources. All methods are safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	rates *rates.Tracker
	scrip map[string]int64
	// resources[principal][resource] holds float-valued stock resources.
	resources map[string]map[string]float64
	// caps[resource] is an optional upper bound applied on credit.
	caps map[string]float64
	// order preserves principal creation order for deterministic payouts.
	order   []string
	charges []LLMCharge
	now     func() time.Time
}

// New creates a ledger backed by the given rate tracker.
func New(tracker *rates.Tracker) *Ledger {
	return &Ledger{
		rates:     tracker,
		scrip:     make(map[string]int64),
		resources: make(map[string]map[string]float64),
		caps:      make(map[string]float64),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SetResourceCap bounds a resource so credits clamp at the cap.
func (l *Ledger) SetResourceCap(resource string, cap float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caps[resource] = cap
}

// CreatePrincipal registers an account with starting balances. Creating an
// existing principal is a no-op for balances that already exist.
func (l *Ledger) CreatePrincipal(principal string, startingScrip int64, startingResources map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLocked(principal, startingScrip)
	for name, v := range startingResources {
		l.resources[principal][name] = v
	}
}

func (l *Ledger) ensureLocked(principal string, startingScrip int64) {
	if _, ok := l.scrip[principal]; !ok {
		l.scrip[principal] = startingScrip
		l.order = append(l.order, principal)
	}
	if l.resources[principal] == nil {
		l.resources[principal] = make(map[string]float64)
	}
}

// EnsurePrincipal registers an account with zero balances if absent.
func (l *Ledger) EnsurePrincipal(principal string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLocked(principal, 0)
}

// PrincipalExists reports whether the account is registered.
func (l *Ledger) PrincipalExists(principal string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.scrip[principal]
	return ok
}

// Principals returns all account ids in creation order.
func (l *Ledger) Principals() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// ---- scrip ----

// Scrip returns the scrip balance (zero for unknown accounts).
func (l *Ledger) Scrip(principal string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scrip[principal]
}

// AllScrip returns a snapshot of every scrip balance.
func (l *Ledger) AllScrip() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.scrip))
	for k, v := range l.scrip {
		out[k] = v
	}
	return out
}

// CanAffordScrip reports whether principal holds at least amount.
func (l *Ledger) CanAffordScrip(principal string, amount int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scrip[principal] >= amount
}

// CreditScrip adds amount to the account, creating it if needed.
func (l *Ledger) CreditScrip(principal string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLocked(principal, 0)
	l.scrip[principal] += amount
}

// DebitScrip subtracts amount atomically. Returns false and changes
// nothing when amount is negative or exceeds the balance.
func (l *Ledger) DebitScrip(principal string, amount int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount < 0 || l.scrip[principal] < amount {
		return false
	}
	l.scrip[principal] -= amount
	return true
}

// TransferScrip moves amount between accounts atomically.
func (l *Ledger) TransferScrip(from, to string, amount int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount <= 0 || l.scrip[from] < amount {
		return false
	}
	l.scrip[from] -= amount
	l.ensureLocked(to, 0)
	l.scrip[to] += amount
	return true
}

// DistributeUBI splits amount evenly across non-SYSTEM principals, excluding
// the given ids. The integer remainder goes to the earliest-created
// recipients so the distributed total equals amount exactly.
func (l *Ledger) DistributeUBI(amount int64, exclude ...string) map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	var recipients []string
	for _, id := range l.order {
		if len(id) >= len(SystemPrefix) && id[:len(SystemPrefix)] == SystemPrefix {
			continue
		}
		if excluded[id] {
			continue
		}
		recipients = append(recipients, id)
	}
	if amount <= 0 || len(recipients) == 0 {
		return map[string]int64{}
	}

	per := amount / int64(len(recipients))
	rem := amount % int64(len(recipients))
	payout := make(map[string]int64)
	for i, id := range recipients {
		share := per
		if int64(i) < rem {
			share++
		}
		if share > 0 {
			l.scrip[id] += share
			payout[id] = share
		}
	}
	return payout
}

// ---- generic resources ----

// Resource returns the balance of a named stock resource.
func (l *Ledger) Resource(principal, resource string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resources[principal][resource]
}

// SetResource overwrites a resource balance.
func (l *Ledger) SetResource(principal, resource string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLocked(principal, 0)
	l.resources[principal][resource] = amount
}

// CreditResource adds amount, clamping at the resource cap when one is
// configured. Returns the delta actually applied.
func (l *Ledger) CreditResource(principal, resource string, amount float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLocked(principal, 0)
	next := l.resources[principal][resource] + amount
	if cap, capped := l.caps[resource]; capped && next > cap {
		next = cap
	}
	applied := next - l.resources[principal][resource]
	l.resources[principal][resource] = next
	return applied
}

// CanSpendResource reports whether the balance covers amount.
func (l *Ledger) CanSpendResource(principal, resource string, amount float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resources[principal][resource] >= amount
}

// SpendResource subtracts amount atomically; false leaves the balance
// untouched.
func (l *Ledger) SpendResource(principal, resource string, amount float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount < 0 || l.resources[principal][resource] < amount {
		return false
	}
	l.resources[principal][resource] -= amount
	return true
}

// AllResources returns a snapshot of a principal's stock resources.
func (l *Ledger) AllResources(principal string) map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.resources[principal]))
	for k, v := range l.resources[principal] {
		out[k] = v
	}
	return out
}

// ---- llm budget ----

// LLMBudget returns the spendable LLM budget.
func (l *Ledger) LLMBudget(principal string) float64 {
	return l.Resource(principal, ResourceLLMBudget)
}

// CanAffordLLMCall reports whether the budget covers estimatedCost.
func (l *Ledger) CanAffordLLMCall(principal string, estimatedCost float64) bool {
	return l.CanSpendResource(principal, ResourceLLMBudget, estimatedCost)
}

// DebitLLMCost debits marginalCost from the LLM budget and records the
// charge with both the attributed cost and the marginal cost, so accounting
// and analytics never conflate the two.
func (l *Ledger) DebitLLMCost(principal string, cost, marginalCost float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if marginalCost < 0 || l.resources[principal][ResourceLLMBudget] < marginalCost {
		return false
	}
	l.resources[principal][ResourceLLMBudget] -= marginalCost
	l.charges = append(l.charges, LLMCharge{
		Principal:    principal,
		Cost:         cost,
		MarginalCost: marginalCost,
		At:           l.now(),
	})
	if len(l.charges) > maxRetainedCharges {
		l.charges = l.charges[len(l.charges)-maxRetainedCharges:]
	}
	return true
}

// LLMCharges returns up to limit most recent charges for a principal.
func (l *Ledger) LLMCharges(principal string, limit int) []LLMCharge {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LLMCharge
	for i := len(l.charges) - 1; i >= 0 && len(out) < limit; i-- {
		if l.charges[i].Principal == principal {
			out = append(out, l.charges[i])
		}
	}
	return out
}

// ---- windowed resources (delegated to the rate tracker) ----

// ConsumeWindow records windowed usage atomically against capacity.
func (l *Ledger) ConsumeWindow(principal, resource string, amount float64) bool {
	return l.rates.Consume(principal, resource, amount)
}

// RefundWindow credits back prior windowed usage.
func (l *Ledger) RefundWindow(principal, resource string, amount float64) bool {
	return l.rates.Refund(principal, resource, amount)
}

// WindowRemaining returns remaining window capacity.
func (l *Ledger) WindowRemaining(principal, resource string) float64 {
	return l.rates.Remaining(principal, resource)
}

// WindowRetryAfter returns how long until amount would fit in the window.
func (l *Ledger) WindowRetryAfter(principal, resource string, amount float64) time.Duration {
	return l.rates.TimeUntilCapacity(principal, resource, amount)
}

// Rates exposes the underlying tracker for read-side limit queries.
func (l *Ledger) Rates() *rates.Tracker {
	return l.rates
}

// Balances is the combined snapshot used by state queries.
type Balances struct {
	Scrip     int64              `json:"scrip"`
	Resources map[string]float64 `json:"resources"`
}

// AllBalances returns a full snapshot keyed by principal.
func (l *Ledger) AllBalances() map[string]Balances {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Balances, len(l.order))
	for _, id := range l.order {
		res := make(map[string]float64, len(l.resources[id]))
		for k, v := range l.resources[id] {
			res[k] = v
		}
		out[id] = Balances{Scrip: l.scrip[id], Resources: res}
	}
	return out
}

// TotalScrip sums every account, for conservation checks and summaries.
func (l *Ledger) TotalScrip() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, v := range l.scrip {
		total += v
	}
	return total
}
