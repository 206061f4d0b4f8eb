//go:build property
// +build property

// Package ledger_test contains property-based tests for the economic
// invariants: scrip conservation, all-or-nothing debits, and window caps.
package ledger_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BrianMills2718/agent-ecology3/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology3/pkg/rates"
)

func newLedger() *ledger.Ledger {
	return ledger.New(rates.NewTracker(time.Minute))
}

// TestTransferConservesScrip verifies transfers never create or destroy
// scrip, whether they succeed or fail.
// Property: TotalScrip() is constant under any transfer sequence.
func TestTransferConservesScrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	accounts := []string{"a", "b", "c", "d"}

	properties.Property("Transfers conserve total scrip", prop.ForAll(
		func(moves []int) bool {
			l := newLedger()
			for _, acct := range accounts {
				l.CreatePrincipal(acct, 100, nil)
			}
			total := l.TotalScrip()

			for i, m := range moves {
				from := accounts[i%len(accounts)]
				to := accounts[(i+1+m%len(accounts))%len(accounts)]
				amount := int64(m % 250) // Some exceed the balance on purpose
				l.TransferScrip(from, to, amount)
			}

			return l.TotalScrip() == total
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestDebitIsAllOrNothing verifies a failed debit leaves the balance
// untouched and a successful one removes exactly the amount.
func TestDebitIsAllOrNothing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Debits never go partial or negative", prop.ForAll(
		func(start, amount int) bool {
			l := newLedger()
			l.CreatePrincipal("p", int64(start), nil)
			before := l.Scrip("p")

			ok := l.DebitScrip("p", int64(amount))
			after := l.Scrip("p")

			if after < 0 {
				return false
			}
			if ok {
				return after == before-int64(amount)
			}
			return after == before
		},
		gen.IntRange(0, 500),
		gen.IntRange(-50, 1000),
	))

	properties.TestingRun(t)
}

// TestWindowCapNeverExceeded verifies the rolling window admits at most its
// configured capacity regardless of how consumption is sliced.
func TestWindowCapNeverExceeded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	const windowCap = 100.0

	properties.Property("Admitted window usage stays under the cap", prop.ForAll(
		func(amounts []int) bool {
			tracker := rates.NewTracker(time.Minute)
			tracker.ConfigureLimit("llm_calls", windowCap)
			l := ledger.New(tracker)
			l.EnsurePrincipal("p")

			admitted := 0.0
			for _, a := range amounts {
				amount := float64(a % 40)
				if amount <= 0 {
					continue
				}
				if l.ConsumeWindow("p", "llm_calls", amount) {
					admitted += amount
				}
			}

			if admitted > windowCap {
				return false
			}
			return l.WindowRemaining("p", "llm_calls") >= 0
		},
		gen.SliceOf(gen.IntRange(1, 1000)),
	))

	properties.TestingRun(t)
}

// TestLLMDebitAllOrNothing verifies budget debits either land in full or
// leave the account untouched, and the balance never goes negative.
func TestLLMDebitAllOrNothing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("llm_budget never goes negative", prop.ForAll(
		func(budgetCents, costCents int) bool {
			l := newLedger()
			budget := float64(budgetCents) / 100
			cost := float64(costCents) / 100
			l.CreatePrincipal("p", 0, map[string]float64{"llm_budget": budget})

			ok := l.DebitLLMCost("p", cost, cost)
			after := l.LLMBudget("p")

			if after < 0 {
				return false
			}
			if ok {
				return after >= budget-cost-1e-9 && after <= budget-cost+1e-9
			}
			return after == budget
		},
		gen.IntRange(0, 500),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
