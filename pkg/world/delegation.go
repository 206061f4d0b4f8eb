package world

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BrianMills2718/agent-ecology3/pkg/artifacts"
)

// Delegation authorizes one principal (the charger) to bill costs to
// another (the payer), bounded per call and per rolling window.
type Delegation struct {
	ChargerID     string     `json:"charger_id"`
	MaxPerCall    *float64   `json:"max_per_call,omitempty"`
	MaxPerWindow  *float64   `json:"max_per_window,omitempty"`
	WindowSeconds float64    `json:"window_seconds"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type chargeRecord struct {
	at     time.Time
	amount float64
}

const defaultDelegationWindowSeconds = 3600

// DelegationManager tracks grants and in-window charge history per
// (payer, charger) pair.
type DelegationManager struct {
	mu         sync.Mutex
	entries    map[string]map[string]Delegation
	history    map[string][]chargeRecord
	maxHistory int
	now        func() time.Time
}

// NewDelegationManager creates an empty manager.
func NewDelegationManager() *DelegationManager {
	return &DelegationManager{
		entries:    make(map[string]map[string]Delegation),
		history:    make(map[string][]chargeRecord),
		maxHistory: 1000,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (m *DelegationManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func historyKey(payer, charger string) string {
	return payer + "\x00" + charger
}

// Grant installs or replaces a delegation from payer to charger.
func (m *DelegationManager) Grant(payer, charger string, d Delegation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ChargerID = charger
	if d.WindowSeconds <= 0 {
		d.WindowSeconds = defaultDelegationWindowSeconds
	}
	if m.entries[payer] == nil {
		m.entries[payer] = make(map[string]Delegation)
	}
	m.entries[payer][charger] = d
}

// Revoke removes a delegation. Returns false when none existed.
func (m *DelegationManager) Revoke(payer, charger string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries[payer]
	if _, ok := entries[charger]; !ok {
		return false
	}
	delete(entries, charger)
	return true
}

// Authorize decides whether charger may bill amount to payer right now.
// The reason explains every denial.
func (m *DelegationManager) Authorize(payer, charger string, amount float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[payer][charger]
	if !exists {
		return false, "no delegation"
	}
	if entry.ExpiresAt != nil && !m.now().Before(*entry.ExpiresAt) {
		return false, "delegation expired"
	}
	if entry.MaxPerCall != nil && amount > *entry.MaxPerCall {
		return false, "exceeds per-call cap"
	}
	if entry.MaxPerWindow != nil {
		used := m.windowUsageLocked(payer, charger, entry.WindowSeconds)
		if used+amount > *entry.MaxPerWindow {
			return false, "exceeds window cap"
		}
	}
	return true, "ok"
}

// RecordCharge appends a settled charge to the rolling history.
func (m *DelegationManager) RecordCharge(payer, charger string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := historyKey(payer, charger)
	bucket := append(m.history[key], chargeRecord{at: m.now(), amount: amount})
	if len(bucket) > m.maxHistory {
		bucket = bucket[len(bucket)-m.maxHistory:]
	}
	m.history[key] = bucket
}

func (m *DelegationManager) windowUsageLocked(payer, charger string, windowSeconds float64) float64 {
	key := historyKey(payer, charger)
	bucket := m.history[key]
	if len(bucket) == 0 {
		return 0
	}
	cutoff := m.now().Add(-time.Duration(windowSeconds * float64(time.Second)))
	i := 0
	for i < len(bucket) && bucket[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		bucket = append([]chargeRecord(nil), bucket[i:]...)
		m.history[key] = bucket
	}
	total := 0.0
	for _, r := range bucket {
		total += r.amount
	}
	return total
}

// WindowUsage returns the in-window total charged by charger against payer.
func (m *DelegationManager) WindowUsage(payer, charger string, windowSeconds float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowUsageLocked(payer, charger, windowSeconds)
}

// Describe renders a payer's grants for queries and kernel services.
func (m *DelegationManager) Describe(payer string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]Delegation, 0, len(m.entries[payer]))
	for _, entry := range m.entries[payer] {
		list = append(list, entry)
	}
	return map[string]any{
		"payer":       payer,
		"delegations": list,
	}
}

// ResolvePayer maps a charge_to directive to a concrete principal.
// Supported directives: "caller", "target"/"contract" (the artifact's
// acting principal, falling back to writer then owner), and "pool:<id>".
func ResolvePayer(chargeTo, caller string, target *artifacts.Artifact) (string, error) {
	switch {
	case chargeTo == "" || chargeTo == "caller":
		return caller, nil
	case chargeTo == "target" || chargeTo == "contract":
		if p, ok := target.AuthState["principal"].(string); ok && p != "" {
			return p, nil
		}
		if w, ok := target.AuthState["writer"].(string); ok && w != "" {
			return w, nil
		}
		return target.Owner, nil
	case strings.HasPrefix(chargeTo, "pool:"):
		pool := strings.TrimSpace(strings.TrimPrefix(chargeTo, "pool:"))
		if pool != "" {
			return pool, nil
		}
	}
	return "", fmt.Errorf("unsupported charge_to directive: %s", chargeTo)
}
