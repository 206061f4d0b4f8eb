// Package rates implements rolling-window usage accounting per
// (principal, resource) pair. A resource with no configured limit is
// unlimited. Check and record are a single atomic operation so concurrent
// callers can never both pass against stale occupancy.
package rates

import (
	"math"
	"sync"
	"time"
)

type record struct {
	at     time.Time
	amount float64
}

// Tracker maintains rolling usage windows. The zero value is not usable;
// construct with NewTracker.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	limits map[string]float64
	// usage[resource][principal] is a chronologically ordered bucket.
	usage map[string]map[string][]record
	now   func() time.Time
}

// NewTracker creates a tracker with the given window length.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		window: window,
		limits: make(map[string]float64),
		usage:  make(map[string]map[string][]record),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// ConfigureLimit sets the per-window capacity for a resource.
func (t *Tracker) ConfigureLimit(resource string, maxPerWindow float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if maxPerWindow < 0 {
		maxPerWindow = 0
	}
	t.limits[resource] = maxPerWindow
	if t.usage[resource] == nil {
		t.usage[resource] = make(map[string][]record)
	}
}

// Limit returns the configured capacity, or +Inf when unlimited.
func (t *Tracker) Limit(resource string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limitLocked(resource)
}

func (t *Tracker) limitLocked(resource string) float64 {
	if limit, ok := t.limits[resource]; ok {
		return limit
	}
	return math.Inf(1)
}

// prune drops records older than the window. Eviction is lazy: it runs on
// read paths rather than on a timer.
func (t *Tracker) pruneLocked(principal, resource string) []record {
	byPrincipal := t.usage[resource]
	if byPrincipal == nil {
		byPrincipal = make(map[string][]record)
		t.usage[resource] = byPrincipal
	}
	bucket := byPrincipal[principal]
	cutoff := t.now().Add(-t.window)
	i := 0
	for i < len(bucket) && bucket[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		bucket = append([]record(nil), bucket[i:]...)
		byPrincipal[principal] = bucket
	}
	return bucket
}

func (t *Tracker) usageLocked(principal, resource string) float64 {
	bucket := t.pruneLocked(principal, resource)
	total := 0.0
	for _, r := range bucket {
		total += r.amount
	}
	if total < 0 {
		return 0
	}
	return total
}

// Usage returns current occupancy within the window.
func (t *Tracker) Usage(principal, resource string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageLocked(principal, resource)
}

// Remaining returns how much capacity is left in the current window.
func (t *Tracker) Remaining(principal, resource string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked(principal, resource)
}

func (t *Tracker) remainingLocked(principal, resource string) float64 {
	rem := t.limitLocked(resource) - t.usageLocked(principal, resource)
	if rem < 0 {
		return 0
	}
	return rem
}

// HasCapacity reports whether amount would fit in the current window.
func (t *Tracker) HasCapacity(principal, resource string, amount float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount < 0 {
		return false
	}
	return t.remainingLocked(principal, resource) >= amount
}

// Consume records amount of usage if it fits in the window, atomically.
// Returns false and records nothing when it would exceed capacity.
func (t *Tracker) Consume(principal, resource string, amount float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount < 0 {
		return false
	}
	if amount == 0 {
		return true
	}
	if t.remainingLocked(principal, resource) < amount {
		return false
	}
	byPrincipal := t.usage[resource]
	byPrincipal[principal] = append(byPrincipal[principal], record{at: t.now(), amount: amount})
	return true
}

// Refund credits back prior in-window usage, e.g. when a reservation is
// reconciled down to measured consumption. Recorded as negative usage so the
// correction ages out with the window like everything else.
func (t *Tracker) Refund(principal, resource string, amount float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount <= 0 {
		return false
	}
	byPrincipal := t.usage[resource]
	if byPrincipal == nil {
		byPrincipal = make(map[string][]record)
		t.usage[resource] = byPrincipal
	}
	byPrincipal[principal] = append(byPrincipal[principal], record{at: t.now(), amount: -amount})
	return true
}

// TimeUntilCapacity returns how long until amount could fit, assuming no
// further usage. Zero when it already fits.
func (t *Tracker) TimeUntilCapacity(principal, resource string, amount float64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount <= 0 {
		return 0
	}
	if t.remainingLocked(principal, resource) >= amount {
		return 0
	}
	bucket := t.pruneLocked(principal, resource)
	if len(bucket) == 0 {
		return 0
	}
	limit := t.limitLocked(resource)
	current := 0.0
	for _, r := range bucket {
		current += r.amount
	}
	needToExpire := current - (limit - amount)
	if needToExpire <= 0 {
		return 0
	}
	now := t.now()
	acc := 0.0
	for _, r := range bucket {
		acc += r.amount
		if acc >= needToExpire {
			d := r.at.Add(t.window).Sub(now)
			if d < 0 {
				return 0
			}
			return d
		}
	}
	d := bucket[len(bucket)-1].at.Add(t.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
