package rates

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(60 * time.Second)
	tr.SetClock(clock.Now)
	return tr, clock
}

func TestConsumeWithinLimit(t *testing.T) {
	tr, _ := newTestTracker()
	tr.ConfigureLimit("llm_calls", 3)

	require.True(t, tr.Consume("a", "llm_calls", 1))
	require.True(t, tr.Consume("a", "llm_calls", 1))
	require.True(t, tr.Consume("a", "llm_calls", 1))
	require.False(t, tr.Consume("a", "llm_calls", 1))
	require.Equal(t, 3.0, tr.Usage("a", "llm_calls"))
}

func TestConsumeIsAllOrNothing(t *testing.T) {
	tr, _ := newTestTracker()
	tr.ConfigureLimit("llm_tokens", 100)

	require.True(t, tr.Consume("a", "llm_tokens", 80))
	require.False(t, tr.Consume("a", "llm_tokens", 30))
	// The rejected consume must not have recorded anything.
	require.Equal(t, 80.0, tr.Usage("a", "llm_tokens"))
	require.True(t, tr.Consume("a", "llm_tokens", 20))
}

func TestWindowEviction(t *testing.T) {
	tr, clock := newTestTracker()
	tr.ConfigureLimit("cpu_seconds", 10)

	require.True(t, tr.Consume("a", "cpu_seconds", 10))
	require.False(t, tr.Consume("a", "cpu_seconds", 1))

	clock.Advance(61 * time.Second)
	require.Equal(t, 0.0, tr.Usage("a", "cpu_seconds"))
	require.True(t, tr.Consume("a", "cpu_seconds", 10))
}

func TestUnlimitedResource(t *testing.T) {
	tr, _ := newTestTracker()
	require.True(t, math.IsInf(tr.Limit("anything"), 1))
	require.True(t, tr.Consume("a", "anything", 1e9))
}

func TestRefundRestoresCapacity(t *testing.T) {
	tr, _ := newTestTracker()
	tr.ConfigureLimit("llm_tokens", 100)

	require.True(t, tr.Consume("a", "llm_tokens", 100))
	require.False(t, tr.Consume("a", "llm_tokens", 10))
	require.True(t, tr.Refund("a", "llm_tokens", 40))
	require.Equal(t, 60.0, tr.Usage("a", "llm_tokens"))
	require.True(t, tr.Consume("a", "llm_tokens", 40))
}

func TestRefundRejectsNonPositive(t *testing.T) {
	tr, _ := newTestTracker()
	require.False(t, tr.Refund("a", "llm_tokens", 0))
	require.False(t, tr.Refund("a", "llm_tokens", -5))
}

func TestUsageNeverNegative(t *testing.T) {
	tr, _ := newTestTracker()
	tr.ConfigureLimit("llm_calls", 10)
	tr.Refund("a", "llm_calls", 5)
	require.Equal(t, 0.0, tr.Usage("a", "llm_calls"))
}

func TestTimeUntilCapacity(t *testing.T) {
	tr, clock := newTestTracker()
	tr.ConfigureLimit("llm_calls", 2)

	require.True(t, tr.Consume("a", "llm_calls", 1))
	clock.Advance(30 * time.Second)
	require.True(t, tr.Consume("a", "llm_calls", 1))

	// Needs one record to expire; the first expires 30s from now.
	wait := tr.TimeUntilCapacity("a", "llm_calls", 1)
	require.Equal(t, 30*time.Second, wait)

	require.Equal(t, time.Duration(0), tr.TimeUntilCapacity("a", "llm_calls", 0))
}

func TestPerPrincipalIsolation(t *testing.T) {
	tr, _ := newTestTracker()
	tr.ConfigureLimit("llm_calls", 1)

	require.True(t, tr.Consume("a", "llm_calls", 1))
	require.True(t, tr.Consume("b", "llm_calls", 1))
	require.False(t, tr.Consume("a", "llm_calls", 1))
}

func TestWindowCapacityNeverExceeded(t *testing.T) {
	tr, clock := newTestTracker()
	tr.ConfigureLimit("llm_tokens", 50)

	amounts := []float64{10, 20, 30, 5, 40, 15, 25}
	for i, amt := range amounts {
		tr.Consume("a", "llm_tokens", amt)
		require.LessOrEqual(t, tr.Usage("a", "llm_tokens"), 50.0, "step %d", i)
		clock.Advance(7 * time.Second)
	}
}
