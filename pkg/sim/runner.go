// Package sim drives autonomous loop artifacts: one goroutine per has_loop
// artifact, paced by a token bucket and backed off exponentially on failure,
// with a hard freeze gate on exhausted llm_budget. The runner also owns the
// mint clock tick and periodic summary snapshots.
package sim

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BrianMills2718/agent-ecology3/pkg/world"
)

// LoopState tracks one running loop artifact.
type LoopState struct {
	ArtifactID  string
	PrincipalID string
	Slot        int

	mu                sync.Mutex
	iterations        int
	consecutiveErrors int
	lastError         string
	running           bool
}

// Snapshot returns a copy of the mutable counters.
func (s *LoopState) Snapshot() LoopSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LoopSnapshot{
		ArtifactID:        s.ArtifactID,
		PrincipalID:       s.PrincipalID,
		Iterations:        s.iterations,
		ConsecutiveErrors: s.consecutiveErrors,
		LastError:         s.lastError,
		Running:           s.running,
	}
}

// LoopSnapshot is an immutable view of a loop's counters.
type LoopSnapshot struct {
	ArtifactID        string `json:"artifact_id"`
	PrincipalID       string `json:"principal_id"`
	Iterations        int    `json:"iterations"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
	Running           bool   `json:"running"`
}

// Status reports where the runner stands.
type Status struct {
	Running        bool           `json:"running"`
	Paused         bool           `json:"paused"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
	LoopCount      int            `json:"loop_count"`
	Sequence       int64          `json:"sequence"`
	FrozenAgents   []string       `json:"frozen_agents"`
	Loops          []LoopSnapshot `json:"loops"`
}

// Runner orchestrates the loop goroutines and the simulation clock.
type Runner struct {
	world  *world.World
	logger *slog.Logger

	mu      sync.Mutex
	states  []*LoopState
	running bool
	paused  bool
	start   time.Time
	cancel  context.CancelFunc

	fatalOnce sync.Once
	fatalErr  error
}

// NewRunner creates a runner over a booted world.
func NewRunner(w *world.World, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{world: w, logger: logger}
}

// Pause suspends all loops after their current step.
func (r *Runner) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume lifts a pause.
func (r *Runner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// Stop asks the runner to shut down. Safe to call from any goroutine.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Status snapshots the runner and every loop.
func (r *Runner) Status() Status {
	r.mu.Lock()
	running := r.running
	paused := r.paused
	start := r.start
	states := append([]*LoopState(nil), r.states...)
	r.mu.Unlock()

	var elapsed float64
	if !start.IsZero() {
		elapsed = time.Since(start).Seconds()
	}
	loops := make([]LoopSnapshot, 0, len(states))
	for _, st := range states {
		loops = append(loops, st.Snapshot())
	}
	return Status{
		Running:        running,
		Paused:         paused,
		ElapsedSeconds: elapsed,
		LoopCount:      len(states),
		Sequence:       r.world.Events().Len(),
		FrozenAgents:   r.world.FrozenAgents(),
		Loops:          loops,
	}
}

func (r *Runner) discoverLoops() []*LoopState {
	ids := r.world.Artifacts().DiscoverLoops()
	sort.Strings(ids)
	states := make([]*LoopState, 0, len(ids))
	for i, id := range ids {
		a, err := r.world.Artifacts().GetLive(id)
		if err != nil || a.Owner == "" {
			continue
		}
		states = append(states, &LoopState{ArtifactID: id, PrincipalID: a.Owner, Slot: i})
	}
	return states
}

// fatal records the first unrecoverable error (an event log failure) and
// stops everything.
func (r *Runner) fatal(err error) {
	r.fatalOnce.Do(func() {
		r.fatalErr = err
		r.logger.Error("run aborted: event history cannot be recorded", "error", err)
	})
	r.Stop()
}

// Run discovers loops and drives them for duration (0 means the configured
// default), ticking the mint and snapshotting summaries as it goes. It
// returns once every loop goroutine has exited.
func (r *Runner) Run(ctx context.Context, duration time.Duration) error {
	cfg := r.world.Config().Simulation
	if duration <= 0 {
		duration = time.Duration(cfg.DefaultDurationSeconds * float64(time.Second))
	}
	if maxRuntime := time.Duration(cfg.MaxRuntimeSeconds * float64(time.Second)); maxRuntime > 0 && duration > maxRuntime {
		r.logger.Warn("duration clamped to max runtime",
			"requested_seconds", duration.Seconds(), "max_runtime_seconds", maxRuntime.Seconds())
		duration = maxRuntime
	}
	summaryInterval := time.Duration(cfg.SummaryIntervalSeconds * float64(time.Second))
	if summaryInterval < time.Second {
		summaryInterval = time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.paused = false
	r.start = time.Now()
	r.cancel = cancel
	r.states = r.discoverLoops()
	states := r.states
	r.mu.Unlock()

	r.logger.Info("simulation started",
		"run_id", r.world.RunID(),
		"duration_seconds", duration.Seconds(),
		"loop_count", len(states))

	var wg sync.WaitGroup
	for _, st := range states {
		wg.Add(1)
		go func(st *LoopState) {
			defer wg.Done()
			r.runLoop(runCtx, st)
		}(st)
	}

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	nextSummary := time.Now().Add(summaryInterval)

	for done := false; !done; {
		select {
		case <-runCtx.Done():
			done = true
		case <-deadline.C:
			done = true
		case <-tick.C:
			if r.isPaused() {
				continue
			}
			if err := r.world.Tick(runCtx); err != nil {
				r.fatal(err)
				done = true
				break
			}
			if time.Now().After(nextSummary) {
				if err := r.world.LogSummary(); err != nil {
					r.fatal(err)
					done = true
					break
				}
				nextSummary = time.Now().Add(summaryInterval)
			}
		}
	}

	cancel()
	wg.Wait()

	if err := r.world.LogSummary(); err != nil {
		r.fatal(err)
	}

	r.mu.Lock()
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	r.logger.Info("simulation stopped",
		"run_id", r.world.RunID(),
		"sequence", r.world.Events().Len(),
		"loop_count", len(states))
	return r.fatalErr
}

// runLoop is the per-artifact driver goroutine.
func (r *Runner) runLoop(ctx context.Context, st *LoopState) {
	cfg := r.world.Config().Simulation.Loop
	minDelay := secondsDuration(cfg.MinDelaySeconds, 10*time.Millisecond)
	maxDelay := secondsDuration(cfg.MaxDelaySeconds, minDelay)
	checkInterval := secondsDuration(cfg.ResourceCheckIntervalSeconds, 50*time.Millisecond)
	limiter := rate.NewLimiter(rate.Every(minDelay), 1)
	backoff := minDelay

	st.mu.Lock()
	st.running = true
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
	}()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if r.isPaused() {
			if !sleepCtx(ctx, minDelay) {
				return
			}
			continue
		}

		if _, err := r.world.Artifacts().GetLive(st.ArtifactID); err != nil {
			r.logger.Info("loop artifact gone, stopping loop", "artifact_id", st.ArtifactID)
			return
		}

		// Budget gate: an agent with no llm_budget is frozen until it earns
		// some back.
		if r.world.Ledger().LLMBudget(st.PrincipalID) <= 0 {
			r.world.Freeze(st.PrincipalID)
			if !sleepCtx(ctx, checkInterval) {
				return
			}
			continue
		}
		r.world.Unfreeze(st.PrincipalID)

		res, err := r.step(ctx, st)
		if err != nil {
			r.fatal(err)
			return
		}

		st.mu.Lock()
		st.iterations++
		if res.Success {
			st.consecutiveErrors = 0
			st.lastError = ""
			backoff = minDelay
		} else {
			st.consecutiveErrors++
			st.lastError = res.Message
			backoff = minDuration(backoff*2, maxDelay)
		}
		errors := st.consecutiveErrors
		lastError := st.lastError
		st.mu.Unlock()

		if errors > 0 {
			if errors >= cfg.MaxConsecutiveErrors {
				r.logger.Warn("loop backing off after repeated failures",
					"artifact_id", st.ArtifactID,
					"principal_id", st.PrincipalID,
					"consecutive_errors", errors,
					"last_error", lastError)
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
		}
	}
}

func secondsDuration(seconds float64, floor time.Duration) time.Duration {
	d := time.Duration(seconds * float64(time.Second))
	if d < floor {
		return floor
	}
	return d
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// sleepCtx sleeps unless the context ends first. Reports whether the full
// sleep happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
