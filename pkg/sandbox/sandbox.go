// Package sandbox executes artifact code as WebAssembly under wazero.
// Deny-by-default: no filesystem, no network, no environment, no host
// randomness. Modules read one JSON invocation from stdin and write one JSON
// result to stdout; wall time inside the sandbox is the CPU charge.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// ErrTimeout marks an execution that exceeded the configured CPU budget.
var ErrTimeout = errors.New("sandbox execution timed out")

// Config bounds sandboxed execution.
type Config struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
}

// DefaultConfig is sized for small artifact services.
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes: 16 * 1024 * 1024,
		CPUTimeLimit:     2 * time.Second,
	}
}

// Invocation is the JSON document written to the module's stdin.
type Invocation struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
	Caller string `json:"caller"`
}

// Outcome is what an execution produced and cost.
type Outcome struct {
	// Result is the module's stdout decoded as JSON when possible,
	// otherwise the raw text.
	Result any
	// Stdout is the raw output.
	Stdout []byte
	// CPUSeconds is wall time spent executing, charged to the payer.
	CPUSeconds float64
}

// Sandbox runs WASM modules. Safe for concurrent use; each invocation gets
// its own module instance.
type Sandbox struct {
	runtime wazero.Runtime
	limits  Config
	now     func() time.Time
}

// New creates a sandbox runtime with the configured memory ceiling.
func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		// wazero counts memory in 64KB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &Sandbox{runtime: r, limits: cfg, now: time.Now}, nil
}

// Invoke compiles and runs wasm with inv on stdin. The module is charged
// for its full wall time even when it fails.
func (s *Sandbox) Invoke(ctx context.Context, wasm []byte, inv Invocation) (*Outcome, error) {
	if s.limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.CPUTimeLimit)
		defer cancel()
	}

	input, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal invocation: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// Deny-by-default: no WithFSConfig, no WithSysNanotime, no WithRandSource,
	// no WithEnv.

	started := s.now()
	compiled, err := s.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := s.runtime.InstantiateModule(ctx, compiled, modCfg)
	elapsed := s.now().Sub(started).Seconds()
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return &Outcome{CPUSeconds: elapsed}, fmt.Errorf("%w after %v", ErrTimeout, s.limits.CPUTimeLimit)
		}
		return &Outcome{CPUSeconds: elapsed}, fmt.Errorf("sandbox: execution failed: %w", err)
	}
	if stderr.Len() > 0 {
		return &Outcome{Stdout: stdout.Bytes(), CPUSeconds: elapsed},
			fmt.Errorf("sandbox: module wrote to stderr: %s", stderr.String())
	}

	out := &Outcome{Stdout: stdout.Bytes(), CPUSeconds: elapsed}
	var decoded any
	if json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &decoded) == nil {
		out.Result = decoded
	} else {
		out.Result = string(bytes.TrimSpace(stdout.Bytes()))
	}
	return out, nil
}

// Close frees the runtime.
func (s *Sandbox) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.runtime.Close(ctx)
}
