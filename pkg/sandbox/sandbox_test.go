package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInvalidModuleBytesFailGracefully(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.Invoke(ctx, []byte("not wasm"), Invocation{Method: "run", Caller: "alpha_0"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "compile")
}

func TestEmptyModuleFails(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.Invoke(ctx, nil, Invocation{Method: "run"})
	require.Error(t, err)
}

func TestConfigApplied(t *testing.T) {
	ctx := context.Background()
	cfg := Config{MemoryLimitBytes: 1 * 1024 * 1024, CPUTimeLimit: time.Second}
	s, err := New(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Equal(t, int64(1*1024*1024), s.limits.MemoryLimitBytes)
	require.Equal(t, time.Second, s.limits.CPUTimeLimit)
}

func TestClose(t *testing.T) {
	s, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
