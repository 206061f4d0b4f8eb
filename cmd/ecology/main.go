// Command ecology boots a world from configuration and runs its loop
// artifacts for a bounded duration, with the dashboard API alongside.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/BrianMills2718/agent-ecology3/pkg/config"
	"github.com/BrianMills2718/agent-ecology3/pkg/dashboard"
	"github.com/BrianMills2718/agent-ecology3/pkg/eventlog"
	"github.com/BrianMills2718/agent-ecology3/pkg/llm"
	"github.com/BrianMills2718/agent-ecology3/pkg/sandbox"
	"github.com/BrianMills2718/agent-ecology3/pkg/sim"
	"github.com/BrianMills2718/agent-ecology3/pkg/world"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ecology:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML configuration (defaults apply when empty)")
		duration   = flag.Duration("duration", 0, "run duration, e.g. 90s (0 uses the configured default)")
		dashAddr   = flag.String("dashboard", "", "dashboard listen address override, e.g. :9000 (empty uses config)")
		noDash     = flag.Bool("no-dashboard", false, "disable the dashboard API for this run")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
	)
	flag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}

	runID := "run_" + time.Now().UTC().Format("20060102_150405")
	runDir := filepath.Join(cfg.Logging.LogsDir, runID)

	sinks, err := buildSinks(cfg, runDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	box, err := sandbox.New(ctx, sandbox.DefaultConfig())
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	opts := []world.Option{
		world.WithRunID(runID),
		world.WithEventSinks(sinks...),
		world.WithSandbox(box),
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
		opts = append(opts, world.WithLLMClient(llm.NewOpenAIClient(key, cfg.LLM.BaseURL, timeout)))
		logger.Info("llm capability enabled", "model", cfg.LLM.DefaultModel)
	} else {
		logger.Info("no OPENAI_API_KEY set, loops run on the deterministic fallback policy")
	}

	w, err := world.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			logger.Error("event log close failed", "error", cerr)
		}
	}()
	logger.Info("world booted",
		"run_id", w.RunID(),
		"principals", len(w.Principals()),
		"logs_dir", runDir)

	runner := sim.NewRunner(w, logger)

	if !*noDash && (cfg.Dashboard.Enabled || *dashAddr != "") {
		addr := *dashAddr
		if addr == "" {
			addr = net.JoinHostPort(cfg.Dashboard.Host, strconv.Itoa(cfg.Dashboard.Port))
		}
		srv := dashboard.NewServer(w, runner, logger)
		go func() {
			if serr := srv.ListenAndServe(ctx, addr); serr != nil {
				logger.Error("dashboard stopped", "error", serr)
			}
		}()
	}

	return runner.Run(ctx, *duration)
}

func buildSinks(cfg *config.Config, runDir string) ([]eventlog.Sink, error) {
	var sinks []eventlog.Sink
	if cfg.Logging.EventFileName != "" {
		s, err := eventlog.NewJSONLSink(filepath.Join(runDir, cfg.Logging.EventFileName))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Logging.SQLiteFileName != "" {
		s, err := eventlog.NewSQLiteSink(filepath.Join(runDir, cfg.Logging.SQLiteFileName))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}
