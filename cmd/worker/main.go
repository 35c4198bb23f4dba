// Package main provides the Casparian worker process: it dials
// Sentinel, accepts dispatched jobs, and runs them through the worker
// runtime (bridge invocation, schema validation, sink fan-out) (§4.K).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/casparian-io/casparian/internal/backtest"
	"github.com/casparian-io/casparian/internal/config"
	"github.com/casparian-io/casparian/internal/worker"
)

const (
	version = "1.0.0-dev"
	name    = "worker"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("WORKER_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("starting worker", slog.String("service", name), slog.String("version", version))

	cfg := worker.Config{
		WorkerID:          config.GetEnvStr("WORKER_ID", ""),
		Capabilities:      splitCapabilities(config.GetEnvStr("WORKER_CAPABILITIES", "*")),
		MaxConcurrentJobs: config.GetEnvInt("WORKER_MAX_CONCURRENT_JOBS", 4),
		HeartbeatInterval: config.GetEnvDuration("WORKER_HEARTBEAT_INTERVAL", 30*time.Second),
		AbortGrace:        config.GetEnvDuration("WORKER_ABORT_GRACE", 10*time.Second),
		ParserVersion:     config.GetEnvStr("WORKER_PARSER_VERSION", ""),
		BacktestScopeID:   config.GetEnvStr("WORKER_BACKTEST_SCOPE_ID", ""),
	}

	sentinelAddr := config.GetEnvStr("SENTINEL_ADDR", "localhost:7800")

	conn, err := net.Dial("tcp", sentinelAddr)
	if err != nil {
		logger.Error("failed to connect to sentinel", slog.String("addr", sentinelAddr), slog.String("error", err.Error()))
		os.Exit(1)
	}

	shimPath := config.GetEnvStr("WORKER_SHIM_PATH", "/opt/casparian/shims/runner.py")
	bridge := worker.NewProcessBridge(shimPath, nil)

	venvDir := config.GetEnvStr("WORKER_VENV_DIR", "/var/lib/casparian/venvs")
	systemPython := config.GetEnvStr("WORKER_SYSTEM_PYTHON", "python3")
	envCache := worker.NewVenvManager(venvDir, systemPython)

	var backtestStore backtest.Store

	if backtestCfg := backtest.LoadConfig(); backtestCfg.DatabaseURL != "" && cfg.BacktestScopeID != "" {
		store, err := backtest.NewPostgresStore(backtestCfg)
		if err != nil {
			logger.Warn("backtest store unavailable, proceeding without failure reporting", slog.String("error", err.Error()))
		} else {
			backtestStore = store
			defer store.Close()
		}
	}

	runtime := worker.NewRuntime(cfg, worker.NewNetConn(conn), bridge, envCache, backtestStore, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("worker received shutdown signal, draining active jobs")
		runtime.Stop()
	}()

	if err := runtime.Run(ctx); err != nil {
		logger.Error("worker runtime exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("worker stopped")
}

func splitCapabilities(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}
