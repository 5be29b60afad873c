// Command sentryd is the runtime security monitor's entrypoint.
//
// Startup sequence:
//  1. Parse flags, resolve the config file path.
//  2. Build the zap logger.
//  3. Load and validate config (file + MONITOR_ env overlay).
//  4. Construct the engine adapter (native or pooled, circuit-breaker
//     gated), the bounded executor, the file watcher, the host metrics
//     sampler, the alert dispatcher, and the metrics registry.
//  5. Start the metrics HTTP server and the monitor sweep loop.
//  6. Block on SIGINT/SIGTERM, cancel the root context, and let every
//     goroutine unwind.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dceops/sentryd/internal/alert"
	"github.com/dceops/sentryd/internal/breaker"
	"github.com/dceops/sentryd/internal/config"
	"github.com/dceops/sentryd/internal/engine"
	"github.com/dceops/sentryd/internal/executor"
	"github.com/dceops/sentryd/internal/filewatcher"
	"github.com/dceops/sentryd/internal/hostmetrics"
	"github.com/dceops/sentryd/internal/metrics"
	"github.com/dceops/sentryd/internal/monitor"
	"github.com/dceops/sentryd/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (optional; defaults + env overlay apply regardless)")
	logLevel := flag.String("log-level", "info", "Zap log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "json", "Log format: json or console")
	pooledClients := flag.Int("pooled-engine-clients", 0, "Use a pooled engine adapter with this many clients (0 = native, one shared client)")
	metricsAddr := flag.String("metrics-addr", ":9090", "Address for the /metrics and /healthz HTTP endpoints")
	flag.Parse()

	log, err := buildLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	log.Info("sentryd starting",
		zap.Int("monitor_interval", cfg.MonitorInterval),
		zap.Strings("container_patterns", cfg.ContainerPatterns),
		zap.Int("concurrency_limit", cfg.ConcurrencyLimit()),
		zap.Bool("pooled_engine", *pooledClients > 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cb := breaker.Config{
		OnStateChange: func(from, to breaker.State) {
			log.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	var eng engine.EngineAdapter
	if *pooledClients > 0 {
		eng, err = engine.NewPooled(*pooledClients, cb)
	} else {
		eng, err = engine.NewNative(cb)
	}
	if err != nil {
		log.Fatal("engine adapter init failed", zap.Error(err))
	}

	exec := executor.New(executor.Config{
		ConcurrencyLimit: cfg.ConcurrencyLimit(),
		RateLimit:        ratelimit.Config{},
	})

	var watcher *filewatcher.Watcher
	if cfg.FileMonitoring && len(cfg.MonitoredDirectories) > 0 {
		watcher, err = filewatcher.New(cfg.MonitoredDirectories)
		if err != nil {
			log.Warn("file watcher disabled", zap.Error(err))
			watcher = nil
		}
	}

	var sampler *hostmetrics.Sampler
	if cfg.NetworkMonitoring || cfg.BehavioralAnalysis {
		sampler = hostmetrics.New(hostmetrics.Config{
			CPUThreshold:         cfg.CPUThreshold,
			MemoryThreshold:      cfg.MemoryThreshold,
			NetworkThresholdMbps: cfg.NetworkThresholdMbps,
		})
	}

	dispatcher, err := alert.New(alert.Config{
		WebhookURL:       cfg.AlertWebhook,
		SecretKey:        cfg.AlertSecretKey,
		BackupSecretKey:  cfg.BackupSecretKey,
		TimeoutSeconds:   cfg.AlertTimeoutSeconds,
		CertPinFile:      cfg.CertPinFile,
		MaxTimestampSkew: time.Duration(cfg.MaxTimestampSkewSeconds) * time.Second,
		Logger:           log.Named("alert"),
	})
	if err != nil {
		log.Fatal("alert dispatcher init failed", zap.Error(err))
	}

	m := metrics.New()

	go func() {
		if err := m.Serve(ctx, *metricsAddr); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	mon := monitor.New(cfg, log, monitor.Dependencies{
		Engine:   eng,
		Executor: exec,
		Watcher:  watcher,
		Alerts:   dispatcher,
		Sampler:  sampler,
		Metrics:  m,
	})

	go reportEngineState(ctx, eng, m)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := mon.Run(ctx); err != nil {
		log.Fatal("monitor exited with error", zap.Error(err))
	}
	log.Info("sentryd stopped")
}

// reportEngineState periodically mirrors the engine adapter's circuit
// breaker state into the metrics registry; the monitor's own sweep
// loop has no other reason to poll ClientInfo on a fixed cadence.
func reportEngineState(ctx context.Context, eng engine.EngineAdapter, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info := eng.ClientInfo()
			var stateValue float64
			switch info.BreakerState {
			case "half-open":
				stateValue = 1
			case "open":
				stateValue = 2
			}
			m.EngineBreakerState.WithLabelValues(info.Mode).Set(stateValue)
		}
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zapLevel

	return cfg.Build()
}
