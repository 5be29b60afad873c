// Package monitor wires the four detection subsystems together into a
// single sweep loop: EngineAdapter listing/inspection runs through
// BoundedExecutor, FileWatcher runs its own independent event stream,
// and host metrics are sampled once per sweep; every ShouldAlert event
// from any source is forwarded to AlertDispatcher. This package is
// intentionally thin — each subsystem owns its real logic.
package monitor

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dceops/sentryd/internal/alert"
	"github.com/dceops/sentryd/internal/config"
	"github.com/dceops/sentryd/internal/engine"
	"github.com/dceops/sentryd/internal/event"
	"github.com/dceops/sentryd/internal/executor"
	"github.com/dceops/sentryd/internal/filewatcher"
	"github.com/dceops/sentryd/internal/hostmetrics"
	"github.com/dceops/sentryd/internal/metrics"
)

// Monitor is the top-level runtime object; cmd/sentryd constructs one
// and calls Run.
type Monitor struct {
	cfg config.Config
	log *zap.Logger

	engine  engine.EngineAdapter
	exec    *executor.BoundedExecutor
	watcher *filewatcher.Watcher
	alerts  *alert.Dispatcher
	sampler *hostmetrics.Sampler
	metrics *metrics.Metrics
}

// Dependencies are the already-constructed subsystems a Monitor wires
// together; cmd/sentryd owns their lifecycle and config-driven setup.
type Dependencies struct {
	Engine   engine.EngineAdapter
	Executor *executor.BoundedExecutor
	Watcher  *filewatcher.Watcher // nil when FileMonitoring is disabled
	Alerts   *alert.Dispatcher
	Sampler  *hostmetrics.Sampler
	Metrics  *metrics.Metrics
}

// New constructs a Monitor from its dependencies and configuration.
func New(cfg config.Config, log *zap.Logger, deps Dependencies) *Monitor {
	return &Monitor{
		cfg:     cfg,
		log:     log,
		engine:  deps.Engine,
		exec:    deps.Executor,
		watcher: deps.Watcher,
		alerts:  deps.Alerts,
		sampler: deps.Sampler,
		metrics: deps.Metrics,
	}
}

// Run starts the watcher (if configured) and the ticker-driven sweep
// loop, blocking until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.watcher != nil {
		if err := m.watcher.Start(ctx, watchDirs); err != nil {
			m.log.Warn("file watcher disabled", zap.Error(err))
		} else {
			go m.forwardFileEvents(ctx)
		}
	}

	ticker := time.NewTicker(time.Duration(m.cfg.MonitorInterval) * time.Second)
	defer ticker.Stop()

	reportTicker := time.NewTicker(time.Duration(m.cfg.ReportInterval) * time.Second)
	defer reportTicker.Stop()

	if m.metrics != nil {
		go m.syncMetrics(ctx)
	}

	m.log.Info("monitor started",
		zap.Int("monitor_interval", m.cfg.MonitorInterval),
		zap.Int("report_interval", m.cfg.ReportInterval),
		zap.Strings("container_patterns", m.cfg.ContainerPatterns))

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor shutting down")
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		case <-reportTicker.C:
			m.report()
		}
	}
}

// watchDirs returns root and every directory that exists beneath it, so
// the file watcher covers the whole tree. Unreadable entries are skipped;
// a root that does not exist yields no directories.
func watchDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs, err
}

// report writes a periodic status line summarizing every subsystem's
// counters since startup.
func (m *Monitor) report() {
	info := m.engine.ClientInfo()
	fields := []zap.Field{
		zap.String("engine_mode", info.Mode),
		zap.String("breaker_state", info.BreakerState),
	}

	execStats := m.exec.Stats()
	fields = append(fields,
		zap.Int("executed", execStats.TotalExecuted),
		zap.Int("failed", execStats.TotalFailed),
		zap.Float64("rate_limit", execStats.CurrentRateLimit),
		zap.Duration("avg_execution_time", execStats.AvgExecutionTime))

	if m.watcher != nil {
		wStats := m.watcher.Stats()
		fields = append(fields,
			zap.Bool("watching", wStats.Watching),
			zap.Int("file_events", wStats.EventsDetected))
	}

	if m.alerts != nil {
		aStats := m.alerts.Stats()
		fields = append(fields,
			zap.Int("alerts_sent", aStats.AlertsSent),
			zap.Int("alerts_failed", aStats.AlertsFailed),
			zap.Float64("alert_success_rate", aStats.SuccessRate))
	}

	m.log.Info("status report", fields...)
}

// syncMetrics mirrors each subsystem's own Stats() projection onto the
// Prometheus registry every 10s. Counters are cumulative in both
// places, so only the delta since the last tick is added.
func (m *Monitor) syncMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var lastExecuted, lastExecFailed, lastFileEvents, lastAlertsSent, lastAlertsFailed, lastSigFailures, lastCertPinFailures int

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			execStats := m.exec.Stats()
			m.metrics.ExecutorExecutedTotal.Add(float64(execStats.TotalExecuted - lastExecuted))
			m.metrics.ExecutorFailedTotal.Add(float64(execStats.TotalFailed - lastExecFailed))
			m.metrics.ExecutorCurrentRate.Set(execStats.CurrentRateLimit)
			lastExecuted, lastExecFailed = execStats.TotalExecuted, execStats.TotalFailed

			if m.watcher != nil {
				wStats := m.watcher.Stats()
				m.metrics.FileWatcherEventsTotal.Add(float64(wStats.EventsDetected - lastFileEvents))
				lastFileEvents = wStats.EventsDetected
			}

			if m.alerts != nil {
				aStats := m.alerts.Stats()
				m.metrics.AlertsSentTotal.Add(float64(aStats.AlertsSent - lastAlertsSent))
				m.metrics.AlertsFailedTotal.Add(float64(aStats.AlertsFailed - lastAlertsFailed))
				m.metrics.AlertSignatureFailures.Add(float64(aStats.SignatureFailures - lastSigFailures))
				m.metrics.AlertCertPinFailures.Add(float64(aStats.CertPinFailures - lastCertPinFailures))
				lastAlertsSent, lastAlertsFailed = aStats.AlertsSent, aStats.AlertsFailed
				lastSigFailures, lastCertPinFailures = aStats.SignatureFailures, aStats.CertPinFailures
			}
		}
	}
}

func (m *Monitor) forwardFileEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events():
			if !ok {
				return
			}
			m.observe(ev)
			m.dispatch(ctx, ev)
		}
	}
}

// sweep runs one round: list matching containers, inspect each under
// the bounded executor, check for security misconfiguration and
// blocked processes, then sample host metrics.
func (m *Monitor) sweep(ctx context.Context) {
	containers, err := m.engine.ListContainers(ctx, false)
	if err != nil {
		m.log.Warn("list containers failed", zap.Error(err))
		if m.metrics != nil {
			m.metrics.EngineFailuresTotal.Inc()
		}
	}

	var matched []engine.ContainerInfo
	for _, c := range containers {
		if m.cfg.MatchesPattern(c.Name) {
			matched = append(matched, c)
		}
	}

	results, errs := executor.MapBounded(ctx, m.exec, matched, m.inspectContainer, false)
	for i, err := range errs {
		if err != nil {
			m.log.Debug("container inspection failed", zap.String("container", matched[i].Name), zap.Error(err))
			if m.metrics != nil {
				m.metrics.EngineFailuresTotal.Inc()
			}
		}
	}
	for _, evs := range results {
		for _, ev := range evs {
			m.observe(ev)
			m.dispatch(ctx, ev)
		}
	}

	if m.sampler != nil {
		hostEvents, err := m.sampler.Sample(ctx)
		if err != nil {
			m.log.Warn("host metrics sample failed", zap.Error(err))
		}
		for _, ev := range hostEvents {
			m.observe(ev)
			m.dispatch(ctx, ev)
		}
	}
}

// inspectContainer produces every event a single container's inspection
// round justifies: security misconfiguration from its HostConfig,
// suspicious-process events from its process list, and resource
// threshold events from its stats snapshot.
func (m *Monitor) inspectContainer(ctx context.Context, c engine.ContainerInfo) ([]event.Event, error) {
	info, err := m.engine.Inspect(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	var events []event.Event
	if ev, ok := securityMisconfigEvent(info); ok {
		events = append(events, ev)
	}

	if m.cfg.ProcessMonitoring && len(m.cfg.BlockedProcesses) > 0 {
		procs, err := m.engine.GetProcesses(ctx, c.ID)
		if err == nil {
			events = append(events, suspiciousProcessEvents(info, procs, m.cfg.BlockedProcesses)...)
		}
	}

	if m.cfg.BehavioralAnalysis {
		stats, err := m.engine.GetStats(ctx, c.ID)
		if err == nil {
			events = append(events, containerResourceEvents(info, stats, m.cfg)...)
		}
	}
	return events, nil
}

// containerResourceEvents flags a container whose CPU or memory
// utilization is over the configured threshold.
func containerResourceEvents(c engine.ContainerInfo, stats engine.StatsSnapshot, cfg config.Config) []event.Event {
	var events []event.Event

	if cfg.CPUThreshold > 0 && stats.CPUPercent >= cfg.CPUThreshold {
		ev, err := event.New(event.Params{
			EventType:     event.TypeResourceAnomaly,
			Severity:      event.SeverityMedium,
			ContainerID:   c.ID,
			ContainerName: c.Name,
			Source:        "engine_inspector",
			Description:   fmt.Sprintf("Container %s CPU usage %.1f%% exceeds threshold %.1f%%", c.Name, stats.CPUPercent, cfg.CPUThreshold),
			Details: map[string]event.Detail{
				"cpu_percent": event.Number(stats.CPUPercent),
				"threshold":   event.Number(cfg.CPUThreshold),
			},
			Remediation: "Inspect the container for runaway or malicious processes",
		})
		if err == nil {
			events = append(events, ev)
		}
	}

	if cfg.MemoryThreshold > 0 && stats.MemoryPercent >= cfg.MemoryThreshold {
		ev, err := event.New(event.Params{
			EventType:     event.TypeResourceAnomaly,
			Severity:      event.SeverityMedium,
			ContainerID:   c.ID,
			ContainerName: c.Name,
			Source:        "engine_inspector",
			Description:   fmt.Sprintf("Container %s memory usage %.1f%% exceeds threshold %.1f%%", c.Name, stats.MemoryPercent, cfg.MemoryThreshold),
			Details: map[string]event.Detail{
				"memory_percent": event.Number(stats.MemoryPercent),
				"memory_usage":   event.Number(float64(stats.MemoryUsage)),
				"threshold":      event.Number(cfg.MemoryThreshold),
			},
			Remediation: "Review the container's memory limit and workload",
		})
		if err == nil {
			events = append(events, ev)
		}
	}
	return events
}

// securityMisconfigEvent flags privileged containers, docker.sock
// mounts, and host-network mode — the same three signals event.New
// itself escalates to CRITICAL for security_misconfiguration events.
func securityMisconfigEvent(c engine.ContainerInfo) (event.Event, bool) {
	hostNetwork := c.NetworkMode == "host"
	details := map[string]event.Detail{
		"privileged":   event.Bool(c.Privileged),
		"host_network": event.Bool(hostNetwork),
		"network_mode": event.String(c.NetworkMode),
	}

	dockerSockMounted := false
	for _, b := range c.Binds {
		if strings.Contains(b, "docker.sock") {
			dockerSockMounted = true
			details["bind_mount"] = event.String(b)
			break
		}
	}

	if !c.Privileged && !dockerSockMounted && !hostNetwork {
		return event.Event{}, false
	}

	ev, err := event.New(event.Params{
		EventType:     event.TypeSecurityMisconfiguration,
		Severity:      event.SeverityHigh, // escalated to CRITICAL by event.New when warranted
		ContainerID:   c.ID,
		ContainerName: c.Name,
		Source:        "engine_inspector",
		Description:   fmt.Sprintf("Container %s has a risky security configuration", c.Name),
		Details:       details,
		Remediation:   "Review container security configuration against least-privilege guidelines",
	})
	if err != nil {
		return event.Event{}, false
	}
	return ev, true
}

// suspiciousProcessEvents flags any running process matching a
// configured blocked-process substring.
func suspiciousProcessEvents(c engine.ContainerInfo, procs [][]string, blocked []string) []event.Event {
	var events []event.Event
	for _, row := range procs {
		if len(row) == 0 {
			continue
		}
		cmd := strings.Join(row, " ")
		for _, b := range blocked {
			if b == "" || !strings.Contains(cmd, b) {
				continue
			}
			ev, err := event.New(event.Params{
				EventType:     event.TypeSuspiciousProcess,
				Severity:      event.SeverityHigh,
				ContainerID:   c.ID,
				ContainerName: c.Name,
				Source:        "engine_inspector",
				Description:   fmt.Sprintf("Blocked process detected in container %s: %s", c.Name, cmd),
				Details: map[string]event.Detail{
					"command": event.String(cmd),
					"matched": event.String(b),
				},
				Remediation: "Terminate the process and investigate how it was launched",
			})
			if err == nil {
				events = append(events, ev)
			}
			break
		}
	}
	return events
}

func (m *Monitor) observe(ev event.Event) {
	if m.metrics != nil {
		m.metrics.EventsDetectedTotal.WithLabelValues(string(ev.EventType), ev.Severity.String()).Inc()
	}
	m.log.Info("event detected",
		zap.String("event_type", string(ev.EventType)),
		zap.String("severity", ev.Severity.String()),
		zap.String("container", ev.ContainerName),
		zap.String("description", ev.Description))
}

func (m *Monitor) dispatch(ctx context.Context, ev event.Event) {
	if m.alerts == nil || !ev.ShouldAlert() {
		return
	}
	if err := m.alerts.Send(ctx, ev); err != nil {
		m.log.Warn("alert dispatch failed", zap.Error(err))
	}
}
