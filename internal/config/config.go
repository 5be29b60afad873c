// Package config defines the immutable, validated configuration consumed
// by every sentryd component. Loading it from a file or environment
// variables is out-of-core glue living in cmd/sentryd; this package only
// owns the schema and its validation.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is immutable after Validate succeeds. Hot-reload is performed
// by constructing a new Config and swapping a pointer atomically in the
// owning monitor; Config itself never mutates.
type Config struct {
	MonitorInterval         int      `yaml:"monitor_interval"`     // seconds, 1..300, default 30
	ReportInterval          int      `yaml:"report_interval"`      // seconds, 60..3600, default 300
	ContainerPatterns       []string `yaml:"container_patterns"`
	NetworkMonitoring       bool     `yaml:"network_monitoring"`
	FileMonitoring          bool     `yaml:"file_monitoring"`
	ProcessMonitoring       bool     `yaml:"process_monitoring"`
	BehavioralAnalysis      bool     `yaml:"behavioral_analysis"`
	AlertWebhook            string   `yaml:"alert_webhook"` // URL or empty
	AlertTimeoutSeconds     int      `yaml:"alert_timeout_seconds"`
	AlertSecretKey          string   `yaml:"alert_secret_key"` // >=16 chars when set
	BackupSecretKey         string   `yaml:"backup_secret_key"`
	CertPinFile             string   `yaml:"cert_pin_file"`
	CPUThreshold            float64  `yaml:"cpu_threshold"`
	MemoryThreshold         float64  `yaml:"memory_threshold"`
	NetworkThresholdMbps    float64  `yaml:"network_threshold_mbps"`
	AllowedPorts            []int    `yaml:"allowed_ports"`
	BlockedProcesses        []string `yaml:"blocked_processes"`
	MonitoredDirectories    []string `yaml:"monitored_directories"`
	MaxConcurrentContainers int      `yaml:"max_concurrent_containers"` // 1..100, 0 means "auto"
	MaxTimestampSkewSeconds int      `yaml:"max_timestamp_skew_seconds"`
}

// Defaults returns a Config populated with every option's default.
func Defaults() Config {
	return Config{
		MonitorInterval:         30,
		ReportInterval:          300,
		ContainerPatterns:       []string{"dce-*"},
		NetworkMonitoring:       true,
		FileMonitoring:          true,
		ProcessMonitoring:       true,
		BehavioralAnalysis:      true,
		AlertTimeoutSeconds:     10,
		CPUThreshold:            80,
		MemoryThreshold:         80,
		NetworkThresholdMbps:    100,
		MonitoredDirectories:    []string{"/etc", "/usr/bin", "/usr/sbin"},
		MaxTimestampSkewSeconds: 300,
	}
}

// Validate checks every option's range/shape invariant and returns a
// descriptive error naming the first violation found.
func (c Config) Validate() error {
	if c.MonitorInterval < 1 || c.MonitorInterval > 300 {
		return fmt.Errorf("config: monitor_interval must be in [1,300], got %d", c.MonitorInterval)
	}
	if c.ReportInterval < 60 || c.ReportInterval > 3600 {
		return fmt.Errorf("config: report_interval must be in [60,3600], got %d", c.ReportInterval)
	}
	if len(c.ContainerPatterns) == 0 {
		return fmt.Errorf("config: container_patterns must be non-empty")
	}
	for _, pat := range c.ContainerPatterns {
		if _, err := filepath.Match(pat, "probe"); err != nil {
			return fmt.Errorf("config: invalid container pattern %q: %w", pat, err)
		}
	}
	if c.AlertWebhook != "" {
		if err := validateWebhookURL(c.AlertWebhook); err != nil {
			return err
		}
	}
	if c.AlertTimeoutSeconds < 1 || c.AlertTimeoutSeconds > 30 {
		return fmt.Errorf("config: alert_timeout must be in [1,30], got %d", c.AlertTimeoutSeconds)
	}
	if c.AlertSecretKey != "" && len(c.AlertSecretKey) < 16 {
		return fmt.Errorf("config: alert_secret_key must be >= 16 characters, got %d", len(c.AlertSecretKey))
	}
	if c.CPUThreshold < 0 || c.CPUThreshold > 100 {
		return fmt.Errorf("config: cpu_threshold must be in [0,100], got %v", c.CPUThreshold)
	}
	if c.MemoryThreshold < 0 || c.MemoryThreshold > 100 {
		return fmt.Errorf("config: memory_threshold must be in [0,100], got %v", c.MemoryThreshold)
	}
	if c.NetworkThresholdMbps < 0 {
		return fmt.Errorf("config: network_threshold_mbps must be >= 0, got %v", c.NetworkThresholdMbps)
	}
	for _, p := range c.AllowedPorts {
		if p < 0 || p > 65535 {
			return fmt.Errorf("config: allowed_ports entry %d out of 16-bit range", p)
		}
	}
	if c.MaxConcurrentContainers != 0 && (c.MaxConcurrentContainers < 1 || c.MaxConcurrentContainers > 100) {
		return fmt.Errorf("config: max_concurrent_containers must be in [1,100] or 0 (auto), got %d", c.MaxConcurrentContainers)
	}
	if c.MaxTimestampSkewSeconds < 0 {
		return fmt.Errorf("config: max_timestamp_skew must be >= 0, got %d", c.MaxTimestampSkewSeconds)
	}
	return nil
}

// validateWebhookURL enforces "HTTPS unless the host is loopback".
func validateWebhookURL(raw string) error {
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "https://") {
		return nil
	}
	if strings.HasPrefix(lower, "http://") {
		host := strings.TrimPrefix(lower, "http://")
		if i := strings.IndexAny(host, "/:"); i >= 0 {
			host = host[:i]
		}
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return fmt.Errorf("config: alert_webhook must use HTTPS unless host is loopback, got %q", raw)
	}
	return fmt.Errorf("config: alert_webhook must be an http(s) URL, got %q", raw)
}

// ConcurrencyLimit resolves MaxConcurrentContainers; 0 means auto,
// cpu count times 4.
func (c Config) ConcurrencyLimit() int {
	if c.MaxConcurrentContainers > 0 {
		return c.MaxConcurrentContainers
	}
	return runtime.NumCPU() * 4
}

// MatchesPattern reports whether name matches any configured container
// pattern, using shell-glob semantics (path/filepath.Match).
func (c Config) MatchesPattern(name string) bool {
	for _, pat := range c.ContainerPatterns {
		if ok, err := filepath.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Load reads a YAML config file starting from Defaults, applies the
// MONITOR_-prefixed environment overlay, validates, and returns the
// result. path == "" skips the file read and only applies env/defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config.Load: parse %q: %w", path, err)
		}
	}

	applyEnvOverlay(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// applyEnvOverlay overrides cfg fields with MONITOR_-prefixed
// environment variables when present. Env wins over the file for the
// secrets and the handful of knobs deployments tune per host.
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("MONITOR_ALERT_WEBHOOK"); v != "" {
		cfg.AlertWebhook = v
	}
	if v := os.Getenv("MONITOR_ALERT_SECRET_KEY"); v != "" {
		cfg.AlertSecretKey = v
	}
	if v := os.Getenv("MONITOR_BACKUP_SECRET_KEY"); v != "" {
		cfg.BackupSecretKey = v
	}
	if v := os.Getenv("MONITOR_CERT_PIN_FILE"); v != "" {
		cfg.CertPinFile = v
	}
	if v := os.Getenv("MONITOR_MONITOR_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MonitorInterval = n
		}
	}
	if v := os.Getenv("MONITOR_MAX_CONCURRENT_CONTAINERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentContainers = n
		}
	}
}
