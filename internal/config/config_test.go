package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	c := Defaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestValidateEmptyContainerPatterns(t *testing.T) {
	c := Defaults()
	c.ContainerPatterns = nil
	if err := c.Validate(); err == nil {
		t.Error("expected error for empty container_patterns")
	}
}

func TestValidateNonLoopbackHTTPWebhookRejected(t *testing.T) {
	c := Defaults()
	c.AlertWebhook = "http://example.com/webhook"
	if err := c.Validate(); err == nil {
		t.Error("expected error for non-loopback http:// webhook")
	}
}

func TestValidateLoopbackHTTPWebhookAllowed(t *testing.T) {
	c := Defaults()
	c.AlertWebhook = "http://localhost:8080/webhook"
	if err := c.Validate(); err != nil {
		t.Errorf("expected loopback http webhook to validate, got %v", err)
	}
}

func TestValidateHTTPSWebhookAllowed(t *testing.T) {
	c := Defaults()
	c.AlertWebhook = "https://alerts.example.com/webhook"
	if err := c.Validate(); err != nil {
		t.Errorf("expected https webhook to validate, got %v", err)
	}
}

func TestValidateShortSecretKeyRejected(t *testing.T) {
	c := Defaults()
	c.AlertSecretKey = "short"
	if err := c.Validate(); err == nil {
		t.Error("expected error for alert_secret_key shorter than 16 chars")
	}
}

func TestValidateSecretKeyAtMinimumLength(t *testing.T) {
	c := Defaults()
	c.AlertSecretKey = "0123456789abcdef" // exactly 16
	if err := c.Validate(); err != nil {
		t.Errorf("expected 16-char secret key to validate, got %v", err)
	}
}

func TestValidateIntervalRanges(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"monitor interval too low", func(c *Config) { c.MonitorInterval = 0 }, true},
		{"monitor interval too high", func(c *Config) { c.MonitorInterval = 301 }, true},
		{"monitor interval ok", func(c *Config) { c.MonitorInterval = 1 }, false},
		{"report interval too low", func(c *Config) { c.ReportInterval = 59 }, true},
		{"report interval too high", func(c *Config) { c.ReportInterval = 3601 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Defaults()
			tc.mutate(&c)
			err := c.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestConcurrencyLimitAuto(t *testing.T) {
	c := Defaults()
	if limit := c.ConcurrencyLimit(); limit <= 0 {
		t.Errorf("expected positive auto concurrency limit, got %d", limit)
	}
}

func TestConcurrencyLimitExplicit(t *testing.T) {
	c := Defaults()
	c.MaxConcurrentContainers = 42
	if limit := c.ConcurrencyLimit(); limit != 42 {
		t.Errorf("expected explicit limit 42, got %d", limit)
	}
}

func TestMatchesPattern(t *testing.T) {
	c := Defaults() // ["dce-*"]
	cases := map[string]bool{
		"dce-api": true,
		"dce-":    true,
		"api-dce": false,
	}
	for name, want := range cases {
		if got := c.MatchesPattern(name); got != want {
			t.Errorf("MatchesPattern(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestValidateAllowedPortsRange(t *testing.T) {
	c := Defaults()
	c.AllowedPorts = []int{80, 70000}
	if err := c.Validate(); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestLoadNoPathAppliesDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.MonitorInterval != 30 {
		t.Errorf("expected default monitor_interval 30, got %d", c.MonitorInterval)
	}
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "monitor_interval: 45\ncontainer_patterns: [\"web-*\"]\ncpu_threshold: 90\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.MonitorInterval != 45 || c.CPUThreshold != 90 || len(c.ContainerPatterns) != 1 || c.ContainerPatterns[0] != "web-*" {
		t.Errorf("unexpected config after YAML overlay: %+v", c)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("not_a_real_field: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error for an unknown config field")
	}
}

func TestLoadEnvOverlayOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("monitor_interval: 45\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MONITOR_MONITOR_INTERVAL", "60")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.MonitorInterval != 60 {
		t.Errorf("expected env override 60, got %d", c.MonitorInterval)
	}
}
