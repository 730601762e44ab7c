package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeConfig(t, `vault:
  name: acme-ops
  created: "2025-06-01T09:00:00Z"
processor:
  scan_interval_sec: 5
agent:
  command: claude
  timeout_sec: 120
executor:
  port: 3100
sources:
  email:
    kind: email
    interval_sec: 15
    priority:
      keywords: [urgent, asap]
  payments:
    kind: payment
    priority:
      amount_field: amount
      amount_threshold: 1000
logging:
  level: debug
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Vault.Name != "acme-ops" {
		t.Errorf("vault name = %q", cfg.Vault.Name)
	}
	if cfg.Processor.ScanIntervalSec != 5 {
		t.Errorf("scan interval = %d", cfg.Processor.ScanIntervalSec)
	}
	if cfg.Agent.TimeoutSec != 120 {
		t.Errorf("agent timeout = %d", cfg.Agent.TimeoutSec)
	}
	if cfg.Executor.URL != "http://127.0.0.1:3100" {
		t.Errorf("executor url derived from port, got %q", cfg.Executor.URL)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("sources = %d", len(cfg.Sources))
	}
	if cfg.Sources["email"].IntervalSec != 15 {
		t.Errorf("email interval = %d", cfg.Sources["email"].IntervalSec)
	}
	if got := cfg.Sources["payments"].IntervalSec; got != 60 {
		t.Errorf("payments interval default = %d, want 60", got)
	}
	if got := cfg.Sources["payments"].Priority.AmountThreshold; got != 1000 {
		t.Errorf("amount threshold = %v", got)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestLoad_Malformed(t *testing.T) {
	dir := writeConfig(t, "vault: [not a mapping\n")
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.Sources = map[string]SourceConfig{"email": {Kind: "email"}}
	cfg.ApplyDefaults()

	if cfg.Processor.ScanIntervalSec != 10 {
		t.Errorf("scan interval default = %d", cfg.Processor.ScanIntervalSec)
	}
	if cfg.Processor.DebounceSec != 0.5 {
		t.Errorf("debounce default = %v", cfg.Processor.DebounceSec)
	}
	if cfg.Processor.ShutdownTimeoutSec != 30 {
		t.Errorf("shutdown timeout default = %d", cfg.Processor.ShutdownTimeoutSec)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("agent command default = %q", cfg.Agent.Command)
	}
	if cfg.Agent.TimeoutSec != 300 {
		t.Errorf("agent timeout default = %d", cfg.Agent.TimeoutSec)
	}
	if len(cfg.Agent.PolicyDocs) != 2 {
		t.Errorf("policy docs default = %v", cfg.Agent.PolicyDocs)
	}
	if cfg.Executor.URL != "http://127.0.0.1:3000" {
		t.Errorf("executor url default = %q", cfg.Executor.URL)
	}
	if cfg.Audit.MaxLogBytes != 100*1024*1024 {
		t.Errorf("audit cap default = %d", cfg.Audit.MaxLogBytes)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level default = %q", cfg.Logging.Level)
	}
	if cfg.Sources["email"].FetchTimeoutSec != 30 {
		t.Errorf("fetch timeout default = %d", cfg.Sources["email"].FetchTimeoutSec)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"INFO":    LogLevelInfo,
		"warn":    LogLevelWarn,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
		"bogus":   LogLevelInfo,
		"":        LogLevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogLevelString(t *testing.T) {
	if LogLevelWarn.String() != "WARN" || LogLevelDebug.String() != "DEBUG" {
		t.Error("level strings do not round-trip")
	}
}
