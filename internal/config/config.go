// Package config defines the vault configuration model and loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// FileName is the configuration file expected in the vault root.
const FileName = "config.yaml"

type Config struct {
	Vault     VaultConfig             `yaml:"vault"`
	Processor ProcessorConfig         `yaml:"processor"`
	Agent     AgentConfig             `yaml:"agent"`
	Executor  ExecutorConfig          `yaml:"executor"`
	Sources   map[string]SourceConfig `yaml:"sources"`
	Audit     AuditConfig             `yaml:"audit"`
	Logging   LoggingConfig           `yaml:"logging"`
}

type VaultConfig struct {
	Name    string `yaml:"name"`
	Created string `yaml:"created"`
}

type ProcessorConfig struct {
	ScanIntervalSec    int     `yaml:"scan_interval_sec"`
	DebounceSec        float64 `yaml:"debounce_sec"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec"`
}

type AgentConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args,omitempty"`
	TimeoutSec int      `yaml:"timeout_sec"`
	PolicyDocs []string `yaml:"policy_docs,omitempty"`
}

type ExecutorConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
	Port       int    `yaml:"port"`
}

type SourceConfig struct {
	Kind            string        `yaml:"kind"`
	IntervalSec     int           `yaml:"interval_sec"`
	FetchTimeoutSec int           `yaml:"fetch_timeout_sec"`
	Priority        PriorityRules `yaml:"priority"`
}

// PriorityRules drive the poller-side normal/high classification.
type PriorityRules struct {
	Keywords        []string `yaml:"keywords,omitempty"`
	AmountField     string   `yaml:"amount_field,omitempty"`
	AmountThreshold float64  `yaml:"amount_threshold,omitempty"`
}

type AuditConfig struct {
	MaxLogBytes int64 `yaml:"max_log_bytes"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads config.yaml from the vault root and applies defaults.
func Load(vaultRoot string) (Config, error) {
	path := filepath.Join(vaultRoot, FileName)

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero values so no interval or timeout is a hidden constant.
func (c *Config) ApplyDefaults() {
	if c.Processor.ScanIntervalSec <= 0 {
		c.Processor.ScanIntervalSec = 10
	}
	if c.Processor.DebounceSec <= 0 {
		c.Processor.DebounceSec = 0.5
	}
	if c.Processor.ShutdownTimeoutSec <= 0 {
		c.Processor.ShutdownTimeoutSec = 30
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Agent.TimeoutSec <= 0 {
		c.Agent.TimeoutSec = 300
	}
	if len(c.Agent.PolicyDocs) == 0 {
		c.Agent.PolicyDocs = []string{"Company_Handbook.md", "Business_Goals.md"}
	}
	if c.Executor.Port <= 0 {
		c.Executor.Port = 3000
	}
	if c.Executor.URL == "" {
		c.Executor.URL = fmt.Sprintf("http://127.0.0.1:%d", c.Executor.Port)
	}
	if c.Executor.TimeoutSec <= 0 {
		c.Executor.TimeoutSec = 30
	}
	if c.Audit.MaxLogBytes <= 0 {
		c.Audit.MaxLogBytes = 100 * 1024 * 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for name, src := range c.Sources {
		if src.IntervalSec <= 0 {
			src.IntervalSec = 60
		}
		if src.FetchTimeoutSec <= 0 {
			src.FetchTimeoutSec = 30
		}
		c.Sources[name] = src
	}
}

// LogLevel controls logging verbosity across the vault processes.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}
