// Package config handles loading and validating fleetd configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ErrConfigFileNotFound is returned by Load when the specified config file does not exist.
var ErrConfigFileNotFound = errors.New("config file not found")

// Config is the top-level fleetd configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	SSH           SSHConfig            `yaml:"ssh"`
	Monitor       MonitorConfig        `yaml:"monitor"`
	Scheduler     SchedulerConfig      `yaml:"scheduler"`
	Discovery     DiscoveryConfig      `yaml:"discovery"`
	Notifications []NotificationConfig `yaml:"notifications"`
}

// SSHConfig controls the remote executor.
type SSHConfig struct {
	ConnectTimeout Duration `yaml:"connect_timeout"`
	StrictHostKey  bool     `yaml:"strict_host_key"`
	KnownHostsPath string   `yaml:"known_hosts_path,omitempty"`
}

// MonitorConfig controls the health monitor tick loop.
type MonitorConfig struct {
	Interval          Duration `yaml:"interval"`
	ProbeTimeout      Duration `yaml:"probe_timeout"`
	ProbeConcurrency  int      `yaml:"probe_concurrency"`
	WarningThreshold  float64  `yaml:"warning_threshold"`
	CriticalThreshold float64  `yaml:"critical_threshold"`
}

// SchedulerConfig controls deployment step execution.
type SchedulerConfig struct {
	StepTimeout  Duration `yaml:"step_timeout"`
	StepRetries  int      `yaml:"step_retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// DiscoveryConfig controls network scans and auto-setup readiness.
type DiscoveryConfig struct {
	Workers        int      `yaml:"workers"`
	ProbeTimeout   Duration `yaml:"probe_timeout"`
	MinCPUCores    int      `yaml:"min_cpu_cores"`
	MinMemoryGB    float64  `yaml:"min_memory_gb"`
	MinDiskGB      float64  `yaml:"min_disk_gb"`
	ExclusiveRoles []string `yaml:"exclusive_roles"`
}

// NotificationConfig describes a notification target.
type NotificationConfig struct {
	Type    string            `yaml:"type"` // "ntfy" or "webhook"
	URL     string            `yaml:"url"`
	Topic   string            `yaml:"topic,omitempty"`   // ntfy only
	Method  string            `yaml:"method,omitempty"`  // webhook only
	Headers map[string]string `yaml:"headers,omitempty"` // webhook only
}

// Duration wraps time.Duration with YAML string parsing support.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads configuration from a YAML file. If no path is given, defaults
// plus environment overrides apply. If a path is given and the file does
// not exist, ErrConfigFileNotFound is returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: text, json")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Monitor.Interval.Duration < 5*time.Second {
		return fmt.Errorf("monitor.interval must be >= 5s")
	}
	if c.Monitor.ProbeTimeout.Duration <= 0 {
		return fmt.Errorf("monitor.probe_timeout must be > 0")
	}
	if c.Monitor.ProbeConcurrency < 1 {
		return fmt.Errorf("monitor.probe_concurrency must be >= 1")
	}
	if c.Monitor.WarningThreshold <= 0 || c.Monitor.WarningThreshold >= 100 {
		return fmt.Errorf("monitor.warning_threshold must be in (0, 100)")
	}
	if c.Monitor.CriticalThreshold <= c.Monitor.WarningThreshold || c.Monitor.CriticalThreshold >= 100 {
		return fmt.Errorf("monitor.critical_threshold must be in (warning_threshold, 100)")
	}
	if c.Scheduler.StepTimeout.Duration <= 0 {
		return fmt.Errorf("scheduler.step_timeout must be > 0")
	}
	if c.Scheduler.StepRetries < 0 {
		return fmt.Errorf("scheduler.step_retries must be >= 0")
	}
	if c.Discovery.Workers < 1 {
		return fmt.Errorf("discovery.workers must be >= 1")
	}
	if c.Discovery.ProbeTimeout.Duration <= 0 {
		return fmt.Errorf("discovery.probe_timeout must be > 0")
	}
	for i, n := range c.Notifications {
		switch n.Type {
		case "ntfy":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for ntfy", i)
			}
			if n.Topic == "" {
				return fmt.Errorf("notifications[%d]: topic is required for ntfy", i)
			}
		case "webhook":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for webhook", i)
			}
		default:
			return fmt.Errorf("notifications[%d]: unknown type %q (expected ntfy or webhook)", i, n.Type)
		}
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Listen:    ":8090",
		DBPath:    "/data/fleetd.db",
		LogLevel:  "info",
		LogFormat: "text",
		SSH: SSHConfig{
			ConnectTimeout: Duration{10 * time.Second},
		},
		Monitor: MonitorConfig{
			Interval:          Duration{45 * time.Second},
			ProbeTimeout:      Duration{8 * time.Second},
			ProbeConcurrency:  8,
			WarningThreshold:  75,
			CriticalThreshold: 90,
		},
		Scheduler: SchedulerConfig{
			StepTimeout:  Duration{5 * time.Minute},
			StepRetries:  2,
			RetryBackoff: Duration{2 * time.Second},
		},
		Discovery: DiscoveryConfig{
			Workers:        16,
			ProbeTimeout:   Duration{6 * time.Second},
			MinCPUCores:    2,
			MinMemoryGB:    4,
			MinDiskGB:      20,
			ExclusiveRoles: []string{"proxy"},
		},
	}
}

// expandEnvVars replaces ${VAR_NAME} placeholders in raw YAML with the
// corresponding environment variable values. Unset variables are replaced
// with an empty string, which will then fail validation with a clear error.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := string(match[2 : len(match)-1]) // strip ${ and }
		return []byte(os.Getenv(key))
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("FLEETD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLEETD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLEETD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FLEETD_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.Interval = Duration{d}
		}
	}
	if v := os.Getenv("FLEETD_DISCOVERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Discovery.Workers = n
		}
	}
}
