// Package config loads the orchestrator's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Server struct {
		GRPCPort      int    `yaml:"grpc_port"`
		HTTPPort      int    `yaml:"http_port"`
		ResultBaseURL string `yaml:"result_base_url"`
		Namespace     string `yaml:"namespace"`
	} `yaml:"server"`

	Jobs struct {
		Retention           time.Duration `yaml:"retention"`
		PhaseTimeout        time.Duration `yaml:"phase_timeout"`
		MaxConcurrentPhases int           `yaml:"max_concurrent_phases"`
		SlotWait            time.Duration `yaml:"slot_wait"`
		SubscriberBuffer    int           `yaml:"subscriber_buffer"`
	} `yaml:"jobs"`

	Executor struct {
		PhaseDelay time.Duration     `yaml:"phase_delay"`
		Jitter     time.Duration     `yaml:"jitter"`
		FailPhase  types.Phase       `yaml:"fail_phase"`
		FailKind   types.FailureKind `yaml:"fail_kind"`
	} `yaml:"executor"`

	Journal struct {
		Path         string `yaml:"path"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"journal"`

	Archive struct {
		Dir string `yaml:"dir"`
	} `yaml:"archive"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	NetConfigs []types.NetConfig `yaml:"netconfigs"`
	Datasets   []catalog.Dataset `yaml:"datasets"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, then applies defaults and validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 50051
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.ResultBaseURL == "" {
		c.Server.ResultBaseURL = fmt.Sprintf("http://localhost:%d", c.Server.HTTPPort)
	}
	c.Server.ResultBaseURL = strings.TrimRight(c.Server.ResultBaseURL, "/")
	if c.Server.Namespace == "" {
		c.Server.Namespace = "/analyst"
	}
	if !strings.HasPrefix(c.Server.Namespace, "/") {
		c.Server.Namespace = "/" + c.Server.Namespace
	}
	if c.Jobs.SubscriberBuffer == 0 {
		c.Jobs.SubscriberBuffer = 16
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Jobs.Retention < 0 || c.Jobs.PhaseTimeout < 0 || c.Jobs.SlotWait < 0 {
		errs = append(errs, errors.New("jobs: durations must not be negative"))
	}
	if c.Jobs.MaxConcurrentPhases < 0 {
		errs = append(errs, errors.New("jobs: max_concurrent_phases must not be negative"))
	}
	if c.Executor.PhaseDelay < 0 || c.Executor.Jitter < 0 {
		errs = append(errs, errors.New("executor: durations must not be negative"))
	}
	switch c.Executor.FailKind {
	case "", types.FailureTimeout, types.FailureResource, types.FailureInternal:
	default:
		errs = append(errs, fmt.Errorf("executor: unknown fail_kind %q", c.Executor.FailKind))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}

	seen := make(map[string]bool, len(c.NetConfigs))
	for i, nc := range c.NetConfigs {
		switch {
		case nc.ID == "":
			errs = append(errs, fmt.Errorf("netconfigs[%d]: id is required", i))
		case seen[nc.ID]:
			errs = append(errs, fmt.Errorf("netconfigs[%d]: duplicate id %q", i, nc.ID))
		}
		if nc.Parties < 0 {
			errs = append(errs, fmt.Errorf("netconfigs[%d]: parties must not be negative", i))
		}
		seen[nc.ID] = true
	}

	for i, d := range c.Datasets {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("datasets[%d]: name is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NetConfigSet indexes the configured netconfigs.
func (c *Config) NetConfigSet() types.NetConfigSet {
	return types.NewNetConfigSet(c.NetConfigs)
}
