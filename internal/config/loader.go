package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults, and validates a configuration file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "modctl"
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = "127.0.0.1:8080"
	}
	if cfg.Service.StopTimeout <= 0 {
		cfg.Service.StopTimeout = 5 * time.Second
	}
	if cfg.Service.PIDFile == "" {
		cfg.Service.PIDFile = filepath.Join(os.TempDir(), cfg.Service.Name+".pid")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8081"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Service.Listen) == "" {
		return fmt.Errorf("service.listen is required")
	}

	for name, wc := range cfg.Workers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("worker names must be non-empty")
		}
		if strings.ContainsAny(name, " \t\n") {
			return fmt.Errorf("worker name %q contains whitespace", name)
		}
		if wc.Exec == "" {
			return fmt.Errorf("worker %s: exec is required", name)
		}
		if wc.Checksum != "" && !strings.HasPrefix(wc.Checksum, checksumPrefix) {
			return fmt.Errorf("worker %s: checksum must have the %q prefix", name, checksumPrefix)
		}
	}
	return nil
}
