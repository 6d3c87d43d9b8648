package config

import "time"

// Config is the complete modctl configuration.
type Config struct {
	Service ServiceConfig         `yaml:"service"`
	Logging LoggingConfig         `yaml:"logging,omitempty"`
	API     APIConfig             `yaml:"api,omitempty"`
	Workers map[string]WorkerConf `yaml:"workers"`
}

// ServiceConfig defines the control server settings.
type ServiceConfig struct {
	Name        string        `yaml:"name"`
	Listen      string        `yaml:"listen"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	PIDFile     string        `yaml:"pid_file,omitempty"`
}

// LoggingConfig defines log level and the optional cross-process relay.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// RelayAddr, when set, forwards every log record to a collector
	// socket at this TCP address.
	RelayAddr string `yaml:"relay_addr,omitempty"`
}

// APIConfig defines the optional read-only HTTP observation endpoint.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// WorkerConf defines one process-backed worker the server can start.
type WorkerConf struct {
	Exec string   `yaml:"exec"`
	Args []string `yaml:"args,omitempty"`
	Dir  string   `yaml:"dir,omitempty"`
	Env  []string `yaml:"env,omitempty"`

	// Checksum optionally pins the executable to a BLAKE3 digest,
	// "blake3:<hex>", verified on every start.
	Checksum string `yaml:"checksum,omitempty"`

	// ReadyAddr is the TCP address the subprocess opens once it is
	// initialized; empty means no readiness handshake.
	ReadyAddr    string        `yaml:"ready_addr,omitempty"`
	ReadyTimeout time.Duration `yaml:"ready_timeout,omitempty"`
}
