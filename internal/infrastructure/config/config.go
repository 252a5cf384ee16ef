// Package config loads kernel configuration from the environment and the
// optional boot manifest.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all kernel configuration.
type Config struct {
	Memory    MemoryConfig
	Messaging MessagingConfig
	Logging   LogConfig
	Monitor   MonitorConfig
}

// MemoryConfig sizes the physical frame pool.
type MemoryConfig struct {
	TotalFrames int `envconfig:"KARNAL_TOTAL_FRAMES" default:"1024"`
}

// MessagingConfig bounds per-task mailboxes. Send into a full mailbox fails
// Busy; unbounded queues would let a hostile sender exhaust kernel memory.
type MessagingConfig struct {
	MailboxCapacity int `envconfig:"KARNAL_MAILBOX_CAP" default:"1024"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"KARNAL_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"KARNAL_LOG_DEV" default:"false"`
}

// MonitorConfig holds the read-only introspection HTTP surface.
type MonitorConfig struct {
	Enabled           bool   `envconfig:"KARNAL_MONITOR_ENABLED" default:"true"`
	Addr              string `envconfig:"KARNAL_MONITOR_ADDR" default:"127.0.0.1:9150"`
	RequestsPerSecond int    `envconfig:"KARNAL_MONITOR_RPS" default:"50"`
	Burst             int    `envconfig:"KARNAL_MONITOR_BURST" default:"100"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Memory:    MemoryConfig{TotalFrames: 1024},
		Messaging: MessagingConfig{MailboxCapacity: 1024},
		Logging:   LogConfig{Level: "info", Development: false},
		Monitor: MonitorConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:9150",
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// Manifest describes what boot registers before entering the wait loop:
// which built-in providers come up and which program the initial task runs.
type Manifest struct {
	Providers []string `yaml:"providers"`
	InitTask  InitTask `yaml:"init_task"`
}

// InitTask names the program the initial task executes.
type InitTask struct {
	Program string `yaml:"program"`
	Args    string `yaml:"args"`
}

// DefaultManifest enables every built-in provider and the init program.
func DefaultManifest() *Manifest {
	return &Manifest{
		Providers: []string{
			"karnal://device/console",
			"karnal://device/null",
			"karnal://boot/initrd",
			"karnal://power/battery",
		},
		InitTask: InitTask{Program: "init"},
	}
}

// LoadManifest reads a boot manifest from path. An empty path yields the
// default manifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read boot manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse boot manifest: %w", err)
	}
	if m.InitTask.Program == "" {
		m.InitTask.Program = "init"
	}
	return &m, nil
}
