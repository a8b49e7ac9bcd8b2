package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyoplan/pkg/telemetry"
)

// ServiceConfigFile is the service configuration file name inside a
// workspace.
const ServiceConfigFile = "froyo.yaml"

// RunnerKind selects how tasks reach nodes.
type RunnerKind string

const (
	// RunnerSSH runs commands on nodes over SSH.
	RunnerSSH RunnerKind = "ssh"

	// RunnerLocal runs commands on this machine with the node in the
	// environment.
	RunnerLocal RunnerKind = "local"

	// RunnerSimulate runs nothing and reports configured outcomes.
	RunnerSimulate RunnerKind = "simulate"
)

// ServiceConfig is the froyo.yaml workspace configuration.
type ServiceConfig struct {
	// StateDir holds the database, the run lock and payload scratch files.
	StateDir string `yaml:"state_dir" validate:"required"`

	// Database is the SQLite file, relative to StateDir.
	Database string `yaml:"database" validate:"required"`

	// Manifest is the default manifest file or directory.
	Manifest string `yaml:"manifest,omitempty"`

	// PolicyDir holds Rego policies evaluated against compiled plans.
	PolicyDir string `yaml:"policy_dir,omitempty"`

	ManagementNode   string        `yaml:"management_node" validate:"required"`
	MaxParallel      int           `yaml:"max_parallel" validate:"gte=0"`
	StopPollInterval time.Duration `yaml:"stop_poll_interval"`

	// Variables are HCL manifest variables and the producer model.
	Variables map[string]interface{} `yaml:"variables,omitempty"`

	Runner RunnerConfig `yaml:"runner"`
	Policy PolicyConfig `yaml:"policy"`

	// Nodes is the SSH inventory keyed by node name.
	Nodes map[string]NodeConfig `yaml:"nodes,omitempty" validate:"dive"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

// RunnerConfig selects and tunes the task runner.
type RunnerConfig struct {
	Kind RunnerKind `yaml:"kind" validate:"required,oneof=ssh local simulate"`

	// CommandTimeout bounds a single task command.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// LockCommand and UnlockCommand are run for synthetic lock tasks.
	// {node} is replaced by the node name.
	LockCommand   string `yaml:"lock_command,omitempty"`
	UnlockCommand string `yaml:"unlock_command,omitempty"`

	// Shell runs local commands.
	Shell string `yaml:"shell,omitempty"`

	// PayloadDir is where payloads are written on the target.
	PayloadDir string `yaml:"payload_dir,omitempty"`

	// Fail lists task IDs ("node/call_type/call_id") the simulate runner
	// reports as failed.
	Fail []string `yaml:"fail,omitempty"`

	// Delay is how long each simulated task takes.
	Delay time.Duration `yaml:"delay,omitempty"`
}

// PolicyConfig holds the data handed to plan policies.
type PolicyConfig struct {
	// FrozenNodes may not be touched by any plan.
	FrozenNodes []string `yaml:"frozen_nodes,omitempty"`

	// MaxPhaseWidth warns when a phase touches more nodes. Zero disables.
	MaxPhaseWidth int `yaml:"max_phase_width,omitempty" validate:"gte=0"`
}

// NodeConfig describes how to reach a node over SSH.
type NodeConfig struct {
	Address        string `yaml:"address" validate:"required"`
	Port           int    `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User           string `yaml:"user,omitempty"`
	KeyFile        string `yaml:"key_file,omitempty"`
	Password       string `yaml:"password,omitempty"`
	KnownHostsFile string `yaml:"known_hosts_file,omitempty"`

	// Jump names another inventory node used as an SSH bastion.
	Jump string `yaml:"jump,omitempty"`
}

// DefaultServiceConfig returns the configuration a fresh workspace gets.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		StateDir:         ".froyo",
		Database:         "froyo.db",
		Manifest:         "manifest.cue",
		PolicyDir:        "policies",
		ManagementNode:   "ms",
		MaxParallel:      0,
		StopPollInterval: time.Second,
		Runner: RunnerConfig{
			Kind:           RunnerSimulate,
			CommandTimeout: 10 * time.Minute,
			LockCommand:    "froyo-node lock {node}",
			UnlockCommand:  "froyo-node unlock {node}",
			Shell:          "/bin/sh",
			PayloadDir:     "/var/lib/froyo/payloads",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadServiceConfig reads path over the defaults. Relative directories in
// the file are resolved against the file's directory.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultServiceConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	root := filepath.Dir(path)
	cfg.StateDir = resolve(root, cfg.StateDir)
	if cfg.Manifest != "" {
		cfg.Manifest = resolve(root, cfg.Manifest)
	}
	if cfg.PolicyDir != "" {
		cfg.PolicyDir = resolve(root, cfg.PolicyDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *ServiceConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration.
func (c *ServiceConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Runner.Kind == RunnerSSH {
		if len(c.Nodes) == 0 {
			return fmt.Errorf("ssh runner requires a nodes inventory")
		}
		if c.Runner.LockCommand == "" || c.Runner.UnlockCommand == "" {
			return fmt.Errorf("ssh runner requires lock_command and unlock_command")
		}
	}
	for name, n := range c.Nodes {
		if n.Jump == "" {
			continue
		}
		jump, ok := c.Nodes[n.Jump]
		if !ok {
			return fmt.Errorf("node %s: jump host %q is not in the inventory", name, n.Jump)
		}
		if n.Jump == name || jump.Jump != "" {
			return fmt.Errorf("node %s: jump host %q must connect directly", name, n.Jump)
		}
	}
	return c.Telemetry.Validate()
}

// DatabasePath returns the SQLite path.
func (c *ServiceConfig) DatabasePath() string {
	return resolve(c.StateDir, c.Database)
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) || p == ":memory:" {
		return p
	}
	return filepath.Join(root, p)
}
