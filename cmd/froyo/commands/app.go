package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/froyoplan/pkg/config"
	"github.com/openfroyo/froyoplan/pkg/engine"
	"github.com/openfroyo/froyoplan/pkg/policy"
	"github.com/openfroyo/froyoplan/pkg/runner"
	"github.com/openfroyo/froyoplan/pkg/stores"
	"github.com/openfroyo/froyoplan/pkg/telemetry"
	"github.com/openfroyo/froyoplan/pkg/transports/ssh"
)

// app wires the plan service for one CLI invocation.
type app struct {
	cfg     *config.ServiceConfig
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	policy  *policy.Engine
	runner  engine.TaskRunner
	service *engine.Service
	logger  zerolog.Logger

	closers []func() error
}

// loadConfig reads the workspace configuration named by --config.
func loadConfig() (*config.ServiceConfig, error) {
	cfg, err := config.LoadServiceConfig(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w (run 'froyo init' first)", err)
		}
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return cfg, nil
}

// newApp builds telemetry, the store, the policy gate, the task runner and
// the plan service from the workspace configuration.
func newApp(ctx context.Context, version string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if version != "" {
		cfg.Telemetry.ServiceVersion = version
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	pe, err := policy.NewEngine(a.logger, policy.Data{
		FrozenNodes:   cfg.Policy.FrozenNodes,
		MaxPhaseWidth: cfg.Policy.MaxPhaseWidth,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if cfg.PolicyDir != "" {
		if _, statErr := os.Stat(cfg.PolicyDir); statErr == nil {
			if err := pe.LoadPolicies(ctx, []string{cfg.PolicyDir}); err != nil {
				a.Close()
				return nil, err
			}
		}
	}
	a.policy = pe

	if a.runner, err = a.newRunner(); err != nil {
		a.Close()
		return nil, err
	}

	// Events reach the audit trail before any subscriber sees them.
	tel.Events.AddSink(a.store)

	a.service, err = engine.NewService(a.runner, engine.ServiceOptions{
		Compiler:         engine.CompilerOptions{ManagementNode: cfg.ManagementNode},
		MaxParallel:      cfg.MaxParallel,
		StopPollInterval: cfg.StopPollInterval,
		Store:            a.store,
		Policy:           pe,
		Publisher:        tel.Events,
		Instrumentation:  tel,
		Logger:           a.logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create plan service: %w", err)
	}

	return a, nil
}

// openStore opens and migrates the state database.
func (a *app) openStore(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.StateDir, 0o750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.DatabasePath()})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	a.store = store
	return nil
}

// newRunner builds the task runner selected by runner.kind.
func (a *app) newRunner() (engine.TaskRunner, error) {
	rc := a.cfg.Runner
	cmds := runner.Commands{Lock: rc.LockCommand, Unlock: rc.UnlockCommand}

	switch rc.Kind {
	case config.RunnerSimulate:
		return runner.NewSimulateRunner(runner.SimulateOptions{
			Fail:   rc.Fail,
			Delay:  rc.Delay,
			Logger: a.logger,
		}), nil

	case config.RunnerLocal:
		payloadDir := rc.PayloadDir
		if !filepath.IsAbs(payloadDir) {
			payloadDir = filepath.Join(a.cfg.StateDir, payloadDir)
		}
		return runner.NewLocalRunner(runner.LocalOptions{
			Commands:       cmds,
			Shell:          rc.Shell,
			PayloadDir:     payloadDir,
			CommandTimeout: rc.CommandTimeout,
			Logger:         a.logger,
		}), nil

	case config.RunnerSSH:
		r, err := ssh.NewRunner(sshNodes(a.cfg.Nodes), ssh.RunnerOptions{
			Commands:       cmds,
			Shell:          rc.Shell,
			PayloadDir:     rc.PayloadDir,
			CommandTimeout: rc.CommandTimeout,
			Logger:         a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ssh runner: %w", err)
		}
		a.closers = append(a.closers, r.Close)
		return r, nil

	default:
		return nil, fmt.Errorf("unknown runner kind %q", rc.Kind)
	}
}

// sshNodes converts the inventory, resolving jump hosts by node name.
func sshNodes(inventory map[string]config.NodeConfig) map[string]*ssh.Config {
	nodes := make(map[string]*ssh.Config, len(inventory))
	for name, n := range inventory {
		c := sshConfig(n)
		if jump, ok := inventory[n.Jump]; ok && n.Jump != "" {
			c.Jump = sshConfig(jump)
		}
		nodes[name] = c
	}
	return nodes
}

// sshConfig converts an inventory entry to SSH connection settings.
func sshConfig(n config.NodeConfig) *ssh.Config {
	user := n.User
	if user == "" {
		user = "root"
	}
	c := ssh.DefaultConfig(n.Address, user)
	if n.Port != 0 {
		c.Port = n.Port
	}
	switch {
	case n.Password != "":
		c.AuthMethod = ssh.AuthMethodPassword
		c.Password = n.Password
	case n.KeyFile != "":
		c.PrivateKeyPath = n.KeyFile
	case os.Getenv("SSH_AUTH_SOCK") != "":
		c.AuthMethod = ssh.AuthMethodAgent
	}
	if n.KnownHostsFile != "" {
		c.KnownHostsPath = n.KnownHostsFile
	}
	return c
}

// loadChangeSet loads the manifest at path, or the configured manifest.
func (a *app) loadChangeSet(ctx context.Context, path string) (engine.ChangeSet, error) {
	return loadChangeSet(ctx, a.cfg, a.logger, path)
}

func loadChangeSet(ctx context.Context, cfg *config.ServiceConfig, logger zerolog.Logger, path string) (engine.ChangeSet, error) {
	if path == "" {
		path = cfg.Manifest
	}
	if path == "" {
		return engine.ChangeSet{}, errors.New("no manifest given and none configured")
	}

	loader := config.NewManifestLoader(config.LoaderOptions{
		Variables: cfg.Variables,
		Logger:    logger,
	})
	_, cs, err := loader.Load(ctx, path)
	if err != nil {
		return engine.ChangeSet{}, fmt.Errorf("failed to load manifest %s: %w", path, err)
	}
	return cs, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to release resource")
		}
	}
	a.closers = nil
}
