package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyoplan/pkg/config"
	"github.com/openfroyo/froyoplan/pkg/stores"
)

const sampleManifest = `// Froyo manifest. Tasks on the same node run in declaration order of
// their dependencies; nodes of one phase run in parallel.

clusters: [
	{id: "db", nodes: ["db1"]},
	{id: "web", nodes: ["web1", "web2"], dependency_list: ["db"]},
]

tasks: [
	{node: "db1", call_type: "Config", call_id: "postgres", command: "echo configuring postgres"},
	{node: "web1", call_type: "Config", call_id: "nginx", command: "echo configuring nginx"},
	{node: "web2", call_type: "Config", call_id: "nginx", command: "echo configuring nginx"},
]
`

const samplePolicy = `package froyoplan.workspace

import rego.v1

# Deny plans that schedule more than 50 phases.
deny contains violation if {
	count(input.phases) > 50
	violation := {"message": sprintf("plan has %d phases", [count(input.phases)])}
}
`

func newInitCommand() *cobra.Command {
	var (
		force  bool
		runner string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a Froyo workspace",
		Long: `Initialize a new workspace with a froyo.yaml configuration, a sample
manifest, a policy directory, an SSH keypair and a migrated state database.

Existing files are left alone unless --force is given.`,
		Example: `  # Initialize a workspace that simulates task execution
  froyo init

  # Initialize a workspace that runs tasks over SSH
  froyo init --runner ssh --config ./site/froyo.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("config", configPath).
				Str("runner", runner).
				Msg("Initializing workspace")

			root := filepath.Dir(configPath)
			cfg := config.DefaultServiceConfig()
			cfg.Runner.Kind = config.RunnerKind(runner)

			stateDir := filepath.Join(root, cfg.StateDir)
			keyPath := filepath.Join(stateDir, "keys", "default-ed25519")
			fmt.Printf("Initializing Froyo workspace in %s\n\n", root)

			// Step 1: Create directory structure
			dirs := []string{
				root,
				stateDir,
				filepath.Join(stateDir, "keys"),
				filepath.Join(root, cfg.PolicyDir),
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			// Step 2: Write configuration and samples
			if keep, err := keepExisting(configPath, force); err != nil {
				return err
			} else if keep {
				fmt.Printf("✓ Config file already exists: %s\n", configPath)
			} else {
				if cfg.Runner.Kind == config.RunnerSSH {
					keyFile, err := filepath.Abs(keyPath)
					if err != nil {
						return err
					}
					cfg.Nodes = map[string]config.NodeConfig{
						"db1":  {Address: "192.0.2.10", User: "root", KeyFile: keyFile},
						"web1": {Address: "192.0.2.11", User: "root", KeyFile: keyFile},
						"web2": {Address: "192.0.2.12", User: "root", KeyFile: keyFile},
					}
				}
				if err := cfg.Save(configPath); err != nil {
					return err
				}
				fmt.Printf("✓ Created config file: %s\n", configPath)
			}

			files := map[string]string{
				filepath.Join(root, cfg.Manifest):                    sampleManifest,
				filepath.Join(root, cfg.PolicyDir, "workspace.rego"): samplePolicy,
			}
			for path, content := range files {
				keep, err := keepExisting(path, force)
				if err != nil {
					return err
				}
				if keep {
					fmt.Printf("✓ Already exists: %s\n", path)
					continue
				}
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				fmt.Printf("✓ Created: %s\n", path)
			}

			// Step 3: Initialize SQLite database
			dbPath := filepath.Join(stateDir, cfg.Database)
			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()

			if err := store.Init(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)

			// Step 4: Generate default SSH key
			if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
				if err := generateKeypair(keyPath); err != nil {
					return err
				}
				fmt.Printf("✓ Generated SSH keypair: %s\n", keyPath)
			} else {
				fmt.Printf("✓ SSH keypair already exists: %s\n", keyPath)
			}

			fmt.Printf("\n%s\n\n", successStyle.Render("Workspace initialized successfully!"))
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Describe your changes in %s\n", cfg.Manifest)
			fmt.Printf("  2. Compile a plan:\n")
			fmt.Printf("     froyo create-plan\n\n")
			fmt.Printf("  3. Run it:\n")
			fmt.Printf("     froyo run-plan\n\n")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing configuration and samples")
	cmd.Flags().StringVar(&runner, "runner", string(config.RunnerSimulate), "task runner (simulate, local or ssh)")

	return cmd
}

// keepExisting reports whether path exists and should be kept.
func keepExisting(path string, force bool) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	default:
		return !force, nil
	}
}

// generateKeypair writes an ED25519 private key and its authorized_keys
// line next to it.
func generateKeypair(keyPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privKeyBytes), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
