// Package cli wires the migration engine's cobra commands together.
// Grounded on internal/infrastructure/migrations/cli.go's CLI-struct-plus-
// subcommand-constructor shape, retargeted from DB-migration management
// (up/down/status/backup/restore) to a PDS-to-PDS account migration run
// (run/status/resume/serve).
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/atproto-tools/migrate-engine/internal/apierrors"
	"github.com/atproto-tools/migrate-engine/internal/config"
	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/orchestrator"
	"github.com/atproto-tools/migrate-engine/internal/pdsclient"
	"github.com/atproto-tools/migrate-engine/internal/store"
	"github.com/atproto-tools/migrate-engine/pkg/logger"
	"github.com/atproto-tools/migrate-engine/pkg/metrics"
)

// CLI holds the command tree's shared dependencies.
type CLI struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
	registry   *metrics.Registry
}

// NewCLI constructs the CLI. Configuration is loaded lazily on first use
// (PersistentPreRunE) so --config can be set by a flag parsed after
// construction.
func NewCLI() *CLI {
	return &CLI{}
}

// GetRootCommand returns the cobra root command with every subcommand
// attached.
func (c *CLI) GetRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "migrate-engine",
		Short: "Client-side AT Protocol account migration engine",
		Long:  "Moves an account's repository, blobs, and preferences from one PDS to another, and hands off to identity (PLC) migration.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			c.cfg = cfg
			c.log = logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
			c.registry = metrics.NewRegistry("migrate_engine")
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		c.runCommand(),
		c.statusCommand(),
		c.resumeCommand(),
		c.serveCommand(),
	)

	return root
}

// Execute runs the CLI.
func (c *CLI) Execute() error {
	return c.GetRootCommand().Execute()
}

// deps bundles the constructed runtime dependencies a run needs.
type deps struct {
	client *pdsclient.Client
	st     *store.Store
	runs   *orchestrator.RunStore
	orch   *orchestrator.Orchestrator
}

func (c *CLI) buildDeps(ctx context.Context) (*deps, error) {
	client, err := pdsclient.New(pdsclient.Config{
		Timeout:           c.cfg.PDS.Timeout,
		MaxRetries:        c.cfg.PDS.MaxRetries,
		RateLimit:         c.cfg.PDS.RateLimit,
		DescribeCacheSize: c.cfg.PDS.DescribeCacheSize,
	}, c.log)
	if err != nil {
		return nil, fmt.Errorf("building pds client: %w", err)
	}

	mode := store.Mode(c.cfg.Store.Mode)
	st, err := store.New(ctx, store.Config{
		Mode:       mode,
		Dir:        c.cfg.Store.Dir,
		SQLitePath: c.cfg.Store.SQLitePath,
		Buffered:   c.cfg.Store.Buffered,
	})
	if err != nil {
		return nil, fmt.Errorf("building local store: %w", err)
	}

	runs, err := orchestrator.NewRunStore(ctx, c.cfg.Run.DatabasePath, c.log)
	if err != nil {
		return nil, fmt.Errorf("building run store: %w", err)
	}

	orch := orchestrator.New(client, st, runs, c.log, c.registry.Migration())

	return &deps{client: client, st: st, runs: runs, orch: orch}, nil
}

// loginOld authenticates against the source PDS, producing the
// domain.Session the orchestrator needs to start or resume a run.
func (c *CLI) loginOld(ctx context.Context, client *pdsclient.Client, pdsURL, handle, password string) (domain.Session, error) {
	resp, err := client.TryLogin(ctx, pdsURL, handle, password)
	if err != nil {
		return domain.Session{}, apierrors.SourceUnavailableError(pdsURL)
	}
	if !resp.Success || resp.Session == nil {
		return domain.Session{}, apierrors.AuthenticationError(resp.Message)
	}
	return *resp.Session, nil
}

func printProgress(progress domain.MigrationProgress) {
	fmt.Printf("run %s: phase %s (%d/%d)\n", progress.RunID, progress.CurrentPhase(), progress.CurrentIdx+1, len(domain.Ordered))
	if progress.Done() {
		fmt.Println("migration complete")
	}
}

const defaultRunTimeout = 2 * time.Hour
