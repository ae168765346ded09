package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atproto-tools/migrate-engine/internal/apierrors"
	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/orchestrator"
)

// statusCommand prints the persisted progress of a run, looked up either by
// its run ID or by the DID it migrates.
func (c *CLI) statusCommand() *cobra.Command {
	var runID, did string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a migration run's persisted progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" && did == "" {
				return fmt.Errorf("one of --run-id or --did is required")
			}

			ctx := cmd.Context()
			runs, err := orchestrator.NewRunStore(ctx, c.cfg.Run.DatabasePath, c.log)
			if err != nil {
				return fmt.Errorf("opening run store: %w", err)
			}
			defer runs.Close()

			var progress domain.MigrationProgress
			var found bool
			if runID != "" {
				progress, found, err = runs.Load(ctx, runID)
				if err != nil {
					return fmt.Errorf("loading run %s: %w", runID, err)
				}
				if !found {
					return apierrors.NotFoundError(fmt.Sprintf("run %s", runID))
				}
			} else {
				progress, found, err = runs.FindActiveByDID(ctx, did)
				if err != nil {
					return fmt.Errorf("finding active run for %s: %w", did, err)
				}
				if !found {
					return apierrors.NotFoundError(fmt.Sprintf("active run for %s", did))
				}
			}

			printRunStatus(progress)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run ID to inspect")
	cmd.Flags().StringVar(&did, "did", "", "DID to find the active run for")
	return cmd
}

func printRunStatus(p domain.MigrationProgress) {
	fmt.Printf("run:    %s\n", p.RunID)
	fmt.Printf("did:    %s\n", p.DID)
	fmt.Printf("source: %s\n", p.SourcePDS)
	fmt.Printf("target: %s\n", p.TargetPDS)
	fmt.Printf("phase:  %s (%d/%d)\n", p.CurrentPhase(), p.CurrentIdx+1, len(domain.Ordered))
	fmt.Printf("done:   %v\n", p.Done())
	for _, ph := range p.Phases {
		fmt.Printf("  %-24s %s\n", ph.Phase, ph.Status)
	}
}
