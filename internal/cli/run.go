package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atproto-tools/migrate-engine/internal/orchestrator"
)

type runFlags struct {
	oldPDSURL    string
	oldHandle    string
	oldPassword  string
	targetPDSURL string
	handle       string
	password     string
	email        string
	inviteCode   string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.oldPDSURL, "old-pds-url", "", "source PDS base URL")
	cmd.Flags().StringVar(&f.oldHandle, "old-handle", "", "source account handle")
	cmd.Flags().StringVar(&f.oldPassword, "old-password", "", "source account app password")
	cmd.Flags().StringVar(&f.targetPDSURL, "target-pds-url", "", "target PDS base URL")
	cmd.Flags().StringVar(&f.handle, "handle", "", "handle to create or adopt on the target PDS")
	cmd.Flags().StringVar(&f.password, "password", "", "password for the target account")
	cmd.Flags().StringVar(&f.email, "email", "", "email for the target account")
	cmd.Flags().StringVar(&f.inviteCode, "invite-code", "", "invite code for the target PDS, if required")
	for _, name := range []string{"old-pds-url", "old-handle", "old-password", "target-pds-url", "handle", "password"} {
		cmd.MarkFlagRequired(name)
	}
}

// runCommand starts a fresh migration (or transparently resumes one already
// in progress for the same DID, since orchestrator.Run checks for one
// before running its first phase).
func (c *CLI) runCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Migrate an account from one PDS to another",
		Long:  "Logs into the source PDS, creates or adopts the target account, and runs every migration phase through PLC handoff.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultRunTimeout)
			defer cancel()
			return c.doRun(ctx, f)
		},
	}
	f.register(cmd)
	return cmd
}

func (c *CLI) doRun(ctx context.Context, f runFlags) error {
	d, err := c.buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.runs.Close()

	oldSession, err := c.loginOld(ctx, d.client, f.oldPDSURL, f.oldHandle, f.oldPassword)
	if err != nil {
		return err
	}

	opts := orchestrator.Options{
		TargetPDSURL: f.targetPDSURL,
		Handle:       f.handle,
		Password:     f.password,
		Email:        f.email,
		InviteCode:   f.inviteCode,
		OnPhase:      printProgress,
	}

	progress, err := d.orch.Run(ctx, oldSession, opts)
	if err != nil {
		return fmt.Errorf("migration failed at phase %s: %w", progress.CurrentPhase(), err)
	}

	printProgress(progress)
	return nil
}
