package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atproto-tools/migrate-engine/internal/apierrors"
	"github.com/atproto-tools/migrate-engine/internal/orchestrator"
)

// resumeCommand re-authenticates against the source PDS and continues a run
// already recorded for that DID. It is a thin, explicit alias over run:
// orchestrator.Run always checks for an active run by DID before starting a
// fresh one, but "resume" makes that intent visible on the command line and
// fails loudly if no active run exists instead of silently starting one.
func (c *CLI) resumeCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an in-progress migration for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultRunTimeout)
			defer cancel()
			return c.doResume(ctx, f)
		},
	}
	f.register(cmd)
	return cmd
}

func (c *CLI) doResume(ctx context.Context, f runFlags) error {
	d, err := c.buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.runs.Close()

	oldSession, err := c.loginOld(ctx, d.client, f.oldPDSURL, f.oldHandle, f.oldPassword)
	if err != nil {
		return err
	}

	if _, found, err := d.runs.FindActiveByDID(ctx, oldSession.DID); err != nil {
		return fmt.Errorf("looking up active run: %w", err)
	} else if !found {
		return apierrors.NotFoundError(fmt.Sprintf("active migration run for %s", oldSession.DID))
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
