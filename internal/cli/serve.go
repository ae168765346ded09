package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
	"github.com/atproto-tools/migrate-engine/internal/events"
	"github.com/atproto-tools/migrate-engine/internal/orchestrator"
)

// serveCommand runs a migration while exposing its live progress over
// WebSocket (for an external UI) and Prometheus metrics, shutting down
// gracefully on SIGINT/SIGTERM. Grounded on cmd/server/main.go's
// listen-in-goroutine / signal-channel / context.WithTimeout shutdown
// sequence.
func (c *CLI) serveCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a migration with a live progress WebSocket and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.doServe(cmd.Context(), f)
		},
	}
	f.register(cmd)
	return cmd
}

func (c *CLI) doServe(ctx context.Context, f runFlags) error {
	busMetrics := events.NewBusMetrics("migrate_engine")
	bus := events.NewBus(c.log, busMetrics)
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	defer bus.Stop(ctx)

	dispatcher := events.NewDispatcher(bus)
	server := events.NewServer(bus, c.log)

	mux := http.NewServeMux()
	mux.Handle("/", server.Router())
	mux.Handle("/metrics", c.registry.HTTP().Handler())

	addr := fmt.Sprintf("%s:%d", c.cfg.Server.Host, c.cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: c.registry.HTTP().Middleware(mux)}

	serverErr := make(chan error, 1)
	go func() {
		c.log.Info("progress server starting", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.runWithDispatcher(ctx, f, dispatcher)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("progress server failed: %w", err)
	case err := <-runErr:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		return err
	case <-quit:
		c.log.Info("shutting down progress server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func (c *CLI) runWithDispatcher(ctx context.Context, f runFlags, dispatcher *events.Dispatcher) error {
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
		OnPhase: func(progress domain.MigrationProgress) {
			dispatcher.SetMigrationProgress(progress)
			dispatcher.SetCurrentStep(progress.CurrentPhase())
		},
	}

	progress, err := d.orch.Run(ctx, oldSession, opts)
	if err != nil {
		dispatcher.SetMigrationError(err)
		return fmt.Errorf("migration failed at phase %s: %w", progress.CurrentPhase(), err)
	}
	return nil
}
