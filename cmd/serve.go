package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/fleetd/internal/fleet"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet supervisor",
		Long:  "Starts every configured ingestor (scheduler, chat connectors, webhook listener) and runs until interrupted. In-flight jobs drain for the configured shutdown grace.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger()

			f, err := fleet.New(cfg, path, log)
			if err != nil {
				return &exitError{code: ExitConfigInvalid, err: err}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := f.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			stop()
			log.Info("fleet.shutdown_requested")

			grace := cfg.Fleet.ShutdownGraceDuration()
			stopCtx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
			defer cancel()
			return f.Stop(stopCtx)
		},
	}
}
