package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridian-obs/meridian/internal/app"
	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/logging"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Meridian ingestion daemon",
	Long: `Serve watches input_dir for subband captures, assembles observation
groups, runs the processing pipeline, and exposes the control-plane HTTP
API on listen_addr.

The daemon runs until interrupted. SIGINT and SIGTERM trigger a graceful
stop: in-flight groups get a grace period to finish their current stage,
then everything still running is requeued for the next start.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fail(err)
	}

	log, err := logging.NewRotatingLogger(cfg.LogFile, cfg.LogLevel, logging.RotationConfig{
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		return fail(fmt.Errorf("opening log: %w", err))
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return fail(err)
	}

	if err := a.Run(ctx); err != nil {
		log.Error("daemon exited with error", "error", err)
		return fail(err)
	}
	return nil
}
