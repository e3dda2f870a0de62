package agent

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orris-inc/flowlink/internal/infrastructure/config"
	"github.com/orris-inc/flowlink/internal/shared/logger"
	"github.com/orris-inc/flowlink/internal/shared/version"
)

var configPath string

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device agent",
		Long:  `Connect to every configured account and keep the local flow file synchronized with them.`,
		RunE:  run,
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the config file (default: search ./configs, ../configs, /etc/flowlink)")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(&cfg.Logger); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.NewLogger()

	log.Infow("starting agent",
		"version", version.Agent(),
		"device_id", cfg.Device.ID,
		"accounts", len(cfg.Accounts),
		"flow_file", cfg.Flow.Path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := New(cfg, log).Run(ctx); err != nil {
		return err
	}

	log.Infow("agent exited gracefully")
	return nil
}
