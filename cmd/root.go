package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"csdriver/internal/config"
	"csdriver/internal/errdefs"
	"csdriver/internal/fleet"
	"csdriver/internal/logging"
	"csdriver/internal/provisioning"
	"csdriver/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "csdriver",
	Short: "Create and destroy CloudStack instances for a host tool",
	Long: `csdriver provisions CloudStack virtual machines, makes them reachable over
SSH and installs access credentials. Every created resource is recorded in a
state store so that destroy can release it later, even after a failed create.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			// config.Load reads CONFIG_PATH
			if err := os.Setenv("CONFIG_PATH", configPath); err != nil {
				logging.Logger().Warn("Failed to set CONFIG_PATH", zap.Error(err))
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default $CONFIG_PATH or "+config.DefaultPath+")")
}

// signalContext is canceled on SIGINT or SIGTERM so every wait loop stops.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore loads configuration and opens the configured state store.
func openStore() (*config.Config, state.Store, error) {
	logging.Logger().Debug("Loading configuration")
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := state.NewStore(cfg.State)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return cfg, store, nil
}

// newRunner wires the driver behind a fleet runner.
func newRunner(cfg *config.Config, store state.Store, names []string) (*fleet.Runner, error) {
	if cfg.Instance.Name != "" && len(names) > 1 {
		return nil, errdefs.NewConfigError("instance.name", fmt.Sprintf("cannot be shared by %d instances", len(names)))
	}
	driver, err := provisioning.NewDriver(cfg, store)
	if err != nil {
		return nil, err
	}
	return fleet.NewRunner(driver, cfg.Fleet.MaxConcurrency), nil
}

func closeStore(store state.Store) {
	if err := store.Close(); err != nil {
		logging.Logger().Warn("Failed to close state store", zap.Error(err))
	}
}
