// Package cli provides the command-line interface for vmkitchen.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/javanstorm/vmkitchen/internal/config"
	"github.com/javanstorm/vmkitchen/internal/logging"
	"github.com/javanstorm/vmkitchen/internal/version"
	"github.com/javanstorm/vmkitchen/internal/vm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	rootDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "vmkitchen",
	Short: "vmkitchen - throwaway QEMU VMs for test kitchens",
	Long: `vmkitchen boots QEMU virtual machines for integration tests and tears
them down again.

Instances are described in .vmkitchen.yml in the project directory. Each
instance gets a QMP control socket, a console socket and a state record
under the state directory (.kitchen by default).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(keyCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// session bundles what one instance command needs.
type session struct {
	cfg    *config.Config
	driver *vm.Driver
	logger *zap.Logger
}

// openSession loads the configuration of name and builds its driver.
// Commands that only address a running instance pass control so that
// the disk setup is not required.
func openSession(name string, control bool) (*session, error) {
	load := config.Load
	if control {
		load = config.LoadControl
	}
	cfg, err := load(rootDir, name)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(verbose)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	logger.Debug(version.String(), zap.String("config", cfg.File))

	return &session{
		cfg:    cfg,
		driver: vm.NewDriver(cfg, vm.WithLogger(logger)),
		logger: logger,
	}, nil
}

func (s *session) close() {
	s.driver.Close()
	_ = s.logger.Sync()
}
