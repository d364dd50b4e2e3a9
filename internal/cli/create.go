package cli

import (
	"fmt"

	"github.com/javanstorm/vmkitchen/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Boot and provision an instance",
	Long: `Boot the named instance, wait for SSH and provision it: hostname,
authorized key for the shared project key pair, and shared folders.

Fails without spawning anything if the instance is already running.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var createTiming bool

func init() {
	createCmd.Flags().BoolVar(&createTiming, "timing", false, "Print a phase timing breakdown")
}

func runCreate(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], false)
	if err != nil {
		return err
	}
	defer s.close()

	out := cmd.OutOrStdout()
	if warnings := s.cfg.Warnings(); len(warnings) > 0 {
		fmt.Fprint(cmd.ErrOrStderr(), config.FormatWarnings(warnings))
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	state, err := s.driver.Create(ctx)
	if createTiming {
		s.driver.Timing().Report(out, "Create Timing")
	}
	if err != nil {
		return err
	}
	s.logger.Debug("create timing", s.driver.Timing().Fields()...)
	s.logger.Debug("instance ready", zap.String("run_id", state.RunID))

	fmt.Fprintf(out, "Instance %s is ready.\n", state.Name)
	fmt.Fprintf(out, "  SSH:     ssh -p %d -i %s %s@%s\n", state.Port, state.SSHKey, state.Username, s.cfg.PortHost)
	fmt.Fprintf(out, "  Console: vmkitchen console %s\n", state.Name)
	return nil
}
