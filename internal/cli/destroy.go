package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Shut down an instance and remove its artifacts",
	Long: `Shut down the named instance with quit, or system_powerdown when it has
persistent disks, then remove its sockets and state record.

An instance that does not answer in time is left in place.`,
	Args: cobra.ExactArgs(1),
	RunE: runDestroy,
}

func runDestroy(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], true)
	if err != nil {
		return err
	}
	defer s.close()

	if !s.driver.Artifacts().HasMonitor() {
		fmt.Fprintf(cmd.OutOrStdout(), "Instance %s is not running.\n", s.cfg.Name)
		return nil
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if err := s.driver.Destroy(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Instance %s destroyed.\n", s.cfg.Name)
	return nil
}
