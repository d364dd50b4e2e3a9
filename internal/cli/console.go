package cli

import (
	"errors"
	"fmt"
	"net"

	"github.com/javanstorm/vmkitchen/internal/terminal"
	"github.com/spf13/cobra"
)

var consoleCmd = &cobra.Command{
	Use:   "console <name>",
	Short: "Attach to an instance's monitor console",
	Long:  `Attach the terminal to the instance's readline monitor. Press Ctrl+] to detach.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConsole,
}

func runConsole(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], true)
	if err != nil {
		return err
	}
	defer s.close()

	path := s.driver.Artifacts().ConsoleSocket
	conn, err := net.DialTimeout("unix", path, s.cfg.MonitorTimeout)
	if err != nil {
		return fmt.Errorf("instance %s is not running: %w", s.cfg.Name, err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	console := terminal.NewConsole(cmd.InOrStdin(), cmd.OutOrStdout())
	if !console.IsTTY() {
		s.logger.Debug("stdin is not a terminal, raw mode disabled")
	}
	err = console.Attach(ctx, conn)
	if errors.Is(err, terminal.ErrDetached) {
		return nil
	}
	return err
}
