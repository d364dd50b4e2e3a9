package cli

import (
	"fmt"

	"github.com/javanstorm/vmkitchen/internal/config"
	"github.com/javanstorm/vmkitchen/internal/vm"
	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Print the project's SSH public key",
	Long: `Print the public half of the key pair shared by every instance in the
project, generating the pair first if needed.`,
	Args: cobra.NoArgs,
	RunE: runKey,
}

func runKey(cmd *cobra.Command, args []string) error {
	project, err := config.LoadProject(rootDir)
	if err != nil {
		return err
	}
	if err := project.Paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	keys := vm.NewKeyManager(project.Paths.StateDir)
	if _, _, err := keys.EnsureKeyPair(); err != nil {
		return err
	}
	pub, err := keys.PublicKey()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), pub)
	fmt.Fprintf(cmd.ErrOrStderr(), "Private key: %s\n", keys.PrivateKeyPath())
	return nil
}
