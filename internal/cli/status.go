package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/javanstorm/vmkitchen/internal/config"
	"github.com/javanstorm/vmkitchen/internal/vm"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show instance status",
	Long:  `Probe the instance's monitor socket and show its state, QEMU run state and state record.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	Long:  `List every instance with artifacts in the state directory, with its current state.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], true)
	if err != nil {
		return err
	}
	defer s.close()

	st, err := s.driver.Status(cmd.Context())
	if st == nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), st)
	return err
}

func printStatus(w io.Writer, st *vm.Status) {
	fmt.Fprintf(w, "Instance: %s\n", st.Name)
	fmt.Fprintf(w, "State:    %s\n", st.State)
	if st.RunState != "" {
		fmt.Fprintf(w, "QEMU:     %s\n", st.RunState)
	}
	if st.State == vm.StateOrphaned {
		fmt.Fprintf(w, "  Stale monitor socket (run: vmkitchen destroy %s)\n", st.Name)
	}

	rec := st.Instance
	if rec == nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run ID:   %s\n", rec.RunID)
	fmt.Fprintf(w, "Created:  %s\n", rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "SSH:      %s@%s:%d\n", rec.Username, rec.Hostname, rec.Port)
	if rec.Provisioned() {
		fmt.Fprintf(w, "  Key:    %s\n", rec.SSHKey)
	} else {
		fmt.Fprintf(w, "  Provisioning did not complete\n")
	}
	shutdown := "quit"
	if rec.ACPIPoweroff {
		shutdown = "system_powerdown"
	}
	fmt.Fprintf(w, "Shutdown: %s\n", shutdown)
	fmt.Fprintf(w, "KVM:      %t\n", rec.KVM)
}

func runList(cmd *cobra.Command, args []string) error {
	project, err := config.LoadProject(rootDir)
	if err != nil {
		return err
	}

	names, err := vm.ListInstances(project.Paths.StateDir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "No instances.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tSSH PORT")
	for _, name := range names {
		art := vm.NewArtifacts(project.Paths.StateDir, name)
		st, err := vm.Probe(art, project.MonitorTimeout)
		if err != nil {
			return fmt.Errorf("probe %s: %w", name, err)
		}

		port := "-"
		if rec, err := vm.NewStateFile(art.StatePath).Load(); err == nil {
			port = fmt.Sprint(rec.Port)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, st, port)
	}
	return tw.Flush()
}
