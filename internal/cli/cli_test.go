package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/javanstorm/vmkitchen/internal/config"
	"github.com/javanstorm/vmkitchen/internal/testutil"
	"github.com/javanstorm/vmkitchen/internal/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command with args and returns what it printed.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
		rootDir = ""
		verbose = false
		createTiming = false
	})

	err := Execute()
	return stdout.String(), stderr.String(), err
}

// newProject returns a project root with its state directory created.
func newProject(t *testing.T) (root, stateDir string) {
	t.Helper()
	root = testutil.ShortTempDir(t)
	stateDir = filepath.Join(root, config.DefaultStateDirName)
	require.NoError(t, os.MkdirAll(stateDir, 0755))
	return root, stateDir
}

func TestVersionCommand(t *testing.T) {
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vmkitchen dev")
	assert.Contains(t, out, "Commit:")
}

func TestKeyCommandIsStable(t *testing.T) {
	root, stateDir := newProject(t)

	first, stderr, err := run(t, "key", "--root", root)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "ssh-ed25519 "), "got %q", first)
	assert.Contains(t, stderr, filepath.Join(stateDir, config.KeyFileName))

	second, _, err := run(t, "key", "--root", root)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestListEmpty(t *testing.T) {
	root := t.TempDir()

	out, _, err := run(t, "list", "--root", root)
	require.NoError(t, err)
	assert.Equal(t, "No instances.\n", out)
}

func TestListAndStatus(t *testing.T) {
	root, stateDir := newProject(t)

	web := vm.NewArtifacts(stateDir, "web")
	testutil.StartFakeMonitor(t, web.QMPSocket, testutil.MonitorBehavior{})
	require.NoError(t, vm.NewStateFile(web.StatePath).Save(&vm.InstanceState{
		Name:      "web",
		RunID:     "run-1",
		Hostname:  "127.0.0.1",
		Port:      2201,
		Username:  "kitchen",
		SSHKey:    filepath.Join(stateDir, config.KeyFileName),
		CreatedAt: time.Now().UTC(),
	}))

	db := vm.NewArtifacts(stateDir, "db")
	testutil.StaleSocket(t, db.QMPSocket)

	out, _, err := run(t, "list", "--root", root)
	require.NoError(t, err)
	assert.Regexp(t, `db\s+orphaned\s+-`, out)
	assert.Regexp(t, `web\s+running\s+2201`, out)

	out, _, err = run(t, "status", "web", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "State:    running")
	assert.Contains(t, out, "QEMU:     running")
	assert.Contains(t, out, "Run ID:   run-1")
	assert.Contains(t, out, "Shutdown: quit")

	out, _, err = run(t, "status", "db", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "State:    orphaned")
	assert.Contains(t, out, "vmkitchen destroy db")
}

func TestDestroyCommand(t *testing.T) {
	root, stateDir := newProject(t)

	out, _, err := run(t, "destroy", "web", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "Instance web is not running.")

	art := vm.NewArtifacts(stateDir, "web")
	mon := testutil.StartFakeMonitor(t, art.QMPSocket, testutil.MonitorBehavior{})
	testutil.TouchFile(t, art.ConsoleSocket)

	out, _, err = run(t, "destroy", "web", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "Instance web destroyed.")
	assert.Equal(t, []string{"qmp_capabilities", "quit"}, mon.Commands())
	assert.NoFileExists(t, art.QMPSocket)
	assert.NoFileExists(t, art.ConsoleSocket)
}

func TestCreateRequiresDisks(t *testing.T) {
	root, _ := newProject(t)

	_, _, err := run(t, "create", "web", "--root", root)
	var uerr *config.UserError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "image", uerr.Key)
}

func TestInstanceNameIsValidated(t *testing.T) {
	root, _ := newProject(t)

	_, _, err := run(t, "status", "../web", "--root", root)
	var uerr *config.UserError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "name", uerr.Key)
}
