package vm

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/javanstorm/vmkitchen/internal/testutil"
	"go.uber.org/zap/zaptest"
)

func TestNewArtifacts(t *testing.T) {
	a := NewArtifacts("/p/.kitchen", "web")

	if a.QMPSocket != "/p/.kitchen/web.qmp" {
		t.Errorf("QMPSocket = %q", a.QMPSocket)
	}
	if a.ConsoleSocket != "/p/.kitchen/web.mon" {
		t.Errorf("ConsoleSocket = %q", a.ConsoleSocket)
	}
	if a.StatePath != "/p/.kitchen/web.state.json" {
		t.Errorf("StatePath = %q", a.StatePath)
	}
	if err := a.CheckPaths(); err != nil {
		t.Errorf("CheckPaths() error = %v", err)
	}

	long := NewArtifacts("/"+strings.Repeat("x", 110), "web")
	if err := long.CheckPaths(); err == nil {
		t.Error("CheckPaths() should reject an over-long socket path")
	}
}

func TestCheckPathsLimit(t *testing.T) {
	// "/" + dir + "/web.qmp"; the .mon path has the same length.
	dirFor := func(total int) string {
		return "/" + strings.Repeat("d", total-len("/")-len("/web.qmp"))
	}

	fits := NewArtifacts(dirFor(maxSocketPath-1), "web")
	if len(fits.QMPSocket) != maxSocketPath-1 {
		t.Fatalf("len(QMPSocket) = %d, want %d", len(fits.QMPSocket), maxSocketPath-1)
	}
	if err := fits.CheckPaths(); err != nil {
		t.Errorf("CheckPaths() error = %v for a %d-byte path", err, len(fits.QMPSocket))
	}

	tooLong := NewArtifacts(dirFor(maxSocketPath), "web")
	if err := tooLong.CheckPaths(); err == nil {
		t.Errorf("CheckPaths() accepted a %d-byte path", len(tooLong.QMPSocket))
	}

	if runtime.GOOS == "linux" && maxSocketPath != 108 {
		t.Errorf("maxSocketPath = %d on linux, want 108", maxSocketPath)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	dir := testutil.ShortTempDir(t)
	a := NewArtifacts(dir, "web")
	testutil.StaleSocket(t, a.QMPSocket)
	testutil.TouchFile(t, a.ConsoleSocket)

	logger := zaptest.NewLogger(t)
	a.Cleanup(logger)
	a.Cleanup(logger)

	for _, p := range []string{a.QMPSocket, a.ConsoleSocket} {
		if _, err := os.Lstat(p); !os.IsNotExist(err) {
			t.Errorf("%s still present after Cleanup()", p)
		}
	}
}

func TestProbe(t *testing.T) {
	dir := testutil.ShortTempDir(t)

	absent := NewArtifacts(dir, "absent")
	if st, err := Probe(absent, time.Second); err != nil || st != StateAbsent {
		t.Errorf("Probe(no socket) = %v, %v; want absent", st, err)
	}

	orphan := NewArtifacts(dir, "orphan")
	testutil.StaleSocket(t, orphan.QMPSocket)
	if st, err := Probe(orphan, time.Second); err != nil || st != StateOrphaned {
		t.Errorf("Probe(stale socket) = %v, %v; want orphaned", st, err)
	}

	live := NewArtifacts(dir, "live")
	mon := testutil.StartFakeMonitor(t, live.QMPSocket, testutil.MonitorBehavior{})
	if st, err := Probe(live, time.Second); err != nil || st != StateRunning {
		t.Errorf("Probe(live socket) = %v, %v; want running", st, err)
	}
	if len(mon.Commands()) != 0 {
		t.Errorf("Probe() sent commands: %v", mon.Commands())
	}
}

func TestListInstances(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"web.qmp", "web.mon", "web.state.json", "db.state.json", "cache.qmp", "vmkitchen.key", "x.state.json.tmp"} {
		testutil.TouchFile(t, filepath.Join(dir, name))
	}

	got, err := ListInstances(dir)
	if err != nil {
		t.Fatalf("ListInstances() error = %v", err)
	}
	want := []string{"cache", "db", "web"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ListInstances() = %v, want %v", got, want)
	}

	got, err = ListInstances(filepath.Join(dir, "missing"))
	if err != nil || len(got) != 0 {
		t.Errorf("ListInstances(missing) = %v, %v; want empty", got, err)
	}
}
