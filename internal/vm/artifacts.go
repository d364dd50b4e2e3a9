package vm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/javanstorm/vmkitchen/internal/qmp"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	qmpSuffix     = ".qmp"
	consoleSuffix = ".mon"
	stateSuffix   = ".state.json"
)

// maxSocketPath is the size of sockaddr_un.sun_path on this platform
// (108 on Linux, 104 on macOS). A path must leave room for the NUL.
var maxSocketPath = len(unix.RawSockaddrUnix{}.Path)

// Artifacts are the files QEMU and vmkitchen leave in the state
// directory for one instance. The monitor sockets are the only sign that
// a VM may be running.
type Artifacts struct {
	Name          string
	QMPSocket     string
	ConsoleSocket string
	StatePath     string
}

// NewArtifacts returns the artifact paths of instance name in stateDir.
func NewArtifacts(stateDir, name string) Artifacts {
	return Artifacts{
		Name:          name,
		QMPSocket:     filepath.Join(stateDir, name+qmpSuffix),
		ConsoleSocket: filepath.Join(stateDir, name+consoleSuffix),
		StatePath:     filepath.Join(stateDir, name+stateSuffix),
	}
}

// HasMonitor reports whether the control socket file exists.
func (a Artifacts) HasMonitor() bool {
	_, err := os.Lstat(a.QMPSocket)
	return err == nil
}

// CheckPaths rejects socket paths the kernel cannot bind.
func (a Artifacts) CheckPaths() error {
	for _, p := range []string{a.QMPSocket, a.ConsoleSocket} {
		if len(p) >= maxSocketPath {
			return fmt.Errorf("socket path %s is %d bytes, limit is %d; use a shorter state_dir", p, len(p), maxSocketPath-1)
		}
	}
	return nil
}

// Cleanup removes both monitor sockets. Missing files are fine; other
// failures are logged and otherwise ignored.
func (a Artifacts) Cleanup(logger *zap.Logger) {
	for _, p := range []string{a.QMPSocket, a.ConsoleSocket} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove monitor socket", zap.String("path", p), zap.Error(err))
		}
	}
}

// Probe classifies the instance from its control socket: absent when
// there is no socket, running when the monitor accepts a connection and
// orphaned when the socket is stale.
func Probe(a Artifacts, timeout time.Duration) (State, error) {
	if !a.HasMonitor() {
		return StateAbsent, nil
	}

	conn, res, err := qmp.Dial(a.QMPSocket, timeout)
	if err != nil {
		return StateAbsent, err
	}
	if res == qmp.Refused {
		return StateOrphaned, nil
	}
	conn.Close()
	return StateRunning, nil
}

// ListInstances returns the names of instances with a monitor socket or a
// state record in stateDir, sorted. A missing directory yields nothing.
func ListInstances(stateDir string) ([]string, error) {
	entries, err := os.ReadDir(stateDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		for _, suffix := range []string{qmpSuffix, stateSuffix} {
			if base, ok := strings.CutSuffix(name, suffix); ok && base != "" {
				seen[base] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}
