// Package testutil provides common test helpers for vmkitchen tests.
package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// Greeting is the banner a FakeMonitor sends on every new connection.
const Greeting = `{"QMP": {"version": {"qemu": {"micro": 0, "minor": 2, "major": 8}}, "capabilities": ["oob"]}}`

// ShortTempDir returns a temporary directory with a short path.
// Unix socket paths are limited to about 100 bytes, which t.TempDir()
// paths derived from long test names can exceed.
func ShortTempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "vmk")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// TouchFile creates an empty regular file at path.
func TouchFile(t *testing.T, path string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
}

// StaleSocket leaves a unix socket file at path with nothing listening,
// the way a crashed QEMU does. Connecting to it is refused.
func StaleSocket(t *testing.T, path string) {
	t.Helper()

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", path, err)
	}
	ln.SetUnlinkOnClose(false)
	ln.Close()
}

// MonitorBehavior scripts how a FakeMonitor answers.
type MonitorBehavior struct {
	// SkipGreeting withholds the banner.
	SkipGreeting bool

	// IgnoreCapabilities never answers qmp_capabilities.
	IgnoreCapabilities bool

	// HangOnShutdown acknowledges quit and system_powerdown but keeps the
	// connection open, like a guest that ignores the ACPI request.
	HangOnShutdown bool
}

// FakeMonitor is a scripted QMP peer listening on a unix socket.
type FakeMonitor struct {
	path     string
	ln       *net.UnixListener
	behavior MonitorBehavior

	mu       sync.Mutex
	commands []string
	conns    []net.Conn
	exited   bool
	stopped  bool

	wg sync.WaitGroup
}

// StartFakeMonitor listens on path and serves connections until the test
// ends or a shutdown command makes it exit.
func StartFakeMonitor(t *testing.T, path string, behavior MonitorBehavior) *FakeMonitor {
	t.Helper()

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", path, err)
	}
	// QEMU leaves its socket files behind; so do we.
	ln.SetUnlinkOnClose(false)

	m := &FakeMonitor{path: path, ln: ln, behavior: behavior}
	m.wg.Add(1)
	go m.serve()

	t.Cleanup(m.Stop)
	return m
}

// Path returns the socket path.
func (m *FakeMonitor) Path() string {
	return m.path
}

// Commands returns the commands received so far, in order.
func (m *FakeMonitor) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Exited reports whether a shutdown command made the monitor go away.
func (m *FakeMonitor) Exited() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exited
}

// Stop closes the listener and every open connection.
func (m *FakeMonitor) Stop() {
	m.ln.Close()
	m.mu.Lock()
	m.stopped = true
	for _, c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *FakeMonitor) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conns = append(m.conns, conn)
		m.mu.Unlock()

		m.wg.Add(1)
		go m.handle(conn)
	}
}

func (m *FakeMonitor) handle(conn net.Conn) {
	defer m.wg.Done()

	if !m.behavior.SkipGreeting {
		if _, err := fmt.Fprintf(conn, "%s\r\n", Greeting); err != nil {
			conn.Close()
			return
		}
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			Execute string `json:"execute"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Fprintf(conn, `{"error": {"class": "GenericError", "desc": %q}}`+"\r\n", err.Error())
			continue
		}

		m.mu.Lock()
		m.commands = append(m.commands, req.Execute)
		m.mu.Unlock()

		switch req.Execute {
		case "qmp_capabilities":
			if m.behavior.IgnoreCapabilities {
				continue
			}
			fmt.Fprint(conn, "{\"return\": {}}\r\n")
		case "query-status":
			fmt.Fprint(conn, "{\"timestamp\": {\"seconds\": 1, \"microseconds\": 2}, \"event\": \"RESUME\"}\r\n")
			fmt.Fprint(conn, "{\"return\": {\"status\": \"running\", \"singlestep\": false, \"running\": true}}\r\n")
		case "quit", "system_powerdown":
			fmt.Fprint(conn, "{\"return\": {}}\r\n")
			fmt.Fprint(conn, "{\"timestamp\": {\"seconds\": 1, \"microseconds\": 2}, \"event\": \"SHUTDOWN\"}\r\n")
			if m.behavior.HangOnShutdown {
				continue
			}
			m.exit()
			return
		default:
			fmt.Fprint(conn, "{\"return\": {}}\r\n")
		}
	}
	conn.Close()
}

// exit mimics the QEMU process going away: the listener stops accepting
// and every connection is closed, but the socket file stays on disk.
func (m *FakeMonitor) exit() {
	m.ln.Close()
	m.mu.Lock()
	m.exited = true
	for _, c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()
}
