package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State represents the VM lifecycle state.
type State int

const (
	StateAbsent   State = iota // No monitor socket
	StateStarting              // QEMU spawned, monitor not yet reachable
	StateRunning               // Monitor accepts connections
	StateStopping              // Shutdown requested
	StateOrphaned              // Monitor socket left behind by a dead QEMU
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// InstanceState is the record kept for a created instance. Destroy reads
// it to choose between quit and system_powerdown.
type InstanceState struct {
	// Name is the instance name.
	Name string `json:"name"`

	// RunID identifies one create; it changes every time.
	RunID string `json:"run_id"`

	// Hostname and Port address the SSH forward on the host.
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`

	// Username and Password log into the guest.
	Username string `json:"username"`
	Password string `json:"password,omitempty"`

	// SSHKey is the private key installed in the guest, set once
	// provisioning finished.
	SSHKey string `json:"ssh_key,omitempty"`

	// ACPIPoweroff selects system_powerdown on destroy.
	ACPIPoweroff bool `json:"acpi_poweroff"`

	// KVM records whether hardware acceleration was enabled.
	KVM bool `json:"kvm"`

	// QMPSocket and ConsoleSocket are the monitor socket paths.
	QMPSocket     string `json:"qmp_socket"`
	ConsoleSocket string `json:"console_socket"`

	// CreatedAt is when QEMU was spawned.
	CreatedAt time.Time `json:"created_at"`
}

// Provisioned reports whether guest provisioning completed.
func (s *InstanceState) Provisioned() bool {
	return s.SSHKey != ""
}

// StateFile manages the state record of one instance.
type StateFile struct {
	path string
}

// NewStateFile returns the state file for the record at path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Load reads the record. A missing record is reported with an error
// matching os.ErrNotExist.
func (s *StateFile) Load() (*InstanceState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state InstanceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return &state, nil
}

// Save writes the record atomically.
func (s *StateFile) Save(state *InstanceState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	// The record holds the guest password.
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// Remove deletes the record. A missing record is not an error.
func (s *StateFile) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// Path returns the state file path.
func (s *StateFile) Path() string {
	return s.path
}
