// Package config loads and validates vmkitchen project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// ConfigFileName is the optional project configuration file.
	ConfigFileName = ".vmkitchen.yml"

	// DefaultStateDirName holds sockets, state records and the key pair.
	DefaultStateDirName = ".kitchen"

	// KeyFileName is the shared private key; the public half gets ".pub".
	KeyFileName = "vmkitchen.key"
)

// Paths holds the directory layout of one project.
type Paths struct {
	// Root is the project directory.
	Root string

	// StateDir holds per-instance artifacts and the shared key pair.
	StateDir string

	// ConfigFile is the path to the project config file.
	ConfigFile string
}

// GetPaths returns the layout for the project at root. An empty stateDir
// selects <root>/.kitchen; a relative one is taken relative to root.
func GetPaths(root, stateDir string) (*Paths, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	switch {
	case stateDir == "":
		stateDir = filepath.Join(root, DefaultStateDirName)
	case !filepath.IsAbs(stateDir):
		stateDir = filepath.Join(root, stateDir)
	}

	return &Paths{
		Root:       root,
		StateDir:   filepath.Clean(stateDir),
		ConfigFile: filepath.Join(root, ConfigFileName),
	}, nil
}

// KeyFile returns the shared private key path.
func (p *Paths) KeyFile() string {
	return filepath.Join(p.StateDir, KeyFileName)
}

// EnsureDirectories creates the state directory if it doesn't exist.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.StateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}
