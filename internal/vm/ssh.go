package vm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/javanstorm/vmkitchen/internal/config"
	"golang.org/x/crypto/ssh"
)

const keyComment = "vmkitchen"

// KeyManager owns the key pair shared by every instance of a project.
type KeyManager struct {
	dir string
}

// NewKeyManager creates a key manager storing keys in stateDir.
func NewKeyManager(stateDir string) *KeyManager {
	return &KeyManager{dir: stateDir}
}

// PrivateKeyPath returns the path to the private key file.
func (m *KeyManager) PrivateKeyPath() string {
	return filepath.Join(m.dir, config.KeyFileName)
}

// PublicKeyPath returns the path to the public key file.
func (m *KeyManager) PublicKeyPath() string {
	return m.PrivateKeyPath() + ".pub"
}

// KeyPairExists returns true if both halves are on disk.
func (m *KeyManager) KeyPairExists() bool {
	_, privErr := os.Stat(m.PrivateKeyPath())
	_, pubErr := os.Stat(m.PublicKeyPath())
	return privErr == nil && pubErr == nil
}

// EnsureKeyPair generates an ed25519 key pair unless the private key
// exists. An existing private key is never regenerated; a missing public
// half is rebuilt from it.
func (m *KeyManager) EnsureKeyPair() (privateKeyPath, publicKeyPath string, err error) {
	privPath := m.PrivateKeyPath()
	pubPath := m.PublicKeyPath()

	if m.KeyPairExists() {
		return privPath, pubPath, nil
	}

	pemBytes, err := os.ReadFile(privPath)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return "", "", fmt.Errorf("parse private key %s: %w", privPath, err)
		}
		if err := writePublicKey(pubPath, signer.PublicKey()); err != nil {
			return "", "", err
		}
		return privPath, pubPath, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", "", fmt.Errorf("read private key: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", "", fmt.Errorf("create state dir: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(privKey, keyComment)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), 0600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		os.Remove(privPath)
		return "", "", fmt.Errorf("convert public key: %w", err)
	}
	if err := writePublicKey(pubPath, sshPub); err != nil {
		os.Remove(privPath)
		return "", "", err
	}

	return privPath, pubPath, nil
}

// writePublicKey writes pub as an authorized_keys line.
func writePublicKey(path string, pub ssh.PublicKey) error {
	line := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(pub)), "\n") + " " + keyComment + "\n"
	if err := os.WriteFile(path, []byte(line), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// PublicKey returns the public key as a single authorized_keys line
// without the trailing newline.
func (m *KeyManager) PublicKey() (string, error) {
	content, err := os.ReadFile(m.PublicKeyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("ssh key not generated; run 'vmkitchen key' first")
		}
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}
