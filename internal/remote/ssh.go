package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	defaultDialTimeout = 10 * time.Second

	retryMin = 250 * time.Millisecond
	retryMax = 5 * time.Second
)

// ErrNotConnected is returned by Execute before WaitUntilReady succeeded.
var ErrNotConnected = errors.New("remote: not connected")

// SSHSession implements Session over golang.org/x/crypto/ssh.
type SSHSession struct {
	params Params
	config *ssh.ClientConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// SSHConnector returns a Connector that opens SSH sessions.
func SSHConnector(logger *zap.Logger) Connector {
	return func(p Params) (Session, error) {
		return NewSSHSession(p, logger)
	}
}

// NewSSHSession prepares a session without connecting.
func NewSSHSession(p Params, logger *zap.Logger) (*SSHSession, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = defaultDialTimeout
	}

	var auth []ssh.AuthMethod
	if p.KeyFile != "" {
		signer, err := loadSigner(p.KeyFile)
		if err != nil {
			return nil, err
		}
		if signer != nil {
			auth = append(auth, ssh.PublicKeys(signer))
		}
	}
	if p.Password != "" {
		auth = append(auth, ssh.Password(p.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh %s: no password or key to log in with", p.Addr())
	}

	return &SSHSession{
		params: p,
		logger: logger.With(zap.String("addr", p.Addr())),
		config: &ssh.ClientConfig{
			User: p.Username,
			Auth: auth,
			// Every guest is fresh and gets new host keys.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         p.DialTimeout,
		},
	}, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", path, err)
	}
	return signer, nil
}

// WaitUntilReady implements Session. Every failure, including rejected
// credentials, is retried with backoff because a booting guest refuses
// logins until its services are up.
func (s *SSHSession) WaitUntilReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	delay := retryMin
	for attempt := 1; ; attempt++ {
		client, err := s.dial(ctx)
		if err == nil {
			s.client = client
			s.logger.Debug("ssh ready", zap.Int("attempts", attempt))
			return nil
		}
		s.logger.Debug("ssh not ready", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for ssh %s: %w (last error: %v)", s.params.Addr(), ctx.Err(), err)
		case <-time.After(delay):
		}
		delay = min(delay*2, retryMax)
	}
}

func (s *SSHSession) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: s.params.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.params.Addr())
	if err != nil {
		return nil, err
	}

	// The handshake has no context of its own.
	deadline := time.Now().Add(s.params.DialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, s.params.Addr(), s.config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Execute implements Session. A non-zero exit status is an error that
// carries the command's stderr.
func (s *SSHSession) Execute(ctx context.Context, script string) (string, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return "", ErrNotConnected
	}

	sess, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	s.logger.Debug("ssh exec", zap.String("script", script))

	done := make(chan error, 1)
	go func() { done <- sess.Run(script) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Close()
		return "", fmt.Errorf("ssh exec: %w", ctx.Err())
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), fmt.Errorf("ssh exec: exit status %d: %s",
				exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), fmt.Errorf("ssh exec: %w", err)
	}
	return stdout.String(), nil
}

// Close implements Session.
func (s *SSHSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
