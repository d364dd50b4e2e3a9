// Package remote runs provisioning scripts inside a guest.
package remote

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Params describes how to reach a guest.
type Params struct {
	// Host and Port address the forwarded SSH port on the host.
	Host string
	Port int

	// Username logs in with Password and, when present, the private key
	// at KeyFile. A missing key file is not an error.
	Username string
	Password string
	KeyFile  string

	// DialTimeout bounds a single connection attempt. Zero uses a default.
	DialTimeout time.Duration
}

// Addr returns host:port.
func (p Params) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Session is a command channel into a guest.
type Session interface {
	// WaitUntilReady blocks until the guest accepts a login or ctx ends.
	WaitUntilReady(ctx context.Context) error

	// Execute runs script through the guest shell and returns its stdout.
	Execute(ctx context.Context, script string) (string, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Connector opens a Session. It must not block on the network; waiting
// is WaitUntilReady's job.
type Connector func(p Params) (Session, error)
