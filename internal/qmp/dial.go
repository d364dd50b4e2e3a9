package qmp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// DialResult is the outcome of connecting to a monitor socket.
type DialResult int

const (
	// Refused means nothing is listening: the socket file is stale or gone.
	Refused DialResult = iota
	// Connected means a live process accepted the connection.
	Connected
)

func (r DialResult) String() string {
	switch r {
	case Refused:
		return "refused"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dial connects to the monitor socket at path. A refused connection, or a
// socket file that vanished before the connect, is reported as Refused with
// a nil error; only unexpected failures return an error.
func Dial(path string, timeout time.Duration) (net.Conn, DialResult, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("unix", path)
	if err == nil {
		return conn, Connected, nil
	}
	if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT) {
		return nil, Refused, nil
	}
	return nil, Refused, fmt.Errorf("dial monitor %s: %w", path, err)
}

// Connect dials path and performs the handshake. A refused connection is
// returned as ErrConnectionRefused. The connection is closed on any error.
func Connect(path string, timeout time.Duration) (*Client, error) {
	conn, res, err := Dial(path, timeout)
	if err != nil {
		return nil, err
	}
	if res == Refused {
		return nil, fmt.Errorf("dial monitor %s: %w", path, ErrConnectionRefused)
	}

	c, err := New(conn, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}
