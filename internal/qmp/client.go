// Package qmp implements the small part of the QEMU Machine Protocol needed
// to manage a VM's lifetime: the capability handshake, one command at a
// time, and waiting for the monitor to hang up after a shutdown request.
//
// Messages are newline-delimited JSON objects. The protocol is not
// multiplexed: a Client never has more than one command in flight.
package qmp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// readChunkSize bounds a single read from the monitor.
	readChunkSize = 4096

	// CapabilitiesCommand leaves capability negotiation mode. It must be
	// the first command on every connection.
	CapabilitiesCommand = "qmp_capabilities"

	// PowerdownCommand asks the guest to shut down via ACPI.
	PowerdownCommand = "system_powerdown"

	// QuitCommand terminates QEMU immediately.
	QuitCommand = "quit"

	// QueryStatusCommand reports the VM run state.
	QueryStatusCommand = "query-status"
)

type request struct {
	Execute string `json:"execute"`
}

// Client drives one monitor connection.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	buf     lineBuffer
	chunk   []byte

	closeOnce sync.Once
	closeErr  error
}

// New performs the handshake on conn: it waits for the greeting and then
// negotiates capabilities, each within timeout. On error the connection is
// left open and the caller is responsible for closing it.
func New(conn net.Conn, timeout time.Duration) (*Client, error) {
	c := &Client{
		conn:    conn,
		timeout: timeout,
		chunk:   make([]byte, readChunkSize),
	}

	if _, err := c.readMessage(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if _, err := c.Execute(CapabilitiesCommand, timeout); err != nil {
		return nil, err
	}
	return c, nil
}

// Timeout returns the default command timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Execute sends command and returns the payload of the first reply that
// carries a "return" key. Events and other messages are discarded. A zero
// timeout uses the client default.
func (c *Client) Execute(command string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	deadline := time.Now().Add(timeout)

	if err := c.send(command, deadline); err != nil {
		return nil, fmt.Errorf("execute %s: %w", command, err)
	}

	for {
		msg, err := c.readMessage(deadline)
		if err != nil {
			return nil, fmt.Errorf("execute %s: %w", command, err)
		}
		if ret, ok := msg.Return(); ok {
			return ret, nil
		}
	}
}

// WaitForEOF blocks until the monitor closes the connection. Anything
// received meanwhile is dropped. The timeout is an idle budget: it starts
// over every time the monitor actually sends data.
func (c *Client) WaitForEOF(timeout time.Duration) error {
	c.buf = lineBuffer{}
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		_, err := c.conn.Read(c.chunk)
		switch {
		case err == nil:
			continue
		case isTermination(err):
			return nil
		case isTimeout(err):
			return ErrTimeout
		default:
			return fmt.Errorf("wait for eof: %w", err)
		}
	}
}

// Close releases the connection. Only the first call has any effect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Client) send(command string, deadline time.Time) error {
	data, err := json.Marshal(request{Execute: command})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	data = append(data, '\r', '\n')

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return classify(err)
	}
	return nil
}

// readMessage returns the next complete message, reading from the
// connection until one is buffered or deadline passes.
func (c *Client) readMessage(deadline time.Time) (Message, error) {
	for {
		msg, ok, err := c.buf.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		n, err := c.conn.Read(c.chunk)
		if n > 0 {
			c.buf.Write(c.chunk[:n])
		}
		if err == nil {
			continue
		}

		// A final chunk may arrive together with EOF.
		if msg, ok, perr := c.buf.Next(); perr == nil && ok {
			return msg, nil
		}
		return nil, classify(err)
	}
}

func classify(err error) error {
	switch {
	case isTimeout(err):
		return ErrTimeout
	case isTermination(err):
		return ErrClosed
	default:
		return err
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTermination(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EPIPE)
}
