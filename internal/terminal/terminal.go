// Package terminal attaches the user's terminal to a monitor socket.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrDetached is returned by Attach when the user pressed DetachChar.
var ErrDetached = errors.New("terminal: detached")

// Console is the local end of an attach session.
type Console struct {
	in  io.Reader
	out io.Writer
	fd  int
}

// NewConsole returns a console reading in and writing out. Raw mode is
// only used when in is a terminal.
func NewConsole(in io.Reader, out io.Writer) *Console {
	c := &Console{in: in, out: out, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.fd = int(f.Fd())
	}
	return c
}

// IsTTY reports whether the console reads from a terminal.
func (c *Console) IsTTY() bool {
	return c.fd >= 0
}

// SetRaw puts the terminal into raw mode and returns the restore function.
// It is a no-op when the console is not a terminal.
func (c *Console) SetRaw() (func(), error) {
	if c.fd < 0 {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, fmt.Errorf("set raw mode: %w", err)
	}
	return func() {
		term.Restore(c.fd, oldState)
	}, nil
}

// Attach copies between the console and conn until the peer hangs up
// (nil), the user detaches (ErrDetached) or ctx ends. conn is closed on
// return.
func (c *Console) Attach(ctx context.Context, conn io.ReadWriteCloser) error {
	restore, err := c.SetRaw()
	if err != nil {
		return err
	}
	defer restore()

	fmt.Fprintf(c.out, "Escape character is '^]'.\r\n")

	input := NewDetachReader(c.in)
	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		io.Copy(conn, input)
	}()

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		io.Copy(c.out, conn)
	}()

	var result error
	select {
	case <-outputDone:
	case <-inputDone:
		// Input typed before the escape has been delivered.
		select {
		case <-input.Detached():
			result = ErrDetached
		default:
		}
	case <-ctx.Done():
		result = ctx.Err()
	}

	conn.Close()
	<-outputDone
	if result == ErrDetached {
		fmt.Fprintf(c.out, "\r\nDetached.\r\n")
	}
	return result
}
