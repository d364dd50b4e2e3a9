package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Create when a live QEMU already
	// owns the instance's monitor socket.
	ErrAlreadyRunning = errors.New("vm: instance already running")

	// ErrUnresponsive is returned by Destroy when QEMU could not be shown
	// to have exited. The monitor sockets are left in place.
	ErrUnresponsive = errors.New("vm: instance unresponsive")
)

// ActionFailedError reports a create or destroy step that could not be
// completed.
type ActionFailedError struct {
	// Instance is the instance name.
	Instance string

	// Op is the failed step, e.g. "spawn".
	Op string

	// Msg is diagnostic output, such as QEMU's stderr.
	Msg string

	// Err is the underlying error, if any.
	Err error
}

func (e *ActionFailedError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Instance, e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Instance, e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Instance, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s failed", e.Instance, e.Op)
	}
}

func (e *ActionFailedError) Unwrap() error {
	return e.Err
}
