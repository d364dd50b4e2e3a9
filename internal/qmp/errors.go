package qmp

import "errors"

// Protocol errors
var (
	ErrTimeout           = errors.New("qmp: timed out waiting for monitor")
	ErrClosed            = errors.New("qmp: connection closed by monitor")
	ErrMalformed         = errors.New("qmp: malformed message")
	ErrConnectionRefused = errors.New("qmp: connection refused")
)
