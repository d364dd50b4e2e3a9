package terminal

import (
	"bytes"
	"io"
	"sync"
)

// DetachChar is Ctrl+] (0x1D), the telnet-style escape.
const DetachChar = 0x1D

// DetachReader wraps an io.Reader and stops at the first DetachChar.
// Bytes before it are delivered; the character itself is swallowed and
// every later Read returns io.EOF.
type DetachReader struct {
	r        io.Reader
	detached chan struct{}
	once     sync.Once
}

// NewDetachReader creates a DetachReader wrapping r.
func NewDetachReader(r io.Reader) *DetachReader {
	return &DetachReader{
		r:        r,
		detached: make(chan struct{}),
	}
}

// Detached returns a channel that is closed once DetachChar was read.
func (d *DetachReader) Detached() <-chan struct{} {
	return d.detached
}

func (d *DetachReader) Read(p []byte) (int, error) {
	select {
	case <-d.detached:
		return 0, io.EOF
	default:
	}

	n, err := d.r.Read(p)
	if i := bytes.IndexByte(p[:n], DetachChar); i >= 0 {
		d.once.Do(func() { close(d.detached) })
		if i == 0 {
			return 0, io.EOF
		}
		return i, nil
	}
	return n, err
}
