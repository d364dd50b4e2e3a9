package qmp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is one decoded monitor message. Keys are kept raw so the
// payload of "return" can be handed back without a second decode.
type Message map[string]json.RawMessage

// Return reports the value of the "return" key, if present.
func (m Message) Return() (json.RawMessage, bool) {
	v, ok := m["return"]
	return v, ok
}

// maxLineSize bounds one unterminated message. QMP replies are small; a
// monitor that streams this much without a newline is broken.
const maxLineSize = 4 << 20

// lineBuffer accumulates raw reads and hands out complete lines.
// Bytes after the last '\n' stay buffered until the next write.
type lineBuffer struct {
	data []byte
}

func (b *lineBuffer) Write(p []byte) {
	b.data = append(b.data, p...)
}

// Len returns the number of buffered bytes.
func (b *lineBuffer) Len() int {
	return len(b.data)
}

// Next extracts the next complete message. ok is false when no full
// line has been buffered yet. Blank lines are skipped. More than
// maxLineSize unterminated bytes are discarded with ErrMalformed.
func (b *lineBuffer) Next() (msg Message, ok bool, err error) {
	for {
		i := bytes.IndexByte(b.data, '\n')
		if i < 0 {
			if len(b.data) > maxLineSize {
				n := len(b.data)
				b.data = nil
				return nil, false, fmt.Errorf("%w: %d bytes without a line terminator", ErrMalformed, n)
			}
			return nil, false, nil
		}

		line := bytes.TrimSpace(b.data[:i])
		if len(line) > 0 {
			err = json.Unmarshal(line, &msg)
		}
		blank := len(line) == 0

		// Shift the remainder down so the backing array does not grow forever.
		// line aliases data, so this must happen after decoding.
		n := copy(b.data, b.data[i+1:])
		b.data = b.data[:n]

		if blank {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return msg, true, nil
	}
}
