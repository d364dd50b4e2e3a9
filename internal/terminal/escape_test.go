package terminal

import (
	"bytes"
	"io"
	"testing"
)

func TestDetachReaderNormalRead(t *testing.T) {
	r := NewDetachReader(bytes.NewReader([]byte("info status\n")))

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "info status\n" {
		t.Errorf("got %q, want %q", got, "info status\n")
	}

	select {
	case <-r.Detached():
		t.Error("detached channel should not be closed")
	default:
	}
}

func TestDetachReaderStopsAtEscape(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"escape first", []byte{DetachChar, 'a'}, ""},
		{"escape in middle", []byte{'a', 'b', DetachChar, 'c'}, "ab"},
		{"escape last", []byte{'q', 'u', 'i', 't', DetachChar}, "quit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewDetachReader(bytes.NewReader(tt.input))

			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}

			select {
			case <-r.Detached():
			default:
				t.Error("detached channel should be closed")
			}
		})
	}
}

func TestDetachReaderStaysDetached(t *testing.T) {
	r := NewDetachReader(bytes.NewReader([]byte{DetachChar, 'x', 'y'}))

	buf := make([]byte, 64)
	for i := 0; i < 3; i++ {
		n, err := r.Read(buf)
		if err != io.EOF || n != 0 {
			t.Errorf("read %d: got (%d, %v), want (0, EOF)", i, n, err)
		}
	}
}
