// Package timing measures the phases of a lifecycle operation.
package timing

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Timer tracks durations of named phases.
type Timer struct {
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Mark records a named phase ending now. Its duration is the time since
// the previous mark, or since the start for the first one.
func (t *Timer) Mark(name string) {
	now := time.Now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	return t.phases
}

// Fields returns the phases as log fields, plus the total.
func (t *Timer) Fields() []zap.Field {
	fields := make([]zap.Field, 0, len(t.phases)+1)
	for _, p := range t.phases {
		fields = append(fields, zap.Duration(p.Name, p.Duration))
	}
	return append(fields, zap.Duration("total", t.Total()))
}

// Report prints a timing report titled title to w.
func (t *Timer) Report(w io.Writer, title string) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "=== %s ===\n", title)
	for _, p := range t.phases {
		fmt.Fprintf(w, "  %-20s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-20s %s\n", "TOTAL:", formatDuration(t.Total()))
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
