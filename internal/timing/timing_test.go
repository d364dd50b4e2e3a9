package timing

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTimerMark(t *testing.T) {
	timer := New()

	time.Sleep(10 * time.Millisecond)
	timer.Mark("spawn")

	time.Sleep(15 * time.Millisecond)
	timer.Mark("socket")

	phases := timer.Phases()
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}

	if phases[0].Name != "spawn" {
		t.Errorf("expected spawn, got %s", phases[0].Name)
	}
	if phases[0].Duration < 10*time.Millisecond {
		t.Errorf("spawn duration too short: %v", phases[0].Duration)
	}

	if phases[1].Name != "socket" {
		t.Errorf("expected socket, got %s", phases[1].Name)
	}
	if phases[1].Duration < 15*time.Millisecond {
		t.Errorf("socket duration too short: %v", phases[1].Duration)
	}
	if timer.Total() < phases[0].Duration+phases[1].Duration {
		t.Errorf("total %v shorter than the sum of its phases", timer.Total())
	}
}

func TestTimerReport(t *testing.T) {
	timer := New()
	timer.Mark("probe")
	timer.Mark("spawn")

	var buf bytes.Buffer
	timer.Report(&buf, "Create Timing")
	output := buf.String()

	for _, want := range []string{"=== Create Timing ===", "probe:", "spawn:", "TOTAL:"} {
		if !strings.Contains(output, want) {
			t.Errorf("report missing %q:\n%s", want, output)
		}
	}
}

func TestTimerEmpty(t *testing.T) {
	timer := New()

	if len(timer.Phases()) != 0 {
		t.Errorf("expected 0 phases, got %d", len(timer.Phases()))
	}

	var buf bytes.Buffer
	timer.Report(&buf, "Timing")
	if !strings.Contains(buf.String(), "TOTAL:") {
		t.Error("empty report should still have total")
	}
}

func TestTimerFields(t *testing.T) {
	timer := New()
	timer.Mark("spawn")
	timer.Mark("ssh")

	core, logs := observer.New(zapcore.InfoLevel)
	zap.New(core).Info("created", timer.Fields()...)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	for _, key := range []string{"spawn", "ssh", "total"} {
		if _, ok := ctx[key]; !ok {
			t.Errorf("log entry missing %q field: %v", key, ctx)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50ms"},
		{1500 * time.Millisecond, "1.50s"},
		{2 * time.Second, "2.00s"},
	}

	for _, tt := range tests {
		result := formatDuration(tt.d)
		if result != tt.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.d, result, tt.expected)
		}
	}
}
