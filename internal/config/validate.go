package config

import (
	"fmt"
	"runtime"
	"strings"
)

// UserError is a configuration mistake the user has to fix.
type UserError struct {
	// Key is the offending config key.
	Key string

	// Msg describes the problem.
	Msg string

	// Err is an optional underlying cause.
	Err error
}

func (e *UserError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Msg)
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// Warning is a non-fatal configuration issue.
type Warning struct {
	Field   string
	Message string
}

// Warnings returns settings that are accepted but probably not intended.
// Call it on a finalized Config.
func (c *Config) Warnings() []Warning {
	var warnings []Warning

	if c.KVM != nil && *c.KVM && runtime.GOOS != "linux" {
		warnings = append(warnings, Warning{
			Field:   "kvm",
			Message: "KVM requested but only available on Linux; QEMU will refuse to start",
		})
	}

	if !c.PowerOff() && c.hasPersistentDisk() {
		warnings = append(warnings, Warning{
			Field:   "acpi_poweroff",
			Message: "disabled with a persistent disk; destroy will quit QEMU without a guest shutdown",
		})
	}

	if len(c.Mounts) > 0 && c.Password == "" {
		warnings = append(warnings, Warning{
			Field:   "mounts",
			Message: "mounting shares needs sudo in the guest, which usually wants a password",
		})
	}

	return warnings
}

// FormatWarnings returns a human-readable warning summary.
func FormatWarnings(warnings []Warning) string {
	if len(warnings) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, w := range warnings {
		fmt.Fprintf(&b, "  Warning [%s]: %s\n", w.Field, w.Message)
	}
	return b.String()
}
