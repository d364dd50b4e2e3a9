package hypervisor

import (
	"fmt"
	"strings"
)

// archBinaries maps architecture aliases to the qemu-system binary.
// It is never modified after init.
var archBinaries = map[string]string{
	"i386":    "qemu-system-i386",
	"x86":     "qemu-system-i386",
	"32bit":   "qemu-system-i386",
	"386":     "qemu-system-i386",
	"amd64":   "qemu-system-x86_64",
	"x86_64":  "qemu-system-x86_64",
	"64bit":   "qemu-system-x86_64",
	"arm64":   "qemu-system-aarch64",
	"aarch64": "qemu-system-aarch64",
}

// BinaryForArch returns the qemu-system binary for an architecture name.
func BinaryForArch(arch string) (string, error) {
	bin, ok := archBinaries[strings.ToLower(arch)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownArch, arch)
	}
	return bin, nil
}
