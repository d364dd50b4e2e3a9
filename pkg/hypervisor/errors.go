package hypervisor

import "errors"

// Configuration errors
var (
	ErrMissingBinary      = errors.New("hypervisor: qemu binary is required")
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 1MB")
	ErrNoDisks            = errors.New("hypervisor: at least one disk is required")
	ErrMissingDiskFile    = errors.New("hypervisor: disk file is required")
	ErrMissingSocket      = errors.New("hypervisor: monitor socket paths are required")
	ErrInvalidMount       = errors.New("hypervisor: mount needs a tag and a host path")
)

// Platform errors
var (
	ErrUnknownArch = errors.New("hypervisor: unknown architecture")
)
