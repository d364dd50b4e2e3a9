package hypervisor

import "strings"

// Disk is one block device attached to the guest.
type Disk struct {
	// File is the path to the image on the host.
	File string

	// Format is the image format ("qcow2", "raw"). Empty lets QEMU probe.
	Format string

	// Snapshot discards guest writes when QEMU exits.
	Snapshot bool

	// ReadOnly attaches the disk without write access.
	ReadOnly bool
}

// Persistent reports whether guest writes reach the image. Such disks need
// an orderly guest shutdown to avoid corruption.
func (d Disk) Persistent() bool {
	return !d.Snapshot && !d.ReadOnly
}

// Mount shares a host directory with the guest over virtio-9p.
type Mount struct {
	// Tag is the 9p mount tag the guest refers to.
	Tag string

	// Host is the directory on the host.
	Host string

	// Guest is where the share is mounted inside the VM.
	Guest string

	// ReadOnly exports the share read-only.
	ReadOnly bool
}

// VMConfig holds everything needed to assemble a QEMU invocation.
type VMConfig struct {
	// Binary is the qemu-system executable.
	Binary string

	// MemoryMB is the amount of memory in megabytes.
	MemoryMB int

	// CPUs is the number of virtual CPUs.
	CPUs int

	// Display is passed to -display ("none", "gtk", ...).
	Display string

	// QMPSocket is the control monitor socket path.
	QMPSocket string

	// ConsoleSocket is the readline monitor socket path.
	ConsoleSocket string

	// NICModel is the guest network card model.
	NICModel string

	// Network is the user-mode network CIDR.
	Network string

	// Hostname is the short guest hostname announced by user-mode DHCP.
	Hostname string

	// SSHHost and SSHPort are the host side of the forward to guest port 22.
	SSHHost string
	SSHPort int

	// Disks are attached in order behind a virtio-scsi controller.
	Disks []Disk

	// Mounts are exported over virtio-9p.
	Mounts []Mount

	// KVM enables hardware acceleration with the host CPU model.
	KVM bool

	// VGA, Spice and VNC are passed through when set.
	VGA   string
	Spice string
	VNC   string
}

// Validate performs basic validation of the configuration.
func (c *VMConfig) Validate() error {
	if c.Binary == "" {
		return ErrMissingBinary
	}
	if c.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if c.MemoryMB < 1 {
		return ErrInsufficientMemory
	}
	if len(c.Disks) == 0 {
		return ErrNoDisks
	}
	for _, d := range c.Disks {
		if d.File == "" {
			return ErrMissingDiskFile
		}
	}
	if c.QMPSocket == "" || c.ConsoleSocket == "" {
		return ErrMissingSocket
	}
	for _, m := range c.Mounts {
		if m.Tag == "" || m.Host == "" {
			return ErrInvalidMount
		}
	}
	return nil
}

// NeedsPowerdown reports whether any attached disk keeps guest writes.
func (c *VMConfig) NeedsPowerdown() bool {
	for _, d := range c.Disks {
		if d.Persistent() {
			return true
		}
	}
	return false
}

// escapeOpt doubles commas so a value can sit inside a QEMU option list.
func escapeOpt(s string) string {
	return strings.ReplaceAll(s, ",", ",,")
}
