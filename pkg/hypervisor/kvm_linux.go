//go:build linux

package hypervisor

import (
	"errors"
	"fmt"
	"io/fs"

	"golang.org/x/sys/unix"
)

// kvmDevice is the KVM control device.
const kvmDevice = "/dev/kvm"

// DetectKVM reports whether the current user can use KVM. When it cannot,
// the returned error explains why.
func DetectKVM() (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(kvmDevice, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("KVM device %s doesn't exist. Maybe the module is not loaded", kvmDevice)
		}
		return false, fmt.Errorf("stat %s: %w", kvmDevice, err)
	}
	if err := unix.Access(kvmDevice, unix.R_OK|unix.W_OK); err != nil {
		return false, fmt.Errorf("KVM device %s not read/writeable. Maybe add your user to the kvm group", kvmDevice)
	}
	return true, nil
}
