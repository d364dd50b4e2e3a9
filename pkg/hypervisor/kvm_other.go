//go:build !linux

package hypervisor

import "errors"

// DetectKVM always reports false outside Linux.
func DetectKVM() (bool, error) {
	return false, errors.New("KVM is only available on Linux")
}
