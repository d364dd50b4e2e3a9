// Package vm manages the lifecycle of QEMU instances: spawning them,
// waiting for the monitor and SSH, provisioning the guest and shutting
// them down again over QMP. Each instance is identified by its artifacts
// in the project state directory.
package vm
