package hypervisor

import (
	"fmt"
	"strconv"
)

// Args assembles the qemu-system command line, binary first. The process
// is asked to daemonize once both monitor sockets are listening.
func (c *VMConfig) Args() []string {
	args := []string{
		c.Binary, "-daemonize",
		"-display", c.Display,
		"-chardev", fmt.Sprintf("socket,id=mon-qmp,path=%s,server=on,wait=off", escapeOpt(c.QMPSocket)),
		"-mon", "chardev=mon-qmp,mode=control",
		"-chardev", fmt.Sprintf("socket,id=mon-rdl,path=%s,server=on,wait=off", escapeOpt(c.ConsoleSocket)),
		"-mon", "chardev=mon-rdl,mode=readline",
		"-m", strconv.Itoa(c.MemoryMB),
		"-smp", strconv.Itoa(c.CPUs),
	}

	args = append(args, c.netArgs()...)
	args = append(args, c.diskArgs()...)
	args = append(args, c.mountArgs()...)

	if c.KVM {
		args = append(args, "-enable-kvm", "-cpu", "host")
	}
	if c.VGA != "" {
		args = append(args, "-vga", c.VGA)
	}
	if c.Spice != "" {
		args = append(args, "-spice", c.Spice)
	}
	if c.VNC != "" {
		args = append(args, "-vnc", c.VNC)
	}
	return args
}

func (c *VMConfig) netArgs() []string {
	user := "user,net=" + c.Network
	if c.Hostname != "" {
		user += ",hostname=" + escapeOpt(c.Hostname)
	}
	if c.SSHPort > 0 {
		user += fmt.Sprintf(",hostfwd=tcp:%s:%d-:22", c.SSHHost, c.SSHPort)
	}
	return []string{
		"-net", "nic,model=" + c.NICModel,
		"-net", user,
	}
}

func (c *VMConfig) diskArgs() []string {
	args := []string{"-device", "virtio-scsi-pci,id=scsi"}
	for i, d := range c.Disks {
		id := fmt.Sprintf("disk%d", i)
		drive := fmt.Sprintf("if=none,id=%s,file=%s", id, escapeOpt(d.File))
		if d.Format != "" {
			drive += ",format=" + d.Format
		}
		if d.ReadOnly {
			drive += ",readonly=on"
		}
		if d.Snapshot {
			drive += ",snapshot=on"
		}
		args = append(args,
			"-device", fmt.Sprintf("scsi-hd,drive=%s", id),
			"-drive", drive,
		)
	}
	return args
}

func (c *VMConfig) mountArgs() []string {
	var args []string
	for i, m := range c.Mounts {
		fs := fmt.Sprintf("local,id=fs%d,path=%s,mount_tag=%s,security_model=none",
			i, escapeOpt(m.Host), escapeOpt(m.Tag))
		if m.ReadOnly {
			fs += ",readonly=on"
		}
		args = append(args, "-virtfs", fs)
	}
	return args
}
