package hypervisor

import (
	"errors"
	"strings"
	"testing"
)

func testConfig() *VMConfig {
	return &VMConfig{
		Binary:        "qemu-system-x86_64",
		MemoryMB:      512,
		CPUs:          2,
		Display:       "none",
		QMPSocket:     "/p/.kitchen/web.qmp",
		ConsoleSocket: "/p/.kitchen/web.mon",
		NICModel:      "virtio",
		Network:       "192.168.1.0/24",
		Hostname:      "web",
		SSHHost:       "127.0.0.1",
		SSHPort:       2222,
		Disks: []Disk{
			{File: "/images/base.qcow2", Format: "qcow2", Snapshot: true, ReadOnly: true},
		},
	}
}

// argAfter returns the value following flag at occurrence n.
func argAfter(args []string, flag string, n int) string {
	seen := 0
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			if seen == n {
				return args[i+1]
			}
			seen++
		}
	}
	return ""
}

func TestArgsBasics(t *testing.T) {
	args := testConfig().Args()

	if args[0] != "qemu-system-x86_64" {
		t.Errorf("args[0] = %q, want binary", args[0])
	}
	if args[1] != "-daemonize" {
		t.Errorf("args[1] = %q, want -daemonize", args[1])
	}

	tests := []struct {
		flag string
		n    int
		want string
	}{
		{"-display", 0, "none"},
		{"-chardev", 0, "socket,id=mon-qmp,path=/p/.kitchen/web.qmp,server=on,wait=off"},
		{"-mon", 0, "chardev=mon-qmp,mode=control"},
		{"-chardev", 1, "socket,id=mon-rdl,path=/p/.kitchen/web.mon,server=on,wait=off"},
		{"-mon", 1, "chardev=mon-rdl,mode=readline"},
		{"-m", 0, "512"},
		{"-smp", 0, "2"},
		{"-net", 0, "nic,model=virtio"},
		{"-net", 1, "user,net=192.168.1.0/24,hostname=web,hostfwd=tcp:127.0.0.1:2222-:22"},
		{"-device", 0, "virtio-scsi-pci,id=scsi"},
		{"-device", 1, "scsi-hd,drive=disk0"},
		{"-drive", 0, "if=none,id=disk0,file=/images/base.qcow2,format=qcow2,readonly=on,snapshot=on"},
	}
	for _, tt := range tests {
		if got := argAfter(args, tt.flag, tt.n); got != tt.want {
			t.Errorf("%s #%d = %q, want %q", tt.flag, tt.n, got, tt.want)
		}
	}

	for _, absent := range []string{"-enable-kvm", "-vga", "-spice", "-vnc", "-virtfs"} {
		if argAfter(append(args, ""), absent, 0) != "" {
			t.Errorf("unexpected %s in %v", absent, args)
		}
	}
}

func TestArgsOptional(t *testing.T) {
	cfg := testConfig()
	cfg.KVM = true
	cfg.VGA = "qxl"
	cfg.Spice = "port=5930,disable-ticketing=on"
	cfg.VNC = ":1"
	cfg.Disks = append(cfg.Disks, Disk{File: "/data/scratch,1.raw"})
	cfg.Mounts = []Mount{
		{Tag: "src", Host: "/home/me/src", Guest: "/src", ReadOnly: true},
		{Tag: "out", Host: "/tmp/out", Guest: "/out"},
	}

	args := cfg.Args()
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "-enable-kvm -cpu host") {
		t.Errorf("KVM flags missing: %s", joined)
	}
	if got := argAfter(args, "-vga", 0); got != "qxl" {
		t.Errorf("-vga = %q, want qxl", got)
	}
	if got := argAfter(args, "-spice", 0); got != cfg.Spice {
		t.Errorf("-spice = %q, want %q", got, cfg.Spice)
	}
	if got := argAfter(args, "-vnc", 0); got != ":1" {
		t.Errorf("-vnc = %q, want :1", got)
	}
	if got := argAfter(args, "-drive", 1); got != "if=none,id=disk1,file=/data/scratch,,1.raw" {
		t.Errorf("second drive = %q", got)
	}
	if got := argAfter(args, "-virtfs", 0); got != "local,id=fs0,path=/home/me/src,mount_tag=src,security_model=none,readonly=on" {
		t.Errorf("first virtfs = %q", got)
	}
	if got := argAfter(args, "-virtfs", 1); got != "local,id=fs1,path=/tmp/out,mount_tag=out,security_model=none" {
		t.Errorf("second virtfs = %q", got)
	}
}

func TestArgsWithoutPortForward(t *testing.T) {
	cfg := testConfig()
	cfg.SSHPort = 0
	cfg.Hostname = ""

	if got := argAfter(cfg.Args(), "-net", 1); got != "user,net=192.168.1.0/24" {
		t.Errorf("-net user = %q", got)
	}
}

func TestVMConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*VMConfig)
		want   error
	}{
		{"valid", func(*VMConfig) {}, nil},
		{"no binary", func(c *VMConfig) { c.Binary = "" }, ErrMissingBinary},
		{"no cpus", func(c *VMConfig) { c.CPUs = 0 }, ErrInvalidCPUCount},
		{"no memory", func(c *VMConfig) { c.MemoryMB = 0 }, ErrInsufficientMemory},
		{"no disks", func(c *VMConfig) { c.Disks = nil }, ErrNoDisks},
		{"empty disk", func(c *VMConfig) { c.Disks = []Disk{{}} }, ErrMissingDiskFile},
		{"no socket", func(c *VMConfig) { c.QMPSocket = "" }, ErrMissingSocket},
		{"bad mount", func(c *VMConfig) { c.Mounts = []Mount{{Host: "/x"}} }, ErrInvalidMount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNeedsPowerdown(t *testing.T) {
	tests := []struct {
		name  string
		disks []Disk
		want  bool
	}{
		{"two snapshot disks", []Disk{{File: "a", Snapshot: true}, {File: "b", Snapshot: true}}, false},
		{"read-only disk", []Disk{{File: "a", ReadOnly: true}}, false},
		{"one persistent disk", []Disk{{File: "a"}}, true},
		{"mixed", []Disk{{File: "a", Snapshot: true}, {File: "b"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &VMConfig{Disks: tt.disks}
			if got := cfg.NeedsPowerdown(); got != tt.want {
				t.Errorf("NeedsPowerdown() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBinaryForArch(t *testing.T) {
	tests := []struct {
		arch string
		want string
	}{
		{"x86_64", "qemu-system-x86_64"},
		{"amd64", "qemu-system-x86_64"},
		{"64bit", "qemu-system-x86_64"},
		{"i386", "qemu-system-i386"},
		{"32bit", "qemu-system-i386"},
		{"AArch64", "qemu-system-aarch64"},
	}
	for _, tt := range tests {
		got, err := BinaryForArch(tt.arch)
		if err != nil {
			t.Errorf("BinaryForArch(%q) error = %v", tt.arch, err)
			continue
		}
		if got != tt.want {
			t.Errorf("BinaryForArch(%q) = %q, want %q", tt.arch, got, tt.want)
		}
	}

	if _, err := BinaryForArch("pdp11"); !errors.Is(err, ErrUnknownArch) {
		t.Errorf("BinaryForArch(pdp11) error = %v, want ErrUnknownArch", err)
	}
}
