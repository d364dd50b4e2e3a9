package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/javanstorm/vmkitchen/pkg/hypervisor"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: VMKITCHEN_MEMORY, VMKITCHEN_CPUS, etc.
const EnvPrefix = "VMKITCHEN"

var (
	instanceNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	hostnameRe     = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.-]*[A-Za-z0-9])?$`)
)

// DiskConfig describes one disk in the config file.
type DiskConfig struct {
	File     string `mapstructure:"file"`
	Format   string `mapstructure:"format"`
	Snapshot bool   `mapstructure:"snapshot"`
	ReadOnly bool   `mapstructure:"readonly"`
}

// MountConfig describes one shared directory in the config file.
type MountConfig struct {
	Tag      string `mapstructure:"tag"`
	Host     string `mapstructure:"host"`
	Guest    string `mapstructure:"guest"`
	ReadOnly bool   `mapstructure:"readonly"`
}

// Config holds the settings for one instance.
type Config struct {
	// Name is the instance name. It names the sockets and state record.
	Name string `mapstructure:"-"`

	// Paths is the project layout.
	Paths *Paths `mapstructure:"-"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`

	// Arch selects the qemu-system binary.
	Arch string `mapstructure:"arch"`

	// Binary overrides the binary derived from Arch.
	Binary string `mapstructure:"binary"`

	// Username and Password log into the guest.
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Port is the host side of the SSH forward. 0 picks a free port in
	// [PortMin, PortMax].
	Port     int    `mapstructure:"port"`
	PortMin  int    `mapstructure:"port_min"`
	PortMax  int    `mapstructure:"port_max"`
	PortHost string `mapstructure:"port_host"`

	Display  string `mapstructure:"display"`
	Memory   int    `mapstructure:"memory"`
	CPUs     int    `mapstructure:"cpus"`
	NICModel string `mapstructure:"nic_model"`
	Network  string `mapstructure:"network"`

	// Image is shorthand for a single read-only snapshot disk.
	Image string `mapstructure:"image"`

	Disks []DiskConfig `mapstructure:"disks"`

	// KVM is nil when it should be autodetected.
	KVM *bool `mapstructure:"kvm"`

	VGA   string `mapstructure:"vga"`
	Spice string `mapstructure:"spice"`
	VNC   string `mapstructure:"vnc"`

	// ACPIPoweroff selects system_powerdown over quit on destroy. Nil
	// derives it from the disks.
	ACPIPoweroff *bool `mapstructure:"acpi_poweroff"`

	// Hostname is the guest FQDN. Defaults to the instance name.
	Hostname string `mapstructure:"hostname"`

	Mounts []MountConfig `mapstructure:"mounts"`

	StateDir string `mapstructure:"state_dir"`

	MonitorTimeout   time.Duration `mapstructure:"monitor_timeout"`
	QuitTimeout      time.Duration `mapstructure:"quit_timeout"`
	PowerdownTimeout time.Duration `mapstructure:"powerdown_timeout"`
	SocketTimeout    time.Duration `mapstructure:"socket_timeout"`
	SpawnTimeout     time.Duration `mapstructure:"spawn_timeout"`
	SSHTimeout       time.Duration `mapstructure:"ssh_timeout"`

	// control skips checks that only matter when spawning.
	control bool
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Arch:             "x86_64",
		Username:         "kitchen",
		Password:         "kitchen",
		Port:             0,
		PortMin:          2222,
		PortMax:          2299,
		PortHost:         "127.0.0.1",
		Display:          "none",
		Memory:           512,
		CPUs:             1,
		NICModel:         "virtio",
		Network:          "192.168.1.0/24",
		MonitorTimeout:   2 * time.Second,
		QuitTimeout:      5 * time.Second,
		PowerdownTimeout: 30 * time.Second,
		SocketTimeout:    10 * time.Second,
		SpawnTimeout:     60 * time.Second,
		SSHTimeout:       5 * time.Minute,
	}
}

// Load reads the configuration of instance in the project at root from,
// in increasing precedence: defaults, the top level of .vmkitchen.yml,
// VMKITCHEN_* environment, then the file's instances.<name> block. The
// result is finalized and validated.
func Load(root, instance string) (*Config, error) {
	return load(root, instance, false)
}

// LoadControl is Load for commands that only address an existing
// instance (destroy, status, console). An instance without disks is
// accepted.
func LoadControl(root, instance string) (*Config, error) {
	return load(root, instance, true)
}

// LoadProject reads the project-wide settings only: instance blocks are
// ignored and nothing is finalized. Commands that span every instance
// use it to find the state directory.
func LoadProject(root string) (*Config, error) {
	return load(root, "", true)
}

func load(root, instance string, control bool) (*Config, error) {
	project := control && instance == ""
	if !project && !instanceNameRe.MatchString(instance) {
		return nil, &UserError{Key: "name", Msg: fmt.Sprintf("invalid instance name %q", instance)}
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without a default are only seen by Unmarshal when bound.
	for _, key := range []string{"binary", "image", "kvm", "vga", "spice", "vnc", "acpi_poweroff", "hostname", "state_dir"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	paths, err := GetPaths(root, "")
	if err != nil {
		return nil, err
	}

	var file string
	if _, err := os.Stat(paths.ConfigFile); err == nil {
		v.SetConfigFile(paths.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		file = paths.ConfigFile
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	if sub := v.Sub("instances." + instance); !project && sub != nil {
		for key, val := range sub.AllSettings() {
			v.Set(key, val)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Name = instance
	cfg.File = file
	cfg.control = control
	if cfg.Paths, err = GetPaths(paths.Root, cfg.StateDir); err != nil {
		return nil, err
	}
	if project {
		return cfg, nil
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("arch", d.Arch)
	v.SetDefault("username", d.Username)
	v.SetDefault("password", d.Password)
	v.SetDefault("port", d.Port)
	v.SetDefault("port_min", d.PortMin)
	v.SetDefault("port_max", d.PortMax)
	v.SetDefault("port_host", d.PortHost)
	v.SetDefault("display", d.Display)
	v.SetDefault("memory", d.Memory)
	v.SetDefault("cpus", d.CPUs)
	v.SetDefault("nic_model", d.NICModel)
	v.SetDefault("network", d.Network)
	v.SetDefault("monitor_timeout", d.MonitorTimeout)
	v.SetDefault("quit_timeout", d.QuitTimeout)
	v.SetDefault("powerdown_timeout", d.PowerdownTimeout)
	v.SetDefault("socket_timeout", d.SocketTimeout)
	v.SetDefault("spawn_timeout", d.SpawnTimeout)
	v.SetDefault("ssh_timeout", d.SSHTimeout)
}

// Finalize fills derived settings and validates the result. Relative
// disk and mount paths are resolved against the project root.
func (c *Config) Finalize() error {
	if !instanceNameRe.MatchString(c.Name) {
		return &UserError{Key: "name", Msg: fmt.Sprintf("invalid instance name %q", c.Name)}
	}
	if c.Paths == nil {
		p, err := GetPaths("", c.StateDir)
		if err != nil {
			return err
		}
		c.Paths = p
	}

	if c.Binary == "" {
		bin, err := hypervisor.BinaryForArch(c.Arch)
		if err != nil {
			return &UserError{Key: "arch", Msg: "unknown architecture " + c.Arch, Err: err}
		}
		c.Binary = bin
	}

	if c.Memory < 1 {
		return &UserError{Key: "memory", Msg: "must be at least 1 MiB", Err: hypervisor.ErrInsufficientMemory}
	}
	if c.CPUs < 1 {
		return &UserError{Key: "cpus", Msg: "must be at least 1", Err: hypervisor.ErrInvalidCPUCount}
	}
	if c.Username == "" {
		return &UserError{Key: "username", Msg: "must not be empty"}
	}

	if c.Port < 0 || c.Port > 65535 {
		return &UserError{Key: "port", Msg: fmt.Sprintf("%d out of range", c.Port)}
	}
	if c.Port == 0 && (c.PortMin < 1 || c.PortMax > 65535 || c.PortMin > c.PortMax) {
		return &UserError{Key: "port_min", Msg: fmt.Sprintf("invalid port range %d-%d", c.PortMin, c.PortMax)}
	}

	if c.Image != "" {
		img := DiskConfig{File: c.Image, Snapshot: true, ReadOnly: true}
		c.Disks = append([]DiskConfig{img}, c.Disks...)
		c.Image = ""
	}
	if len(c.Disks) == 0 && !c.control {
		return &UserError{Key: "image", Msg: "must specify image file or disks", Err: hypervisor.ErrNoDisks}
	}
	for i := range c.Disks {
		if c.Disks[i].File == "" {
			return &UserError{Key: fmt.Sprintf("disks[%d].file", i), Msg: "must not be empty", Err: hypervisor.ErrMissingDiskFile}
		}
		c.Disks[i].File = c.resolve(c.Disks[i].File)
	}

	for i := range c.Mounts {
		m := &c.Mounts[i]
		if m.Tag == "" || m.Host == "" {
			return &UserError{Key: fmt.Sprintf("mounts[%d]", i), Msg: "tag and host are required", Err: hypervisor.ErrInvalidMount}
		}
		m.Host = c.resolve(m.Host)
		if m.Guest == "" {
			m.Guest = "/mnt/" + m.Tag
		}
	}

	if c.Spice != "" && c.VGA == "" {
		c.VGA = "qxl"
	}

	if c.Hostname == "" {
		c.Hostname = strings.ReplaceAll(c.Name, "_", "-")
	}
	if !hostnameRe.MatchString(c.Hostname) {
		return &UserError{Key: "hostname", Msg: fmt.Sprintf("invalid hostname %q", c.Hostname)}
	}

	if c.ACPIPoweroff == nil {
		persistent := c.hasPersistentDisk()
		c.ACPIPoweroff = &persistent
	}

	timeouts := []struct {
		key string
		d   time.Duration
	}{
		{"monitor_timeout", c.MonitorTimeout},
		{"quit_timeout", c.QuitTimeout},
		{"powerdown_timeout", c.PowerdownTimeout},
		{"socket_timeout", c.SocketTimeout},
		{"spawn_timeout", c.SpawnTimeout},
		{"ssh_timeout", c.SSHTimeout},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return &UserError{Key: t.key, Msg: "must be positive"}
		}
	}

	return nil
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Paths.Root, path)
}

func (c *Config) hasPersistentDisk() bool {
	for _, d := range c.Disks {
		if (hypervisor.Disk{Snapshot: d.Snapshot, ReadOnly: d.ReadOnly}).Persistent() {
			return true
		}
	}
	return false
}

// PowerOff reports whether destroy should ask the guest to power down.
func (c *Config) PowerOff() bool {
	return c.ACPIPoweroff != nil && *c.ACPIPoweroff
}

// ShortHostname returns the first label of Hostname.
func (c *Config) ShortHostname() string {
	short, _, _ := strings.Cut(c.Hostname, ".")
	return short
}

// HostNames returns the names the guest should resolve to itself: the
// FQDN, followed by the short name when it differs.
func (c *Config) HostNames() string {
	if short := c.ShortHostname(); short != c.Hostname {
		return c.Hostname + " " + short
	}
	return c.Hostname
}

// VMConfig builds the hypervisor invocation settings for the given
// monitor sockets, forwarded SSH port and acceleration choice.
func (c *Config) VMConfig(qmpSocket, consoleSocket string, port int, kvm bool) *hypervisor.VMConfig {
	vc := &hypervisor.VMConfig{
		Binary:        c.Binary,
		MemoryMB:      c.Memory,
		CPUs:          c.CPUs,
		Display:       c.Display,
		QMPSocket:     qmpSocket,
		ConsoleSocket: consoleSocket,
		NICModel:      c.NICModel,
		Network:       c.Network,
		Hostname:      c.ShortHostname(),
		SSHHost:       c.PortHost,
		SSHPort:       port,
		KVM:           kvm,
		VGA:           c.VGA,
		Spice:         c.Spice,
		VNC:           c.VNC,
	}
	for _, d := range c.Disks {
		vc.Disks = append(vc.Disks, hypervisor.Disk{
			File:     d.File,
			Format:   d.Format,
			Snapshot: d.Snapshot,
			ReadOnly: d.ReadOnly,
		})
	}
	for _, m := range c.Mounts {
		vc.Mounts = append(vc.Mounts, hypervisor.Mount{
			Tag:      m.Tag,
			Host:     m.Host,
			Guest:    m.Guest,
			ReadOnly: m.ReadOnly,
		})
	}
	return vc
}
