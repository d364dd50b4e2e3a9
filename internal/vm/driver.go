package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/javanstorm/vmkitchen/internal/config"
	"github.com/javanstorm/vmkitchen/internal/netutil"
	"github.com/javanstorm/vmkitchen/internal/qmp"
	"github.com/javanstorm/vmkitchen/internal/remote"
	"github.com/javanstorm/vmkitchen/internal/timing"
	"github.com/javanstorm/vmkitchen/pkg/hypervisor"
	"go.uber.org/zap"
)

const (
	socketPollMin = 50 * time.Millisecond
	socketPollMax = time.Second
)

// spawnEnv is added to QEMU's environment.
var spawnEnv = map[string]string{"QEMU_AUDIO_DRV": "none"}

// Driver creates and destroys one instance. A Driver is not safe for
// concurrent use, and callers must not run two operations against the
// same instance at once.
type Driver struct {
	cfg   *config.Config
	art   Artifacts
	state *StateFile
	keys  *KeyManager

	spawner   hypervisor.Spawner
	connect   remote.Connector
	freePort  func(host string, min, max int) (int, error)
	detectKVM func() (bool, error)
	logger    *zap.Logger

	session remote.Session
	timer   *timing.Timer
}

// Option configures a Driver.
type Option func(*Driver)

// WithSpawner sets how QEMU is launched.
func WithSpawner(s hypervisor.Spawner) Option {
	return func(d *Driver) { d.spawner = s }
}

// WithConnector sets how guest sessions are opened.
func WithConnector(c remote.Connector) Option {
	return func(d *Driver) { d.connect = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithPortFinder sets the free port lookup.
func WithPortFinder(f func(host string, min, max int) (int, error)) Option {
	return func(d *Driver) { d.freePort = f }
}

// WithKVMDetector sets the KVM autodetection used when kvm is unset.
func WithKVMDetector(f func() (bool, error)) Option {
	return func(d *Driver) { d.detectKVM = f }
}

// NewDriver returns a Driver for the instance described by cfg, which
// must be finalized.
func NewDriver(cfg *config.Config, opts ...Option) *Driver {
	art := NewArtifacts(cfg.Paths.StateDir, cfg.Name)
	d := &Driver{
		cfg:       cfg,
		art:       art,
		state:     NewStateFile(art.StatePath),
		keys:      NewKeyManager(cfg.Paths.StateDir),
		spawner:   hypervisor.ExecSpawner{},
		freePort:  netutil.FreePort,
		detectKVM: hypervisor.DetectKVM,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.connect == nil {
		d.connect = remote.SSHConnector(d.logger)
	}
	d.logger = d.logger.With(zap.String("instance", cfg.Name))
	return d
}

// Artifacts returns the instance's artifact paths.
func (d *Driver) Artifacts() Artifacts {
	return d.art
}

// Keys returns the project key manager.
func (d *Driver) Keys() *KeyManager {
	return d.keys
}

// Timing returns the phase timings of the last Create, or nil.
func (d *Driver) Timing() *timing.Timer {
	return d.timer
}

// Create boots the instance and provisions the guest. A stale monitor
// socket left by a dead QEMU is cleaned up first; a live one fails with
// ErrAlreadyRunning without spawning anything.
func (d *Driver) Create(ctx context.Context) (*InstanceState, error) {
	d.timer = timing.New()
	log := d.logger

	if err := d.art.CheckPaths(); err != nil {
		return nil, d.failed("check paths", "", err)
	}

	st, err := Probe(d.art, d.cfg.MonitorTimeout)
	if err != nil {
		return nil, d.failed("probe monitor", "", err)
	}
	switch st {
	case StateRunning:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, d.cfg.Name)
	case StateOrphaned:
		log.Warn("stale monitor socket, cleaning up", zap.String("path", d.art.QMPSocket))
		d.art.Cleanup(log)
	}
	d.timer.Mark("probe")

	if err := d.cfg.Paths.EnsureDirectories(); err != nil {
		return nil, d.failed("prepare state dir", "", err)
	}
	keyPath, _, err := d.keys.EnsureKeyPair()
	if err != nil {
		return nil, d.failed("generate key pair", "", err)
	}
	pubKey, err := d.keys.PublicKey()
	if err != nil {
		return nil, d.failed("read public key", "", err)
	}

	port := d.cfg.Port
	if port == 0 {
		if port, err = d.freePort(d.cfg.PortHost, d.cfg.PortMin, d.cfg.PortMax); err != nil {
			return nil, d.failed("allocate port", "", err)
		}
	}

	vc := d.cfg.VMConfig(d.art.QMPSocket, d.art.ConsoleSocket, port, d.kvm())
	if err := vc.Validate(); err != nil {
		return nil, d.failed("assemble invocation", "", err)
	}

	state := &InstanceState{
		Name:          d.cfg.Name,
		RunID:         uuid.NewString(),
		Hostname:      d.cfg.PortHost,
		Port:          port,
		Username:      d.cfg.Username,
		Password:      d.cfg.Password,
		ACPIPoweroff:  d.cfg.PowerOff(),
		KVM:           vc.KVM,
		QMPSocket:     d.art.QMPSocket,
		ConsoleSocket: d.art.ConsoleSocket,
	}
	log = log.With(zap.String("run_id", state.RunID))
	if vc.NeedsPowerdown() && !state.ACPIPoweroff {
		log.Warn("persistent disk with acpi_poweroff disabled, destroy will quit QEMU")
	}

	log.Info("spawning QEMU", zap.String("binary", vc.Binary), zap.Int("port", port))
	if err := d.spawn(ctx, vc.Args()); err != nil {
		d.art.Cleanup(log)
		return nil, err
	}
	state.CreatedAt = time.Now().UTC()
	d.timer.Mark("spawn")

	if err := d.waitForMonitor(ctx); err != nil {
		d.art.Cleanup(log)
		return nil, d.failed("wait for monitor", "", err)
	}
	d.timer.Mark("monitor")

	if err := d.state.Save(state); err != nil {
		return nil, d.failed("save state", "", err)
	}

	log.Info("waiting for SSH", zap.String("addr", fmt.Sprintf("%s:%d", state.Hostname, port)))
	if err := d.provision(ctx, state, keyPath, pubKey, log); err != nil {
		return nil, err
	}

	state.SSHKey = keyPath
	if err := d.state.Save(state); err != nil {
		return nil, d.failed("save state", "", err)
	}

	log.Info("instance created", d.timer.Fields()...)
	return state, nil
}

// kvm resolves the kvm setting, probing the host when it is unset.
func (d *Driver) kvm() bool {
	if d.cfg.KVM != nil {
		return *d.cfg.KVM
	}
	ok, err := d.detectKVM()
	if ok {
		d.logger.Info("KVM enabled")
	} else {
		d.logger.Info("KVM disabled", zap.Error(err))
	}
	return ok
}

func (d *Driver) spawn(ctx context.Context, argv []string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SpawnTimeout)
	defer cancel()

	d.logger.Debug("qemu command", zap.Strings("argv", argv))
	res, err := d.spawner.Spawn(ctx, argv, spawnEnv)
	if err != nil {
		return d.failed("spawn", res.Stderr, err)
	}
	if !res.Success() {
		return d.failed("spawn", res.Stderr, fmt.Errorf("qemu exited with status %d", res.ExitCode))
	}
	return nil
}

// waitForMonitor polls the control socket with exponential backoff until
// it accepts a connection or socket_timeout elapses.
func (d *Driver) waitForMonitor(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SocketTimeout)
	defer cancel()

	delay := socketPollMin
	for {
		if d.art.HasMonitor() {
			conn, res, err := qmp.Dial(d.art.QMPSocket, d.cfg.MonitorTimeout)
			if err != nil {
				return err
			}
			if res == qmp.Connected {
				conn.Close()
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("monitor socket %s not ready after %s: %w", d.art.QMPSocket, d.cfg.SocketTimeout, ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, socketPollMax)
	}
}

func (d *Driver) provision(ctx context.Context, state *InstanceState, keyPath, pubKey string, log *zap.Logger) error {
	session, err := d.connect(remote.Params{
		Host:     state.Hostname,
		Port:     state.Port,
		Username: state.Username,
		Password: state.Password,
		KeyFile:  keyPath,
	})
	if err != nil {
		return d.failed("open remote session", "", err)
	}
	d.session = session

	ctx, cancel := context.WithTimeout(ctx, d.cfg.SSHTimeout)
	defer cancel()

	if err := session.WaitUntilReady(ctx); err != nil {
		return d.failed("wait for ssh", "", err)
	}
	d.timer.Mark("ssh")

	if err := provision(ctx, session, provisionSteps(d.cfg, pubKey), log); err != nil {
		return d.failed("provision", "", err)
	}
	d.timer.Mark("provision")

	d.closeSession()
	return nil
}

// Destroy shuts the instance down and removes its artifacts. It does
// nothing when there is no monitor socket. A monitor that refuses the
// connection means QEMU is already gone. If QEMU cannot be shown to exit
// in time, Destroy fails with ErrUnresponsive and leaves the artifacts.
//
// ctx is only checked before the monitor is contacted. Once a shutdown
// command is sent, the waits are bounded by the configured timeouts and
// not by ctx, so a cancelled caller never abandons a half-stopped VM.
func (d *Driver) Destroy(ctx context.Context) error {
	log := d.logger
	if !d.art.HasMonitor() {
		log.Debug("no monitor socket, nothing to destroy")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("destroy %s: %w", d.cfg.Name, err)
	}

	d.closeSession()

	powerOff := d.cfg.PowerOff()
	if state, err := d.state.Load(); err == nil {
		powerOff = state.ACPIPoweroff
		log = log.With(zap.String("run_id", state.RunID))
	} else if !errors.Is(err, fs.ErrNotExist) {
		log.Warn("unreadable state record, using configured shutdown", zap.Error(err))
	}

	conn, res, err := qmp.Dial(d.art.QMPSocket, d.cfg.MonitorTimeout)
	if err != nil {
		return d.failed("connect monitor", "", err)
	}
	if res == qmp.Refused {
		log.Info("monitor refused connection, QEMU already gone")
	} else if err := d.shutdown(conn, powerOff, log); err != nil {
		return err
	}

	d.art.Cleanup(log)
	if err := d.state.Remove(); err != nil {
		log.Warn("failed to remove state record", zap.Error(err))
	}
	log.Info("instance destroyed")
	return nil
}

// shutdown asks QEMU to exit over an established monitor connection and
// waits for it to hang up.
func (d *Driver) shutdown(conn net.Conn, powerOff bool, log *zap.Logger) error {
	client, err := qmp.New(conn, d.cfg.MonitorTimeout)
	if err != nil {
		conn.Close()
		return d.shutdownError(err)
	}
	defer client.Close()

	command, wait := qmp.QuitCommand, d.cfg.QuitTimeout
	if powerOff {
		command, wait = qmp.PowerdownCommand, d.cfg.PowerdownTimeout
		log.Info("powering down guest", zap.Duration("timeout", wait))
	} else {
		log.Info("quitting QEMU")
	}

	if _, err := client.Execute(command, d.cfg.MonitorTimeout); err != nil {
		if errors.Is(err, qmp.ErrClosed) {
			return nil
		}
		return d.shutdownError(err)
	}
	if err := client.WaitForEOF(wait); err != nil {
		return d.shutdownError(err)
	}
	return nil
}

func (d *Driver) shutdownError(err error) error {
	if errors.Is(err, qmp.ErrTimeout) {
		return fmt.Errorf("%w: %s: %w", ErrUnresponsive, d.cfg.Name, err)
	}
	return d.failed("shut down", "", err)
}

// Status describes an instance as observed right now.
type Status struct {
	// Name is the instance name.
	Name string

	// State is derived from the monitor socket.
	State State

	// RunState is QEMU's own run state ("running", "paused", ...) when
	// the monitor answered.
	RunState string

	// Instance is the state record, if one exists.
	Instance *InstanceState
}

// Status probes the instance and, when it is running, asks QEMU for its
// run state. Like Destroy, it checks ctx only before contacting the
// monitor; the monitor exchange is bounded by monitor_timeout.
func (d *Driver) Status(ctx context.Context) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("status %s: %w", d.cfg.Name, err)
	}
	st, err := Probe(d.art, d.cfg.MonitorTimeout)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", d.cfg.Name, err)
	}

	s := &Status{Name: d.cfg.Name, State: st}
	if rec, err := d.state.Load(); err == nil {
		s.Instance = rec
	} else if !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn("unreadable state record", zap.Error(err))
	}

	if st != StateRunning {
		return s, nil
	}

	client, err := qmp.Connect(d.art.QMPSocket, d.cfg.MonitorTimeout)
	if err != nil {
		return s, fmt.Errorf("query %s: %w", d.cfg.Name, err)
	}
	defer client.Close()

	raw, err := client.Execute(qmp.QueryStatusCommand, 0)
	if err != nil {
		return s, fmt.Errorf("query %s: %w", d.cfg.Name, err)
	}
	var reply struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return s, fmt.Errorf("decode query-status: %w", err)
	}
	s.RunState = reply.Status
	return s, nil
}

// Close releases a guest session left open by a failed Create.
func (d *Driver) Close() error {
	d.closeSession()
	return nil
}

func (d *Driver) closeSession() {
	if d.session == nil {
		return
	}
	if err := d.session.Close(); err != nil {
		d.logger.Debug("close remote session", zap.Error(err))
	}
	d.session = nil
}

func (d *Driver) failed(op, msg string, err error) error {
	return &ActionFailedError{Instance: d.cfg.Name, Op: op, Msg: msg, Err: err}
}
