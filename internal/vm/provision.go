package vm

import (
	"context"
	"fmt"
	"strings"

	"github.com/javanstorm/vmkitchen/internal/config"
	"github.com/javanstorm/vmkitchen/internal/remote"
	"go.uber.org/zap"
)

// step is one provisioning command run in the guest.
type step struct {
	name   string
	script string
}

// provisionSteps returns the one-time guest setup for cfg: register the
// hostname, install pubKey for the login user and mount shared folders.
func provisionSteps(cfg *config.Config, pubKey string) []step {
	short := cfg.ShortHostname()
	hosts := fmt.Sprintf("echo 127.0.0.1 %s >> /etc/hosts; hostnamectl set-hostname %s || hostname %s || true",
		cfg.HostNames(), short, short)

	steps := []step{
		{"hostname", "sudo sh -c " + shellQuote(hosts) + " 2>/dev/null"},
		{"ssh dir", `install -dm700 "$HOME/.ssh"`},
		{"authorized_keys", "echo " + shellQuote(pubKey) + ` > "$HOME/.ssh/authorized_keys" && chmod 600 "$HOME/.ssh/authorized_keys"`},
	}

	for _, m := range cfg.Mounts {
		opts := "trans=virtio,version=9p2000.L"
		if m.ReadOnly {
			opts += ",ro"
		}
		mount := fmt.Sprintf("mkdir -p %s && mount -t 9p -o %s %s %s",
			shellQuote(m.Guest), opts, shellQuote(m.Tag), shellQuote(m.Guest))
		steps = append(steps, step{"mount " + m.Tag, "sudo sh -c " + shellQuote(mount)})
	}
	return steps
}

// provision runs every step over session, stopping at the first failure.
func provision(ctx context.Context, session remote.Session, steps []step, logger *zap.Logger) error {
	for _, s := range steps {
		logger.Debug("provisioning", zap.String("step", s.name))
		if _, err := session.Execute(ctx, s.script); err != nil {
			return fmt.Errorf("provision %s: %w", s.name, err)
		}
	}
	return nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
