// Package netutil finds free TCP ports for host-side port forwards.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoFreePort is returned when every port in the range is taken.
var ErrNoFreePort = errors.New("netutil: no free port in range")

// FreePort returns the first port in [min, max] that can be bound on host.
// Ports that fail to bind are skipped. The listener is closed before
// returning, so the caller races other processes for the port; QEMU will
// fail loudly if it loses.
func FreePort(host string, min, max int) (int, error) {
	if min < 1 || max > 65535 || min > max {
		return 0, fmt.Errorf("netutil: invalid port range %d-%d", min, max)
	}

	for port := min; port <= max; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w %d-%d on %s", ErrNoFreePort, min, max, host)
}
