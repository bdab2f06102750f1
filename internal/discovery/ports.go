package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

const maxPort = 65535

var ErrNoFreePort = errors.New("no free port available")

// ListenNearest binds the first free TCP port on host at or above base.
// The returned listener is already bound, so the port cannot be taken
// between the search and the server starting.
func ListenNearest(host string, base int) (net.Listener, error) {
	if base < 0 || base > maxPort {
		return nil, fmt.Errorf("base port %d out of range", base)
	}
	for port := base; port <= maxPort; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("%w at or above %d", ErrNoFreePort, base)
}

// FindNearestPort returns the first free port on host at or above base.
func FindNearestPort(host string, base int) (int, error) {
	ln, err := ListenNearest(host, base)
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
