package runtime

import (
	"fmt"
	"math/rand"
	"net"
)

const (
	// PortRangeStart is the low end of the host SSH port range
	PortRangeStart = 30000
	// PortRangeEnd is the high end of the host SSH port range
	PortRangeEnd = 60000
)

// FindFreePort finds a TCP port in [start, end] that is currently free
// for host binding. Ports are probed in random order to reduce
// contention under concurrent allocators. The probe binds and releases
// the port, so the daemon can still lose the race; CreateSandbox
// retries on that conflict.
func FindFreePort(start, end int) (int, error) {
	ports := rand.Perm(end - start + 1)
	for _, off := range ports {
		port := start + off
		l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port found in range %d-%d", start, end)
}
