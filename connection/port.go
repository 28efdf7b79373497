package connection

import (
	"fmt"
	"net"
)

// GetFreePort asks the kernel for a free open port that is ready to use.
// It binds TCP port 0 on the given host (defaulting to "127.0.0.1"), reads
// back the assigned port and closes the listener. The instance manager uses
// it to pick the host side of the container port mapping when the caller
// left Port at 0.
func GetFreePort(host string) (int, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve tcp address: %w", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on tcp port 0: %w", err)
	}
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	if port == 0 {
		return 0, fmt.Errorf("kernel assigned port 0 unexpectedly")
	}

	return port, nil
}
