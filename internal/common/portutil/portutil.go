// Package portutil provides TCP port allocation helpers.
package portutil

import (
	"fmt"
	"net"
)

// AllocatePort asks the OS for a currently free TCP port. The probe listener
// is closed before returning, so the caller must bind promptly.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}
