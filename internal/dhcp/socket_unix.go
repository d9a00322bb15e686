//go:build unix

package dhcp

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket sets SO_REUSEADDR and SO_BROADCAST before bind.
func controlSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			sockErr = fmt.Errorf("setting SO_REUSEADDR: %w", sockErr)
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); sockErr != nil {
			sockErr = fmt.Errorf("setting SO_BROADCAST: %w", sockErr)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
