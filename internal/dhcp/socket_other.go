//go:build !unix

package dhcp

import "syscall"

func controlSocket(network, address string, c syscall.RawConn) error {
	return nil
}
