//go:build !unix && !windows

package transport

import "syscall"

// enableBroadcast is a no-op on platforms without SO_BROADCAST.
func enableBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
