//go:build linux

package platform

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// MarkProtector returns a protector that stamps sockets with the given
// fwmark. The interface manager installs a policy rule routing marked
// traffic through the real NIC, so marked sockets never loop into the
// tunnel.
func MarkProtector(mark uint32) SocketProtector {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
