//go:build !linux

package platform

import "syscall"

// MarkProtector is a no-op on platforms without SO_MARK.
func MarkProtector(mark uint32) SocketProtector {
	return func(network, address string, c syscall.RawConn) error { return nil }
}
