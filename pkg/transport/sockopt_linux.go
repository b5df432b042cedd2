//go:build linux
// +build linux

package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// disableChecksumOffload sets SO_NO_CHECK on the outgoing UDP socket so the
// kernel never substitutes its own checksum for the application-level one
// NetTask carries in its header (spec.md §6).
func disableChecksumOffload(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_NO_CHECK, 1)
	})
	if err != nil {
		return err
	}
	if sockErr != nil && sockErr != syscall.ENOPROTOOPT {
		return sockErr
	}
	return nil
}
