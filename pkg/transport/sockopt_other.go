//go:build !linux
// +build !linux

package transport

import "net"

// disableChecksumOffload is a no-op outside Linux: SO_NO_CHECK is a
// Linux-only sockopt, and other platforms do not offer an equivalent way
// to suppress the kernel UDP checksum in favor of the application one.
func disableChecksumOffload(conn *net.UDPConn) error {
	return nil
}
