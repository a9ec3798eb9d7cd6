//go:build !linux

package transport

import "net"

// setQuickAck is a no-op on platforms without TCP_QUICKACK.
func setQuickAck(tc *net.TCPConn) {}
