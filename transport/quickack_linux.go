//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// setQuickAck best-effort enables TCP_QUICKACK, a Linux-only sockopt with
// no net package equivalent. Failure is silently ignored: it is a latency optimization,
// not a correctness requirement, and older kernels may not support it.
func setQuickAck(tc *net.TCPConn) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	})
}
