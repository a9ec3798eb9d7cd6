//go:build linux

package device

import "golang.org/x/sys/unix"

// lockMemory pins a weight arena's pages so the OS cannot swap them out
// mid-inference. Best effort: RLIMIT_MEMLOCK may be too small for a large
// model, and an unprivileged failure just leaves the pages swappable.
func lockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Mlock(b)
}
