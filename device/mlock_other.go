//go:build !linux

package device

// lockMemory is a no-op where mlock(2) is not portably reachable.
func lockMemory(b []byte) {}
