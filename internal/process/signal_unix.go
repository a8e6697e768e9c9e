//go:build !windows

package process

import "syscall"

// killProcess sends a signal to a Unix process (negative pid targets the group).
func killProcess(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// processExists reports whether a process with the given pid exists.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
