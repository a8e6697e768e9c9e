//go:build windows

package process

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE         = 0x0001
	PROCESS_QUERY_INFORMATION = 0x0400
)

// killProcess terminates a Windows process by PID. There is no SIGTERM
// equivalent, so any signal other than 0 means terminate.
func killProcess(pid int, sig syscall.Signal) error {
	if pid < 0 {
		pid = -pid
	}
	if pid == 0 {
		return nil
	}
	if sig == 0 {
		if processExists(pid) {
			return nil
		}
		return syscall.ESRCH
	}
	handle, _, err := procOpenProcess.Call(uintptr(PROCESS_TERMINATE), 0, uintptr(uint32(pid)))
	if handle == 0 {
		// Process already gone; treat as terminated.
		_ = err
		return nil
	}
	defer func() { _, _, _ = procCloseHandle.Call(handle) }()
	ret, _, err := procTerminateProcess.Call(handle, uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

// processExists reports whether a process with the given pid exists.
func processExists(pid int) bool {
	handle, _, _ := procOpenProcess.Call(uintptr(PROCESS_QUERY_INFORMATION), 0, uintptr(uint32(pid)))
	if handle == 0 {
		return false
	}
	_, _, _ = procCloseHandle.Call(handle)
	return true
}
