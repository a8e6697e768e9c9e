//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// Windows creation flags
const CREATE_NEW_PROCESS_GROUP = 0x00000200

// configureSysProcAttr creates a new process group for signal handling.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: CREATE_NEW_PROCESS_GROUP}
}

// signalGroup terminates the child's process group. Windows has no group
// signaling, so this degrades to terminating the root process.
func signalGroup(pid int, sig syscall.Signal) error {
	return killProcess(pid, sig)
}
