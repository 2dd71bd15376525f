//go:build linux

package localexec

import (
	"os/exec"
	"syscall"
)

// configureChildProc asks the kernel to send SIGHUP to the child when the
// daemon dies, so a crashed daemon leaves no running task behind.
func configureChildProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGHUP}
}
