//go:build !linux

package localexec

import "os/exec"

// configureChildProc is a no-op: parent-death signals are Linux only.
func configureChildProc(cmd *exec.Cmd) {}
