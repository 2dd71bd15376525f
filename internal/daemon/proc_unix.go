//go:build unix

package daemon

import (
	"errors"
	"syscall"
)

// processAlive reports whether pid exists on this host.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
