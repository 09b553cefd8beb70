//go:build unix

package proc

import (
	"errors"
	"syscall"
)

// Alive reports whether a process with pid exists on this host.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
