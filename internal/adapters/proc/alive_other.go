//go:build !unix

package proc

import "os"

// Alive reports whether a process with pid exists on this host. Without a
// signal-0 probe the answer is conservative: a findable process counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
