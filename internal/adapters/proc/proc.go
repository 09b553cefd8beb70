package proc

import (
	"os"
	"strings"
	"sync"

	"github.com/bnema/agentloop/internal/ports"
)

var (
	hostOnce sync.Once
	hostName string
)

// Hostname returns the local host name, or "unknown" when it cannot be read.
func Hostname() string {
	hostOnce.Do(func() {
		name, err := os.Hostname()
		name = strings.TrimSpace(name)
		if err != nil || name == "" {
			name = "unknown"
		}
		hostName = name
	})
	return hostName
}

// Holder identifies the process holding a lock, lease or session.
type Holder struct {
	PID  int
	Host string
}

func Self() Holder {
	return Holder{PID: os.Getpid(), Host: Hostname()}
}

// Local reports whether the holder runs on this host.
func (h Holder) Local() bool {
	return h.Host == "" || h.Host == Hostname()
}

// Dead reports whether the holder is known to have exited. Holders on other
// hosts are never reported dead because there is no way to probe them.
func (h Holder) Dead() bool {
	if h.PID <= 0 || !h.Local() {
		return false
	}
	return !Alive(h.PID)
}

// Probe exposes process liveness to the application layer.
type Probe struct{}

var _ ports.ProcessProbe = Probe{}

func (Probe) Self() ports.ProcessIdentity {
	self := Self()
	return ports.ProcessIdentity{PID: self.PID, Host: self.Host}
}

func (Probe) Local(id ports.ProcessIdentity) bool {
	return Holder{PID: id.PID, Host: id.Host}.Local()
}

func (Probe) Dead(id ports.ProcessIdentity) bool {
	return Holder{PID: id.PID, Host: id.Host}.Dead()
}
