package proc

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/agentloop/internal/ports"
)

func TestAliveReportsCurrentProcess(t *testing.T) {
	t.Parallel()

	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestAliveReportsExitedProcess(t *testing.T) {
	t.Parallel()

	cmd := exec.Command(os.Args[0], "-test.run=^$")
	require.NoError(t, cmd.Run())

	assert.False(t, Alive(cmd.Process.Pid))
}

func TestHolderDeadOnlyForLocalExitedProcesses(t *testing.T) {
	t.Parallel()

	assert.False(t, Self().Dead())
	assert.False(t, Holder{PID: 999999, Host: "some-other-host.invalid"}.Dead())
	assert.True(t, Self().Local())
}

func TestProbeMatchesHolder(t *testing.T) {
	t.Parallel()

	probe := Probe{}
	self := probe.Self()
	assert.Equal(t, os.Getpid(), self.PID)
	assert.True(t, probe.Local(self))
	assert.False(t, probe.Dead(self))
	assert.False(t, probe.Local(ports.ProcessIdentity{PID: 1, Host: "elsewhere.invalid"}))
}
