//go:build unix

package e2e

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmokeFlow(t *testing.T) {
	home := t.TempDir()
	workDir := t.TempDir()
	binaryPath := buildBinary(t)
	require.NoError(t, writeConfigFixture(home, `cat >/dev/null; echo working`))

	stdout, stderr, code := runAgentloop(t, binaryPath, home, "run", "--dir", workDir, "--max-iterations", "1", "write a haiku")
	require.Equal(t, 2, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "max_iterations (iterations=1")
	id := onlySessionID(t, home)

	_, stderr, code = runAgentloop(t, binaryPath, home, "inject", id, "make it rhyme")
	require.Zero(t, code, "stderr: %s", stderr)

	require.NoError(t, writeConfigFixture(home, `grep -q rhyme && echo '<promise>COMPLETE</promise>'`))
	stdout, stderr, code = runAgentloop(t, binaryPath, home, "resume", id, "--max-iterations", "5")
	require.Zero(t, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "completed (iterations=2")

	_, _, code = runAgentloop(t, binaryPath, home, "resume", id)
	assert.Equal(t, 64, code)

	stdout, stderr, code = runAgentloop(t, binaryPath, home, "cleanup", "--days", "0")
	require.Zero(t, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "1 sessions deleted")
}

func buildBinary(t *testing.T) string {
	t.Helper()

	binaryPath := filepath.Join(t.TempDir(), "agentloop-e2e")
	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/agentloop")
	cmd.Dir = repoRoot(t)

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "build agentloop binary: %s", string(output))
	return binaryPath
}

func runAgentloop(t *testing.T, binaryPath, home string, args ...string) (string, string, int) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(os.Environ(), "HOME="+home)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		require.NoError(t, err)
	}
	return stdout.String(), stderr.String(), cmd.ProcessState.ExitCode()
}

func repoRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err)
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}

func onlySessionID(t *testing.T, home string) string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(home, ".agentloop", "sessions", "*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	return strings.TrimSuffix(filepath.Base(matches[0]), ".json")
}

func writeConfigFixture(home, script string) error {
	configDir := filepath.Join(home, ".agentloop")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}

	config := fmt.Sprintf(`[agent]
command = "sh"
args = ["-c", %q]
timeout = "1m"

[workspace]
watch = false
`, script)

	return os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(config), 0o644)
}
