//go:build unix

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/agentloop/internal/domain"
)

// brokenPass puts a pass binary that always fails first on PATH, so the
// secret store falls back to files under the test home.
func brokenPass(t *testing.T) {
	t.Helper()

	bin := t.TempDir()
	script := "#!/bin/sh\necho \"Error: password store is empty.\" >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "pass"), []byte(script), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestSecretsSetCheckRm(t *testing.T) {
	home := t.TempDir()
	brokenPass(t)
	writeConfig(t, home, `[agent]
secret_env = ["ANTHROPIC_API_KEY=anthropic"]
`)

	stdout, _, err := executeCLI(t, home, "secrets", "check")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)
	assert.Empty(t, stdout)

	stdout, _, err = executeCLIWithInput(t, home, "sk-ant-test\n", "secrets", "set", "anthropic")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Stored secret anthropic")

	raw, err := os.ReadFile(filepath.Join(home, configDirName, "secrets", "anthropic"))
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", string(raw))

	stdout, _, err = executeCLI(t, home, "secrets", "check")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ANTHROPIC_API_KEY: ok")
	assert.NotContains(t, stdout, "sk-ant-test")

	stdout, _, err = executeCLI(t, home, "secrets", "rm", "anthropic")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Deleted secret anthropic")

	_, _, err = executeCLI(t, home, "secrets", "check")
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)
}

func TestSecretsSetRejectsEmptyValue(t *testing.T) {
	home := t.TempDir()
	brokenPass(t)

	_, _, err := executeCLIWithInput(t, home, "\n", "secrets", "set", "anthropic")
	assert.ErrorContains(t, err, "secret value is empty")
}

func TestSecretsCheckWithoutEntries(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, "secrets", "check")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No secrets configured")
}

func TestRunExportsSecretsToAgent(t *testing.T) {
	home := t.TempDir()
	brokenPass(t)
	writeConfig(t, home, `[agent]
command = "sh"
args = ["-c", "cat >/dev/null; test \"$ANTHROPIC_API_KEY\" = sk-ant-test && echo '<promise>COMPLETE</promise>'"]
resume_args = []
timeout = "1m"
secret_env = ["ANTHROPIC_API_KEY=anthropic"]

[loop]
max_iterations = 1

[workspace]
watch = false
`)

	_, _, err := executeCLIWithInput(t, home, "sk-ant-test", "secrets", "set", "anthropic")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, home, "run", "--dir", t.TempDir(), "use the key")
	require.NoError(t, err)
	assert.Contains(t, stdout, "completed (iterations=1")
}

func TestRunFailsWhenSecretMissing(t *testing.T) {
	home := t.TempDir()
	brokenPass(t)
	writeConfig(t, home, `[agent]
command = "sh"
args = ["-c", "cat >/dev/null; echo '<promise>COMPLETE</promise>'"]
secret_env = ["OPENAI_API_KEY=openai"]

[workspace]
watch = false
`)

	_, _, err := executeCLI(t, home, "run", "--dir", t.TempDir(), "task")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)
	assert.Equal(t, ExitInternal, ExitCode(err))
}
