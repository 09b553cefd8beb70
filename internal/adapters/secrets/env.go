// Package secrets resolves the agent's credential environment from a
// SecretStore.
package secrets

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/bnema/agentloop/internal/ports"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ResolveEnv maps environment variable names to secret keys and returns the
// variables with their secret values. Names are resolved in sorted order so
// the first failure is stable.
func ResolveEnv(ctx context.Context, store ports.SecretStore, refs map[string]string) (map[string]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	slices.Sort(names)

	env := make(map[string]string, len(refs))
	for _, name := range names {
		if !envNamePattern.MatchString(name) {
			return nil, fmt.Errorf("invalid environment variable name %q", name)
		}
		key := strings.TrimSpace(refs[name])
		if key == "" {
			return nil, fmt.Errorf("secret key for %s is empty", name)
		}

		value, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		env[name] = value
	}

	return env, nil
}
