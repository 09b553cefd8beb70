package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

func newSecretsCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage credentials passed to the agent environment",
		Long:  "Secrets are read from pass when it is installed and from files under secrets.dir otherwise. List them in agent.secret_env as NAME=key to export them to every agent invocation.",
	}

	cmd.AddCommand(
		newSecretsSetCmd(app),
		newSecretsRmCmd(app),
		newSecretsCheckCmd(app),
	)

	return cmd
}

func newSecretsSetCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read secret from stdin: %w", err)
			}
			value := strings.TrimRight(string(data), "\r\n")
			if value == "" {
				return errors.New("secret value is empty")
			}

			if err := app.secretStore.Put(context.WithoutCancel(cmd.Context()), args[0], value); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stored secret %s\n", args[0])
			return nil
		},
	}
}

func newSecretsRmCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Delete a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.secretStore.Delete(context.WithoutCancel(cmd.Context()), args[0]); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret %s\n", args[0])
			return nil
		},
	}
}

func newSecretsCheckCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify every agent.secret_env entry resolves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := app.agentEnv(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(env) == 0 {
				_, _ = fmt.Fprintf(out, "No secrets configured in %s\n", keyAgentSecretEnv)
				return nil
			}

			names := make([]string, 0, len(env))
			for name := range env {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				_, _ = fmt.Fprintf(out, "%s: ok\n", name)
			}
			return nil
		},
	}
}
