package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/agentloop/internal/domain"
)

func newInjectCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inject <session-id> <text...>",
		Short: "Queue extra context for the next iteration of a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.SessionID(args[0])
			if err := app.sessions.InjectContext(cmd.Context(), id, strings.Join(args[1:], " ")); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Queued context for session %s\n", id)
			return nil
		},
	}
}
