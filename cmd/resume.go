package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bnema/agentloop/internal/domain"
)

func newResumeCmd(app *app) *cobra.Command {
	var flags loopFlags

	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue a session that was interrupted or stopped without completing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config := loopConfigFrom(app.cfg)
			flags.apply(cmd, &config)

			loop, err := app.newLoop(cmd.Context(), config)
			if err != nil {
				return err
			}

			result, err := loop.Resume(cmd.Context(), domain.SessionID(args[0]))
			return reportRun(cmd, result, err)
		},
	}

	flags.register(cmd)

	return cmd
}
