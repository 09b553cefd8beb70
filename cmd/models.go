package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/agentloop/internal/domain"
)

func newModelsCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage the model tier configuration",
	}

	cmd.AddCommand(newModelsInitCmd(app))

	return cmd
}

func newModelsInitCmd(app *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default tier configuration to models.toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if app.tiers.Exists() && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", app.tiers.Path())
			}
			if err := app.tiers.Save(context.WithoutCancel(cmd.Context()), domain.DefaultTierConfig()); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", app.tiers.Path())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing models.toml")

	return cmd
}
