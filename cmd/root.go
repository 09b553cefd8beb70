package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Execute() error {
	return ExecuteContext(context.Background())
}

func ExecuteContext(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithApp(newApp(viper.New()))
}

func newRootCmdWithApp(app *app) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "agentloop",
		Short:         "Run a coding agent in a loop until the task is complete",
		Long:          "agentloop drives an external coding agent through repeated iterations, sharing rate-limited model capacity with every other agentloop process on the machine, until the agent signals completion or a budget, iteration or rate-limit ceiling stops it.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(app.cfg, configFile); err != nil {
				return err
			}
			return app.wire(cmd.ErrOrStderr())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default ~/.agentloop/config.toml)")
	flags.String("state-dir", "", "Directory holding session and model state (default ~/.agentloop)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")
	_ = app.cfg.BindPFlag(keyStateDir, flags.Lookup("state-dir"))
	_ = app.cfg.BindPFlag(keyLogLevel, flags.Lookup("log-level"))
	_ = app.cfg.BindPFlag(keyLogFormat, flags.Lookup("log-format"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(app),
		newResumeCmd(app),
		newInjectCmd(app),
		newCleanupCmd(app),
		newModelsCmd(app),
		newSecretsCmd(app),
	)

	return rootCmd
}
