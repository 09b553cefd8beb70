package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bnema/agentloop/internal/application"
	"github.com/bnema/agentloop/internal/domain"
)

func newRunCmd(app *app) *cobra.Command {
	var (
		flags      loopFlags
		promptFile string
		dir        string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] <prompt...>",
		Short: "Start a session and loop the agent until the task is complete",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && promptFile == "" {
				return errors.New("run requires a prompt argument or --prompt-file")
			}
			if len(args) > 0 && promptFile != "" {
				return errors.New("pass the prompt as arguments or with --prompt-file, not both")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd.InOrStdin(), args, promptFile)
			if err != nil {
				return err
			}

			workingDir, err := resolveWorkingDir(dir)
			if err != nil {
				return err
			}

			config := loopConfigFrom(app.cfg)
			flags.apply(cmd, &config)

			loop, err := app.newLoop(cmd.Context(), config)
			if err != nil {
				return err
			}

			result, err := loop.Start(cmd.Context(), workingDir, prompt)
			return reportRun(cmd, result, err)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "Read the task prompt from a file ('-' reads stdin)")
	cmd.Flags().StringVarP(&dir, "dir", "C", "", "Working directory for the agent (default: current directory)")

	return cmd
}

func readPrompt(stdin io.Reader, args []string, promptFile string) (string, error) {
	var prompt string
	switch {
	case promptFile == "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		prompt = string(raw)
	case promptFile != "":
		raw, err := os.ReadFile(promptFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		prompt = string(raw)
	default:
		prompt = strings.Join(args, " ")
	}

	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt is empty")
	}
	return prompt, nil
}

func resolveWorkingDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", abs)
	}
	return filepath.Clean(abs), nil
}

// reportRun prints the session summary and turns the outcome into the
// command's error.
func reportRun(cmd *cobra.Command, result application.RunResult, err error) error {
	session := result.Session
	if session.ID != "" {
		line := fmt.Sprintf("session %s: %s (iterations=%d cost=$%.4f)", session.ID, session.Status, session.Iteration, session.TotalCost)
		if result.Reason != "" {
			line += " reason=" + result.Reason
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
	}

	if err != nil {
		if errors.Is(err, domain.ErrInterrupted) && session.ID != "" {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "interrupted; continue with: agentloop resume %s\n", session.ID)
		}
		return err
	}
	return resultError(result)
}
