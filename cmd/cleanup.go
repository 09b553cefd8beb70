package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/agentloop/internal/application"
	"github.com/bnema/agentloop/internal/domain"
)

func newCleanupCmd(app *app) *cobra.Command {
	var (
		days     int
		keepLast int
		statuses []string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old session documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 0 {
				return fmt.Errorf("--days must be >= 0")
			}

			policy := application.RetentionPolicy{
				OlderThan: time.Duration(days) * 24 * time.Hour,
				KeepLast:  keepLast,
				DryRun:    dryRun,
			}
			for _, status := range statuses {
				policy.Statuses = append(policy.Statuses, domain.SessionStatus(status))
			}

			report, err := app.retention.Apply(cmd.Context(), policy)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			deleted := make(map[domain.SessionID]bool, len(report.Deleted))
			for _, id := range report.Deleted {
				deleted[id] = true
			}
			for _, candidate := range report.Candidates {
				if !dryRun && !deleted[candidate.Session.ID] {
					continue
				}
				_, _ = fmt.Fprintf(out, "%s %s (%s, %s old)\n", verb, candidate.Session.ID, candidate.Session.Status, formatAge(candidate.Age))
			}
			for _, id := range report.Skipped {
				_, _ = fmt.Fprintf(out, "skipped %s\n", id)
			}

			if dryRun {
				_, _ = fmt.Fprintf(out, "%d sessions would be deleted\n", len(report.Candidates))
				return nil
			}
			_, _ = fmt.Fprintf(out, "%d sessions deleted, %d skipped\n", len(report.Deleted), len(report.Skipped))
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Delete sessions not updated for this many days")
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "Always keep the N most recently updated sessions")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only delete sessions with these statuses")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List what would be deleted without deleting")

	return cmd
}

func formatAge(age time.Duration) string {
	if age >= 24*time.Hour {
		return fmt.Sprintf("%dd", int(age/(24*time.Hour)))
	}
	return age.Truncate(time.Minute).String()
}
