package application

import (
	"fmt"
	"strings"

	"github.com/bnema/agentloop/internal/domain"
)

const summaryIterations = 5

type promptInput struct {
	Session    domain.Session
	Iteration  int
	Continuing bool
	Reset      bool
	Notes      []domain.ContextNote
	Marker     string
}

// buildPrompt renders the text sent to the agent for one iteration. A
// continued agent session only needs the nudge and new notes; a fresh one gets
// the full task plus a summary of earlier iterations.
func buildPrompt(in promptInput) string {
	var b strings.Builder

	if in.Continuing {
		fmt.Fprintf(&b, "Continue working on the task (iteration %d).\n", in.Iteration)
	} else {
		b.WriteString(strings.TrimSpace(in.Session.Prompt))
		b.WriteString("\n")
		if in.Iteration > 1 {
			writeSummary(&b, in.Session, in.Reset)
		}
	}

	if len(in.Notes) > 0 {
		b.WriteString("\nAdditional context from the operator:\n")
		for _, note := range in.Notes {
			fmt.Fprintf(&b, "- %s\n", note.Text)
		}
	}

	fmt.Fprintf(&b, "\nWhen the task is fully complete and verified, output %s on its own line. Do not output it before then.\n", in.Marker)

	return b.String()
}

func writeSummary(b *strings.Builder, session domain.Session, reset bool) {
	records := session.Iterations
	if len(records) == 0 {
		return
	}

	if reset {
		b.WriteString("\nYou are starting with a fresh context. Work already done in this directory persists.\n")
	}
	fmt.Fprintf(b, "\nPrevious iterations (%d so far):\n", len(records))

	start := 0
	if len(records) > summaryIterations {
		start = len(records) - summaryIterations
	}
	for _, record := range records[start:] {
		line := fmt.Sprintf("- iteration %d on %s: %s", record.Iteration, record.Model, record.Outcome)
		if record.FilesChanged != nil {
			line += fmt.Sprintf(", %d file changes", *record.FilesChanged)
		}
		if record.ErrorSignature != "" {
			line += fmt.Sprintf(", error %s", record.ErrorSignature)
		}
		b.WriteString(line + "\n")
	}
}
