package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/hupe1980/loanmesh"
	"github.com/hupe1980/loanmesh/core"
)

var (
	headerColor  = color.New(color.Bold)
	promptColor  = color.New(color.FgYellow, color.Bold)
	faintColor   = color.New(color.Faint)
	missingColor = color.New(color.FgRed)
)

// ConsoleHuman prints questions of suspended sessions to a terminal. The
// answer is read by the command that owns the terminal.
type ConsoleHuman struct {
	mu  sync.Mutex
	out io.Writer
}

var _ core.HumanChannel = (*ConsoleHuman)(nil)

// NewConsoleHuman returns a channel writing to out.
func NewConsoleHuman(out io.Writer) *ConsoleHuman { return &ConsoleHuman{out: out} }

// Prompt implements core.HumanChannel.
func (h *ConsoleHuman) Prompt(ctx context.Context, sessionID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := promptColor.Fprintf(h.out, "\n? [%s] %s\n", sessionID, text)
	return err
}

func outcomeColor(o core.Outcome) *color.Color {
	switch o {
	case core.OutcomeApprove:
		return color.New(color.FgHiGreen, color.Bold)
	case core.OutcomeDecline:
		return color.New(color.FgRed, color.Bold)
	}
	return color.New(color.FgYellow, color.Bold)
}

func printReport(w io.Writer, r core.Report) {
	headerColor.Fprintf(w, "Session %s (%s)\n", r.SessionID, r.ApplicantRef)
	fmt.Fprintf(w, "  Outcome:    %s\n", outcomeColor(r.Outcome).Sprint(r.Outcome))
	fmt.Fprintf(w, "  Risk score: %.0f/100\n", r.RiskScore)
	if r.ScoringFailed {
		fmt.Fprintf(w, "  %s\n", missingColor.Sprint("Scoring failed; referred for manual review"))
	}
	fmt.Fprintf(w, "  Rationale:  %s\n", r.Rationale)
	if len(r.Conditions) > 0 {
		fmt.Fprintln(w, "  Conditions:")
		for _, c := range r.Conditions {
			fmt.Fprintf(w, "    - %s\n", c)
		}
	}
	if len(r.Unavailable) > 0 {
		fmt.Fprintf(w, "  Unavailable: %s\n", missingColor.Sprint(strings.Join(r.Unavailable, ", ")))
	}
	faintColor.Fprintf(w, "  %d evidence item(s), decided %s\n", len(r.EvidenceSnapshot.Items), r.CreatedAt.Format("2006-01-02 15:04:05Z07:00"))
}

func printStatus(w io.Writer, st loanmesh.Status) {
	headerColor.Fprintf(w, "Session %s (%s)\n", st.SessionID, st.ApplicantRef)
	fmt.Fprintf(w, "  State:       %s\n", st.State)
	if st.Outcome != "" {
		fmt.Fprintf(w, "  Outcome:     %s\n", outcomeColor(st.Outcome).Sprint(st.Outcome))
	}
	if st.PendingHumanInput != "" {
		fmt.Fprintf(w, "  Question:    %s\n", promptColor.Sprint(st.PendingHumanInput))
	}
	fmt.Fprintf(w, "  Sources:     %s\n", strings.Join(st.Sources, ", "))
	if len(st.Unavailable) > 0 {
		fmt.Fprintf(w, "  Unavailable: %s\n", missingColor.Sprint(strings.Join(st.Unavailable, ", ")))
	}
	for _, n := range st.Notes {
		faintColor.Fprintf(w, "  note %s %s: %s\n", n.At.Format("2006-01-02 15:04"), orDefault(n.Author, "anonymous"), n.Text)
	}
}

// parseAnswer turns a console line into human input: "retry" asks the
// engine to gather again, anything else is an answer.
func parseAnswer(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if strings.EqualFold(line, "retry") || strings.EqualFold(line, "/retry") {
		return "", true
	}
	return line, false
}
