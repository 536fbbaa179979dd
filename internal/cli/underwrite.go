package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/underwriter"
)

func newUnderwriteCmd(ro *rootOptions) *cobra.Command {
	var (
		app         core.Application
		interactive bool
		author      string
	)

	cmd := &cobra.Command{
		Use:   "underwrite",
		Short: "Underwrite one loan application",
		Long: `Runs both agents in-process (or against NATS when configured), starts a
session for the application and prints the final report.

With --interactive, questions about missing information are answered on
stdin. Type "retry" to gather unavailable sources again.

Examples:
  loanmesh underwrite --applicant-ref A-100 --business-name "Acme Bakery" --amount 250000 --years 6
  loanmesh underwrite --applicant-ref A-100 --amount 2000000 --interactive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runUnderwrite(ctx, ro, app, interactive, author, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&app.ApplicantRef, "applicant-ref", "", "applicant reference (required)")
	f.StringVar(&app.ApplicantName, "applicant-name", "", "applicant name")
	f.StringVar(&app.BusinessName, "business-name", "", "business name, used for the web search")
	f.StringVar(&app.BusinessType, "business-type", "", "business type")
	f.Float64Var(&app.LoanAmount, "amount", 0, "requested loan amount")
	f.StringVar(&app.LoanPurpose, "purpose", "", "loan purpose")
	f.Float64Var(&app.YearsInBusiness, "years", 0, "years in business")
	f.StringVar(&app.AdditionalInfo, "info", "", "additional information")
	f.BoolVar(&interactive, "interactive", false, "answer questions about missing information on stdin")
	f.StringVar(&author, "author", "", "author recorded with answers")
	_ = cmd.MarkFlagRequired("applicant-ref")

	return cmd
}

func runUnderwrite(ctx context.Context, ro *rootOptions, app core.Application, interactive bool, author string, in io.Reader, out, errOut io.Writer) error {
	logger, err := buildLogger(ro.cfg.Log, errOut)
	if err != nil {
		return err
	}

	mc := meshConfig{hostUnderwriter: true, hostDataFetcher: true}
	if interactive {
		mc.human = NewConsoleHuman(out)
	}
	mesh, closer, err := buildMesh(ctx, ro.cfg, logger, mc)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer mesh.Close()

	if err := mesh.Start(ctx); err != nil {
		return err
	}

	id, err := mesh.Underwrite(ctx, app)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s started\n", id)

	lines := bufio.NewScanner(in)
	for {
		report, st, err := mesh.AwaitReport(ctx, id, core.StateAwaitingHuman)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				_ = mesh.Cancel(context.WithoutCancel(ctx), id, "interrupted")
			}
			return err
		}
		if st.State == core.StateDone {
			printReport(out, report)
			return nil
		}

		fmt.Fprint(out, "> ")
		if !lines.Scan() {
			return fmt.Errorf("session %s awaits input but stdin is closed", id)
		}
		answer, retry := parseAnswer(lines.Text())
		err = mesh.ProvideInput(ctx, id, underwriter.HumanInput{Answer: answer, Retry: retry, Author: author})
		if core.HasCode(err, core.CodeValidation) {
			fmt.Fprintln(errOut, "an answer or \"retry\" is required")
			continue
		}
		if err != nil {
			return err
		}
	}
}
