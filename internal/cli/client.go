package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/loanmesh"
	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/underwriter"
)

// withClient runs fn against a client-only mesh on the configured NATS
// transport.
func withClient(cmd *cobra.Command, ro *rootOptions, fn func(ctx context.Context, m *loanmesh.Mesh) error) error {
	if ro.cfg.Transport.Kind != "nats" {
		return fmt.Errorf("%s talks to a running mesh and needs transport.kind=nats", cmd.Name())
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), ro.cfg.Router.DefaultTimeout+5*time.Second)
	defer cancel()

	logger, err := buildLogger(ro.cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	mesh, closer, err := buildMesh(ctx, ro.cfg, logger, meshConfig{clientName: "loanmesh-cli-" + core.NewID()[:8]})
	if err != nil {
		return err
	}
	defer closer.Close()
	defer mesh.Close()

	if err := mesh.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, mesh)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(ro *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the state of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, ro, func(ctx context.Context, m *loanmesh.Mesh) error {
				st, err := m.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newReportCmd(ro *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Print the final report of a finished session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, ro, func(ctx context.Context, m *loanmesh.Mesh) error {
				r, err := m.Report(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), r)
				}
				printReport(cmd.OutOrStdout(), r)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newReportsCmd(ro *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List finished reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, ro, func(ctx context.Context, m *loanmesh.Mesh) error {
				reports, err := m.Reports(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, r := range reports {
					fmt.Fprintf(out, "%s  %-12s %s  risk %3.0f  %s\n",
						r.CreatedAt.Format("2006-01-02 15:04"), r.ApplicantRef,
						outcomeColor(r.Outcome).Sprintf("%-7s", r.Outcome), r.RiskScore, r.SessionID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reports (0 for all)")
	return cmd
}

func newAnswerCmd(ro *rootOptions) *cobra.Command {
	var (
		retry  bool
		author string
	)
	cmd := &cobra.Command{
		Use:   "answer <session-id> [answer]",
		Short: "Answer the pending question of a suspended session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := underwriter.HumanInput{Retry: retry, Author: author}
			if len(args) == 2 {
				in.Answer = args[1]
			}
			return withClient(cmd, ro, func(ctx context.Context, m *loanmesh.Mesh) error {
				if err := m.ProvideInput(ctx, args[0], in); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s resumed\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", false, "gather unavailable sources again")
	cmd.Flags().StringVar(&author, "author", "", "author recorded with the answer")
	return cmd
}

func newCancelCmd(ro *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, ro, func(ctx context.Context, m *loanmesh.Mesh) error {
				if err := m.Cancel(ctx, args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s cancelled\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the cancellation")
	return cmd
}
