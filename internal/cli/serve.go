package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hupe1980/loanmesh/datafetcher"
	"github.com/hupe1980/loanmesh/logging"
	"github.com/hupe1980/loanmesh/underwriter"
)

func newServeCmd(ro *rootOptions) *cobra.Command {
	var agents []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve agents until interrupted",
		Long: `Serves the selected agents on the configured transport and exposes
Prometheus metrics. Suspended sessions found in the session store are
resumed on start.

Examples:
  LOANMESH_TRANSPORT_KIND=nats loanmesh serve
  LOANMESH_TRANSPORT_KIND=nats loanmesh serve --agents datafetcher`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hostUW, hostDF, err := selectAgents(agents)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, err := buildLogger(ro.cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if ro.cfg.Transport.Kind != "nats" {
				logger.Warn("serve.transport.in_process", "hint", "set transport.kind=nats to reach the agents from other processes")
			}

			mesh, closer, err := buildMesh(ctx, ro.cfg, logger, meshConfig{
				hostUnderwriter: hostUW,
				hostDataFetcher: hostDF,
				clientName:      fmt.Sprintf("%s-serve", ro.cfg.Transport.NATS.Name),
			})
			if err != nil {
				return err
			}
			defer closer.Close()
			defer mesh.Close()

			if err := mesh.Start(ctx); err != nil {
				return err
			}
			logger.Info("serve.started", "underwriter", hostUW, "datafetcher", hostDF, "transport", ro.cfg.Transport.Kind)

			srv := startMetrics(ro.cfg.Metrics.Addr, logger)

			<-ctx.Done()
			logger.Info("serve.shutdown")

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("serve.metrics.shutdown_failed", "error", err.Error())
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&agents, "agents", []string{underwriter.Name, datafetcher.Name}, "agents to host")
	return cmd
}

func selectAgents(agents []string) (bool, bool, error) {
	var uw, df bool
	for _, a := range agents {
		switch strings.ToLower(strings.TrimSpace(a)) {
		case underwriter.Name:
			uw = true
		case datafetcher.Name:
			df = true
		default:
			return false, false, fmt.Errorf("unknown agent %q (want %s or %s)", a, underwriter.Name, datafetcher.Name)
		}
	}
	if !uw && !df {
		return false, false, fmt.Errorf("no agent selected")
	}
	return uw, df, nil
}

func startMetrics(addr string, logger logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serve.metrics.listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve.metrics.failed", "error", err.Error())
		}
	}()
	return srv
}
