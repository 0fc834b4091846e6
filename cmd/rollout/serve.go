package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"vinr.eu/rollout/internal/logger"
	"vinr.eu/rollout/internal/metrics"
	"vinr.eu/rollout/internal/pipeline"
	"vinr.eu/rollout/internal/server"
	"vinr.eu/rollout/internal/version"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var historySize int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run pipelines on GitHub push webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			v := version.Get()
			logger.Info(ctx, "starting rollout server", "version", v.Version, "commit", v.GitCommit)

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			history := server.NewHistory(historySize)
			a, err := newApp(ctx, root,
				pipeline.WithObserver(history),
				pipeline.WithObserver(metrics.NewPipeline(reg)),
			)
			if err != nil {
				return err
			}
			if !root.Debug {
				gin.SetMode(gin.ReleaseMode)
			}
			srv := server.New(ctx, a.runner, a.store, history, reg, []byte(a.cfg.WebhookSecret.Reveal()))
			return srv.Serve(ctx, a.cfg.ListenAddr, a.cfg.TLSDomains)
		},
	}
	cmd.Flags().IntVar(&historySize, "history", 100, "number of runs kept for GET /runs")
	return cmd
}
