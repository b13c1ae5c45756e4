package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucasew/coachsync"
	"github.com/lucasew/coachsync/internal/app"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Runs the background loops and serves media, health and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		opts, err := clientOptions(ctx)
		if err != nil {
			return err
		}
		opts.Registerer = reg
		opts.EvictionInterval = viper.GetDuration("eviction-interval")
		opts.SweepInterval = viper.GetDuration("sweep-interval")
		opts.SampleInterval = viper.GetDuration("sample-interval")
		opts.StrategyTTL = viper.GetDuration("strategy-ttl")
		opts.Queue.Interval = viper.GetDuration("dispatch-interval")
		opts.Queue.BatchPause = viper.GetDuration("batch-pause")

		c, err := coachsync.Open(ctx, opts)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Close(); err != nil {
				slog.Error("Failed to close client", "error", err)
			}
		}()

		cfg := app.Config{Port: viper.GetInt("port")}
		if viper.GetBool("metrics") {
			cfg.Gatherer = reg
		}
		server, cleanup, err := app.NewServer(c, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("Agent shutdown failed", "error", err)
			}
		}()

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		slog.Info("Agent stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().Int("port", 8080, "Port to run the agent on")
	agentCmd.Flags().Bool("metrics", true, "Serve Prometheus metrics on /metrics")
	agentCmd.Flags().Duration("eviction-interval", 5*time.Minute, "Interval to check for evictions")
	agentCmd.Flags().Duration("sweep-interval", time.Hour, "Interval to sweep expired cache entries")
	agentCmd.Flags().Duration("sample-interval", 15*time.Second, "Interval to sample network and power conditions")
	agentCmd.Flags().Duration("strategy-ttl", 30*time.Second, "How long a computed strategy is reused")
	agentCmd.Flags().Duration("dispatch-interval", 30*time.Second, "Interval between dispatch cycles")
	agentCmd.Flags().Duration("batch-pause", 500*time.Millisecond, "Pause between dispatch batches, negative to disable")

	mustBindPFlag("port", agentCmd.Flags().Lookup("port"))
	mustBindPFlag("metrics", agentCmd.Flags().Lookup("metrics"))
	mustBindPFlag("eviction-interval", agentCmd.Flags().Lookup("eviction-interval"))
	mustBindPFlag("sweep-interval", agentCmd.Flags().Lookup("sweep-interval"))
	mustBindPFlag("sample-interval", agentCmd.Flags().Lookup("sample-interval"))
	mustBindPFlag("strategy-ttl", agentCmd.Flags().Lookup("strategy-ttl"))
	mustBindPFlag("dispatch-interval", agentCmd.Flags().Lookup("dispatch-interval"))
	mustBindPFlag("batch-pause", agentCmd.Flags().Lookup("batch-pause"))
}
