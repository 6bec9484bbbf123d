package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Travis-Britz/cfddns"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Update all targets now and again on every interval until interrupted",
	Args:  cobra.NoArgs,
	RunE:  execute,
}

func execute(cmd *cobra.Command, _ []string) error {
	cfg, logCloser, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer a.Close()

	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		metricsServer = newMetricsServer(cfg.Metrics.Listen, a.registry)
		go func() {
			log.Infof("running metrics server: %s/metrics", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := cfddns.NewScheduler(a.engine, cfg.Interval.Std(), a.targets,
		cfddns.WithSchedulerLogger(log.StandardLogger().WithField("component", "scheduler")))
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if cfg.DryRun {
		log.Warn("dry run: no records will be changed")
	}

	<-ctx.Done()
	log.Info("shutting down, waiting for in-flight updates")
	s.Stop()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("metrics server shutdown: %s", err)
		}
	}
	return nil
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
